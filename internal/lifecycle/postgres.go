package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store persists lifecycle rows in postgres through sqlx.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open sqlx handle.
func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS signals (
		signal_id        TEXT PRIMARY KEY,
		symbol           TEXT NOT NULL,
		side             TEXT NOT NULL CHECK (side IN ('long','short')),
		confluence_score DOUBLE PRECISION NOT NULL,
		rr_target        DOUBLE PRECISION NOT NULL,
		expiry_minutes   INTEGER NOT NULL,
		rules_version    TEXT NOT NULL,
		ts_published     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signal_triggers (
		signal_id          TEXT PRIMARY KEY REFERENCES signals(signal_id),
		ts_triggered       TIMESTAMPTZ NOT NULL,
		entry_fill         DOUBLE PRECISION NOT NULL,
		time_to_trigger_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signal_invalidations (
		signal_id      TEXT PRIMARY KEY REFERENCES signals(signal_id),
		ts_invalidated TIMESTAMPTZ NOT NULL,
		reason         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signal_closures (
		signal_id        TEXT PRIMARY KEY REFERENCES signal_triggers(signal_id),
		ts_closed        TIMESTAMPTZ NOT NULL,
		rr_realized      DOUBLE PRECISION NOT NULL,
		time_in_trade_ms BIGINT NOT NULL,
		exit_reason      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS weekly_scorecard (
		week_start   DATE PRIMARY KEY,
		bins         JSONB NOT NULL,
		monotonic_ok BOOLEAN NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the lifecycle tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate lifecycle schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation matches the postgres duplicate-key error class.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// InsertPublished appends a published row. Re-publishing the same signal_id
// leaves the database unchanged.
func (s *Store) InsertPublished(ctx context.Context, sig Signal) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO signals
			(signal_id, symbol, side, confluence_score, rr_target,
			 expiry_minutes, rules_version, ts_published)
		VALUES
			(:signal_id, :symbol, :side, :confluence_score, :rr_target,
			 :expiry_minutes, :rules_version, :ts_published)`, sig)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// InsertTriggered appends a trigger row. A signal already invalidated or
// already triggered is rejected.
func (s *Store) InsertTriggered(ctx context.Context, t Trigger) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO signal_triggers
			(signal_id, ts_triggered, entry_fill, time_to_trigger_ms)
		SELECT :signal_id, :ts_triggered, :entry_fill, :time_to_trigger_ms
		WHERE NOT EXISTS (
			SELECT 1 FROM signal_invalidations WHERE signal_id = :signal_id)`, t)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("signal %s already triggered", t.SignalID)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signal %s already invalidated", t.SignalID)
	}
	return nil
}

// InsertInvalidated appends an invalidation row; triggered signals cannot be
// invalidated.
func (s *Store) InsertInvalidated(ctx context.Context, inv Invalidation) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO signal_invalidations (signal_id, ts_invalidated, reason)
		SELECT :signal_id, :ts_invalidated, :reason
		WHERE NOT EXISTS (
			SELECT 1 FROM signal_triggers WHERE signal_id = :signal_id)`, inv)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("signal %s already invalidated", inv.SignalID)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signal %s already triggered", inv.SignalID)
	}
	return nil
}

// InsertClosed appends a closure row; the foreign key requires an existing
// trigger.
func (s *Store) InsertClosed(ctx context.Context, c Closure) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO signal_closures
			(signal_id, ts_closed, rr_realized, time_in_trade_ms, exit_reason)
		VALUES
			(:signal_id, :ts_closed, :rr_realized, :time_in_trade_ms, :exit_reason)`, c)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("signal %s already closed", c.SignalID)
	}
	return err
}

// ClosedSignal joins a closure with its published confluence score; the
// scorecard bins on these.
type ClosedSignal struct {
	SignalID        string  `db:"signal_id"`
	ConfluenceScore float64 `db:"confluence_score"`
	RRRealized      float64 `db:"rr_realized"`
}

// ClosedInWeek returns signals published inside [weekStart, weekEnd) that
// have closed.
func (s *Store) ClosedInWeek(ctx context.Context, weekStart, weekEnd time.Time) ([]ClosedSignal, error) {
	var out []ClosedSignal
	err := s.db.SelectContext(ctx, &out, `
		SELECT s.signal_id, s.confluence_score, c.rr_realized
		FROM signals s
		JOIN signal_closures c ON c.signal_id = s.signal_id
		WHERE s.ts_published >= $1 AND s.ts_published < $2
		ORDER BY s.ts_published`, weekStart, weekEnd)
	if err != nil {
		return nil, fmt.Errorf("query closed signals: %w", err)
	}
	return out, nil
}

// UpsertScorecard stores one week's calibration result.
func (s *Store) UpsertScorecard(ctx context.Context, weekStart time.Time, bins interface{}, monotonicOK bool) error {
	raw, err := json.Marshal(bins)
	if err != nil {
		return fmt.Errorf("marshal scorecard bins: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO weekly_scorecard (week_start, bins, monotonic_ok, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (week_start)
		DO UPDATE SET bins = EXCLUDED.bins, monotonic_ok = EXCLUDED.monotonic_ok`,
		weekStart, raw, monotonicOK)
	return err
}

// HasScorecard reports whether a week already has a stored scorecard.
func (s *Store) HasScorecard(ctx context.Context, weekStart time.Time) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM weekly_scorecard WHERE week_start = $1`, weekStart)
	return n > 0, err
}
