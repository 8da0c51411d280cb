// Package lifecycle records the published / triggered / invalidated / closed
// history of emitted signals. Emissions are observability only and must never
// fail a request path.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Signal is the published row.
type Signal struct {
	SignalID        string    `db:"signal_id" json:"signal_id"`
	Symbol          string    `db:"symbol" json:"symbol"`
	Side            string    `db:"side" json:"side"` // long | short
	ConfluenceScore float64   `db:"confluence_score" json:"confluence_score"`
	RRTarget        float64   `db:"rr_target" json:"rr_target"`
	ExpiryMinutes   int       `db:"expiry_minutes" json:"expiry_minutes"`
	RulesVersion    string    `db:"rules_version" json:"rules_version"`
	TsPublished     time.Time `db:"ts_published" json:"ts_published"`
}

// Trigger marks an entry fill.
type Trigger struct {
	SignalID        string    `db:"signal_id" json:"signal_id"`
	TsTriggered     time.Time `db:"ts_triggered" json:"ts_triggered"`
	EntryFill       float64   `db:"entry_fill" json:"entry_fill"`
	TimeToTriggerMs int64     `db:"time_to_trigger_ms" json:"time_to_trigger_ms"`
}

// Invalidation marks a signal voided before entry.
type Invalidation struct {
	SignalID      string    `db:"signal_id" json:"signal_id"`
	TsInvalidated time.Time `db:"ts_invalidated" json:"ts_invalidated"`
	Reason        string    `db:"reason" json:"reason"`
}

// Closure marks the final exit of a triggered signal.
type Closure struct {
	SignalID      string    `db:"signal_id" json:"signal_id"`
	TsClosed      time.Time `db:"ts_closed" json:"ts_closed"`
	RRRealized    float64   `db:"rr_realized" json:"rr_realized"`
	TimeInTradeMs int64     `db:"time_in_trade_ms" json:"time_in_trade_ms"`
	ExitReason    string    `db:"exit_reason" json:"exit_reason"`
}

func (s Signal) validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("signal_id required")
	}
	if s.Side != "long" && s.Side != "short" {
		return fmt.Errorf("side %q must be long or short", s.Side)
	}
	if s.ConfluenceScore < 0 || s.ConfluenceScore > 1 {
		return fmt.Errorf("confluence_score %.3f outside [0,1]", s.ConfluenceScore)
	}
	return nil
}

// Emitter is the request-path facade over the store. When the feature flag
// is off or no database is configured every method is a silent no-op;
// database failures are logged and swallowed.
type Emitter struct {
	store   *Store
	enabled bool
}

// NewEmitter wires the emitter. A nil store disables it regardless of flag.
func NewEmitter(store *Store, enabled bool) *Emitter {
	return &Emitter{store: store, enabled: enabled && store != nil}
}

// Enabled reports whether emissions reach storage.
func (e *Emitter) Enabled() bool { return e.enabled }

// Publish records a published signal. Duplicate signal IDs are a no-op.
func (e *Emitter) Publish(ctx context.Context, s Signal) {
	if !e.enabled {
		return
	}
	if err := s.validate(); err != nil {
		log.Warn().Err(err).Str("signal_id", s.SignalID).Msg("dropping invalid signal event")
		return
	}
	if err := e.store.InsertPublished(ctx, s); err != nil {
		log.Warn().Err(err).Str("signal_id", s.SignalID).Msg("signal publish emission failed")
	}
}

// Triggered records an entry fill.
func (e *Emitter) Triggered(ctx context.Context, t Trigger) {
	if !e.enabled {
		return
	}
	if err := e.store.InsertTriggered(ctx, t); err != nil {
		log.Warn().Err(err).Str("signal_id", t.SignalID).Msg("signal trigger emission failed")
	}
}

// Invalidated records a pre-entry invalidation.
func (e *Emitter) Invalidated(ctx context.Context, inv Invalidation) {
	if !e.enabled {
		return
	}
	if err := e.store.InsertInvalidated(ctx, inv); err != nil {
		log.Warn().Err(err).Str("signal_id", inv.SignalID).Msg("signal invalidation emission failed")
	}
}

// Closed records the final exit.
func (e *Emitter) Closed(ctx context.Context, c Closure) {
	if !e.enabled {
		return
	}
	if err := e.store.InsertClosed(ctx, c); err != nil {
		log.Warn().Err(err).Str("signal_id", c.SignalID).Msg("signal closure emission failed")
	}
}
