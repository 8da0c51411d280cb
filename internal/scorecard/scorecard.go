// Package scorecard produces the weekly calibration report: winrate per
// confluence bin over the week's closed signals. A non-monotonic curve means
// the score is miscalibrated and pages the operator.
package scorecard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/lifecycle"
	"github.com/confluxscan/confluxscan/internal/notify"
)

// Bin is one confluence band with its realized winrate.
type Bin struct {
	Label   string  `json:"label"`
	Low     float64 `json:"low"`
	High    float64 `json:"high"` // exclusive; the top bin is open-ended
	Samples int     `json:"samples"`
	Winrate float64 `json:"winrate"`
}

func emptyBins() []Bin {
	return []Bin{
		{Label: "0.50-0.59", Low: 0.50, High: 0.60},
		{Label: "0.60-0.69", Low: 0.60, High: 0.70},
		{Label: "0.70-0.79", Low: 0.70, High: 0.80},
		{Label: ">=0.80", Low: 0.80, High: 1.01},
	}
}

// Report is one generated scorecard.
type Report struct {
	WeekStart   time.Time `json:"week_start"`
	Bins        []Bin     `json:"bins"`
	MonotonicOK bool      `json:"monotonic_ok"`
}

// computeBins buckets closed signals and checks winrate monotonicity over
// bins holding at least one sample. Signals below the lowest band are not
// binned.
func computeBins(signals []lifecycle.ClosedSignal) ([]Bin, bool) {
	bins := emptyBins()
	wins := make([]int, len(bins))
	for _, s := range signals {
		for i := range bins {
			if s.ConfluenceScore >= bins[i].Low && s.ConfluenceScore < bins[i].High {
				bins[i].Samples++
				if s.RRRealized > 0 {
					wins[i]++
				}
				break
			}
		}
	}

	monotonic := true
	prev := -1.0
	for i := range bins {
		if bins[i].Samples == 0 {
			continue
		}
		bins[i].Winrate = float64(wins[i]) / float64(bins[i].Samples)
		if bins[i].Winrate < prev {
			monotonic = false
		}
		prev = bins[i].Winrate
	}
	return bins, monotonic
}

// Job generates and stores scorecards. Generation is single-flight;
// overlapping triggers coalesce into the in-progress run.
type Job struct {
	store    *lifecycle.Store
	notifier notify.Notifier
	loc      *time.Location

	mu      sync.Mutex
	running bool

	now func() time.Time
}

// NewJob wires the scorecard job. A nil notifier falls back to the log
// transport.
func NewJob(store *lifecycle.Store, notifier notify.Notifier, loc *time.Location) *Job {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Job{store: store, notifier: notifier, loc: loc, now: time.Now}
}

// WeekStart returns Monday 00:00 of t's week in loc.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	days := (int(t.Weekday()) + 6) % 7 // Monday = 0
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -days)
}

// Generate builds and stores the scorecard for the week starting weekStart.
// Returns nil without error when another generation is already running.
func (j *Job) Generate(ctx context.Context, weekStart time.Time) (*Report, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		log.Debug().Msg("scorecard generation already in flight")
		return nil, nil
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	weekEnd := weekStart.AddDate(0, 0, 7)
	signals, err := j.store.ClosedInWeek(ctx, weekStart, weekEnd)
	if err != nil {
		return nil, err
	}

	bins, monotonic := computeBins(signals)
	report := &Report{WeekStart: weekStart, Bins: bins, MonotonicOK: monotonic}

	if err := j.store.UpsertScorecard(ctx, weekStart, bins, monotonic); err != nil {
		return nil, fmt.Errorf("store scorecard: %w", err)
	}

	log.Info().Time("week_start", weekStart).Bool("monotonic_ok", monotonic).
		Int("signals", len(signals)).Msg("weekly scorecard generated")

	if !monotonic {
		if err := j.notifier.Notify(ctx, notify.SeverityHigh, degradedMessage(report)); err != nil {
			log.Warn().Err(err).Msg("scorecard degradation alert failed")
		}
	}
	return report, nil
}

func degradedMessage(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scorecard calibration degraded for week %s:",
		r.WeekStart.Format("2006-01-02"))
	for _, bin := range r.Bins {
		if bin.Samples == 0 {
			continue
		}
		fmt.Fprintf(&b, " %s winrate %.0f%% (n=%d)", bin.Label, bin.Winrate*100, bin.Samples)
	}
	return b.String()
}

// completedWeek is the start of the most recently finished week as of now.
// At a Monday boundary this is the week that just closed, not the one that
// just began.
func (j *Job) completedWeek() time.Time {
	return WeekStart(j.now(), j.loc).AddDate(0, 0, -7)
}

// Run drives the weekly schedule until ctx is cancelled. On startup the
// previous week is backfilled when its scorecard is missing.
func (j *Job) Run(ctx context.Context) {
	j.catchUp(ctx)
	for {
		next := WeekStart(j.now().In(j.loc).AddDate(0, 0, 7), j.loc)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Generate(ctx, j.completedWeek()); err != nil {
				log.Error().Err(err).Msg("scheduled scorecard generation failed")
			}
		}
	}
}

// catchUp generates last week's scorecard when the process slept through the
// boundary.
func (j *Job) catchUp(ctx context.Context) {
	lastWeek := j.completedWeek()
	exists, err := j.store.HasScorecard(ctx, lastWeek)
	if err != nil {
		log.Warn().Err(err).Msg("scorecard catch-up check failed")
		return
	}
	if exists {
		return
	}
	if _, err := j.Generate(ctx, lastWeek); err != nil {
		log.Error().Err(err).Msg("scorecard catch-up generation failed")
	}
}
