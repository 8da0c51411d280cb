// Package alerts watches the API error stream and raises operator alerts
// when error rates cross thresholds.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/notify"
)

// Config holds the alerting thresholds. All counts apply to one sliding
// observation window.
type Config struct {
	Window   time.Duration
	Cooldown time.Duration

	ServerErrorThreshold int // 5xx responses
	RateLimitThreshold   int // 429 responses
	TotalErrorThreshold  int // any error status
}

// DefaultConfig matches production tuning.
func DefaultConfig() Config {
	return Config{
		Window:               5 * time.Minute,
		Cooldown:             15 * time.Minute,
		ServerErrorThreshold: 10,
		RateLimitThreshold:   20,
		TotalErrorThreshold:  25,
	}
}

type errorEvent struct {
	at       time.Time
	status   int
	endpoint string
}

// Alerter accumulates error events and fires at most one alert per
// cooldown. The notifier is invoked outside the lock so a slow transport
// cannot back up request handling.
type Alerter struct {
	mu        sync.Mutex
	cfg       Config
	events    []errorEvent
	lastAlert time.Time

	notifier notify.Notifier
	now      func() time.Time
}

// New builds an alerter. A nil notifier falls back to the log transport.
func New(cfg Config, notifier notify.Notifier) *Alerter {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Alerter{cfg: cfg, notifier: notifier, now: time.Now}
}

// RecordError notes one failed response and fires an alert when a
// threshold is crossed.
func (a *Alerter) RecordError(ctx context.Context, status int, endpoint string) {
	if status < 400 {
		return
	}

	a.mu.Lock()
	now := a.now()
	a.events = append(a.events, errorEvent{at: now, status: status, endpoint: endpoint})
	a.prune(now)

	severity, message, fire := a.evaluate(now)
	if fire {
		a.lastAlert = now
		a.events = a.events[:0] // fresh window after an alert
	}
	a.mu.Unlock()

	if fire {
		if err := a.notifier.Notify(ctx, severity, message); err != nil {
			log.Warn().Err(err).Msg("error alert delivery failed")
		}
	}
}

// prune drops events outside the window. Callers hold the lock.
func (a *Alerter) prune(now time.Time) {
	cutoff := now.Add(-a.cfg.Window)
	i := 0
	for ; i < len(a.events); i++ {
		if a.events[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		a.events = append(a.events[:0], a.events[i:]...)
	}
}

// evaluate decides whether thresholds are crossed and composes the alert.
// Callers hold the lock.
func (a *Alerter) evaluate(now time.Time) (notify.Severity, string, bool) {
	if now.Sub(a.lastAlert) < a.cfg.Cooldown {
		return "", "", false
	}

	var serverErrs, rateLimited int
	for _, e := range a.events {
		switch {
		case e.status >= 500:
			serverErrs++
		case e.status == 429:
			rateLimited++
		}
	}
	total := len(a.events)

	triggered := serverErrs >= a.cfg.ServerErrorThreshold ||
		rateLimited >= a.cfg.RateLimitThreshold ||
		total >= a.cfg.TotalErrorThreshold
	if !triggered {
		return "", "", false
	}

	severity := notify.SeverityWarning
	switch {
	case serverErrs >= 15 || total >= 35:
		severity = notify.SeverityCritical
	case serverErrs >= 5 || total >= 15:
		severity = notify.SeverityHigh
	}

	msg := fmt.Sprintf(
		"API error surge: %d errors in %s (5xx=%d, 429=%d). Recent: %s",
		total, a.cfg.Window, serverErrs, rateLimited, a.recentEndpoints())
	return severity, msg, true
}

// recentEndpoints lists up to five distinct endpoints from the newest
// events. Callers hold the lock.
func (a *Alerter) recentEndpoints() string {
	seen := make(map[string]bool)
	var out []string
	for i := len(a.events) - 1; i >= 0 && len(out) < 5; i-- {
		ep := a.events[i].endpoint
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}
	return strings.Join(out, ", ")
}
