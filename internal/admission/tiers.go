// Package admission implements tiered rate limiting, request validation and
// per-IP violation tracking in front of the screening routes.
package admission

import (
	"strings"
	"sync"
	"time"
)

// Tier is one admission class with a fixed-window budget.
type Tier struct {
	Name   string        `json:"name"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// The tier table. Matching is substring-based on the lowercased path;
// the most specific tier wins.
var (
	TierGeneral    = Tier{Name: "general", Limit: 100, Window: time.Minute}
	TierSensitive  = Tier{Name: "sensitive", Limit: 10, Window: time.Minute}
	TierAIAnalysis = Tier{Name: "ai_analysis", Limit: 5, Window: time.Minute}
	TierConfluence = Tier{Name: "confluence_screening", Limit: 3, Window: time.Minute}
	TierAuth       = Tier{Name: "auth", Limit: 5, Window: time.Minute}
)

// ResolveTier maps a request path to its admission tier. The screening run
// endpoints live on the confluence tier (legacy "/api/screening" paths were
// consolidated onto "/api/screener").
func ResolveTier(path string) Tier {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "screening/confluence"),
		strings.Contains(p, "screener/run"),
		strings.Contains(p, "screener/multi"):
		return TierConfluence
	case strings.Contains(p, "/auth"), strings.Contains(p, "/login"):
		return TierAuth
	case strings.Contains(p, "/ai"), strings.Contains(p, "signal"),
		strings.Contains(p, "screener"), strings.Contains(p, "analysis"):
		return TierAIAnalysis
	case strings.Contains(p, "complete"), strings.Contains(p, "orderbook"),
		strings.Contains(p, "multi-exchange"):
		return TierSensitive
	}
	return TierGeneral
}

// Decision is the outcome of one limiter check, carrying everything the
// middleware needs for the RateLimit-* headers.
type Decision struct {
	Allowed    bool
	Tier       string
	Limit      int
	Window     time.Duration
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

type windowCounter struct {
	count       int
	windowStart time.Time
}

// WindowLimiter keeps fixed-window counters per (tier, IP) key. A breached
// window still counts the breaching request, so the observable count within
// one window is at most limit+1.
type WindowLimiter struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time
}

// NewWindowLimiter creates an empty limiter.
func NewWindowLimiter() *WindowLimiter {
	return &WindowLimiter{
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

// Allow counts one request against the (tier, ip) window.
func (l *WindowLimiter) Allow(tier Tier, ip string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := tier.Name + "|" + ip
	now := l.now()

	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowStart) >= tier.Window {
		c = &windowCounter{windowStart: now}
		l.counters[key] = c
	}
	c.count++

	reset := c.windowStart.Add(tier.Window)
	remaining := tier.Limit - c.count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   c.count <= tier.Limit,
		Tier:      tier.Name,
		Limit:     tier.Limit,
		Window:    tier.Window,
		Remaining: remaining,
		Reset:     reset,
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

// Sweep drops counters whose window has long passed. Called from the
// tracker's cleanup ticker.
func (l *WindowLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, c := range l.counters {
		if now.Sub(c.windowStart) >= 2*time.Minute {
			delete(l.counters, key)
		}
	}
}
