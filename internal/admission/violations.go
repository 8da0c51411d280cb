package admission

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// TrackerConfig holds the blocking thresholds and decay windows.
type TrackerConfig struct {
	DecayWindow     time.Duration
	BlockDuration   time.Duration
	CleanupInterval time.Duration

	RateLimitHitThreshold    int
	ValidationFailThreshold  int
	SuspiciousThreshold      int
	TotalViolationsThreshold int
}

// DefaultTrackerConfig matches the admission contract.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		DecayWindow:              15 * time.Minute,
		BlockDuration:            30 * time.Minute,
		CleanupInterval:          5 * time.Minute,
		RateLimitHitThreshold:    8,
		ValidationFailThreshold:  5,
		SuspiciousThreshold:      3,
		TotalViolationsThreshold: 10,
	}
}

// Record accumulates one IP's violations inside the decay window.
type Record struct {
	RateLimitHits        int       `json:"rate_limit_hits"`
	ValidationFailures   int       `json:"validation_failures"`
	SuspiciousActivities int       `json:"suspicious_activities"`
	FirstViolation       time.Time `json:"first_violation"`
	LastViolation        time.Time `json:"last_violation"`
	BlockedUntil         time.Time `json:"blocked_until,omitempty"`
}

func (r *Record) total() int {
	return r.RateLimitHits + r.ValidationFailures + r.SuspiciousActivities
}

// Tracker owns the per-IP violation records. All access is serialized; the
// cleanup sweep holds the lock for the compaction.
type Tracker struct {
	mu      sync.Mutex
	cfg     TrackerConfig
	records map[string]*Record
	limiter *WindowLimiter // swept together with the records

	now    func() time.Time
	stopCh chan struct{}
	stopMu sync.Once
}

// NewTracker creates the tracker and starts its cleanup loop when an
// interval is configured. The limiter may be nil.
func NewTracker(cfg TrackerConfig, limiter *WindowLimiter) *Tracker {
	t := &Tracker{
		cfg:     cfg,
		records: make(map[string]*Record),
		limiter: limiter,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go t.cleanupLoop()
	}
	return t
}

// Stop terminates the cleanup loop.
func (t *Tracker) Stop() {
	t.stopMu.Do(func() { close(t.stopCh) })
}

type violationKind int

const (
	kindRateLimit violationKind = iota
	kindValidation
	kindSuspicious
)

// RecordRateLimitHit notes a 429 for the IP and applies blocking thresholds.
func (t *Tracker) RecordRateLimitHit(ip string) { t.record(ip, kindRateLimit) }

// RecordValidationFailure notes a rejected input for the IP.
func (t *Tracker) RecordValidationFailure(ip string) { t.record(ip, kindValidation) }

// RecordSuspicious notes suspicious activity (injection signatures etc).
func (t *Tracker) RecordSuspicious(ip string) { t.record(ip, kindSuspicious) }

func (t *Tracker) record(ip string, kind violationKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	r, ok := t.records[ip]
	if !ok || (now.Sub(r.LastViolation) > t.cfg.DecayWindow && now.After(r.BlockedUntil)) {
		r = &Record{FirstViolation: now}
		t.records[ip] = r
	}
	r.LastViolation = now

	switch kind {
	case kindRateLimit:
		r.RateLimitHits++
	case kindValidation:
		r.ValidationFailures++
	case kindSuspicious:
		r.SuspiciousActivities++
	}

	if r.RateLimitHits >= t.cfg.RateLimitHitThreshold ||
		r.ValidationFailures >= t.cfg.ValidationFailThreshold ||
		r.SuspiciousActivities >= t.cfg.SuspiciousThreshold ||
		r.total() >= t.cfg.TotalViolationsThreshold {
		r.BlockedUntil = now.Add(t.cfg.BlockDuration)
	}
}

// IsBlocked reports whether the IP has an active block and until when.
func (t *Tracker) IsBlocked(ip string) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[ip]
	if !ok {
		return false, time.Time{}
	}
	if t.now().Before(r.BlockedUntil) {
		return true, r.BlockedUntil
	}
	return false, time.Time{}
}

// BlockedIPs lists currently blocked addresses, masked when requested (the
// production metrics surface never shows full addresses).
func (t *Tracker) BlockedIPs(mask bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]string, 0)
	for ip, r := range t.records {
		if now.Before(r.BlockedUntil) {
			if mask {
				out = append(out, MaskIP(ip))
			} else {
				out = append(out, ip)
			}
		}
	}
	sort.Strings(out)
	return out
}

// MaskIP keeps the first two IPv4 octets and replaces the rest; IPv6
// addresses keep the first two groups.
func MaskIP(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
		parts := strings.Split(parsed.To4().String(), ".")
		return fmt.Sprintf("%s.%s.*.*", parts[0], parts[1])
	}
	if i := strings.Index(ip, ":"); i >= 0 {
		groups := strings.Split(ip, ":")
		if len(groups) > 2 {
			return groups[0] + ":" + groups[1] + ":*"
		}
	}
	return "*"
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Cleanup()
			if t.limiter != nil {
				t.limiter.Sweep()
			}
		}
	}
}

// Cleanup drops records past the decay window with no active block.
func (t *Tracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for ip, r := range t.records {
		if now.Sub(r.LastViolation) > t.cfg.DecayWindow && now.After(r.BlockedUntil) {
			delete(t.records, ip)
		}
	}
}
