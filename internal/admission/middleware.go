package admission

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/telemetry"
)

// Config wires the admission middleware.
type Config struct {
	TrustedProxies []string
	Development    bool
}

// Layer bundles the limiter and tracker behind one mux middleware.
type Layer struct {
	cfg     Config
	limiter *WindowLimiter
	tracker *Tracker
}

// NewLayer builds the admission layer with its own limiter and tracker.
func NewLayer(cfg Config, trackerCfg TrackerConfig) *Layer {
	limiter := NewWindowLimiter()
	return &Layer{
		cfg:     cfg,
		limiter: limiter,
		tracker: NewTracker(trackerCfg, limiter),
	}
}

// Tracker exposes the violation tracker for metrics surfaces.
func (a *Layer) Tracker() *Tracker { return a.tracker }

// Stop terminates background sweeps.
func (a *Layer) Stop() { a.tracker.Stop() }

// exemptPath reports paths never admission-controlled.
func exemptPath(path string) bool {
	p := strings.ToLower(path)
	return strings.Contains(p, "health") ||
		strings.HasPrefix(p, "/metrics") ||
		strings.HasPrefix(p, "/openapi") ||
		strings.HasPrefix(p, "/static")
}

// Middleware applies tier limits, blocking and input validation.
func (a *Layer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := a.ClientIP(r)
		if a.exemptIP(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if blocked, until := a.tracker.IsBlocked(ip); blocked {
			retryAfter := time.Until(until)
			writeRateLimited(w, Decision{
				Tier:       ResolveTier(r.URL.Path).Name,
				Window:     time.Minute,
				RetryAfter: retryAfter,
				Reset:      until,
			})
			return
		}

		tier := ResolveTier(r.URL.Path)
		d := a.limiter.Allow(tier, ip)
		setRateLimitHeaders(w, tier, d)

		if !d.Allowed {
			a.tracker.RecordRateLimitHit(ip)
			telemetry.RateLimitBreaches.WithLabelValues(tier.Name).Inc()
			log.Warn().Str("ip", MaskIP(ip)).Str("tier", tier.Name).Msg("rate limit breached")
			writeRateLimited(w, d)
			return
		}

		if suspicious, err := a.validateQuery(r); err != nil {
			if suspicious {
				a.tracker.RecordSuspicious(ip)
			} else {
				a.tracker.RecordValidationFailure(ip)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error":   "VALIDATION_ERROR",
				"details": err.Error(),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Layer) validateQuery(r *http.Request) (suspicious bool, err error) {
	for name, values := range r.URL.Query() {
		for _, v := range values {
			if err := ValidateParam(name, v); err != nil {
				return SuspiciousInput(v), err
			}
			if symbolParams[strings.ToLower(name)] {
				for _, sym := range strings.Split(v, ",") {
					if err := ValidateSymbol(strings.TrimSpace(sym)); err != nil {
						return SuspiciousInput(sym), err
					}
				}
			}
		}
	}
	return false, nil
}

// NoteValidationFailure counts a request rejected past the middleware, such
// as a malformed body, against its caller. Exempt addresses are ignored.
func (a *Layer) NoteValidationFailure(r *http.Request) {
	if ip := a.ClientIP(r); !a.exemptIP(ip) {
		a.tracker.RecordValidationFailure(ip)
	}
}

// NoteSuspicious counts a body-borne injection signature against its caller.
func (a *Layer) NoteSuspicious(r *http.Request) {
	ip := a.ClientIP(r)
	if a.exemptIP(ip) {
		return
	}
	log.Warn().Str("ip", MaskIP(ip)).Str("path", r.URL.Path).Msg("suspicious request body")
	a.tracker.RecordSuspicious(ip)
}

// ClientIP resolves the caller address, honouring X-Forwarded-For only when
// the direct peer is a configured trusted proxy.
func (a *Layer) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	for _, proxy := range a.cfg.TrustedProxies {
		if host == proxy {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				parts := strings.Split(fwd, ",")
				return strings.TrimSpace(parts[0])
			}
		}
	}
	return host
}

// exemptIP: loopback always; private ranges only in development.
func (a *Layer) exemptIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() {
		return true
	}
	return a.cfg.Development && parsed.IsPrivate()
}

func setRateLimitHeaders(w http.ResponseWriter, tier Tier, d Decision) {
	w.Header().Set("RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	w.Header().Set("RateLimit-Policy",
		fmt.Sprintf("%d;w=%d", d.Limit, int(tier.Window.Seconds())))
	w.Header().Set("X-RateLimit-Tier", tier.Name)
}

func writeRateLimited(w http.ResponseWriter, d Decision) {
	retry := int(d.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      "RATE_LIMITED",
		"tier":       d.Tier,
		"limit":      d.Limit,
		"windowMs":   d.Window.Milliseconds(),
		"retryAfter": retry,
	})
}
