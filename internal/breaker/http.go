package breaker

import (
	"encoding/json"
	"net/http"
)

// statusRecorder captures the status a handler wrote so the interceptor can
// classify the response once, at the edge.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware is the response-interceptor variant of the breaker: it wraps a
// handler, classifies 200-399 as success and >= 500 (plus 429) as failure;
// other 4xx responses leave the breaker untouched. When the circuit is open
// callers receive 503.
func (b *Breaker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := b.allow(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "CIRCUIT_OPEN",
				"message": "service temporarily unavailable",
			})
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		switch {
		case rec.status >= 200 && rec.status < 400:
			b.record(outcomeSuccess)
		case rec.status >= 500 || rec.status == http.StatusTooManyRequests:
			b.record(outcomeFailure)
		default:
			b.record(outcomeNeutral)
		}
	})
}
