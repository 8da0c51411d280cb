// Package http exposes the screening service: REST handlers under
// /api/screener, the prometheus endpoint and the websocket run feed.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/admission"
	"github.com/confluxscan/confluxscan/internal/alerts"
	"github.com/confluxscan/confluxscan/internal/breaker"
	"github.com/confluxscan/confluxscan/internal/cache"
	"github.com/confluxscan/confluxscan/internal/engine"
	"github.com/confluxscan/confluxscan/internal/runstore"
	"github.com/confluxscan/confluxscan/internal/telemetry"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Config holds the server wiring.
type Config struct {
	Addr         string
	APIKeys      []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RequestTimeout bounds one whole request.
	RequestTimeout time.Duration
	// BreakerInterceptor wraps the screening routes in the response
	// classifying breaker.
	BreakerInterceptor bool
}

// DefaultConfig returns production timeouts.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:           addr,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   35 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Server owns the router and http.Server around the screening engine.
type Server struct {
	cfg       Config
	router    *mux.Router
	server    *http.Server
	engine    *engine.Engine
	runs      runstore.Store
	admission *admission.Layer
	alerter   *alerts.Alerter
	breakers  *breaker.Registry
	cache     *cache.SmartCache
	hub       *Hub

	apiKeys map[string]bool
}

// NewServer assembles the router. The admission layer and alerter must not
// be nil; the websocket hub is started by Run.
func NewServer(cfg Config, eng *engine.Engine, runs runstore.Store,
	adm *admission.Layer, alerter *alerts.Alerter,
	breakers *breaker.Registry, c *cache.SmartCache) *Server {

	s := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		engine:    eng,
		runs:      runs,
		admission: adm,
		alerter:   alerter,
		breakers:  breakers,
		cache:     c,
		hub:       NewHub(),
		apiKeys:   make(map[string]bool, len(cfg.APIKeys)),
	}
	for _, k := range cfg.APIKeys {
		s.apiKeys[k] = true
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.admission.Middleware)

	s.router.Handle("/metrics", telemetry.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/screener").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/ws", s.handleWS).Methods("GET")

	// Authenticated screening surface.
	screener := api.NewRoute().Subrouter()
	screener.Use(s.authMiddleware)
	if s.cfg.BreakerInterceptor {
		screener.Use(s.breakers.Get("http_screener").Middleware)
	}
	screener.HandleFunc("/run", s.handleRun).Methods("POST")
	screener.HandleFunc("/multi", s.handleRun).Methods("POST")
	screener.HandleFunc("/supported-symbols", s.handleSupportedSymbols).Methods("GET")
	screener.HandleFunc("/{runId}", s.handleRunByID).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware records every request and feeds error statuses to the
// alerter.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")

		telemetry.HTTPRequests.WithLabelValues(r.Method, r.URL.Path,
			statusClass(wrapper.statusCode)).Inc()
		if wrapper.statusCode >= 400 {
			s.alerter.RecordError(r.Context(), wrapper.statusCode, r.URL.Path)
		}
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket feed is long-lived and exempt.
		if r.URL.Path == "/api/screener/ws" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware enforces X-API-Key. With no keys configured the surface is
// open (development setups).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) > 0 && !s.apiKeys[r.Header.Get("X-API-Key")] {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or unknown API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Msg("http server draining")
	return s.server.Shutdown(shutdownCtx)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}

// responseWrapper captures the status code for logging and alerting.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
