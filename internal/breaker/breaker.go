// Package breaker implements the circuit breaker fronting upstream calls,
// plus the retry/backoff policy and failure classification shared by the
// market-data client.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/telemetry"
)

// ErrCircuitOpen is returned when admission is rejected.
var ErrCircuitOpen = errors.New("circuit open")

// State of the breaker state machine.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// outcome of a recorded call.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral // classified as neither (e.g. plain 4xx)
)

// Config controls one breaker instance.
type Config struct {
	Name                     string
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	HalfOpenMaxCalls         int
	// Classify decides whether an error counts against the breaker. Nil
	// means every non-nil error is a failure.
	Classify func(error) bool
}

// DefaultConfig returns the settings used for market-data breakers.
func DefaultConfig(name string) Config {
	return Config{
		Name:                     name,
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 3,
		HalfOpenMaxCalls:         1,
	}
}

// Status is a read-only snapshot for health/metrics surfaces.
type Status struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// Breaker is a closed/open/half-open state machine. All transitions are
// serialized on the internal mutex; half-open admits at most
// HalfOpenMaxCalls concurrent probes.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state            State
	failureCount     int
	successCount     int
	lastFailureAt    time.Time
	halfOpenInFlight int

	now func() time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 3
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.publishState()
	return b
}

// Execute runs op iff admission is allowed, recording the outcome.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(b.classify(err))
	return err
}

// State returns the current state, applying the open -> half-open timeout
// transition lazily.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Snapshot returns the current status.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Status{
		Name:          b.cfg.Name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailureAt,
	}
}

func (b *Breaker) classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if b.cfg.Classify == nil || b.cfg.Classify(err) {
		return outcomeFailure
	}
	return outcomeNeutral
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenInFlight++
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (b *Breaker) record(o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		switch o {
		case outcomeSuccess:
			b.successCount++
			if b.successCount >= b.cfg.HalfOpenSuccessThreshold {
				b.transitionLocked(StateClosed)
			}
		case outcomeFailure:
			b.lastFailureAt = b.now()
			b.transitionLocked(StateOpen)
		}
	case StateClosed:
		switch o {
		case outcomeSuccess:
			if b.failureCount > 0 {
				b.failureCount--
			}
		case outcomeFailure:
			b.failureCount++
			b.lastFailureAt = b.now()
			if b.failureCount >= b.cfg.FailureThreshold {
				b.transitionLocked(StateOpen)
			}
		}
	case StateOpen:
		// A straggler admitted before the trip; only refresh the clock on
		// further failures so the reset window is honest.
		if o == outcomeFailure {
			b.lastFailureAt = b.now()
		}
	}
}

// maybeHalfOpenLocked applies open -> half-open once the reset timeout has
// elapsed since the last failure.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.lastFailureAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	switch to {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenInFlight = 0
	case StateHalfOpen:
		b.successCount = 0
		b.halfOpenInFlight = 0
	}
	b.publishState()
	log.Info().Str("breaker", b.cfg.Name).
		Str("from", from.String()).Str("to", to.String()).
		Msg("circuit state change")
}

func (b *Breaker) publishState() {
	telemetry.BreakerState.WithLabelValues(b.cfg.Name).Set(float64(b.state))
}

// Registry hands out named breakers, creating them on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults func(name string) Config
}

// NewRegistry creates a registry; defaults may be nil for DefaultConfig.
func NewRegistry(defaults func(name string) Config) *Registry {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return &Registry{breakers: make(map[string]*Breaker), defaults: defaults}
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(r.defaults(name))
	r.breakers[name] = b
	return b
}

// Snapshot returns the status of every registered breaker.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
