package source

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Breaker tracks consecutive-failure state for one source.
type Breaker struct {
	mu                  sync.Mutex
	name                string
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// NewBreaker creates a closed breaker for the named source.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config = DefaultBreakerConfig()
	}
	return &Breaker{name: name, config: config}
}

// Allow checks whether a call to the source is permitted. Returns nil if
// allowed, or a SOURCE_UNAVAILABLE error while the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeSourceUnavailable,
			"circuit breaker open for source %q: %d consecutive failures, cooldown remaining",
			b.name, b.consecutiveFailures).
			WithDetails(map[string]any{
				"source":               b.name,
				"consecutive_failures": b.consecutiveFailures,
				"state":                b.state.String(),
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeSourceUnavailable,
				"circuit breaker half-open for source %q: max test requests reached", b.name)
		}
		b.halfOpenAttempts++
		return nil
	}
	return nil
}

// RecordSuccess resets the failure accounting and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure counts one failed call and returns the new circuit state.
func (b *Breaker) RecordFailure() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		b.state = CircuitOpen
		return CircuitOpen
	}
	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = CircuitOpen
		return CircuitOpen
	}
	return b.state
}

// State returns the current circuit state, applying the open-to-half-open
// cooldown transition.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

// Stats returns diagnostic information about the breaker.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"source":               b.name,
		"state":                b.state.String(),
		"consecutive_failures": b.consecutiveFailures,
		"failure_threshold":    b.config.FailureThreshold,
		"cooldown":             b.config.Cooldown.String(),
	}
}

// Guarded wraps an ExecutionSource with a circuit breaker. Calls are refused
// with SOURCE_UNAVAILABLE while the circuit is open; only transport-level
// failures trip the breaker, engine-level rejections do not.
type Guarded struct {
	inner   ExecutionSource
	breaker *Breaker
}

// NewGuarded wraps src with a breaker.
func NewGuarded(src ExecutionSource, config BreakerConfig) *Guarded {
	return &Guarded{
		inner:   src,
		breaker: NewBreaker(src.Name(), config),
	}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Breaker exposes the underlying breaker for health reporting.
func (g *Guarded) Breaker() *Breaker { return g.breaker }

func (g *Guarded) Ping(ctx context.Context) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	err := g.inner.Ping(ctx)
	g.record(err)
	return err
}

func (g *Guarded) Snapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	snap, err := g.inner.Snapshot(ctx, executionID)
	g.record(err)
	return snap, err
}

func (g *Guarded) Dispatch(ctx context.Context, executionID string, action schema.Action, params map[string]any) (*schema.DispatchResult, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	result, err := g.inner.Dispatch(ctx, executionID, action, params)
	g.record(err)
	return result, err
}

// record classifies the outcome. NOT_FOUND and rejections are healthy answers
// from the engine's point of view; everything else counts as a failure.
func (g *Guarded) record(err error) {
	if err == nil {
		g.breaker.RecordSuccess()
		return
	}
	if cerr, ok := err.(*schema.ControlError); ok {
		switch cerr.Code {
		case schema.ErrCodeNotFound, schema.ErrCodeCollaborator, schema.ErrCodeValidation:
			g.breaker.RecordSuccess()
			return
		}
	}
	g.breaker.RecordFailure()
}
