package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/metrics"
)

// State is the breaker's position in its state machine.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold    = 5
	DefaultResetTimeout        = 60 * time.Second
	DefaultHalfOpenMaxAttempts = 3
)

// Options configures a Breaker. Zero values fall back to the defaults.
type Options struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int

	// Now is the clock. Tests inject a controllable one.
	Now func() time.Time

	// IsFailure decides whether a non-nil operation error counts against the
	// breaker. Errors it rejects are treated as successes: storage answered.
	// Nil means every error counts.
	IsFailure func(error) bool

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	if o.HalfOpenMaxAttempts <= 0 {
		o.HalfOpenMaxAttempts = DefaultHalfOpenMaxAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.IsFailure == nil {
		o.IsFailure = func(error) bool { return true }
	}
	return o
}

// Snapshot is a read-only view of a breaker for health reporting.
type Snapshot struct {
	Name              string    `json:"name"`
	State             string    `json:"state"`
	Failures          int       `json:"failures"`
	HalfOpenSuccesses int       `json:"halfOpenSuccesses"`
	OpenedAt          time.Time `json:"openedAt,omitempty"`
}

// Breaker is a circuit breaker state machine. It is safe for concurrent use.
type Breaker struct {
	name   string
	opts   Options
	logger zerolog.Logger

	mu                sync.Mutex
	state             State
	generation        uint64 // bumped on every transition; stale outcomes are dropped
	failures          int
	halfOpenSuccesses int
	halfOpenInFlight  int
	openedAt          time.Time
}

// New creates a closed breaker.
func New(name string, opts Options) *Breaker {
	opts = opts.withDefaults()
	b := &Breaker{
		name:   name,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "breaker").Str("breaker", name).Logger(),
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying a due Open to HalfOpen
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Snapshot returns the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Snapshot{
		Name:              b.name,
		State:             b.state.String(),
		Failures:          b.failures,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		OpenedAt:          b.openedAt,
	}
}

// Execute runs op under the breaker. While open it returns a
// *CircuitOpenError without calling op. Otherwise op's error is returned
// unchanged after the outcome has been recorded.
func (b *Breaker) Execute(ctx context.Context, label string, op func(context.Context) error) error {
	gen, err := b.admit(label)
	if err != nil {
		return err
	}

	start := b.opts.Now()
	opErr := op(ctx)
	metrics.StorageLatency.WithLabelValues(b.name).Observe(b.opts.Now().Sub(start).Seconds())

	b.record(gen, label, outcomeOf(ctx, opErr, b.opts.IsFailure))
	return opErr
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, b *Breaker, label string, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, label, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type outcome int

const (
	success outcome = iota
	failure
	neutral
)

func outcomeOf(ctx context.Context, err error, isFailure func(error) bool) outcome {
	switch {
	case err == nil:
		return success
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The caller went away; says nothing about storage health.
		return neutral
	case isFailure(err):
		return failure
	default:
		return success
	}
}

func (b *Breaker) admit(label string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case Open:
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		retry := b.opts.ResetTimeout - b.opts.Now().Sub(b.openedAt)
		if retry < 0 {
			retry = 0
		}
		return 0, &CircuitOpenError{Breaker: b.name, Label: label, RetryAfter: retry}
	case HalfOpen:
		if b.halfOpenInFlight >= b.opts.HalfOpenMaxAttempts {
			metrics.BreakerRejections.WithLabelValues(b.name).Inc()
			return 0, &CircuitOpenError{Breaker: b.name, Label: label}
		}
		b.halfOpenInFlight++
	}
	return b.generation, nil
}

func (b *Breaker) record(gen uint64, label string, out outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}

	switch b.state {
	case Closed:
		switch out {
		case success:
			b.failures = 0
		case failure:
			b.failures++
			if b.failures >= b.opts.FailureThreshold {
				b.logger.Warn().
					Str("operation", label).
					Int("failures", b.failures).
					Msg("failure threshold reached, opening circuit")
				b.transitionLocked(Open)
			}
		}
	case HalfOpen:
		b.halfOpenInFlight--
		switch out {
		case success:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.opts.HalfOpenMaxAttempts {
				b.transitionLocked(Closed)
			}
		case failure:
			b.logger.Warn().Str("operation", label).Msg("probe failed, reopening circuit")
			b.transitionLocked(Open)
		}
	}
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && b.opts.Now().Sub(b.openedAt) >= b.opts.ResetTimeout {
		b.transitionLocked(HalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.generation++
	b.failures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	if to == Open {
		b.openedAt = b.opts.Now()
	} else {
		b.openedAt = time.Time{}
	}

	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	b.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
}
