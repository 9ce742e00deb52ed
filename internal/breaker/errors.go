package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrOpen matches any *CircuitOpenError via errors.Is.
var ErrOpen = errors.New("circuit breaker open")

// CircuitOpenError is returned when a call is rejected without invoking the
// operation.
type CircuitOpenError struct {
	// Breaker is the name of the rejecting breaker.
	Breaker string
	// Label identifies the rejected operation, e.g. "createMessage".
	Label string
	// RetryAfter is the remaining time until the breaker will admit a probe.
	// Zero while half-open probes are saturated.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open: %s rejected", e.Breaker, e.Label)
}

// Is reports whether target is ErrOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrOpen
}

// IsOpen reports whether err is (or wraps) a breaker rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}
