package breaker

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// model mirrors the documented state machine for sequential calls.
type model struct {
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// For any sequence of succeeding/failing calls and clock advances, the breaker
// agrees with the reference model on state and on whether storage was touched.
func TestProperty_BreakerMatchesModel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		threshold := rapid.IntRange(1, 6).Draw(rt, "threshold")
		probes := rapid.IntRange(1, 4).Draw(rt, "probes")
		reset := time.Duration(rapid.IntRange(1, 120).Draw(rt, "resetSeconds")) * time.Second

		clock := newFakeClock()
		b := New("prop", Options{
			FailureThreshold:    threshold,
			ResetTimeout:        reset,
			HalfOpenMaxAttempts: probes,
			Now:                 clock.Now,
		})
		m := model{}

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "advance") {
				d := time.Duration(rapid.IntRange(0, 150).Draw(rt, "advanceSeconds")) * time.Second
				clock.Advance(d)
			}

			if m.state == Open && clock.Now().Sub(m.openedAt) >= reset {
				m.state, m.successes = HalfOpen, 0
			}

			failing := rapid.Bool().Draw(rt, "failing")
			touched := false
			err := b.Execute(context.Background(), "op", func(context.Context) error {
				touched = true
				if failing {
					return errStorage
				}
				return nil
			})

			switch m.state {
			case Open:
				if touched || !IsOpen(err) {
					rt.Fatalf("step %d: open breaker touched storage (touched=%v err=%v)", i, touched, err)
				}
			case Closed:
				if !touched {
					rt.Fatalf("step %d: closed breaker rejected a call", i)
				}
				if failing {
					m.failures++
					if m.failures >= threshold {
						m.state, m.failures, m.openedAt = Open, 0, clock.Now()
					}
				} else {
					m.failures = 0
				}
			case HalfOpen:
				if !touched {
					rt.Fatalf("step %d: half-open breaker rejected a sequential probe", i)
				}
				if failing {
					m.state, m.openedAt = Open, clock.Now()
				} else {
					m.successes++
					if m.successes >= probes {
						m.state, m.successes = Closed, 0
					}
				}
			}

			if got := b.State(); got != m.state {
				// State() may lazily half-open; reconcile the model the same way.
				if !(m.state == Open && got == HalfOpen && clock.Now().Sub(m.openedAt) >= reset) {
					rt.Fatalf("step %d: state = %s, model = %s", i, got, m.state)
				}
			}
		}
	})
}
