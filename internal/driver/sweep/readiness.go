// internal/driver/sweep/readiness.go
package sweep

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// readinessMonitor waits for the motor to settle by polling a single
// round-trip predicate. Each poll completes before the next starts, so at
// most one readiness query is ever outstanding.
type readinessMonitor struct {
	clock   clock.Clock
	initial time.Duration
	max     time.Duration
}

func newReadinessMonitor(clk clock.Clock, initial, max time.Duration) *readinessMonitor {
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &readinessMonitor{clock: clk, initial: initial, max: max}
}

// wait polls isReady until it reports true, doubling the pause between polls
// up to the configured maximum. It returns early on a poll error, when ctx
// ends or when stop is closed.
func (m *readinessMonitor) wait(ctx context.Context, stop <-chan struct{}, isReady func(context.Context) (bool, error)) (int, error) {
	delay := m.initial
	polls := 0
	for {
		ready, err := isReady(ctx)
		polls++
		if err != nil {
			return polls, err
		}
		if ready {
			return polls, nil
		}

		timer := m.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return polls, ctx.Err()
		case <-stop:
			timer.Stop()
			return polls, errStopped
		}

		delay *= 2
		if delay > m.max {
			delay = m.max
		}
	}
}
