// Package humanize adds human-like timing and motion to scripted browser
// interaction: jittered delays and non-linear mouse/scroll paths, aimed at
// the kind of timing/motion signals behavioral bot detection looks at.
package humanize

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrElementNotVisible is returned when a target element can't be resolved
// to visible on-page bounds.
var ErrElementNotVisible = errors.New("element not visible or has no bounds")

// RandomDuration returns a uniformly random duration in [minMs, maxMs]. If
// the range is empty or inverted it returns minMs unchanged.
func RandomDuration(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + rand.Intn(maxMs-minMs+1)
	return time.Duration(ms) * time.Millisecond
}

// sleepWithContext sleeps for d or returns early if ctx is done, reporting
// which happened. Uses time.NewTimer rather than time.After to avoid
// leaking a timer when cancellation wins the race.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SleepWithContext sleeps for d, returning false early if ctx is cancelled
// first.
func SleepWithContext(ctx context.Context, d time.Duration) bool {
	return sleepWithContext(ctx, d)
}

// SleepWithJitter sleeps for base plus or minus up to jitterPercent of base
// (clamped to [0,1]), so repeated waits of the "same" delay don't land on
// an identical, fingerprintable interval.
func SleepWithJitter(ctx context.Context, base time.Duration, jitterPercent float64) bool {
	if jitterPercent < 0 {
		jitterPercent = 0
	}
	if jitterPercent > 1 {
		jitterPercent = 1
	}

	jitterRange := float64(base) * jitterPercent
	jitter := (rand.Float64()*2 - 1) * jitterRange

	duration := time.Duration(float64(base) + jitter)
	if duration < 0 {
		duration = 0
	}

	return sleepWithContext(ctx, duration)
}
