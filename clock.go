package retryafter

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock supplies the current time and a cancellable sleep to the Transport.
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep waits for d to elapse, returning nil, or until ctx is done,
	// returning ctx.Err(). A non-positive d returns immediately.
	Sleep(ctx context.Context, d time.Duration) error
}

// NewClock returns a Clock backed by c. If c is nil, the real wall clock is
// used. Passing a *clock.Mock gives full manual control over time: a Sleep
// only returns once the mock has been moved past its deadline, or its
// context is done.
func NewClock(c clock.Clock) Clock {
	if c == nil {
		c = clock.New()
	}
	return timerClock{c: c}
}

type timerClock struct {
	c clock.Clock
}

func (tc timerClock) Now() time.Time {
	return tc.c.Now()
}

func (tc timerClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	t := tc.c.Timer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// FakeClock is a deterministic Clock for tests. Sleep never blocks: it
// records the requested duration and moves the clock forward by that much.
type FakeClock struct {
	mock *clock.Mock

	mu     sync.Mutex
	sleeps []time.Duration
}

// NewFakeClock returns a FakeClock whose current time is start.
func NewFakeClock(start time.Time) *FakeClock {
	m := clock.NewMock()
	m.Set(start)
	return &FakeClock{mock: m}
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	return f.mock.Now()
}

// Sleep records d and advances the clock by d. It fails only if ctx is
// already done, in which case nothing is recorded.
func (f *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.mock.Add(d)
	}
	return nil
}

// Advance moves the clock forward by d without recording a sleep.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mock.Add(d)
}

// Sleeps returns a copy of the durations requested so far, in order.
func (f *FakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}
