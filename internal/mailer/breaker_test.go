package mailer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBreakerTripsAfterMinVolume(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	var transitions []Transition
	b := NewBreaker(BreakerConfig{MinVolume: 10, ErrorThresholdPercent: 50, Cooldown: time.Minute},
		WithBreakerClock(clk.Now), OnTransition(func(tr Transition) { transitions = append(transitions, tr) }))

	// Nine failures stay under the minimum volume.
	for i := 0; i < 9; i++ {
		if _, err := b.Allow(); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		b.Record(false, true)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed below min volume", b.State())
	}

	if _, err := b.Allow(); err != nil {
		t.Fatalf("Allow #10: %v", err)
	}
	b.Record(false, true)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	if _, err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow while open = %v, want ErrCircuitOpen", err)
	}
	if len(transitions) != 1 || transitions[0].To != Open || transitions[0].Total != 10 {
		t.Fatalf("transitions = %+v, want one open with total 10", transitions)
	}
}

func TestBreakerThresholdIsStrict(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBreaker(BreakerConfig{MinVolume: 10, ErrorThresholdPercent: 50}, WithBreakerClock(clk.Now))
	for i := 0; i < 10; i++ {
		b.Record(false, i%2 == 0)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed at exactly 50%%", b.State())
	}
	b.Record(false, true)
	if b.State() != Open {
		t.Fatalf("state = %v, want open above 50%%", b.State())
	}
}

func TestBreakerWindowExpires(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBreaker(BreakerConfig{MinVolume: 4, RollingWindow: 10 * time.Second, Buckets: 10}, WithBreakerClock(clk.Now))
	for i := 0; i < 3; i++ {
		b.Record(false, true)
	}
	clk.Advance(11 * time.Second)
	b.Record(false, true)
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed after old failures aged out", b.State())
	}
	if s := b.Snapshot(); s.Failures != 1 {
		t.Fatalf("window failures = %d, want 1", s.Failures)
	}
}

func tripped(t *testing.T, clk *fakeClock) *Breaker {
	t.Helper()
	b := NewBreaker(BreakerConfig{MinVolume: 2, Cooldown: time.Minute}, WithBreakerClock(clk.Now))
	b.Record(false, true)
	b.Record(false, true)
	if b.State() != Open {
		t.Fatalf("setup: state = %v, want open", b.State())
	}
	return b
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := tripped(t, clk)

	clk.Advance(59 * time.Second)
	if _, err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow before cooldown = %v, want ErrCircuitOpen", err)
	}
	clk.Advance(time.Second)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		trials int
		admits int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trial, err := b.Allow()
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admits++
			}
			if trial {
				trials++
			}
		}()
	}
	wg.Wait()
	if admits != 1 || trials != 1 {
		t.Fatalf("admitted %d (trials %d), want exactly 1", admits, trials)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	b.Record(true, false)
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed after good trial", b.State())
	}
	if s := b.Snapshot(); s.Failures != 0 || s.Successes != 0 {
		t.Fatalf("window not reset: %+v", s)
	}
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := tripped(t, clk)
	clk.Advance(time.Minute)

	trial, err := b.Allow()
	if err != nil || !trial {
		t.Fatalf("Allow after cooldown = %v, %v; want trial", trial, err)
	}
	b.Record(true, true)
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	// Cooldown restarts from the failed trial.
	clk.Advance(30 * time.Second)
	if _, err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerReleaseFreesTrial(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := tripped(t, clk)
	clk.Advance(time.Minute)

	trial, _ := b.Allow()
	b.Release(trial)
	again, err := b.Allow()
	if err != nil || !again {
		t.Fatalf("Allow after release = %v, %v; want a new trial", again, err)
	}
}
