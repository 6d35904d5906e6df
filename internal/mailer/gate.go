package mailer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// GateConfig bounds outbound sends.
type GateConfig struct {
	MinSpacing    time.Duration
	MaxConcurrent int
}

// Gate admits sends in arrival order, at most MaxConcurrent at once and with
// at least MinSpacing between consecutive starts. Callers wait; nobody is
// turned away except by their own context.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	queued  atomic.Int64

	mu        sync.Mutex
	spacing   time.Duration
	lastStart time.Time
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter: rate.NewLimiter(spacingLimit(cfg.MinSpacing), 1),
		spacing: cfg.MinSpacing,
	}
}

func spacingLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// SetSpacing changes the minimum start spacing. The concurrency cap is fixed
// for the gate's lifetime.
func (g *Gate) SetSpacing(d time.Duration) {
	if d < 0 {
		d = 0
	}
	g.limiter.SetLimit(spacingLimit(d))
	g.mu.Lock()
	g.spacing = d
	g.mu.Unlock()
}

// Queued is the number of callers waiting for a slot.
func (g *Gate) Queued() int64 { return g.queued.Load() }

// Do runs fn once admitted. started reports whether fn was reached.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) (started bool, err error) {
	g.queued.Add(1)
	err = g.sem.Acquire(ctx, 1)
	g.queued.Add(-1)
	if err != nil {
		return false, err
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		return false, err
	}
	if err := g.holdSpacing(ctx); err != nil {
		return false, err
	}
	return true, fn(ctx)
}

// holdSpacing covers limiter wakeups that land slightly late for one caller
// and on time for the next.
func (g *Gate) holdSpacing(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.spacing > 0 && !g.lastStart.IsZero() {
		if wait := time.Until(g.lastStart.Add(g.spacing)); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	g.lastStart = time.Now()
	return nil
}
