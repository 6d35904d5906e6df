package mailer

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestGateSpacesConcurrentStarts(t *testing.T) {
	t.Parallel()
	const spacing = 40 * time.Millisecond
	g := NewGate(GateConfig{MinSpacing: spacing, MaxConcurrent: 1})

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := g.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
			if !started || err != nil {
				t.Errorf("Do = %v, %v", started, err)
			}
		}()
	}
	wg.Wait()

	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < spacing {
			t.Fatalf("gap %d = %v, want >= %v", i, gap, spacing)
		}
	}
}

func TestGateCallerGivesUp(t *testing.T) {
	t.Parallel()
	g := NewGate(GateConfig{MaxConcurrent: 1})
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = g.Do(context.Background(), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	defer close(release)
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	started, err := g.Do(ctx, func(context.Context) error { called = true; return nil })
	if started || called || err == nil {
		t.Fatalf("Do = started %v called %v err %v, want abandoned", started, called, err)
	}
}
