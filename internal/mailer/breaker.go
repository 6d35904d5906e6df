package mailer

import (
	"sync"
	"time"
)

// State is the breaker's admission mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the rolling-window breaker. Zero values take defaults.
type BreakerConfig struct {
	MinVolume             int
	ErrorThresholdPercent float64
	Cooldown              time.Duration
	RollingWindow         time.Duration
	Buckets               int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MinVolume <= 0 {
		c.MinVolume = 10
	}
	if c.ErrorThresholdPercent <= 0 || c.ErrorThresholdPercent > 100 {
		c.ErrorThresholdPercent = 50
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = 10 * time.Second
	}
	if c.Buckets <= 0 {
		c.Buckets = 10
	}
	if c.RollingWindow/time.Duration(c.Buckets) <= 0 {
		c.Buckets = 1
	}
	return c
}

// Transition is reported to the breaker's observer after the lock is released.
type Transition struct {
	From, To State
	At       time.Time
	// Failures and Total describe the window that caused a trip.
	Failures, Total int
}

// BreakerSnapshot is a point-in-time view for health reporting.
type BreakerSnapshot struct {
	State     string    `json:"state"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	TrialBusy bool      `json:"trial_in_flight"`
}

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Breaker is a failure-rate circuit breaker over a bucketed rolling window.
//
// In Closed it counts outcomes and opens once the window holds at least
// MinVolume calls and the failure percentage exceeds the threshold. Open
// rejects until Cooldown has passed, then exactly one trial is admitted in
// HalfOpen. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(Transition)

	state    State
	openedAt time.Time
	trial    bool
	window   []bucket
}

type BreakerOption func(*Breaker)

// WithBreakerClock injects the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// OnTransition registers the state change observer.
func OnTransition(fn func(Transition)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Apply swaps tuning in place. State and window are kept.
func (b *Breaker) Apply(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

// Allow asks for admission. trial is true when the call is the single
// half-open probe; the caller must then report back with Record or Release.
func (b *Breaker) Allow() (trial bool, err error) {
	var tr *Transition
	b.mu.Lock()
	now := b.now()
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		tr = b.setState(HalfOpen, now)
	}
	switch b.state {
	case Closed:
	case HalfOpen:
		if b.trial {
			err = ErrCircuitOpen
		} else {
			b.trial = true
			trial = true
		}
	default:
		err = ErrCircuitOpen
	}
	b.mu.Unlock()
	b.notify(tr)
	return trial, err
}

// Record reports the outcome of an admitted call. failed covers transport
// errors and timeouts.
func (b *Breaker) Record(trial, failed bool) {
	var tr *Transition
	b.mu.Lock()
	now := b.now()
	switch {
	case trial:
		b.trial = false
		if b.state != HalfOpen {
			break
		}
		if failed {
			b.openedAt = now
			tr = b.setState(Open, now)
		} else {
			b.window = b.window[:0]
			tr = b.setState(Closed, now)
		}
	case b.state == Closed:
		b.add(now, failed)
		if s, f := b.counts(now); s+f >= b.cfg.MinVolume && float64(f)*100 > b.cfg.ErrorThresholdPercent*float64(s+f) {
			b.openedAt = now
			tr = b.setState(Open, now)
			tr.Failures, tr.Total = f, s+f
		}
	}
	// Late results from calls admitted before a trip are not counted.
	b.mu.Unlock()
	b.notify(tr)
}

// Release returns an unused admission, e.g. when the caller gave up before
// the transport was reached.
func (b *Breaker) Release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, f := b.counts(b.now())
	snap := BreakerSnapshot{State: b.state.String(), Successes: s, Failures: f, TrialBusy: b.trial}
	if b.state != Closed {
		snap.OpenedAt = b.openedAt
	}
	return snap
}

func (b *Breaker) setState(to State, now time.Time) *Transition {
	if b.state == to {
		return nil
	}
	tr := &Transition{From: b.state, To: to, At: now}
	b.state = to
	return tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr != nil && b.onChange != nil {
		b.onChange(*tr)
	}
}

func (b *Breaker) bucketSize() time.Duration {
	return b.cfg.RollingWindow / time.Duration(b.cfg.Buckets)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	size := b.bucketSize()
	i := 0
	for i < len(b.window) && !b.window[i].start.Add(size).After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) add(now time.Time, failed bool) {
	b.prune(now)
	start := now.Truncate(b.bucketSize())
	if n := len(b.window); n == 0 || !b.window[n-1].start.Equal(start) {
		b.window = append(b.window, bucket{start: start})
	}
	last := &b.window[len(b.window)-1]
	if failed {
		last.failures++
	} else {
		last.successes++
	}
}

func (b *Breaker) counts(now time.Time) (successes, failures int) {
	b.prune(now)
	for _, bk := range b.window {
		successes += bk.successes
		failures += bk.failures
	}
	return successes, failures
}
