// Package pipeline turns inbound bus messages into routed events.
//
// Each message is handled as an independent task under a supervisor. A
// weighted semaphore bounds the number of tasks in flight; when it is
// exhausted the intake loop waits, so a burst slows receipt instead of
// growing without bound.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"notifyd/internal/eventbus"
	"notifyd/internal/events"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/transport"
	logx "notifyd/pkg/logx"
)

// Normalizer converts a raw message into canonical events.
type Normalizer interface {
	Normalize(ctx context.Context, channel string, raw []byte) ([]events.Event, error)
}

// Router handles one canonical event. It must not panic on bad input, but
// panics are captured per task regardless.
type Router interface {
	Route(ctx context.Context, ev events.Event)
}

type Config struct {
	MaxConcurrent int
	EventTimeout  time.Duration
}

// Stats are best-effort counters for health output.
type Stats struct {
	Received int64  `json:"received"`
	Routed   int64  `json:"routed"`
	Dropped  int64  `json:"dropped"`
	InFlight int64  `json:"in_flight"`
	Panics   uint64 `json:"panics"`
}

// DroppedMessage is the Data of an eventbus.EventDropped signal.
type DroppedMessage struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

type Pipeline struct {
	cfg    Config
	norm   Normalizer
	router Router
	bus    eventbus.Bus
	log    logx.Logger

	sem *semaphore.Weighted

	mu  sync.Mutex
	sup *rtsup.Supervisor

	received atomic.Int64
	routed   atomic.Int64
	dropped  atomic.Int64
	inFlight atomic.Int64
}

func New(cfg Config, norm Normalizer, router Router, bus eventbus.Bus, log logx.Logger) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Pipeline{
		cfg:    cfg,
		norm:   norm,
		router: router,
		bus:    bus,
		log:    log.With(logx.String("comp", "pipeline")),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Run consumes in until ctx is done or in is closed. In-flight tasks keep
// running; use Drain to wait for them.
func (p *Pipeline) Run(ctx context.Context, in <-chan transport.Message) error {
	sup := p.supervisor()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.Submit(ctx, sup, msg); err != nil {
				return nil
			}
		}
	}
}

// Submit spawns the task for one message, waiting for a free slot.
func (p *Pipeline) Submit(ctx context.Context, sup *rtsup.Supervisor, msg transport.Message) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.received.Add(1)
	p.inFlight.Add(1)
	sup.Go0("pipeline.task", func(taskCtx context.Context) {
		defer func() {
			p.inFlight.Add(-1)
			p.sem.Release(1)
		}()
		tctx, cancel := context.WithTimeout(taskCtx, p.cfg.EventTimeout)
		defer cancel()
		p.process(tctx, msg)
	})
	return nil
}

func (p *Pipeline) process(ctx context.Context, msg transport.Message) {
	evs, err := p.norm.Normalize(ctx, msg.Channel, msg.Payload)
	if err != nil {
		p.dropped.Add(1)
		p.bus.Publish(eventbus.Event{Type: eventbus.EventDropped, Data: DroppedMessage{Channel: msg.Channel, Reason: err.Error()}})
		if events.Ignorable(err) {
			p.log.Debug("message ignored", logx.String("channel", msg.Channel), logx.Err(err))
			return
		}
		p.log.Warn("message dropped", logx.String("channel", msg.Channel), logx.Int("bytes", len(msg.Payload)), logx.Err(err))
		return
	}
	for _, ev := range evs {
		if ctx.Err() != nil {
			p.log.Warn("event timed out before routing",
				logx.String("type", string(ev.Type)), logx.String("user_id", ev.AffectedUserID))
			return
		}
		p.router.Route(ctx, ev)
		p.routed.Add(1)
	}
}

func (p *Pipeline) supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup == nil {
		// Tasks outlive the intake context so shutdown can drain them.
		p.sup = rtsup.NewSupervisor(context.Background(), rtsup.WithLogger(p.log))
	}
	return p.sup
}

// Drain waits for in-flight tasks until ctx is done, then cancels the rest.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	// Task panics surface through Wait too; they were logged when captured.
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		sup.Cancel()
		p.log.Warn("pipeline drain deadline reached; cancelling tasks", logx.Int64("in_flight", p.inFlight.Load()))
		return err
	}
	return nil
}

func (p *Pipeline) Stats() Stats {
	st := Stats{
		Received: p.received.Load(),
		Routed:   p.routed.Load(),
		Dropped:  p.dropped.Load(),
		InFlight: p.inFlight.Load(),
	}
	p.mu.Lock()
	if p.sup != nil {
		st.Panics = p.sup.Counters().Panics
	}
	p.mu.Unlock()
	return st
}
