package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/eventbus"
	logx "notifyd/pkg/logx"
)

var (
	// ErrCircuitOpen marks a call rejected without reaching the transport.
	ErrCircuitOpen = errors.New("mailer: circuit open")
	// ErrTimeout marks a transport call that exceeded the send timeout.
	ErrTimeout = errors.New("mailer: send timeout")
	// ErrNoRecipient is returned for an empty destination address.
	ErrNoRecipient = errors.New("mailer: no recipient")
)

// Mail is one outbound message.
type Mail struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Transport delivers a message and returns the provider's message id.
type Transport interface {
	Name() string
	Send(ctx context.Context, m Mail) (id string, err error)
}

type Status string

const (
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
)

// Result is the outcome of Dispatch. Err is nil only when Status is sent.
type Result struct {
	ID     string
	Status Status
	Err    error
}

func (r Result) OK() bool { return r.Status == StatusSent }

type Config struct {
	From        string
	SendTimeout time.Duration
	Breaker     BreakerConfig
	Gate        GateConfig
}

// Snapshot is the dispatcher's health view.
type Snapshot struct {
	Transport string          `json:"transport"`
	Breaker   BreakerSnapshot `json:"breaker"`
	Queued    int64           `json:"queued"`
}

type Dispatcher struct {
	transport Transport
	breaker   *Breaker
	gate      *Gate
	bus       eventbus.Bus
	log       logx.Logger

	mu          sync.RWMutex
	from        string
	sendTimeout time.Duration
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock injects the breaker's time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(cfg Config, transport Transport, bus eventbus.Bus, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	d := &Dispatcher{
		transport: transport,
		gate:      NewGate(cfg.Gate),
		bus:       bus,
		log:       log.With(logx.String("comp", "mailer"), logx.String("transport", transport.Name())),
	}
	d.breaker = NewBreaker(cfg.Breaker, WithBreakerClock(o.now), OnTransition(d.onTransition))
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	d.from = cfg.From
	d.sendTimeout = cfg.SendTimeout
}

// Apply hot-swaps breaker tuning, pacing and the send timeout. The
// concurrency cap and the transport need a restart.
func (d *Dispatcher) Apply(cfg Config) {
	d.breaker.Apply(cfg.Breaker)
	d.gate.SetSpacing(cfg.Gate.MinSpacing)
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
	d.log.Info("mailer config applied",
		logx.Duration("min_spacing", cfg.Gate.MinSpacing),
		logx.Int("min_volume", cfg.Breaker.MinVolume),
	)
}

func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{Transport: d.transport.Name(), Breaker: d.breaker.Snapshot(), Queued: d.gate.Queued()}
}

// Dispatch sends one email. It never panics and always returns a Result.
func (d *Dispatcher) Dispatch(ctx context.Context, to, subject, html string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: StatusFailed, Err: fmt.Errorf("mailer: transport panic: %v", r)}
			d.log.Error("email transport panicked", logx.Any("panic", r))
		}
	}()

	to = strings.TrimSpace(to)
	if to == "" {
		return Result{Status: StatusFailed, Err: ErrNoRecipient}
	}

	trial, err := d.breaker.Allow()
	if err != nil {
		d.log.Info("email rejected: circuit open", logx.String("subject", subject))
		d.publish(eventbus.MailRejected, map[string]any{"to": to})
		return Result{Status: StatusRejected, Err: err}
	}

	d.mu.RLock()
	mail := Mail{From: d.from, To: to, Subject: subject, HTML: html}
	timeout := d.sendTimeout
	d.mu.RUnlock()

	var id string
	started, err := d.gate.Do(ctx, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var sendErr error
		id, sendErr = d.transport.Send(sctx, mail)
		if sendErr != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			sendErr = fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, sendErr)
		}
		return sendErr
	})

	switch {
	case !started:
		d.breaker.Release(trial)
		d.log.Warn("email not sent: gave up waiting for send slot", logx.Err(err))
		return Result{Status: StatusFailed, Err: err}
	case err != nil && ctx.Err() != nil && !errors.Is(err, ErrTimeout):
		// Caller went away mid-send; not the provider's fault.
		d.breaker.Release(trial)
		return Result{Status: StatusFailed, Err: err}
	}

	d.breaker.Record(trial, err != nil)
	if err != nil {
		d.log.Warn("email not sent", logx.String("subject", subject), logx.Err(err))
		d.publish(eventbus.MailFailed, map[string]any{"to": to, "error": err.Error()})
		return Result{Status: StatusFailed, Err: err}
	}
	d.log.Debug("email sent", logx.String("subject", subject), logx.String("message_id", id))
	d.publish(eventbus.MailSent, map[string]any{"to": to, "id": id})
	return Result{ID: id, Status: StatusSent}
}

func (d *Dispatcher) onTransition(tr Transition) {
	fields := []logx.Field{
		logx.String("from", tr.From.String()),
		logx.String("to", tr.To.String()),
	}
	var typ string
	switch tr.To {
	case Open:
		typ = eventbus.CircuitOpen
		fields = append(fields, logx.Int("failures", tr.Failures), logx.Int("total", tr.Total))
		d.log.Error("email circuit opened", fields...)
	case HalfOpen:
		typ = eventbus.CircuitHalfOpen
		d.log.Warn("email circuit half-open; admitting one trial", fields...)
	default:
		typ = eventbus.CircuitClosed
		d.log.Info("email circuit closed", fields...)
	}
	d.publish(typ, map[string]any{"from": tr.From.String(), "to": tr.To.String()})
}

func (d *Dispatcher) publish(typ string, data map[string]any) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
