// Package redis subscribes to redis pub/sub channels.
package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/transport"
	logx "notifyd/pkg/logx"
)

// pubSub is the part of *goredis.PubSub the receive loop uses.
type pubSub interface {
	Receive(ctx context.Context) (interface{}, error)
	ReceiveMessage(ctx context.Context) (*goredis.Message, error)
	Close() error
}

type subscribeFunc func(ctx context.Context, channels ...string) pubSub

// Subscriber forwards redis pub/sub messages to a transport channel.
//
// The receive loop runs under a restart supervisor so a dropped connection
// resubscribes with backoff. Delivery blocks when the consumer is busy; redis
// buffers on its side meanwhile.
type Subscriber struct {
	channels  []string
	subscribe subscribeFunc
	log       logx.Logger

	mu  sync.Mutex
	sup *rtsup.Supervisor

	received atomic.Uint64
}

// NewSubscriber uses client for a dedicated pub/sub connection.
func NewSubscriber(client *goredis.Client, channels []string, log logx.Logger) *Subscriber {
	return newSubscriber(func(ctx context.Context, chs ...string) pubSub {
		return client.Subscribe(ctx, chs...)
	}, channels, log)
}

func newSubscriber(fn subscribeFunc, channels []string, log logx.Logger) *Subscriber {
	return &Subscriber{
		channels:  append([]string(nil), channels...),
		subscribe: fn,
		log:       log.With(logx.String("comp", "redis.subscriber")),
	}
}

func (s *Subscriber) Channels() []string { return append([]string(nil), s.channels...) }

// Received counts messages forwarded since start.
func (s *Subscriber) Received() uint64 { return s.received.Load() }

func (s *Subscriber) Start(ctx context.Context, out chan<- transport.Message) error {
	if len(s.channels) == 0 {
		return errors.New("redis subscriber: no channels")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("redis.receive", func(c context.Context) error {
		return s.receive(c, out)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 15*time.Second))
	return nil
}

func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// receive runs one subscription until ctx is done or the connection fails.
func (s *Subscriber) receive(ctx context.Context, out chan<- transport.Message) error {
	ps := s.subscribe(ctx, s.channels...)
	defer ps.Close()

	// Wait for the subscription confirmation so failures surface here.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("subscribed", logx.Strings("channels", s.channels))

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m := transport.Message{Channel: msg.Channel, Payload: []byte(msg.Payload), ReceivedAt: time.Now()}
		select {
		case out <- m:
			s.received.Add(1)
		case <-ctx.Done():
			return nil
		}
	}
}
