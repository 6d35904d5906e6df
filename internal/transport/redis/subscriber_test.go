package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"notifyd/internal/transport"
	logx "notifyd/pkg/logx"
)

type fakePubSub struct {
	msgs chan *goredis.Message
	fail error
}

func (f *fakePubSub) Receive(ctx context.Context) (interface{}, error) {
	return &goredis.Subscription{Kind: "subscribe"}, nil
}

func (f *fakePubSub) ReceiveMessage(ctx context.Context) (*goredis.Message, error) {
	select {
	case m, ok := <-f.msgs:
		if !ok {
			return nil, f.fail
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakePubSub) Close() error { return nil }

func TestSubscriberForwardsInOrderAndResubscribes(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	first := &fakePubSub{msgs: make(chan *goredis.Message, 2), fail: errors.New("connection reset")}
	first.msgs <- &goredis.Message{Channel: "events", Payload: "1"}
	first.msgs <- &goredis.Message{Channel: "events", Payload: "2"}
	close(first.msgs)
	second := &fakePubSub{msgs: make(chan *goredis.Message, 1)}
	second.msgs <- &goredis.Message{Channel: "user.deleted", Payload: "3"}

	sub := newSubscriber(func(ctx context.Context, chs ...string) pubSub {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return first
		}
		return second
	}, []string{"events", "user.deleted"}, logx.Nop())

	out := make(chan transport.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sub.Start(ctx, out); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	var got []string
	deadline := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case m := <-out:
			got = append(got, string(m.Payload))
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("order = %v", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := sub.Stop(stopCtx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if sub.Received() != 3 {
		t.Fatalf("Received = %d, want 3", sub.Received())
	}
}
