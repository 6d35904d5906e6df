// Package transport defines the inbound message shape shared by pub/sub sources.
package transport

import (
	"context"
	"time"
)

// Message is one raw delivery from the bus.
type Message struct {
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}

// Source delivers messages in arrival order per channel until stopped.
type Source interface {
	// Start begins delivering into out. It returns once the subscription is
	// running; delivery continues in the background until ctx is done or Stop.
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
	Channels() []string
}
