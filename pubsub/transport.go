package pubsub

import (
	"context"
	"time"
)

// Transport represents a concrete broker implementation.
// Implementations must be safe for concurrent use.
//
// The engine never retries transport calls: SendBatch is invoked exactly
// once per closed batch, and retry policy (including reopening a delivery
// stream after a disconnect) belongs to the transport collaborator.
type Transport interface {
	// SendBatch delivers a closed batch to the broker and returns the
	// server-assigned message IDs, index-aligned with envelopes.
	SendBatch(ctx context.Context, topic string, envelopes []*Envelope) ([]string, error)

	// OpenDeliveryStream opens an infinite stream of messages for a
	// subscription. The stream ends when the transport disconnects or the
	// context is canceled; reopening it is the caller's policy.
	OpenDeliveryStream(ctx context.Context, subscription string) (DeliveryStream, error)

	// ModifyAckDeadline extends (or, with a zero deadline, expires) the ack
	// deadline of a delivered message.
	ModifyAckDeadline(ctx context.Context, ackHandle string, deadline time.Duration) error

	Ack(ctx context.Context, ackHandle string) error
	Nack(ctx context.Context, ackHandle string) error

	Close(ctx context.Context) error
}

// DeliveryStream is a lazy sequence of received messages.
type DeliveryStream interface {
	Next(ctx context.Context) (*TransportMessage, error)
	Close() error
}

// Envelope holds the broker-facing message.
type Envelope struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
}

// size is the byte footprint counted against flow-control budgets.
// An empty envelope still counts one byte so release always matches admit.
func (e *Envelope) size() int64 {
	n := len(e.Data) + len(e.OrderingKey)
	for k, v := range e.Attributes {
		n += len(k) + len(v)
	}
	if n == 0 {
		n = 1
	}
	return int64(n)
}

// TransportMessage is passed from the transport to the engine.
type TransportMessage struct {
	Envelope
	AckHandle  string
	Attempt    int
	ReceivedAt time.Time
}

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(src))
	for k, v := range src {
		cloned[k] = v
	}
	return cloned
}
