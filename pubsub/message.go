package pubsub

import (
	"context"
	"sync"
	"time"
)

// Handler processes a delivered message. Returning nil acks the message;
// returning an error (or panicking) nacks it and the service redelivers.
type Handler interface {
	Handle(ctx context.Context, m *Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, m *Message) error

func (f HandlerFunc) Handle(ctx context.Context, m *Message) error {
	return f(ctx, m)
}

// Message is a received message whose lease is held by a session until the
// handler settles it. Ack and Nack are idempotent; the first call wins.
type Message struct {
	id          string
	data        []byte
	attributes  map[string]string
	orderingKey string
	attempt     int
	receivedAt  time.Time

	ackOnce  sync.Once
	nackOnce sync.Once
	ackFn    func() error
	nackFn   func() error
	done     <-chan struct{}
}

func newMessage(src *TransportMessage, ack, nack func() error, done <-chan struct{}) *Message {
	return &Message{
		id:          src.ID,
		data:        src.Data,
		attributes:  cloneMap(src.Attributes),
		orderingKey: src.OrderingKey,
		attempt:     src.Attempt,
		receivedAt:  src.ReceivedAt,
		ackFn:       ack,
		nackFn:      nack,
		done:        done,
	}
}

func (m *Message) ID() string { return m.id }

func (m *Message) Data() []byte { return append([]byte(nil), m.data...) }

func (m *Message) Attributes() map[string]string { return cloneMap(m.attributes) }

func (m *Message) OrderingKey() string { return m.orderingKey }

func (m *Message) Attempt() int { return m.attempt }

func (m *Message) ReceivedAt() time.Time { return m.receivedAt }

// Ack settles the lease as successfully processed.
func (m *Message) Ack() error {
	var err error
	m.ackOnce.Do(func() {
		if m.ackFn != nil {
			err = m.ackFn()
		}
	})
	return err
}

// Nack settles the lease and requests redelivery.
func (m *Message) Nack() error {
	var err error
	m.nackOnce.Do(func() {
		if m.nackFn != nil {
			err = m.nackFn()
		}
	})
	return err
}

// Done is closed once the lease leaves the table, whether by settlement or
// expiry.
func (m *Message) Done() <-chan struct{} { return m.done }
