// Package inmem implements the transport capability set against an
// in-process broker, for tests and local development. It honors ack
// deadlines: unacked messages are redelivered with an incremented attempt
// counter once their deadline lapses or they are nacked.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

const queueDepth = 4096

type Option func(*Broker)

// WithAckDeadline sets the initial ack deadline granted on delivery.
func WithAckDeadline(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.ackDeadline = d
		}
	}
}

// Broker is an in-process topic/subscription fabric.
type Broker struct {
	ackDeadline time.Duration

	mu      sync.Mutex
	topics  map[string][]string
	queues  map[string]*queue
	pending map[string]*delivery
	closed  bool
}

type queue struct {
	msgs chan *pubsub.TransportMessage
	done chan struct{}
}

type delivery struct {
	sub     string
	env     pubsub.Envelope
	attempt int
	timer   *time.Timer
}

func New(opts ...Option) *Broker {
	b := &Broker{
		ackDeadline: 10 * time.Second,
		topics:      map[string][]string{},
		queues:      map[string]*queue{},
		pending:     map[string]*delivery{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateTopic registers a topic. Creating an existing topic is a no-op.
func (b *Broker) CreateTopic(topic string) {
	b.mu.Lock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = nil
	}
	b.mu.Unlock()
}

// CreateSubscription attaches a subscription to a topic, creating the topic
// as needed.
func (b *Broker) CreateSubscription(topic, subscription string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[subscription]; ok {
		return
	}
	b.topics[topic] = append(b.topics[topic], subscription)
	b.queues[subscription] = &queue{
		msgs: make(chan *pubsub.TransportMessage, queueDepth),
		done: make(chan struct{}),
	}
}

func (b *Broker) SendBatch(ctx context.Context, topic string, envelopes []*pubsub.Envelope) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("inmem: broker closed")
	}
	subs, ok := b.topics[topic]
	if !ok {
		return nil, errors.New("inmem: topic not found: " + topic)
	}
	ids := make([]string, len(envelopes))
	for i, env := range envelopes {
		id := uuid.NewString()
		ids[i] = id
		stamped := pubsub.Envelope{
			ID:          id,
			Data:        append([]byte(nil), env.Data...),
			Attributes:  clone(env.Attributes),
			OrderingKey: env.OrderingKey,
		}
		for _, sub := range subs {
			b.deliverLocked(sub, stamped, 1)
		}
	}
	return ids, nil
}

// deliverLocked hands one envelope to a subscription queue and arms its
// redelivery timer.
func (b *Broker) deliverLocked(sub string, env pubsub.Envelope, attempt int) {
	q, ok := b.queues[sub]
	if !ok {
		return
	}
	handle := uuid.NewString()
	d := &delivery{sub: sub, env: env, attempt: attempt}
	d.timer = time.AfterFunc(b.ackDeadline, func() { b.expire(handle) })
	b.pending[handle] = d
	msg := &pubsub.TransportMessage{
		Envelope:   env,
		AckHandle:  handle,
		Attempt:    attempt,
		ReceivedAt: time.Now(),
	}
	select {
	case q.msgs <- msg:
	default:
		go func() {
			select {
			case q.msgs <- msg:
			case <-q.done:
			}
		}()
	}
}

// expire redelivers a message whose ack deadline lapsed without settlement.
func (b *Broker) expire(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.pending[handle]
	if !ok || b.closed {
		return
	}
	delete(b.pending, handle)
	b.deliverLocked(d.sub, d.env, d.attempt+1)
}

func (b *Broker) OpenDeliveryStream(ctx context.Context, subscription string) (pubsub.DeliveryStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("inmem: broker closed")
	}
	q, ok := b.queues[subscription]
	if !ok {
		return nil, errors.New("inmem: subscription not found: " + subscription)
	}
	return &stream{q: q}, nil
}

func (b *Broker) ModifyAckDeadline(ctx context.Context, ackHandle string, deadline time.Duration) error {
	if deadline <= 0 {
		return b.Nack(ctx, ackHandle)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.pending[ackHandle]; ok {
		d.timer.Reset(deadline)
	}
	return nil
}

func (b *Broker) Ack(_ context.Context, ackHandle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.pending[ackHandle]; ok {
		d.timer.Stop()
		delete(b.pending, ackHandle)
	}
	return nil
}

func (b *Broker) Nack(_ context.Context, ackHandle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.pending[ackHandle]
	if !ok {
		return nil
	}
	d.timer.Stop()
	delete(b.pending, ackHandle)
	if !b.closed {
		b.deliverLocked(d.sub, d.env, d.attempt+1)
	}
	return nil
}

func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, d := range b.pending {
		d.timer.Stop()
	}
	b.pending = map[string]*delivery{}
	for _, q := range b.queues {
		close(q.done)
	}
	return nil
}

// Pending reports deliveries awaiting settlement, for tests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

type stream struct {
	q *queue
}

func (s *stream) Next(ctx context.Context) (*pubsub.TransportMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.q.done:
		return nil, errors.New("inmem: broker closed")
	case msg := <-s.q.msgs:
		return msg, nil
	}
}

// Close is a no-op; the queue survives so a reopened stream resumes where
// the last one left off.
func (s *stream) Close() error { return nil }

func clone(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
