// Package google implements the transport capability set over Google Cloud
// Pub/Sub.
package google

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

type Config struct {
	ProjectID       string
	CredentialsJSON []byte
	Endpoint        string
	UserAgent       string
	// Client, when set, is used as-is and not closed by the transport.
	Client  *gcppubsub.Client
	Logger  pubsub.Logger
	Receive ReceiveSettings
}

// ReceiveSettings tune the underlying streaming pull. The engine applies
// its own flow control and lease management on top, so the client-side
// limits here are normally left generous.
type ReceiveSettings struct {
	NumGoroutines          int
	MaxOutstandingMessages int
	MaxOutstandingBytes    int
	MaxExtension           time.Duration
}

type transport struct {
	client     *gcppubsub.Client
	ownsClient bool
	logger     pubsub.Logger
	receive    ReceiveSettings

	mu      sync.Mutex
	topics  map[string]*gcppubsub.Topic
	pending map[string]*gcppubsub.Message
}

func New(ctx context.Context, cfg Config) (pubsub.Transport, error) {
	var (
		client *gcppubsub.Client
		err    error
		owns   bool
	)
	if cfg.Client != nil {
		client = cfg.Client
	} else {
		if cfg.ProjectID == "" {
			return nil, errors.New("googlepubsub: project id required when client is not provided")
		}
		opts := make([]option.ClientOption, 0, 3)
		if len(cfg.CredentialsJSON) > 0 {
			opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, option.WithUserAgent(cfg.UserAgent))
		}
		client, err = gcppubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("googlepubsub: create client: %w", err)
		}
		owns = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &transport{
		client:     client,
		ownsClient: owns,
		logger:     logger,
		receive:    cfg.Receive,
		topics:     map[string]*gcppubsub.Topic{},
		pending:    map[string]*gcppubsub.Message{},
	}, nil
}

func (t *transport) topic(name string) *gcppubsub.Topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	if topic, ok := t.topics[name]; ok {
		return topic
	}
	topic := t.client.Topic(name)
	topic.EnableMessageOrdering = true
	t.topics[name] = topic
	return topic
}

func (t *transport) SendBatch(ctx context.Context, topic string, envelopes []*pubsub.Envelope) ([]string, error) {
	if topic == "" {
		return nil, errors.New("googlepubsub: topic required")
	}
	gTopic := t.topic(topic)
	results := make([]*gcppubsub.PublishResult, len(envelopes))
	for i, env := range envelopes {
		results[i] = gTopic.Publish(ctx, &gcppubsub.Message{
			Data:        append([]byte(nil), env.Data...),
			Attributes:  cloneMap(env.Attributes),
			OrderingKey: env.OrderingKey,
		})
	}
	ids := make([]string, len(envelopes))
	for i, res := range results {
		id, err := res.Get(ctx)
		if err != nil {
			// The gcp client pauses a failed ordering key on its side;
			// resume it so the engine's own halt/resume stays in charge.
			for _, env := range envelopes {
				if env.OrderingKey != "" {
					gTopic.ResumePublish(env.OrderingKey)
				}
			}
			return nil, fmt.Errorf("googlepubsub: publish: %w", err)
		}
		ids[i] = id
	}
	return ids, nil
}

func (t *transport) OpenDeliveryStream(ctx context.Context, subscription string) (pubsub.DeliveryStream, error) {
	if subscription == "" {
		return nil, errors.New("googlepubsub: subscription required")
	}
	sub := t.client.Subscription(subscription)
	settings := sub.ReceiveSettings
	if t.receive.NumGoroutines > 0 {
		settings.NumGoroutines = t.receive.NumGoroutines
	}
	if t.receive.MaxOutstandingMessages > 0 {
		settings.MaxOutstandingMessages = t.receive.MaxOutstandingMessages
	}
	if t.receive.MaxOutstandingBytes > 0 {
		settings.MaxOutstandingBytes = t.receive.MaxOutstandingBytes
	}
	if t.receive.MaxExtension > 0 {
		settings.MaxExtension = t.receive.MaxExtension
	}
	sub.ReceiveSettings = settings

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		transport: t,
		msgs:      make(chan *pubsub.TransportMessage, 64),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		err := sub.Receive(streamCtx, func(_ context.Context, m *gcppubsub.Message) {
			handle := uuid.NewString()
			t.track(handle, m)
			tm := &pubsub.TransportMessage{
				Envelope: pubsub.Envelope{
					ID:          m.ID,
					Data:        append([]byte(nil), m.Data...),
					Attributes:  cloneMap(m.Attributes),
					OrderingKey: m.OrderingKey,
				},
				AckHandle:  handle,
				ReceivedAt: m.PublishTime,
			}
			if m.DeliveryAttempt != nil {
				tm.Attempt = int(*m.DeliveryAttempt)
			}
			select {
			case s.msgs <- tm:
			case <-streamCtx.Done():
				t.forget(handle)
				m.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn(ctx, "googlepubsub receive ended", "subscription", subscription, "err", err)
			s.err = err
		}
	}()
	return s, nil
}

func (t *transport) track(handle string, m *gcppubsub.Message) {
	t.mu.Lock()
	t.pending[handle] = m
	t.mu.Unlock()
}

func (t *transport) forget(handle string) *gcppubsub.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.pending[handle]
	if !ok {
		return nil
	}
	delete(t.pending, handle)
	return m
}

// ModifyAckDeadline maps a zero deadline to a nack. Positive extensions are
// a no-op: while a message is outstanding the gcp client library extends
// its deadline internally, up to ReceiveSettings.MaxExtension.
func (t *transport) ModifyAckDeadline(ctx context.Context, ackHandle string, deadline time.Duration) error {
	if deadline <= 0 {
		return t.Nack(ctx, ackHandle)
	}
	return nil
}

func (t *transport) Ack(_ context.Context, ackHandle string) error {
	if m := t.forget(ackHandle); m != nil {
		m.Ack()
	}
	return nil
}

func (t *transport) Nack(_ context.Context, ackHandle string) error {
	if m := t.forget(ackHandle); m != nil {
		m.Nack()
	}
	return nil
}

func (t *transport) Close(context.Context) error {
	t.mu.Lock()
	for name, topic := range t.topics {
		topic.Stop()
		delete(t.topics, name)
	}
	t.mu.Unlock()
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

type stream struct {
	transport *transport
	msgs      chan *pubsub.TransportMessage
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func (s *stream) Next(ctx context.Context) (*pubsub.TransportMessage, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, errors.New("googlepubsub: delivery stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
