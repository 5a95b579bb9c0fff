// Package pubsub implements the client-side engine between application
// code and a publish/subscribe service: batching publishers with per-key
// ordering lanes, watermark flow control on both directions, and
// at-least-once delivery sessions with ack-deadline leases. The wire
// transport underneath is an abstract collaborator (see Transport).
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Client owns a transport and hands out publishers and sessions built on
// it. Multiple clients, each with their own flow budgets, can coexist in
// one process.
type Client struct {
	transport Transport
	opts      options
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.RWMutex
	publishers map[string]*Publisher
	sessions   map[*session]struct{}
	closed     bool
}

func New(ctx context.Context, transport Transport, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, errors.New("pubsub: transport required")
	}
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		transport:  transport,
		opts:       base,
		ctx:        clientCtx,
		cancel:     cancel,
		publishers: map[string]*Publisher{},
		sessions:   map[*session]struct{}{},
	}, nil
}

// Publisher returns the batching publisher for a topic, creating it on
// first use. Publisher options apply only on creation.
func (c *Client) Publisher(topic string, opts ...PublisherOption) (*Publisher, error) {
	if topic == "" {
		return nil, errors.New("pubsub: topic required")
	}
	if err := c.guard(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if p, ok := c.publishers[topic]; ok {
		return p, nil
	}
	p := newPublisher(c.ctx, c.transport, topic, c.opts, opts)
	c.publishers[topic] = p
	return p, nil
}

// Subscribe starts a session pulling from a subscription and dispatching to
// handler under the configured concurrency cap.
func (c *Client) Subscribe(subscription string, handler Handler, opts ...SessionOption) (Session, error) {
	if subscription == "" {
		return nil, errors.New("pubsub: subscription required")
	}
	if handler == nil {
		return nil, errors.New("pubsub: handler required")
	}
	if err := c.guard(); err != nil {
		return nil, err
	}
	sub := newSession(c.ctx, c.transport, subscription, handler, c.opts, opts)
	sub.onStop = c.remove
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.sessions[sub] = struct{}{}
	c.mu.Unlock()
	sub.start()
	return sub, nil
}

// Shutdown drains every publisher and session and closes the transport.
// Work still outstanding when ctx expires is abandoned (publishes fail on
// client context cancellation; unsettled leases are force-expired).
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	publishers := make([]*Publisher, 0, len(c.publishers))
	for _, p := range c.publishers {
		publishers = append(publishers, p)
	}
	sessions := make([]*session, 0, len(c.sessions))
	for sub := range c.sessions {
		sessions = append(sessions, sub)
	}
	c.publishers = map[string]*Publisher{}
	c.sessions = map[*session]struct{}{}
	c.mu.Unlock()

	var errs []error
	for _, p := range publishers {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.Topic(), err))
		}
	}
	for _, sub := range sessions {
		if err := sub.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sub.Subscription(), err))
		}
	}
	c.cancel()
	if err := c.transport.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

func (c *Client) remove(sub *session) {
	c.mu.Lock()
	delete(c.sessions, sub)
	c.mu.Unlock()
}
