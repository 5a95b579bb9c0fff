package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infigaming-com/go-pubsub/pubsub/internal/flow"
)

// Publisher accumulates messages for one topic into batches bounded by
// message count, byte size, and linger time, and sends them asynchronously.
// Publish returns a PublishResult handle immediately; backpressure from the
// flow controller is the only thing that blocks the caller.
type Publisher struct {
	topic     string
	transport Transport
	opts      publisherOptions
	flow      *flow.Controller
	results   *completions
	hooks     Hooks
	logger    Logger
	ctx       context.Context

	mu       sync.Mutex
	batch    *openBatch
	lastSend chan struct{}
	lanes    map[string]*lane
	stopped  bool
	sends    sync.WaitGroup
}

type openBatch struct {
	envelopes []*Envelope
	results   []*PublishResult
	sizes     []int64
	bytes     int64
	timer     *time.Timer
}

// NewPublisher builds a standalone publisher for one topic. Clients
// normally obtain publishers through Client.Publisher instead.
func NewPublisher(transport Transport, topic string, opts ...PublisherOption) *Publisher {
	return newPublisher(context.Background(), transport, topic, options{}, opts)
}

func newPublisher(ctx context.Context, transport Transport, topic string, base options, opts []PublisherOption) *Publisher {
	po := defaultPublisherOptions()
	for _, opt := range opts {
		opt(&po)
	}
	logger := base.logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Publisher{
		topic:     topic,
		transport: transport,
		opts:      po,
		flow:      flow.New(po.flowLimits.internal()),
		results:   newCompletions(),
		hooks:     base.hooks,
		logger:    logger,
		ctx:       ctx,
		lanes:     map[string]*lane{},
	}
}

func (p *Publisher) Topic() string { return p.topic }

// Publish enqueues the message into the current open batch (or its ordering
// lane) and returns without waiting for the send. It blocks only while the
// publish-side flow controller is over its watermark; ctx bounds that wait.
func (p *Publisher) Publish(ctx context.Context, env *Envelope) (*PublishResult, error) {
	if env == nil {
		return nil, errors.New("pubsub: envelope required")
	}
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil, ErrPublisherStopped
	}
	size := env.size()
	if err := p.flow.Acquire(ctx, size, 1); err != nil {
		return nil, admissionError(err)
	}
	if env.OrderingKey != "" {
		return p.publishOrdered(ctx, env, size)
	}
	return p.publishUnordered(ctx, env, size)
}

func (p *Publisher) publishUnordered(ctx context.Context, env *Envelope, size int64) (*PublishResult, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.flow.Release(size, 1)
		return nil, ErrPublisherStopped
	}
	// Close the open batch first if this message would push it past a limit.
	if b := p.batch; b != nil &&
		(len(b.envelopes)+1 > p.opts.maxBatchMessages || b.bytes+size > p.opts.maxBatchBytes) {
		p.closeBatchLocked()
	}
	if p.batch == nil {
		b := &openBatch{}
		b.timer = time.AfterFunc(p.opts.linger, func() { p.lingerExpired(b) })
		p.batch = b
	}
	res := p.results.add()
	b := p.batch
	b.envelopes = append(b.envelopes, env)
	b.results = append(b.results, res)
	b.sizes = append(b.sizes, size)
	b.bytes += size
	res.setCancel(func() bool { return p.cancelUnordered(res) })
	if len(b.envelopes) >= p.opts.maxBatchMessages || b.bytes >= p.opts.maxBatchBytes {
		p.closeBatchLocked()
	}
	p.mu.Unlock()
	if p.hooks.OnPublish != nil {
		p.hooks.OnPublish(ctx, p.topic, cloneMap(env.Attributes))
	}
	return res, nil
}

// closeBatchLocked swaps in a nil batch so concurrent publishers never see
// a half-closed one, then hands the closed batch to the sender. Unordered
// batches are chained so SendBatch sees them in the order they closed.
func (p *Publisher) closeBatchLocked() {
	b := p.batch
	p.batch = nil
	if b == nil {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.envelopes) == 0 {
		return
	}
	for _, r := range b.results {
		r.setCancel(nil)
	}
	prev := p.lastSend
	done := make(chan struct{})
	p.lastSend = done
	p.sends.Add(1)
	go func() {
		defer p.sends.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		p.send(b)
	}()
}

func (p *Publisher) lingerExpired(b *openBatch) {
	p.mu.Lock()
	if p.batch == b {
		p.closeBatchLocked()
	}
	p.mu.Unlock()
}

func (p *Publisher) send(b *openBatch) {
	start := time.Now()
	ids, err := p.transport.SendBatch(p.ctx, p.topic, b.envelopes)
	if err == nil && len(ids) != len(b.envelopes) {
		err = fmt.Errorf("pubsub: transport returned %d ids for %d messages", len(ids), len(b.envelopes))
	}
	p.settleBatch(b.envelopes, b.results, b.sizes, ids, err)
	if p.hooks.OnBatchSend != nil {
		p.hooks.OnBatchSend(p.ctx, p.topic, len(b.envelopes), b.bytes, time.Since(start), err)
	}
	if err != nil {
		p.logger.Warn(p.ctx, "batch send failed", "topic", p.topic, "messages", len(b.envelopes), "err", err)
	}
}

// settleBatch resolves every entry of a sent batch and releases its flow
// budget. The release happens exactly once per message on the terminal
// transition, success or failure alike.
func (p *Publisher) settleBatch(envs []*Envelope, results []*PublishResult, sizes []int64, ids []string, err error) {
	var sendErr error
	if err != nil {
		sendErr = batchSendError(err)
	}
	for i, r := range results {
		if sendErr != nil {
			p.results.resolve(r, "", sendErr)
			if p.hooks.OnPublishFail != nil {
				p.hooks.OnPublishFail(p.ctx, p.topic, cloneMap(envs[i].Attributes), sendErr)
			}
		} else {
			p.results.resolve(r, ids[i], nil)
		}
		p.flow.Release(sizes[i], 1)
	}
}

func (p *Publisher) cancelUnordered(res *PublishResult) bool {
	p.mu.Lock()
	b := p.batch
	if b == nil {
		p.mu.Unlock()
		return false
	}
	idx := -1
	for i, cand := range b.results {
		if cand == res {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	size := b.sizes[idx]
	b.envelopes = append(b.envelopes[:idx], b.envelopes[idx+1:]...)
	b.results = append(b.results[:idx], b.results[idx+1:]...)
	b.sizes = append(b.sizes[:idx], b.sizes[idx+1:]...)
	b.bytes -= size
	p.mu.Unlock()
	p.results.resolve(res, "", ErrPublishCanceled)
	p.flow.Release(size, 1)
	return true
}

// Flush closes the open batch and blocks until every outstanding result,
// including queued ordering-lane messages, has resolved.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.closeBatchLocked()
	p.mu.Unlock()
	return p.results.wait(ctx)
}

// Stop rejects new publishes and drains outstanding work. With flush-on-stop
// (the default) the open batch closes immediately; otherwise its linger
// timer is left to run out naturally.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	if p.opts.flushOnStop {
		p.closeBatchLocked()
	}
	p.mu.Unlock()
	if err := p.results.wait(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		p.sends.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
