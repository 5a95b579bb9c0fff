package pubsub

import (
	"time"

	"github.com/infigaming-com/go-pubsub/pubsub/internal/flow"
)

type Option func(*options)

type PublisherOption func(*publisherOptions)

type SessionOption func(*sessionOptions)

// FlowWatermarks bound one flow-control counter. High is the admission
// denial threshold; Low is the resume threshold. A zero High disables the
// counter.
type FlowWatermarks struct {
	High int64
	Low  int64
}

// FlowLimits configure one direction of flow control.
type FlowLimits struct {
	Bytes    FlowWatermarks
	Messages FlowWatermarks
}

func (l FlowLimits) internal() flow.Limits {
	return flow.Limits{
		Bytes:    flow.Watermarks{High: l.Bytes.High, Low: l.Bytes.Low},
		Messages: flow.Watermarks{High: l.Messages.High, Low: l.Messages.Low},
	}
}

type options struct {
	logger Logger
	hooks  Hooks
}

type publisherOptions struct {
	maxBatchMessages int
	maxBatchBytes    int64
	linger           time.Duration
	flowLimits       FlowLimits
	flushOnStop      bool
}

type sessionOptions struct {
	name         string
	workers      int
	buffer       int
	ackDeadline  time.Duration
	maxExtension time.Duration
	flowLimits   FlowLimits
}

func defaultOptions() options {
	return options{}
}

func defaultPublisherOptions() publisherOptions {
	return publisherOptions{
		maxBatchMessages: 100,
		maxBatchBytes:    1 << 20,
		linger:           10 * time.Millisecond,
		flowLimits: FlowLimits{
			Bytes:    FlowWatermarks{High: 64 << 20},
			Messages: FlowWatermarks{High: 1000},
		},
		flushOnStop: true,
	}
}

func defaultSessionOptions(subscription string) sessionOptions {
	return sessionOptions{
		name:         subscription,
		workers:      8,
		buffer:       512,
		ackDeadline:  20 * time.Second,
		maxExtension: 60 * time.Second,
		flowLimits: FlowLimits{
			Bytes:    FlowWatermarks{High: 64 << 20},
			Messages: FlowWatermarks{High: 1000},
		},
	}
}

func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithMaxBatchMessages caps how many messages a batch accumulates before it
// closes.
func WithMaxBatchMessages(n int) PublisherOption {
	return func(o *publisherOptions) {
		if n > 0 {
			o.maxBatchMessages = n
		}
	}
}

// WithMaxBatchBytes caps the accumulated payload size of a batch.
func WithMaxBatchBytes(n int64) PublisherOption {
	return func(o *publisherOptions) {
		if n > 0 {
			o.maxBatchBytes = n
		}
	}
}

// WithBatchLinger sets how long a non-empty batch waits for more messages
// before closing.
func WithBatchLinger(d time.Duration) PublisherOption {
	return func(o *publisherOptions) {
		if d > 0 {
			o.linger = d
		}
	}
}

// WithPublishFlowLimits bounds outstanding published-but-unresolved work.
func WithPublishFlowLimits(limits FlowLimits) PublisherOption {
	return func(o *publisherOptions) {
		o.flowLimits = limits
	}
}

// WithFlushOnStop controls drain behavior for open batches: true closes and
// sends them immediately on Stop, false lets the linger timer run out.
func WithFlushOnStop(flush bool) PublisherOption {
	return func(o *publisherOptions) {
		o.flushOnStop = flush
	}
}

// WithMaxConcurrentHandlers caps how many handlers run at once.
func WithMaxConcurrentHandlers(n int) SessionOption {
	return func(o *sessionOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithHandlerBuffer sets how many admitted messages may wait for a free
// handler. Buffered messages keep their flow-control reservation.
func WithHandlerBuffer(n int) SessionOption {
	return func(o *sessionOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithAckDeadline sets the lease duration requested on extension.
func WithAckDeadline(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		if d > 0 {
			o.ackDeadline = d
		}
	}
}

// WithMaxExtension caps the total time a lease may be kept alive. Past the
// cap the lease is allowed to expire and the service redelivers.
func WithMaxExtension(d time.Duration) SessionOption {
	return func(o *sessionOptions) {
		if d > 0 {
			o.maxExtension = d
		}
	}
}

// WithDeliveryFlowLimits bounds outstanding received-but-unsettled work.
func WithDeliveryFlowLimits(limits FlowLimits) SessionOption {
	return func(o *sessionOptions) {
		o.flowLimits = limits
	}
}
