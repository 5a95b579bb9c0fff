package pubsub

import (
	"context"
	"time"
)

// Logger is the engine's structured logging surface.
type Logger interface {
	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, msg string, kv ...any)
}

// Hooks receive engine events. Every field is optional. Hooks run inline on
// engine goroutines and must not block.
type Hooks struct {
	OnPublish       func(ctx context.Context, topic string, attrs map[string]string)
	OnPublishFail   func(ctx context.Context, topic string, attrs map[string]string, err error)
	OnBatchSend     func(ctx context.Context, topic string, messages int, bytes int64, elapsed time.Duration, err error)
	OnReceive       func(ctx context.Context, subscription string, meta MessageMetadata)
	OnAck           func(ctx context.Context, subscription string, meta MessageMetadata)
	OnNack          func(ctx context.Context, subscription string, meta MessageMetadata)
	OnAckExtend     func(ctx context.Context, subscription string, meta MessageMetadata, extendBy time.Duration)
	OnLeaseExpire   func(ctx context.Context, subscription string, meta MessageMetadata)
	OnConnectionErr func(ctx context.Context, subscription string, err error)
}

// MessageMetadata identifies a delivered message in hook callbacks.
type MessageMetadata struct {
	ID         string
	Attempt    int
	Attributes map[string]string
}
