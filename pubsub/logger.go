package pubsub

import (
	"context"

	"go.uber.org/zap"
)

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

// NewZapLogger adapts a zap logger to the engine's Logger interface.
func NewZapLogger(l *zap.Logger) Logger {
	return zapLogger{sugar: l.Sugar()}
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (z zapLogger) Debug(_ context.Context, msg string, kv ...any) { z.sugar.Debugw(msg, kv...) }
func (z zapLogger) Info(_ context.Context, msg string, kv ...any)  { z.sugar.Infow(msg, kv...) }
func (z zapLogger) Warn(_ context.Context, msg string, kv ...any)  { z.sugar.Warnw(msg, kv...) }
func (z zapLogger) Error(_ context.Context, msg string, kv ...any) { z.sugar.Errorw(msg, kv...) }
