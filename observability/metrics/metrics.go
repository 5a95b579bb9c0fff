// Package metrics exports engine metrics over OpenTelemetry. It plugs into
// the engine through pubsub.Hooks, so the core stays metrics-agnostic.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

// Instrumentation owns the meter provider and the engine's instruments.
type Instrumentation struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	provider         metric.MeterProvider

	published     metric.Int64Counter
	publishFailed metric.Int64Counter
	batchMessages metric.Int64Histogram
	batchBytes    metric.Int64Histogram
	sendLatency   metric.Float64Histogram
	received      metric.Int64Counter
	acked         metric.Int64Counter
	nacked        metric.Int64Counter
	extended      metric.Int64Counter
	expired       metric.Int64Counter
	streamErrors  metric.Int64Counter
}

// Option is a function that configures an Instrumentation
type Option func(*Instrumentation)

// WithServiceName sets the service name
func WithServiceName(name string) Option {
	return func(in *Instrumentation) {
		in.serviceName = name
	}
}

// WithServiceNamespace sets the service namespace
func WithServiceNamespace(namespace string) Option {
	return func(in *Instrumentation) {
		in.serviceNamespace = namespace
	}
}

// WithServiceVersion sets the service version
func WithServiceVersion(version string) Option {
	return func(in *Instrumentation) {
		in.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint
func WithOTLPEndpoint(endpoint string) Option {
	return func(in *Instrumentation) {
		in.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(in *Instrumentation) {
		in.otlpGRPCEndpoint = endpoint
	}
}

// WithEnvironment sets the deployment environment
func WithEnvironment(env string) Option {
	return func(in *Instrumentation) {
		in.environment = env
	}
}

// WithMeterProvider bypasses exporter creation and meters against the given
// provider. Used in tests with a manual reader.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(in *Instrumentation) {
		in.provider = mp
	}
}

func defaultConfig() *Instrumentation {
	return &Instrumentation{
		serviceName:      "go-pubsub",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
	}
}

// New creates the instrumentation and its OTLP pipeline. The returned
// cleanup shuts the meter provider down.
func New(opts ...Option) (*Instrumentation, func(), error) {
	in := defaultConfig()
	for _, opt := range opts {
		opt(in)
	}

	if in.provider == nil {
		if in.otlpGRPCEndpoint == "" && in.otlpEndpoint == "" {
			return nil, nil, fmt.Errorf("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(in.serviceName),
				semconv.ServiceNamespace(in.serviceNamespace),
				semconv.ServiceVersion(in.serviceVersion),
				semconv.DeploymentEnvironment(in.environment),
			),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create resource: %w", err)
		}

		var exporter sdkmetric.Exporter
		if in.otlpGRPCEndpoint != "" {
			exporter, err = otlpmetricgrpc.New(context.Background(),
				otlpmetricgrpc.WithEndpoint(in.otlpGRPCEndpoint),
				otlpmetricgrpc.WithInsecure(), // Use TLS in production
			)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
			}
		} else {
			exporter, err = otlpmetrichttp.New(context.Background(),
				otlpmetrichttp.WithEndpoint(in.otlpEndpoint),
				otlpmetrichttp.WithInsecure(), // Use TLS in production
			)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
			}
		}

		in.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(10*time.Second),
			)),
		)
		otel.SetMeterProvider(in.meterProvider)
		in.provider = in.meterProvider
	}

	in.meter = in.provider.Meter(in.serviceName)
	if err := in.buildInstruments(); err != nil {
		return nil, nil, err
	}

	return in, func() {
		if in.meterProvider != nil {
			_ = in.meterProvider.Shutdown(context.Background())
		}
	}, nil
}

func (in *Instrumentation) buildInstruments() error {
	var err error
	build := func(f func() error) {
		if err == nil {
			err = f()
		}
	}
	build(func() (e error) {
		in.published, e = in.meter.Int64Counter("pubsub.publish.count",
			metric.WithDescription("Messages accepted for publishing"), metric.WithUnit("{message}"))
		return
	})
	build(func() (e error) {
		in.publishFailed, e = in.meter.Int64Counter("pubsub.publish.failures",
			metric.WithDescription("Messages whose publish resolved with an error"), metric.WithUnit("{message}"))
		return
	})
	build(func() (e error) {
		in.batchMessages, e = in.meter.Int64Histogram("pubsub.batch.messages",
			metric.WithDescription("Messages per sent batch"), metric.WithUnit("{message}"))
		return
	})
	build(func() (e error) {
		in.batchBytes, e = in.meter.Int64Histogram("pubsub.batch.bytes",
			metric.WithDescription("Payload bytes per sent batch"), metric.WithUnit("By"))
		return
	})
	build(func() (e error) {
		in.sendLatency, e = in.meter.Float64Histogram("pubsub.batch.send_latency",
			metric.WithDescription("SendBatch round-trip latency"), metric.WithUnit("s"))
		return
	})
	build(func() (e error) {
		in.received, e = in.meter.Int64Counter("pubsub.receive.count",
			metric.WithDescription("Messages received"), metric.WithUnit("{message}"))
		return
	})
	build(func() (e error) {
		in.acked, e = in.meter.Int64Counter("pubsub.ack.count",
			metric.WithDescription("Messages acked"), metric.WithUnit("{message}"))
		return
	})
	build(func() (e error) {
		in.nacked, e = in.meter.Int64Counter("pubsub.nack.count",
			metric.WithDescription("Messages nacked"), metric.WithUnit("{message}"))
		return
	})
	build(func() (e error) {
		in.extended, e = in.meter.Int64Counter("pubsub.lease.extensions",
			metric.WithDescription("Ack-deadline extensions issued"), metric.WithUnit("{extension}"))
		return
	})
	build(func() (e error) {
		in.expired, e = in.meter.Int64Counter("pubsub.lease.expired",
			metric.WithDescription("Leases dropped after expiring unsettled"), metric.WithUnit("{lease}"))
		return
	})
	build(func() (e error) {
		in.streamErrors, e = in.meter.Int64Counter("pubsub.stream.errors",
			metric.WithDescription("Delivery stream errors"), metric.WithUnit("{error}"))
		return
	})
	return err
}

// Close gracefully shuts down the metric pipeline
func (in *Instrumentation) Close(ctx context.Context) error {
	if in.meterProvider == nil {
		return nil
	}
	return in.meterProvider.Shutdown(ctx)
}

// Hooks wires the instruments into the engine's hook points. Pass the
// result to pubsub.WithHooks.
func (in *Instrumentation) Hooks() pubsub.Hooks {
	return pubsub.Hooks{
		OnPublish: func(ctx context.Context, topic string, _ map[string]string) {
			in.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		},
		OnPublishFail: func(ctx context.Context, topic string, _ map[string]string, _ error) {
			in.publishFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		},
		OnBatchSend: func(ctx context.Context, topic string, messages int, bytes int64, elapsed time.Duration, err error) {
			attrs := metric.WithAttributes(
				attribute.String("topic", topic),
				attribute.Bool("error", err != nil),
			)
			in.batchMessages.Record(ctx, int64(messages), attrs)
			in.batchBytes.Record(ctx, bytes, attrs)
			in.sendLatency.Record(ctx, elapsed.Seconds(), attrs)
		},
		OnReceive: func(ctx context.Context, subscription string, _ pubsub.MessageMetadata) {
			in.received.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
		},
		OnAck: func(ctx context.Context, subscription string, _ pubsub.MessageMetadata) {
			in.acked.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
		},
		OnNack: func(ctx context.Context, subscription string, _ pubsub.MessageMetadata) {
			in.nacked.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
		},
		OnAckExtend: func(ctx context.Context, subscription string, _ pubsub.MessageMetadata, _ time.Duration) {
			in.extended.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
		},
		OnLeaseExpire: func(ctx context.Context, subscription string, _ pubsub.MessageMetadata) {
			in.expired.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
		},
		OnConnectionErr: func(ctx context.Context, subscription string, _ error) {
			in.streamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("subscription", subscription)))
		},
	}
}
