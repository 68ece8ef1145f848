// Package telemetry pushes the shipper's own logs and Prometheus metrics
// to an OTLP collector.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	prombridge "go.opentelemetry.io/contrib/bridges/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName is reported as service.name.
const ServiceName = "td-shipper"

// Protocol is the OTLP transport.
type Protocol string

const (
	ProtocolGRPC Protocol = "grpc"
	ProtocolHTTP Protocol = "http"
)

// ParseProtocol parses a telemetry.protocol setting. Empty means gRPC.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case "", ProtocolGRPC:
		return ProtocolGRPC, nil
	case ProtocolHTTP:
		return ProtocolHTTP, nil
	default:
		return "", fmt.Errorf("unknown OTLP protocol: %q", s)
	}
}

// Config configures OTLP export. An empty Endpoint disables it.
type Config struct {
	Endpoint     string
	Protocol     Protocol
	Insecure     bool
	Timeout      time.Duration
	PushInterval time.Duration // metrics; zero means 30s
	Gzip         bool
	Headers      map[string]string

	ShutdownTimeout time.Duration // zero means 5s

	// Exporter retry; zero intervals mean 5s initial, 30s max, 1m elapsed.
	RetryDisabled    bool
	RetryInitial     time.Duration
	RetryMaxInterval time.Duration
	RetryMaxElapsed  time.Duration
}

// Destination identifies the shipper instance in resource attributes.
type Destination struct {
	Version  string
	Database string
	Table    string
}

// Telemetry owns the OTLP providers.
type Telemetry struct {
	logProvider     *sdklog.LoggerProvider
	meterProvider   *metric.MeterProvider
	logger          otellog.Logger
	shutdownTimeout time.Duration
}

// Enabled reports whether export is running.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.logger != nil
}

// ShutdownTimeout returns the grace period for Shutdown.
func (t *Telemetry) ShutdownTimeout() time.Duration {
	if t == nil || t.shutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return t.shutdownTimeout
}

// Init starts log and metric export. It returns nil, nil when cfg.Endpoint
// is empty.
func Init(ctx context.Context, cfg Config, dest Destination) (*Telemetry, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(dest.Version),
			attribute.String("td.database", dest.Database),
			attribute.String("td.table", dest.Table),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	logExporter, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create log exporter: %w", err)
	}
	t := &Telemetry{shutdownTimeout: cfg.ShutdownTimeout}
	t.logProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	t.logger = t.logProvider.Logger(ServiceName)

	metricExporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	interval := cfg.PushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	// Every td_shipper_* collector lives in the default Prometheus
	// registry; the bridge pushes the same series over OTLP.
	t.meterProvider = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter,
			metric.WithInterval(interval),
			metric.WithProducer(prombridge.NewMetricProducer()),
		)),
	)
	return t, nil
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.logProvider != nil {
		errs = append(errs, t.logProvider.Shutdown(ctx))
	}
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (c Config) retryIntervals() (initial, maxInterval, maxElapsed time.Duration) {
	initial, maxInterval, maxElapsed = c.RetryInitial, c.RetryMaxInterval, c.RetryMaxElapsed
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	if maxElapsed <= 0 {
		maxElapsed = time.Minute
	}
	return initial, maxInterval, maxElapsed
}

//nolint:dupl // each OTLP exporter package has its own option types.
func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	if cfg.Protocol == ProtocolHTTP {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Gzip {
			opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		initial, maxInterval, maxElapsed := cfg.retryIntervals()
		opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
			Enabled:         !cfg.RetryDisabled,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			MaxElapsedTime:  maxElapsed,
		}))
		return otlploghttp.New(ctx, opts...)
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
	}
	initial, maxInterval, maxElapsed := cfg.retryIntervals()
	opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
		Enabled:         !cfg.RetryDisabled,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		MaxElapsedTime:  maxElapsed,
	}))
	return otlploggrpc.New(ctx, opts...)
}

//nolint:dupl // each OTLP exporter package has its own option types.
func newMetricExporter(ctx context.Context, cfg Config) (metric.Exporter, error) {
	if cfg.Protocol == ProtocolHTTP {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlpmetrichttp.WithTimeout(cfg.Timeout))
		}
		if cfg.Gzip {
			opts = append(opts, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		initial, maxInterval, maxElapsed := cfg.retryIntervals()
		opts = append(opts, otlpmetrichttp.WithRetry(otlpmetrichttp.RetryConfig{
			Enabled:         !cfg.RetryDisabled,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			MaxElapsedTime:  maxElapsed,
		}))
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlpmetricgrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Gzip {
		opts = append(opts, otlpmetricgrpc.WithCompressor("gzip"))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	initial, maxInterval, maxElapsed := cfg.retryIntervals()
	opts = append(opts, otlpmetricgrpc.WithRetry(otlpmetricgrpc.RetryConfig{
		Enabled:         !cfg.RetryDisabled,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		MaxElapsedTime:  maxElapsed,
	}))
	return otlpmetricgrpc.New(ctx, opts...)
}
