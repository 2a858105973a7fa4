// Package tracing wires OpenTelemetry with an OTLP HTTP exporter. The local
// run command installs it; the coordinator and worker commands do not.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

const shutdownGrace = 10 * time.Second

type settings struct {
	endpoint    string
	environment string
	version     string
	sampleRatio float64
	logger      *zap.Logger
}

// Option configures tracing initialization.
type Option func(*settings)

// WithEndpoint points the OTLP HTTP exporter at host:port (the exporter
// appends the path itself).
func WithEndpoint(endpoint string) Option {
	return func(s *settings) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

// WithEnvironment tags emitted spans with a deployment environment.
func WithEnvironment(environment string) Option {
	return func(s *settings) {
		if environment != "" {
			s.environment = environment
		}
	}
}

// WithServiceVersion tags emitted spans with a service version.
func WithServiceVersion(version string) Option {
	return func(s *settings) {
		if version != "" {
			s.version = version
		}
	}
}

// WithSampleRatio sets the trace-id ratio sampler; 1.0 keeps everything.
func WithSampleRatio(ratio float64) Option {
	return func(s *settings) {
		if ratio > 0 {
			s.sampleRatio = ratio
		}
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Provider owns the installed tracer provider and flushes it on Close.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *zap.Logger
}

// Init installs a global OTLP-exporting tracer provider for serviceName
// and returns a handle that flushes it on Close. Defaults: local collector
// at 127.0.0.1:4318, development environment, sample everything.
func Init(ctx context.Context, serviceName string, opts ...Option) (*Provider, error) {
	cfg := settings{
		endpoint:    "127.0.0.1:4318",
		environment: "development",
		version:     "1.0.0",
		sampleRatio: 1.0,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.version),
		semconv.DeploymentEnvironment(cfg.environment),
	))
	if err != nil {
		return nil, fmt.Errorf("describe service resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("build OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.sampleRatio)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	cfg.logger.Info("tracing initialized",
		zap.String("service", serviceName),
		zap.String("endpoint", cfg.endpoint))
	return &Provider{tp: tp, logger: cfg.logger}, nil
}

// Close flushes pending spans and stops the provider with a bounded grace
// period.
func (p *Provider) Close() {
	if p == nil || p.tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Warn("tracing shutdown failed", zap.Error(err))
	}
}
