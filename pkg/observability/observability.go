// Package observability wires OpenTelemetry traces and metrics for the
// substrate kernel: RED metrics per operation plus admission, invocation
// and budget counters. A disabled Provider records nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "substrate.kernel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "substrate",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers and the kernel instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations   metric.Int64Counter
	errors       metric.Int64Counter
	duration     metric.Float64Histogram
	active       metric.Int64UpDownCounter
	admissions   metric.Int64Counter
	invocations  metric.Int64Counter
	settledMicro metric.Int64Counter
}

// New builds a Provider. With Enabled unset it returns a no-op provider
// without dialing anything.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}
	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.operations, err = p.meter.Int64Counter("substrate.operations.total",
		metric.WithDescription("Kernel operations started"), metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.errors, err = p.meter.Int64Counter("substrate.errors.total",
		metric.WithDescription("Kernel operations that returned an error"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("substrate.operation.duration",
		metric.WithDescription("Kernel operation duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300)); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("substrate.operations.active",
		metric.WithDescription("Kernel operations in flight"), metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.admissions, err = p.meter.Int64Counter("substrate.admissions.total",
		metric.WithDescription("Admission attempts by outcome"), metric.WithUnit("{attempt}")); err != nil {
		return err
	}
	if p.invocations, err = p.meter.Int64Counter("substrate.invocations.total",
		metric.WithDescription("Adapter invocations by transport and status"), metric.WithUnit("{invocation}")); err != nil {
		return err
	}
	p.settledMicro, err = p.meter.Int64Counter("substrate.budget.settled",
		metric.WithDescription("Settled spend"), metric.WithUnit("uUSD"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// TrackOperation starts a span and the RED instruments for name. Call the
// returned func with the operation's error when it finishes. Safe on a nil
// Provider.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p == nil {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}
	opAttrs := metric.WithAttributes(append(attrs, AttrOperation.String(name))...)
	if p.active != nil {
		p.active.Add(ctx, 1, opAttrs)
	}
	if p.operations != nil {
		p.operations.Add(ctx, 1, opAttrs)
	}
	return ctx, func(err error) {
		if p.active != nil {
			p.active.Add(ctx, -1, opAttrs)
		}
		if p.duration != nil {
			p.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)
		}
		if err != nil {
			span.RecordError(err)
			if p.errors != nil {
				p.errors.Add(ctx, 1, opAttrs, metric.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
			}
		}
		span.End()
	}
}

// RecordAdmission counts one admission attempt; reason is empty when
// admitted.
func (p *Provider) RecordAdmission(ctx context.Context, admitted bool, reason string) {
	if p == nil || p.admissions == nil {
		return
	}
	p.admissions.Add(ctx, 1, metric.WithAttributes(AttrAdmitted.Bool(admitted), AttrReason.String(reason)))
}

// RecordInvocation counts one finished adapter call.
func (p *Provider) RecordInvocation(ctx context.Context, transport, status, code string) {
	if p == nil || p.invocations == nil {
		return
	}
	p.invocations.Add(ctx, 1, metric.WithAttributes(
		AttrTransport.String(transport), AttrStatus.String(status), AttrErrorCode.String(code)))
}

// RecordSettled adds settled spend in micro-USD.
func (p *Provider) RecordSettled(ctx context.Context, planID string, usdMicro int64) {
	if p == nil || p.settledMicro == nil || usdMicro <= 0 {
		return
	}
	p.settledMicro.Add(ctx, usdMicro, metric.WithAttributes(AttrPlanID.String(planID)))
}
