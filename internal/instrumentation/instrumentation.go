package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultServiceName    = "auth-proxy"
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/jrsteele09/go-auth-proxy/"
)

// Config holds instrumentation configuration
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Enabled switches on an SDK tracer provider. When false everything is a no-op.
	Enabled bool

	// MeterProvider and TracerProvider override the defaults when set (tests, custom exporters)
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Instrumentation owns the meter and tracer providers used by the proxy
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	if config.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		inst.tracerProvider = tp
		inst.shutdownFuncs = append(inst.shutdownFuncs, tp.Shutdown)
	}
	if config.MeterProvider != nil {
		inst.meterProvider = config.MeterProvider
	}
	if config.TracerProvider != nil {
		inst.tracerProvider = config.TracerProvider
	}

	inst.metrics, err = newMetrics(inst.Meter("proxy"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return inst, nil
}

// Noop returns an instance with no-op providers. It never fails.
func Noop() *Instrumentation {
	inst, err := New(Config{})
	if err != nil {
		panic(err)
	}
	return inst
}

// Shutdown flushes and stops the providers
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a named meter for the given scope
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}
