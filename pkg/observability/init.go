// Package observability wires OpenTelemetry tracing and metering for the lease pool.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ajitpratap0/leasepool"

var (
	mu       sync.RWMutex
	tracer   trace.Tracer
	meter    metric.Meter
	provider *sdktrace.TracerProvider
)

// Config contains tracing configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	ServiceName    string        `yaml:"service_name" mapstructure:"service_name" json:"service_name"`
	ServiceVersion string        `yaml:"service_version" mapstructure:"service_version" json:"service_version"`
	Environment    string        `yaml:"environment" mapstructure:"environment" json:"environment"`
	SamplingRate   float64       `yaml:"sampling_rate" mapstructure:"sampling_rate" json:"sampling_rate"`
	ExporterType   string        `yaml:"exporter" mapstructure:"exporter" json:"exporter"` // "stdout", "none"
	BatchTimeout   time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout" json:"batch_timeout"`

	// Writer overrides the stdout exporter destination; used by tests.
	Writer io.Writer `yaml:"-" mapstructure:"-" json:"-"`
}

// DefaultConfig returns tracing disabled with sensible values for when it is turned on.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "leasepool",
		ServiceVersion: "0.1.0",
		Environment:    getEnv("ENVIRONMENT", "development"),
		SamplingRate:   0.1,
		ExporterType:   "stdout",
		BatchTimeout:   5 * time.Second,
	}
}

// Initialize installs a tracer provider according to cfg. With tracing
// disabled the global no-op provider stays in place, so spans cost nothing.
func Initialize(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if !cfg.Enabled || cfg.ExporterType == "none" {
		tracer = otel.Tracer(instrumentationName)
		meter = otel.Meter(instrumentationName)
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.ExporterType {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		return fmt.Errorf("unsupported trace exporter %q", cfg.ExporterType)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	provider = tp
	tracer = tp.Tracer(instrumentationName)
	meter = otel.Meter(instrumentationName)
	return nil
}

// Tracer returns the configured tracer, or the global one before Initialize.
func Tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	if tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return tracer
}

// Meter returns the configured meter, or the global one before Initialize.
func Meter() metric.Meter {
	mu.RLock()
	defer mu.RUnlock()
	if meter == nil {
		return otel.Meter(instrumentationName)
	}
	return meter
}

// Shutdown flushes and stops the tracer provider, if one was installed.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := provider
	provider = nil
	mu.Unlock()

	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
