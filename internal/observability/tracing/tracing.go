// Package tracing installs the process-wide OpenTelemetry tracer provider.
// When disabled, the global no-op provider stays in place and spans cost
// nothing.
package tracing

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	logx "castbot/pkg/logx"
)

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Exporter is "stdout" or "otlp".
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRate   float64
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "castbot"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1
	}
	return c
}

// Manager owns the SDK tracer provider.
type Manager struct {
	cfg Config
	log logx.Logger
	out io.Writer

	tp *sdktrace.TracerProvider
}

func NewManager(cfg Config, log logx.Logger) *Manager {
	return &Manager{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "tracing"))}
}

// Init builds the exporter and installs the global provider. Disabled
// configs are a no-op.
func (m *Manager) Init(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.log.Debug("tracing disabled")
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", m.cfg.ServiceName),
		attribute.String("service.version", m.cfg.ServiceVersion),
		attribute.String("deployment.environment", m.cfg.Environment),
	))
	if err != nil {
		return fmt.Errorf("tracing resource: %w", err)
	}

	exp, err := m.exporter(ctx)
	if err != nil {
		return err
	}

	m.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.cfg.SampleRate))),
	)
	otel.SetTracerProvider(m.tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	m.log.Info("tracing initialized",
		logx.String("exporter", m.cfg.Exporter),
		logx.Any("sample_rate", m.cfg.SampleRate),
	)
	return nil
}

func (m *Manager) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(m.cfg.Exporter) {
	case "stdout":
		opts := []stdouttrace.Option{}
		if m.out != nil {
			opts = append(opts, stdouttrace.WithWriter(m.out))
		}
		exp, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		opts := []otlptracehttp.Option{}
		if m.cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(m.cfg.OTLPEndpoint))
		}
		if m.cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", m.cfg.Exporter)
	}
}

// Tracer returns a named tracer from the global provider.
func (m *Manager) Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer provider shutdown: %w", err)
	}
	return nil
}
