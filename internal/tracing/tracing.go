// Package tracing sets up the OpenTelemetry provider that run and step
// spans are exported through.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer the engine uses.
const InstrumentationName = "github.com/rendis/autoflow/internal/engine"

// Config selects where spans go.
type Config struct {
	Writer         io.Writer // default os.Stdout
	PrettyPrint    bool
	ServiceVersion string
}

// Provider owns the SDK tracer provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider exports spans as JSON to cfg.Writer in batches.
func NewProvider(cfg Config) (*Provider, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	return newProvider(sdktrace.WithBatcher(exp), cfg.ServiceVersion), nil
}

func newProvider(processor sdktrace.TracerProviderOption, version string) *Provider {
	res := resource.NewWithAttributes("",
		attribute.String("service.name", "autoflow"),
		attribute.String("service.version", version),
	)
	return &Provider{tp: sdktrace.NewTracerProvider(processor, sdktrace.WithResource(res))}
}

// Tracer returns the engine's tracer. A nil Provider yields a no-op tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer(InstrumentationName)
	}
	return p.tp.Tracer(InstrumentationName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
