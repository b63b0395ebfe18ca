package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_ExportsOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(Config{Writer: &buf, ServiceVersion: "test"})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "workflow.run")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"workflow.run"`)
	assert.Contains(t, buf.String(), "autoflow")
}

func TestProvider_NilIsNoop(t *testing.T) {
	var p *Provider
	_, span := p.Tracer().Start(context.Background(), "x")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}
