package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	logx "castbot/pkg/logx"
)

func TestDisabledIsNoop(t *testing.T) {
	m := NewManager(Config{}, logx.Nop())
	require.NoError(t, m.Init(context.Background()))
	assert.Nil(t, m.tp)
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestUnknownExporter(t *testing.T) {
	m := NewManager(Config{Enabled: true, Exporter: "zipkin"}, logx.Nop())
	require.Error(t, m.Init(context.Background()))
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	m := NewManager(Config{Enabled: true, Exporter: "stdout"}, logx.Nop())
	m.out = &buf
	require.NoError(t, m.Init(context.Background()))

	_, span := m.Tracer("test").Start(context.Background(), "broadcast.dispatch")
	span.End()

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "broadcast.dispatch")
}
