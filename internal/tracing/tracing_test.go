package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInstall_ExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := install(exporter, "govflow-test")
	require.NoError(t, err)

	tracer := otel.Tracer("test")
	_, span := Start(context.Background(), tracer, "engine.Claim", attribute.String(ActionIDKey, "a-1"))
	End(span, errors.New("lost"))
	_, ok := Start(context.Background(), tracer, "engine.GetAction")
	End(ok, nil)

	require.NoError(t, shutdown(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "engine.Claim", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, attribute.String(ActionIDKey, "a-1"))
	assert.Equal(t, codes.Unset, spans[1].Status.Code)
}
