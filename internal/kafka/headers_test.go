package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestEventHeadersCarryTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	hs := EventHeaders(ctx, "OrderFulfilled", "1")
	c := HeaderCarrier(hs)
	assert.Equal(t, "OrderFulfilled", c.Get(HeaderEventType))
	assert.Equal(t, "1", c.Get(HeaderEventVersion))
	assert.NotEmpty(t, c.Get("traceparent"))

	got := ExtractContext(context.Background(), kafka.Message{Headers: hs})
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(got).TraceID())
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	c := HeaderCarrier{}
	c.Set("a", "1")
	c.Set("a", "2")
	require.Len(t, c, 1)
	assert.Equal(t, "2", c.Get("a"))
	assert.Equal(t, []string{"a"}, c.Keys())
}

func TestUnwrapPayload(t *testing.T) {
	type p struct {
		OrderID string `json:"order_id"`
	}
	got, err := UnwrapPayload[p](json.RawMessage(`{"order_id":"o1"}`))
	require.NoError(t, err)
	assert.Equal(t, "o1", got.OrderID)

	_, err = UnwrapPayload[p](json.RawMessage(`{`))
	assert.Error(t, err)
}
