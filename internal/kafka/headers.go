package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// HeaderCarrier adapts kafka message headers to the otel TextMapCarrier.
type HeaderCarrier []kafka.Header

func (c *HeaderCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *HeaderCarrier) Keys() []string {
	out := make([]string, 0, len(*c))
	for _, h := range *c {
		out = append(out, h.Key)
	}
	return out
}

// EventHeaders returns the type/version headers plus the trace context of ctx.
func EventHeaders(ctx context.Context, eventType, version string) []kafka.Header {
	c := HeaderCarrier{
		{Key: HeaderEventType, Value: []byte(eventType)},
		{Key: HeaderEventVersion, Value: []byte(version)},
	}
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}

// ExtractContext continues the trace carried by m, if any.
func ExtractContext(ctx context.Context, m kafka.Message) context.Context {
	c := HeaderCarrier(m.Headers)
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}
