package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/Jinniwidyaballukh/pbs-bot-tele/internal/kafka"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/metrics"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/orders"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

// errDropped marks an event that can never succeed. It is counted, marked
// handled and not redelivered.
var errDropped = errors.New("event dropped")

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Deduper remembers which event ids were fully handled.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) (bool, error)
}

// Service drives the engine from order workflow events. A handler returns an
// error only when the event must be redelivered.
type Service struct {
	Engine      *Engine
	Dedup       Deduper
	Reserved    Publisher // order.stock.reserved
	Rejected    Publisher // order.stock.rejected
	Fulfilled   Publisher // order.fulfilled
	Released    Publisher // order.stock.released
	ServiceName string
	Log         *zap.Logger
}

func (s *Service) HandleOrderCreated(ctx context.Context, m kafkago.Message) error {
	return s.handle(ctx, m, orders.EventOrderCreated, func(ctx context.Context, env orders.Envelope) error {
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return s.drop(ctx, env, err)
		}
		lines := make([]Line, 0, len(p.Items))
		for _, it := range p.Items {
			lines = append(lines, Line{ProductCode: it.ProductCode, Qty: it.Qty})
		}

		res, err := s.Engine.ReserveOrder(ctx, p.OrderID, p.UserRef, lines)
		if err != nil {
			return err
		}
		if res.OK {
			s.publish(ctx, s.Reserved, orders.EventStockReserved, p.OrderID, env.TraceID, orders.StockReservedPayload{
				OrderID:   p.OrderID,
				Items:     p.Items,
				ExpiresAt: res.ExpiresAt,
			})
			return nil
		}

		rejected := orders.StockRejectedPayload{OrderID: p.OrderID, Reason: res.Msg}
		if res.ProductCode != "" {
			d := orders.StockRejectedDetail{ProductCode: res.ProductCode, Required: res.Requested}
			if res.Available != nil {
				d.Available = *res.Available
			}
			rejected.Details = []orders.StockRejectedDetail{d}
		}
		s.publish(ctx, s.Rejected, orders.EventStockRejected, p.OrderID, env.TraceID, rejected)
		return nil
	})
}

func (s *Service) HandlePaymentConfirmed(ctx context.Context, m kafkago.Message) error {
	return s.handle(ctx, m, orders.EventPaymentConfirmed, func(ctx context.Context, env orders.Envelope) error {
		p, err := kafkax.UnwrapPayload[orders.PaymentConfirmedPayload](env.Payload)
		if err != nil {
			return s.drop(ctx, env, err)
		}

		res, err := s.Engine.Finalize(ctx, p.OrderID, p.Total)
		if err != nil {
			return err
		}
		if res.Msg == MsgInvalidRequest {
			return s.drop(ctx, env, fmt.Errorf("finalize order %q: %s", p.OrderID, res.Msg))
		}
		if res.Msg == MsgFinalized {
			s.publish(ctx, s.Fulfilled, orders.EventOrderFulfilled, p.OrderID, env.TraceID, orders.OrderFulfilledPayload{
				OrderID:    p.OrderID,
				Deliveries: res.Items,
			})
		}
		return nil
	})
}

func (s *Service) HandleOrderCancelled(ctx context.Context, m kafkago.Message) error {
	return s.handle(ctx, m, orders.EventOrderCancelled, func(ctx context.Context, env orders.Envelope) error {
		p, err := kafkax.UnwrapPayload[orders.OrderCancelledPayload](env.Payload)
		if err != nil {
			return s.drop(ctx, env, err)
		}
		reason := stock.ReleaseReason(p.Reason)
		if reason == "" {
			reason = stock.ReasonCancelled
		}

		res, err := s.Engine.Release(ctx, p.OrderID, reason)
		if err != nil {
			return err
		}
		if res.Msg == MsgInvalidReason || res.Msg == MsgInvalidRequest {
			return s.drop(ctx, env, fmt.Errorf("release order %q reason %q: %s", p.OrderID, reason, res.Msg))
		}
		if res.Msg == MsgReleased {
			s.publish(ctx, s.Released, orders.EventStockReleased, p.OrderID, env.TraceID, orders.StockReleasedPayload{
				OrderID: p.OrderID,
				Reason:  string(reason),
			})
		}
		return nil
	})
}

// handle decodes the envelope, skips other event types and events already
// handled, and marks the event done once fn succeeds.
func (s *Service) handle(ctx context.Context, m kafkago.Message, want string, fn func(context.Context, orders.Envelope) error) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		logx.Error(ctx, s.Log, "undecodable event dropped", zap.Int64("offset", m.Offset), zap.Error(err))
		metrics.EventsHandled.WithLabelValues("unknown", "dropped").Inc()
		return nil
	}
	if env.EventType != want {
		return nil
	}

	if s.Dedup != nil && env.EventID != "" {
		seen, err := s.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			logx.Warn(ctx, s.Log, "dedup lookup failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
		if seen {
			metrics.EventsHandled.WithLabelValues(want, "duplicate").Inc()
			logx.Debug(ctx, s.Log, "duplicate event skipped", zap.String("event_id", env.EventID))
			return nil
		}
	}

	switch err := fn(ctx, env); {
	case errors.Is(err, errDropped):
		metrics.EventsHandled.WithLabelValues(want, "dropped").Inc()
	case err != nil:
		metrics.EventsHandled.WithLabelValues(want, "error").Inc()
		return err
	default:
		metrics.EventsHandled.WithLabelValues(want, "ok").Inc()
	}

	if s.Dedup != nil && env.EventID != "" {
		if _, err := s.Dedup.Mark(ctx, env.EventID); err != nil {
			logx.Warn(ctx, s.Log, "dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) drop(ctx context.Context, env orders.Envelope, err error) error {
	logx.Error(ctx, s.Log, "bad event dropped",
		zap.String("event_id", env.EventID), zap.String("event_type", env.EventType), zap.Error(err))
	return errDropped
}

func (s *Service) publish(ctx context.Context, p Publisher, eventType, orderID, traceID string, payload any) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  orders.EventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkax.EventHeaders(ctx, eventType, strconv.Itoa(orders.EventVersion))...)
	logx.Info(ctx, s.Log, "event published", zap.String("event_type", eventType), zap.String("order_id", orderID))
}
