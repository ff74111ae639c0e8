package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is done and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       reader
	log     *zap.Logger
	workers int

	// Attempts bounds how often one message is handed to the handler.
	Attempts int
	// Backoff is the first delay between attempts, doubled each time.
	Backoff time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:        r,
		log:      log.With(zap.String("topic", topic), zap.String("group", group)),
		workers:  workers,
		Attempts: 5,
		Backoff:  200 * time.Millisecond,
	}
}

// Start fetches messages until ctx is done. Every partition is pinned to one
// worker, so its messages are handled and committed in offset order. A
// message the handler keeps failing stops the consumer with its offset
// uncommitted; the group redelivers it from there on the next start.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if err := c.process(ctx, h, m); err != nil {
					cancel(err)
					return
				}
			}
		}(lanes[i])
	}

	stop := func(err error) error {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return err
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stop(nil)
			}
			return stop(err)
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return stop(nil)
		}
	}
}

// process retries h with exponential backoff and commits m once it succeeds.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) error {
	mctx := ExtractContext(ctx, m)
	attempts := max(c.Attempts, 1)
	delay := c.Backoff

	for attempt := 1; ; attempt++ {
		err := h(mctx, m)
		if err == nil {
			break
		}
		if attempt >= attempts {
			c.log.Error("handler gave up, stopping consumer",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return fmt.Errorf("partition %d offset %d: %w", m.Partition, m.Offset, err)
		}
		c.log.Warn("handler failed, retrying",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	if err := c.r.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit partition %d offset %d: %w", m.Partition, m.Offset, err)
	}
	return nil
}
