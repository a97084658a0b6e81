package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shopmesh/checkout/internal/port"
)

// KafkaBus publishes and consumes JSON events. Messages are keyed and hashed
// to partitions, so events for the same entity stay ordered; delivery is
// at-least-once and consumers must tolerate duplicates.
type KafkaBus struct {
	brokers        []string
	logger         *zap.Logger
	publishTimeout time.Duration
	publishRetries int

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
}

func NewKafkaBus(brokers []string, logger *zap.Logger, publishTimeout time.Duration, publishRetries int) *KafkaBus {
	return &KafkaBus{
		brokers:        brokers,
		logger:         logger,
		publishTimeout: publishTimeout,
		publishRetries: publishRetries,
		writers:        make(map[string]*kafka.Writer),
	}
}

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		BatchSize:              100,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w
}

// Publish sends one keyed event, retrying transient failures a bounded number
// of times. A publish that still fails after retries is logged and dropped;
// the expiry scanner recovers whatever state the lost event would have moved.
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
	}

	w := b.writer(topic)
	for attempt := 0; attempt <= b.publishRetries; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
		err = w.WriteMessages(writeCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		b.logger.Warn("publish attempt failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	b.logger.Error("dropping event after failed publish",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Error(err),
	)
	return fmt.Errorf("publish to %s: %w", topic, err)
}

// Consume reads the topic in the given consumer group until ctx is cancelled,
// invoking h for every message. Handler errors are logged and the offset
// advances anyway; a poison message must not wedge the partition.
func (b *KafkaBus) Consume(ctx context.Context, topic, group string, h port.Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.brokers,
		GroupID: group,
		Topic:   topic,
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.logger.Info("consuming topic", zap.String("topic", topic), zap.String("group", group))
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read from %s: %w", topic, err)
		}

		if err := h(ctx, msg.Key, msg.Value); err != nil {
			b.logger.Error("event handler failed",
				zap.String("topic", topic),
				zap.ByteString("key", msg.Key),
				zap.Error(err),
			)
		}
	}
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for topic, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}
