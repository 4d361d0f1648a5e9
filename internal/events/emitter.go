// Package events publishes domain events for downstream notification
// fan-out (email, webhooks). Emission is fire-and-forget: settlement
// correctness never depends on an event landing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Domain event types produced by the settlement engine.
const (
	EventPayoutApproved  = "payout.approved"
	EventPayoutCompleted = "payout.completed"
	EventPayoutFailed    = "payout.failed"
)

// Event is the envelope the notification sink consumes.
type Event struct {
	EventType    string         `json:"event_type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Payload      map[string]any `json:"payload"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Emitter publishes domain events. Callers treat failures as best-effort.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// KafkaEmitter publishes events to a notification topic, keyed by resource
// id so events for one payout stay ordered within a partition.
type KafkaEmitter struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaEmitter(brokers []string, topic string, logger *zap.Logger) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 2 * time.Second,
		},
		logger: logger,
	}
}

func (e *KafkaEmitter) Emit(ctx context.Context, evt Event) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.ResourceID),
		Value: value,
	}); err != nil {
		e.logger.Error("failed to publish event",
			zap.String("event_type", evt.EventType),
			zap.String("resource_id", evt.ResourceID),
			zap.Error(err))
		return err
	}
	return nil
}

func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

// NopEmitter discards events. Used when no broker is configured and in
// tests.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }
func (NopEmitter) Close() error                      { return nil }
