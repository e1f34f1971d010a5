// Package events publishes nudge lifecycle events to Kafka for downstream
// analytics. When Kafka is disabled the publisher runs in log-only mode so the
// pipeline behaves identically with or without a broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/callwise/livecoach/pkg/types"
)

// NudgeEvent is one lifecycle transition record. The stream is append-only;
// analytics reconstruct each nudge's history from its transitions.
type NudgeEvent struct {
	NudgeID        string              `json:"nudge_id"`
	ConversationID string              `json:"conversation_id"`
	Category       types.NudgeCategory `json:"category"`
	State          types.NudgeState    `json:"state"`
	Fallback       bool                `json:"fallback"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

// Sink receives nudge lifecycle events. The dispatcher depends on this
// interface rather than a concrete publisher.
type Sink interface {
	PublishLifecycle(ctx context.Context, ev NudgeEvent) error
}

// Config holds Kafka publisher configuration.
type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// Publisher publishes lifecycle events to a single Kafka topic, keyed by
// conversation id so one conversation's events stay in partition order.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
	logger  *slog.Logger
}

var _ Sink = (*Publisher)(nil)

// NewPublisher creates a Publisher. With Enabled false or no brokers it runs
// in log-only mode.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, lifecycle events run in log-only mode")
		return &Publisher{topic: cfg.Topic, enabled: false, logger: logger}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	logger.Info("kafka lifecycle publisher initialized",
		"brokers", cfg.Brokers, "topic", cfg.Topic)
	return &Publisher{writer: writer, topic: cfg.Topic, enabled: true, logger: logger}
}

// PublishLifecycle emits one lifecycle event. In log-only mode the event is
// logged and dropped.
func (p *Publisher) PublishLifecycle(ctx context.Context, ev NudgeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal lifecycle event: %w", err)
	}

	p.logger.Debug("nudge lifecycle event",
		"nudge_id", ev.NudgeID,
		"conversation_id", ev.ConversationID,
		"state", string(ev.State))

	if !p.enabled || p.writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("nudge_lifecycle")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: publish lifecycle event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying Kafka writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
