// Package events publishes contract lifecycle events for downstream consumers. Publishing
// is fire-and-forget: a failed publish is logged and counted, never surfaced to the caller
// of the originating operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/telemetry"
)

// Event types
const (
	TypeContractSent      = "contract.sent"
	TypeContractSigned    = "contract.signed"
	TypeContractCompleted = "contract.completed"
	TypeContractVoided    = "contract.voided"
)

// Event is one lifecycle transition
type Event struct {
	Type       string                 `json:"type"`
	ContractID string                 `json:"contract_id"`
	Status     string                 `json:"status"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Publisher publishes lifecycle events
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// New returns the publisher selected by cfg.Publisher
func New(cfg *config.EventsConfig) (Publisher, error) {
	switch cfg.Publisher {
	case "", "log":
		return &LogPublisher{}, nil
	case "kafka":
		return NewKafkaPublisher(&cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown events publisher: %s", cfg.Publisher)
	}
}

// LogPublisher writes events to the application log
type LogPublisher struct{}

// Publish logs e
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	slog.InfoContext(ctx, "contract lifecycle event",
		"type", e.Type,
		"contract_id", e.ContractID,
		"status", e.Status,
		"occurred_at", e.OccurredAt,
	)
	return nil
}

// Close is a no-op
func (p *LogPublisher) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events keyed by contract id, so events of one contract stay
// ordered within a partition
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a Kafka publisher
func NewKafkaPublisher(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("events.kafka.brokers is required for the kafka publisher")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("events.kafka.topic is required for the kafka publisher")
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Warn(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
	}
	return &KafkaPublisher{writer: w, topic: cfg.Topic}, nil
}

// Publish writes e synchronously within ctx
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.ContractID),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		telemetry.EventPublishFailuresTotal.Inc()
		return fmt.Errorf("failed to publish %s to %s: %w", e.Type, p.topic, err)
	}
	return nil
}

// Close flushes pending writes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
