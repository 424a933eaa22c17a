// Package kafka publishes ledger activity for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading-ledger/config"
	"trading-ledger/internal/core/domain"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	EventTransactionRecorded = "ledger.transaction.recorded"
	EventWebhookDeadLettered = "webhook.dead_lettered"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements ports.EventPublisher on a kafka-go Writer.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
	log    zerolog.Logger
}

type transactionMessage struct {
	EventType   string              `json:"event_type"`
	OccurredAt  time.Time           `json:"occurred_at"`
	Transaction *domain.Transaction `json:"transaction"`
}

type deadLetterMessage struct {
	EventType  string             `json:"event_type"`
	OccurredAt time.Time          `json:"occurred_at"`
	DeadLetter *domain.DeadLetter `json:"dead_letter"`
	Payload    []byte             `json:"payload"`
}

func NewPublisher(cfg config.KafkaConfig, log zerolog.Logger) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}, log)
}

func newPublisher(w messageWriter, log zerolog.Logger) *Publisher {
	return &Publisher{writer: w, now: time.Now, log: log}
}

// PublishTransaction emits one message per committed ledger transaction,
// keyed by transaction id.
func (p *Publisher) PublishTransaction(ctx context.Context, t *domain.Transaction) error {
	return p.publish(ctx, EventTransactionRecorded, t.ID.String(), transactionMessage{
		EventType:   EventTransactionRecorded,
		OccurredAt:  p.now().UTC(),
		Transaction: t,
	})
}

// PublishDeadLetter emits a notice for an event parked in the DLQ. The raw
// gateway payload travels base64 encoded.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter, payload []byte) error {
	return p.publish(ctx, EventWebhookDeadLettered, dl.EventID.String(), deadLetterMessage{
		EventType:  EventWebhookDeadLettered,
		OccurredAt: p.now().UTC(),
		DeadLetter: dl,
		Payload:    payload,
	})
}

func (p *Publisher) publish(ctx context.Context, eventType, key string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(eventType)}},
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	p.log.Debug().Str("event_type", eventType).Str("key", key).Msg("event published")
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher discards everything. Used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishTransaction(context.Context, *domain.Transaction) error { return nil }

func (NoopPublisher) PublishDeadLetter(context.Context, *domain.DeadLetter, []byte) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }
