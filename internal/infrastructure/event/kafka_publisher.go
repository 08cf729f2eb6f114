package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds Kafka sink settings
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaPublisher writes change events to a Kafka topic keyed by couple ID,
// so every event for one couple lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher over a hash-balanced kafka writer.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, cfg.Topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

// Publish writes evt as a JSON message.
func (p *KafkaPublisher) Publish(ctx context.Context, evt ticket.ChangeEvent) error {
	if evt.CoupleID == "" {
		return ErrEmptyCoupleID
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(evt.CoupleID),
		Value: value,
		Time:  evt.Timestamp,
		Headers: []kafka.Header{
			{Key: "eventId", Value: []byte(evt.EventID)},
			{Key: "eventType", Value: []byte(evt.EventType)},
			{Key: "source", Value: []byte(evt.Source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to topic %s: %w", p.topic, err)
	}

	p.logger.Debug("published ticket change",
		zap.String("topic", p.topic),
		zap.String("event_id", evt.EventID),
		zap.String("couple_id", evt.CoupleID),
	)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Ensure KafkaPublisher implements EventPublisher
var _ ticket.EventPublisher = (*KafkaPublisher)(nil)
