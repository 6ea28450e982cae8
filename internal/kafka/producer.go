package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"enx-ticketing/internal/logger"
	"enx-ticketing/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Topics names the outbound ticket lifecycle topics.
type Topics struct {
	Issued    string
	Redeemed  string
	Cancelled string
}

type Producer struct {
	Writer MessageWriter
	Topics Topics
	Logger *logger.Logger
}

// NewProducer builds a producer whose writer picks the topic per message.
// Messages are keyed by ticket id so one ticket's events stay ordered.
func NewProducer(brokers []string, topics Topics, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &Producer{Writer: writer, Topics: topics, Logger: log}
}

// Publish JSON-encodes v and writes it to topic under key.
func (p *Producer) Publish(ctx context.Context, topic, key string, v interface{}) error {
	msgBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	if err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: msgBytes,
	}); err != nil {
		p.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish to %s (key %s): %v", topic, key, err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.Logger.LogKafka("PUBLISHED", topic, fmt.Sprintf("key=%s", key))
	return nil
}

func (p *Producer) publishTicket(ctx context.Context, topic string, kind models.TicketEventType, t models.Ticket) error {
	return p.Publish(ctx, topic, t.ID, models.NewTicketEvent(kind, t, time.Now().UTC()))
}

// PublishTicketIssued streams the issuance event, including the QR payload
// the holder needs, to the notification service.
func (p *Producer) PublishTicketIssued(ctx context.Context, t models.Ticket) error {
	return p.publishTicket(ctx, p.Topics.Issued, models.TicketEventIssued, t)
}

// PublishTicketRedeemed tells the holder their ticket was scanned.
func (p *Producer) PublishTicketRedeemed(ctx context.Context, t models.Ticket) error {
	return p.publishTicket(ctx, p.Topics.Redeemed, models.TicketEventRedeemed, t)
}

func (p *Producer) PublishTicketCancelled(ctx context.Context, t models.Ticket) error {
	return p.publishTicket(ctx, p.Topics.Cancelled, models.TicketEventCancelled, t)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
