// README: Dispatch lifecycle event stream for notification and reporting consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"lifeline/internal/types"
)

type Type string

const (
	TypeRequested Type = "requested"
	TypeOffered   Type = "offered"
	TypeRejected  Type = "rejected"
	TypeExpired   Type = "expired"
	TypeAssigned  Type = "assigned"
	TypeCompleted Type = "completed"
	TypeCancelled Type = "cancelled"
	TypeExhausted Type = "exhausted"
)

type Event struct {
	Type      Type      `json:"type"`
	RequestID types.ID  `json:"request_id"`
	UnitID    *types.ID `json:"unit_id,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events best-effort; callers never depend on delivery.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.RequestID.String()),
		Value: b,
	})
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Nop is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
