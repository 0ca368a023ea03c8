package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"fieldops/internal/config"
	"fieldops/internal/model"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends escalation events and reassignment requests as JSON
// messages keyed by building id, so one building's messages stay ordered.
type KafkaPublisher struct {
	events   messageWriter
	reassign messageWriter
}

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.EventsTopic == "" {
		return nil, errors.New("kafka publisher requires brokers and events_topic")
	}
	reassignTopic := cfg.ReassignTopic
	if reassignTopic == "" {
		reassignTopic = cfg.EventsTopic
	}
	return &KafkaPublisher{
		events:   newWriter(cfg.Brokers, cfg.EventsTopic),
		reassign: newWriter(cfg.Brokers, reassignTopic),
	}, nil
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Notify(ctx context.Context, evt model.EscalationEvent) error {
	return publish(ctx, p.events, evt.BuildingID, "escalation", evt)
}

func (p *KafkaPublisher) RequestReassignment(ctx context.Context, req model.ReassignmentRequest) error {
	return publish(ctx, p.reassign, req.BuildingID, "reassignment", req)
}

func (p *KafkaPublisher) Close() error {
	return errors.Join(p.events.Close(), p.reassign.Close())
}

func publish(ctx context.Context, w messageWriter, key, kind string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(kind)},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s for %s: %w", kind, key, err)
	}
	return nil
}
