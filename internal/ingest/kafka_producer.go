package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// StatusEvent is the audit envelope published on every request state
// transition. Downstream consumers (reporting, billing) read these off
// the topic; nothing in this engine depends on them.
type StatusEvent struct {
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"` // "trip" or "order"
	Status    string    `json:"status"`
	AgentID   string    `json:"agent_id,omitempty"`
	At        time.Time `json:"at"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishStatus(ev StatusEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RequestID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
