package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

const (
	TypeVideoUploaded     = "video.uploaded"
	TypeAnalysisCompleted = "analysis.completed"
	TypeAnalysisFailed    = "analysis.failed"
)

// Publisher emits lifecycle events to the bus. Delivery is best-effort:
// callers log a returned error and move on, task progress never depends
// on the bus.
type Publisher interface {
	Emit(ctx context.Context, eventType string, payload Payload) error
	Close() error
}

type Payload struct {
	TaskID    string `json:"task_id"`
	OwnerID   string `json:"owner_id"`
	VideoPath string `json:"video_path,omitempty"`
	Verdict   string `json:"verdict,omitempty"`
	Error     string `json:"error,omitempty"`
}

type envelope struct {
	EventType string  `json:"event_type"`
	Payload   Payload `json:"payload"`
}

type kafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(brokers []string, topic string) (Publisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &kafkaPublisher{producer: p, topic: topic}, nil
}

func (p *kafkaPublisher) Emit(ctx context.Context, eventType string, payload Payload) error {
	data, err := json.Marshal(envelope{EventType: eventType, Payload: payload})
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(payload.TaskID),
		Value: sarama.ByteEncoder(data),
	}

	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *kafkaPublisher) Close() error {
	return p.producer.Close()
}
