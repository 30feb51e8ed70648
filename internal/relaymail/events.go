package relaymail

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

// MessageEvent is published once per message that completed processing.
type MessageEvent struct {
	Type                  string    `json:"type"`
	MessageID             string    `json:"messageId"`
	ThreadID              string    `json:"threadId,omitempty"`
	Subject               string    `json:"subject"`
	From                  string    `json:"from"`
	Attachments           int       `json:"attachments"`
	DownloadedAttachments int       `json:"downloadedAttachments"`
	ArtifactLocation      string    `json:"artifactLocation,omitempty"`
	ProcessedAt           time.Time `json:"processedAt"`
}

const MessageProcessedEvent = "message.processed"

func newMessageEvent(record *MessageRecord, location string) MessageEvent {
	return MessageEvent{
		Type:                  MessageProcessedEvent,
		MessageID:             record.ID,
		ThreadID:              record.ThreadID,
		Subject:               record.Subject,
		From:                  record.From,
		Attachments:           len(record.Attachments),
		DownloadedAttachments: len(record.DownloadedAttachments),
		ArtifactLocation:      location,
		ProcessedAt:           record.ProcessedAt,
	}
}

// EventSink receives processed-message events. Publish errors are logged by
// the pipeline and never fail the message.
type EventSink interface {
	Publish(ctx context.Context, event MessageEvent) error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type KafkaSink struct {
	writer  kafkaWriter
	timeout time.Duration
}

// NewKafkaSink publishes events keyed by message id to topic.
func NewKafkaSink(brokersCSV, topic string) (*KafkaSink, error) {
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 || strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka sink requires brokers and a topic")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaSink{writer: w, timeout: 3 * time.Second}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, event MessageEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(event.MessageID),
		Value: b,
		Time:  event.ProcessedAt,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
