// Package events fans final transcripts out to Kafka for downstream
// consumers. With Kafka disabled events are only logged.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Transcript is the event published for every final result.
type Transcript struct {
	RequestID          string             `json:"request_id"`
	UserID             string             `json:"user_id,omitempty"`
	WorkerID           string             `json:"worker_id,omitempty"`
	Segment            int                `json:"segment"`
	Transcript         string             `json:"transcript"`
	OriginalTranscript string             `json:"original_transcript,omitempty"`
	Scores             map[string]float64 `json:"scores,omitempty"`
	Timestamp          time.Time          `json:"timestamp"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	WorkerID string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes transcript events to one topic keyed by request id.
// A nil *Publisher discards events.
type Publisher struct {
	writer   messageWriter
	topic    string
	workerID string
	enabled  bool
	logger   zerolog.Logger
}

// New creates a publisher. It never dials; kafka-go connects lazily on
// the first write.
func New(cfg Config, logger zerolog.Logger) *Publisher {
	logger = logger.With().Str("component", "events").Logger()

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{topic: cfg.Topic, workerID: cfg.WorkerID, logger: logger}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writer:   writer,
		topic:    cfg.Topic,
		workerID: cfg.WorkerID,
		enabled:  true,
		logger:   logger,
	}
}

// PublishFinal publishes one final transcript. Messages of a request share
// a key so they land on one partition in segment order.
func (p *Publisher) PublishFinal(ctx context.Context, ev Transcript) error {
	if p == nil {
		return nil
	}
	if ev.WorkerID == "" {
		ev.WorkerID = p.workerID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript event: %w", err)
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("request_id", ev.RequestID).
		RawJSON("payload", payload).
		Msg("Publishing transcript")

	if !p.enabled || p.writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.RequestID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("final")},
			{Key: "workerId", Value: []byte(ev.WorkerID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", p.topic, err)
	}
	return nil
}

// Enabled reports whether events are written to Kafka.
func (p *Publisher) Enabled() bool {
	return p != nil && p.enabled
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
