// Package feed publishes run lifecycle events to Kafka so external
// dashboards can follow the fleet without touching the local database.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/SnapLoad/SnapLoad/internal/config"
	"github.com/SnapLoad/SnapLoad/internal/engine"
)

// Envelope is the wire format of every feed event.
type Envelope struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Envelope type constants.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventLoadBooked   = "load_booked"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes envelopes to the configured topic. A disabled publisher
// is valid and silently drops everything, so callers never nil-check.
type Publisher struct {
	writer   messageWriter
	enabled  bool
	clientID string
}

func NewPublisher(cfg config.FeedConfig) *Publisher {
	if !cfg.Enabled {
		return &Publisher{}
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	slog.Info("Run feed enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &Publisher{writer: w, enabled: true, clientID: cfg.ClientID}
}

func (p *Publisher) Enabled() bool { return p.enabled }

func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	return p.writer.Close()
}

// Publish sends one envelope, keying by target so each target's events stay
// ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	if !p.enabled {
		return nil
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("feed: marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(env.Target),
		Value: data,
		Time:  env.Timestamp,
	}
	if p.clientID != "" {
		msg.Headers = []kafka.Header{{Key: "client_id", Value: []byte(p.clientID)}}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("feed: produce %s: %w", env.Type, err)
	}
	return nil
}

// RunStarted announces a new booking run.
func (p *Publisher) RunStarted(ctx context.Context, runID, target string) {
	if !p.enabled {
		return
	}
	err := p.Publish(ctx, Envelope{Type: EventRunStarted, RunID: runID, Target: target})
	if err != nil {
		slog.Warn("Feed publish failed", "type", EventRunStarted, "target", target, "error", err)
	}
}

// RunFinished reports the run outcome, and a separate load_booked event when
// a load was actually reserved.
func (p *Publisher) RunFinished(ctx context.Context, report engine.RunReport) {
	if !p.enabled {
		return
	}
	eventType := EventRunFailed
	if report.OK {
		eventType = EventRunCompleted
	}
	err := p.Publish(ctx, Envelope{Type: eventType, RunID: report.RunID, Target: report.Target, Payload: report})
	if err != nil {
		slog.Warn("Feed publish failed", "type", eventType, "target", report.Target, "error", err)
	}
	if report.Booked {
		err := p.Publish(ctx, Envelope{Type: EventLoadBooked, RunID: report.RunID, Target: report.Target, Payload: report})
		if err != nil {
			slog.Warn("Feed publish failed", "type", EventLoadBooked, "target", report.Target, "error", err)
		}
	}
}
