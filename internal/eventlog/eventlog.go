// Package eventlog is an optional, best-effort Kafka export of
// finished-job events, for external audit/analytics consumers. It is
// explicitly not the durability mechanism for job state — the jobs
// table is (spec.md §3 invariant 4) — so a publish failure is logged
// and swallowed, never surfaced to the scheduler.
//
// Grounded on the teacher's internal/queue/kafka.go Producer, trimmed
// to the single publish path this package needs (no consumer, no
// custom partitioner: job-done events are keyed by target so related
// events land on the same partition, same rationale as the teacher
// keying metrics by zipcode).
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jobfabric/jobfabric/internal/runner"
)

// Event is the wire shape of a published job-done record.
type Event struct {
	ID        uint64 `json:"id"`
	Target    string `json:"target"`
	Result    string `json:"result"`
	Code      *int   `json:"code,omitempty"`
	Signal    string `json:"signal,omitempty"`
	FinishedAt int64  `json:"finishedAt"`
}

// Publisher writes job-done events to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a Publisher over the given brokers/topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    50,
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
	}
}

// Close releases the underlying Kafka writer.
func (p *Publisher) Close() error { return p.writer.Close() }

// OnJobDone adapts a runner.DoneEvent to a published Event. Intended
// to be chained alongside the scheduler's NotifyDone callback; errors
// are returned to the caller to log, never propagated into the job's
// own state transition.
func (p *Publisher) OnJobDone(ctx context.Context, e runner.DoneEvent) error {
	evt := Event{
		ID: e.ID, Target: e.Target, Result: e.Result, Code: e.Code, Signal: e.Signal,
		FinishedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventlog: marshal: %w", err)
	}
	msg := kafka.Message{Key: []byte(e.Target), Value: data}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("eventlog: publish: %w", err)
	}
	return nil
}
