// Package events publishes task and execution lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Type names an event.
type Type string

const (
	TaskAssigned      Type = "task.assigned"
	TaskFinished      Type = "task.finished"
	TaskReclaimed     Type = "task.reclaimed"
	TaskSkipped       Type = "task.skipped"
	ExecutionStarted  Type = "execution.started"
	ExecutionFinished Type = "execution.finished"
	ExecutionBroken   Type = "execution.broken"
)

// Event is one lifecycle notification.
type Event struct {
	Type        Type      `json:"type"`
	ExecutionID int64     `json:"execution_id"`
	TaskID      int64     `json:"task_id,omitempty"`
	ProcessorID string    `json:"processor_id,omitempty"`
	CoreID      string    `json:"core_id,omitempty"`
	State       string    `json:"state,omitempty"`
	Message     string    `json:"message,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher delivers events. Publish must not block dispatch for long;
// implementations drop or log on failure rather than retry.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to a logger. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Debug("event",
		"type", ev.Type,
		"execution_id", ev.ExecutionID,
		"task_id", ev.TaskID,
		"processor_id", ev.ProcessorID,
		"state", ev.State,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// NATSPublisher publishes JSON events to NATS subjects of the form
// <prefix>.<type>, e.g. "gomh.task.finished".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gomh-dispatcher"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{
		nc:     nc,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "events"),
	}, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix string, t Type) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(p.prefix, ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Memory keeps events in memory. Tests use it to observe dispatcher
// behavior.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events of type t.
func (m *Memory) OfType(t Type) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
