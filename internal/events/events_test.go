package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestSubject(t *testing.T) {
	if got := Subject("gomh", TaskFinished); got != "gomh.task.finished" {
		t.Errorf("Subject = %q", got)
	}
	if got := Subject("", ExecutionStarted); got != "execution.started" {
		t.Errorf("Subject without prefix = %q", got)
	}
}

func TestMemory(t *testing.T) {
	m := &Memory{}
	ctx := context.Background()
	_ = m.Publish(ctx, Event{Type: TaskAssigned, TaskID: 1})
	_ = m.Publish(ctx, Event{Type: TaskFinished, TaskID: 1})
	_ = m.Publish(ctx, Event{Type: TaskAssigned, TaskID: 2})

	if got := len(m.Events()); got != 3 {
		t.Errorf("Events = %d, want 3", got)
	}
	if got := len(m.OfType(TaskAssigned)); got != 2 {
		t.Errorf("OfType(assigned) = %d, want 2", got)
	}
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := p.Publish(context.Background(), Event{Type: ExecutionFinished}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewNATSPublisher_Unreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewNATSPublisher("nats://127.0.0.1:1", "gomh", logger); err == nil {
		t.Fatal("expected connection error")
	}
}
