package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gomh/internal/dispatcher"
	"github.com/me/gomh/internal/store"
	"github.com/me/gomh/pkg/model"
)

const chain = `strict digraph G {
  1 [ ctxid="1" ];
  2 [ ctxid="1" ];
  1 -> 2;
}`

var chainTasks = []model.TaskSpec{{TaskID: 1, Function: "a"}, {TaskID: 2, Function: "b"}}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// testSetup creates an in-memory store and a dispatcher driven by a fake
// clock, and returns a ready-to-use scheduler Loop.
func testSetup(t *testing.T) (*Loop, *dispatcher.Dispatcher, store.Store, *fakeClock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	d := dispatcher.New(dispatcher.DefaultConfig(), logger, dispatcher.WithClock(clock.Now))
	cfg := Config{PollInterval: 10 * time.Millisecond, HeartbeatTimeout: time.Minute}
	return NewLoop(d, st, cfg, logger), d, st, clock
}

func registerProcessor(t *testing.T, d *dispatcher.Dispatcher) string {
	t.Helper()
	p, err := d.RegisterProcessor(model.RegisterRequest{
		Name:  "node",
		Cores: []model.Core{{Code: "c1", Quotas: model.Quotas{Default: 1, Limit: 1}}},
	})
	if err != nil {
		t.Fatalf("RegisterProcessor: %v", err)
	}
	return p.ID
}

func runTask(t *testing.T, d *dispatcher.Dispatcher, pid string) *model.TaskAssignment {
	t.Helper()
	a, err := d.PollForTask(context.Background(), pid, "c1")
	if err != nil {
		t.Fatalf("PollForTask: %v", err)
	}
	if a == nil {
		t.Fatal("PollForTask returned no task")
	}
	_, err = d.ReportTaskResult(context.Background(), model.TaskReport{
		ProcessorID: pid, CoreID: "c1", ExecutionID: a.ExecutionID, TaskID: a.TaskID, Outcome: model.TaskStateOK,
	})
	if err != nil {
		t.Fatalf("ReportTaskResult: %v", err)
	}
	return a
}

func TestTick_EmptyTick(t *testing.T) {
	sched, _, _, _ := testSetup(t)
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick with empty dispatcher: %v", err)
	}
}

func TestTick_CheckpointsAndRetires(t *testing.T) {
	sched, d, st, _ := testSetup(t)
	ctx := context.Background()
	pid := registerProcessor(t, d)

	status, err := d.StartExecution(ctx, model.ExecutionSpec{Name: "persisted", Graph: chain, Tasks: chainTasks})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	snap, err := st.GetExecution(ctx, status.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if snap == nil || snap.State != model.ExecutionStateRunning || snap.Name != "persisted" {
		t.Fatalf("snapshot = %+v, want RUNNING", snap)
	}
	procs, err := st.ListProcessors(ctx)
	if err != nil {
		t.Fatalf("ListProcessors: %v", err)
	}
	if len(procs) != 1 || procs[0].ID != pid {
		t.Errorf("persisted processors = %+v", procs)
	}

	runTask(t, d, pid)
	runTask(t, d, pid)
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	snap, err = st.GetExecution(ctx, status.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if snap.State != model.ExecutionStateFinished || snap.FinishedAt == nil {
		t.Errorf("snapshot state = %s, want FINISHED", snap.State)
	}
	if len(d.ListExecutions(ctx)) != 0 {
		t.Errorf("finished execution still in memory")
	}
}

func TestTick_ReclaimsStaleProcessor(t *testing.T) {
	sched, d, _, clock := testSetup(t)
	ctx := context.Background()
	stale := registerProcessor(t, d)

	status, err := d.StartExecution(ctx, model.ExecutionSpec{Graph: chain, Tasks: chainTasks})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if a, err := d.PollForTask(ctx, stale, "c1"); err != nil || a == nil {
		t.Fatalf("PollForTask = %v, %v", a, err)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	fresh := registerProcessor(t, d)
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	p, err := d.Processor(stale)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}
	if p.State != model.ProcessorStateOffline {
		t.Errorf("stale processor state = %s, want offline", p.State)
	}
	s, err := d.ExecutionStatus(ctx, status.ID, true)
	if err != nil {
		t.Fatalf("ExecutionStatus: %v", err)
	}
	if s.Tasks[0].State != model.TaskStateNone || s.Tasks[0].Retries != 1 {
		t.Errorf("task 1 = %s retries %d, want NONE retries 1", s.Tasks[0].State, s.Tasks[0].Retries)
	}

	a, err := d.PollForTask(ctx, fresh, "c1")
	if err != nil || a == nil || a.TaskID != 1 {
		t.Fatalf("fresh processor poll = %+v, %v", a, err)
	}
}

func TestRecover(t *testing.T) {
	sched, d, st, _ := testSetup(t)
	ctx := context.Background()
	pid := registerProcessor(t, d)

	running, err := d.StartExecution(ctx, model.ExecutionSpec{Graph: chain, Tasks: chainTasks})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	runTask(t, d, pid)
	if a, err := d.PollForTask(ctx, pid, "c1"); err != nil || a == nil {
		t.Fatalf("PollForTask = %v, %v", a, err)
	}
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// A fresh dispatcher over the same store picks up where the first left off.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d2 := dispatcher.New(dispatcher.DefaultConfig(), logger)
	sched2 := NewLoop(d2, st, DefaultConfig(), logger)
	if err := sched2.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, err := d2.Processor(pid); err != nil {
		t.Errorf("processor not restored: %v", err)
	}
	s, err := d2.ExecutionStatus(ctx, running.ID, true)
	if err != nil {
		t.Fatalf("ExecutionStatus: %v", err)
	}
	if s.Tasks[0].State != model.TaskStateOK || s.Tasks[1].State != model.TaskStateNone {
		t.Errorf("restored tasks = %+v", s.Tasks)
	}

	next, err := d2.StartExecution(ctx, model.ExecutionSpec{Graph: chain, Tasks: chainTasks})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if next.ID <= running.ID {
		t.Errorf("new execution id %d reuses a persisted id", next.ID)
	}
}

// TestStart_StopsOnContextCancel verifies that Start returns when its context
// is cancelled.
func TestStart_StopsOnContextCancel(t *testing.T) {
	sched, _, _, _ := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- sched.Start(ctx)
	}()

	// Let the scheduler run a few ticks, then cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Start returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return within 5 seconds after context cancellation")
	}
}

func TestStop(t *testing.T) {
	sched, _, _, _ := testSetup(t)

	done := make(chan error, 1)
	go func() {
		done <- sched.Start(context.Background())
	}()
	time.Sleep(30 * time.Millisecond)

	if err := sched.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Start returned %v, want nil", err)
	}
}
