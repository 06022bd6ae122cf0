package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gomh/internal/events"
	"github.com/me/gomh/pkg/model"
)

func TestReclaimStaleProcessor(t *testing.T) {
	d, mem := testDispatcher(t, DefaultConfig())
	pid := register(t, d, 1)
	other := register(t, d, 1)
	execID := start(t, d, model.ExecutionSpec{Graph: chain, Tasks: tasksFor(1, 2, 3)})

	a := mustPoll(t, d, pid, 1)
	n, err := d.ReclaimStaleProcessor(context.Background(), pid)
	if err != nil {
		t.Fatalf("ReclaimStaleProcessor: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}

	ts := taskState(t, d, execID, 1)
	if ts.State != model.TaskStateNone || ts.Retries != 1 {
		t.Errorf("task 1 = %s retries %d, want NONE retries 1", ts.State, ts.Retries)
	}
	if u, _ := d.ledger.Usage(model.CoreKey{ProcessorID: pid, CoreID: "c1"}); u.Total() != 0 {
		t.Errorf("usage after reclaim = %d, want 0", u.Total())
	}
	p, err := d.Processor(pid)
	if err != nil {
		t.Fatalf("Processor: %v", err)
	}
	if p.State != model.ProcessorStateOffline {
		t.Errorf("processor state = %s, want offline", p.State)
	}
	if len(mem.OfType(events.TaskReclaimed)) != 1 {
		t.Errorf("missing task.reclaimed event")
	}

	// The late report of the reclaimed owner is stale.
	_, err = d.ReportTaskResult(context.Background(), model.TaskReport{
		ProcessorID: pid, CoreID: "c1", ExecutionID: execID, TaskID: a.TaskID, Outcome: model.TaskStateOK,
	})
	if !errors.Is(err, model.ErrStaleReport) {
		t.Errorf("late report err = %v, want ErrStaleReport", err)
	}

	mustPoll(t, d, other, 1)
}

func TestReclaim_RetryCeilingFailsTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	d, _ := testDispatcher(t, cfg)
	pid := register(t, d, 1)
	execID := start(t, d, model.ExecutionSpec{Graph: chain, Tasks: tasksFor(1, 2, 3)})

	for i := 0; i < 2; i++ {
		mustPoll(t, d, pid, 1)
		if _, err := d.ReclaimStaleProcessor(context.Background(), pid); err != nil {
			t.Fatalf("ReclaimStaleProcessor: %v", err)
		}
	}

	if ts := taskState(t, d, execID, 1); ts.State != model.TaskStateError || ts.Retries != 2 {
		t.Errorf("task 1 = %s retries %d, want ERROR retries 2", ts.State, ts.Retries)
	}
	s, err := d.ExecutionStatus(context.Background(), execID, false)
	if err != nil {
		t.Fatalf("ExecutionStatus: %v", err)
	}
	if s.State != model.ExecutionStateFinished {
		t.Errorf("execution = %s, want FINISHED", s.State)
	}
	if s.Counts[model.TaskStateSkipped] != 2 {
		t.Errorf("skipped = %d, want 2", s.Counts[model.TaskStateSkipped])
	}
}

func TestReclaim_ExecutionRetryOverride(t *testing.T) {
	reclaimTask1 := func(t *testing.T, d *Dispatcher, pid string, times int) {
		t.Helper()
		for i := 0; i < times; i++ {
			mustPoll(t, d, pid, 1)
			if _, err := d.ReclaimStaleProcessor(context.Background(), pid); err != nil {
				t.Fatalf("ReclaimStaleProcessor: %v", err)
			}
		}
	}
	retries := func(n int) *int { return &n }

	tests := []struct {
		name       string
		maxRetries *int
		reclaims   int
		want       model.TaskExecState
	}{
		{"raised ceiling", retries(5), 5, model.TaskStateNone},
		{"fail on first reclaim", retries(0), 1, model.TaskStateError},
		{"unlimited", retries(-1), 10, model.TaskStateNone},
		{"dispatcher default", nil, 4, model.TaskStateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := testDispatcher(t, DefaultConfig())
			pid := register(t, d, 1)
			execID := start(t, d, model.ExecutionSpec{Graph: chain, Tasks: tasksFor(1, 2, 3), MaxRetries: tt.maxRetries})
			reclaimTask1(t, d, pid, tt.reclaims)
			if ts := taskState(t, d, execID, 1); ts.State != tt.want {
				t.Errorf("task 1 = %s after %d reclaims, want %s", ts.State, tt.reclaims, tt.want)
			}
		})
	}
}

func TestRegisterProcessor_Validation(t *testing.T) {
	d, _ := testDispatcher(t, DefaultConfig())

	var apiErr *model.APIError
	if _, err := d.RegisterProcessor(model.RegisterRequest{Name: "empty"}); !errors.As(err, &apiErr) {
		t.Errorf("no cores: err = %v, want validation error", err)
	}

	dup := model.RegisterRequest{Cores: []model.Core{
		{Code: "c1", Quotas: model.Quotas{Disabled: true}},
		{Code: "c1", Quotas: model.Quotas{Disabled: true}},
	}}
	if _, err := d.RegisterProcessor(dup); !errors.As(err, &apiErr) {
		t.Errorf("duplicate core: err = %v, want validation error", err)
	}

	bad := model.RegisterRequest{Cores: []model.Core{{Code: "c1", Quotas: model.Quotas{Limit: 4}}}}
	if _, err := d.RegisterProcessor(bad); !errors.Is(err, model.ErrQuotaMisconfigured) {
		t.Errorf("zero default: err = %v, want ErrQuotaMisconfigured", err)
	}
	if n := len(d.ListProcessors()); n != 0 {
		t.Errorf("processors = %d, want 0", n)
	}
}

func TestStaleProcessors_Heartbeat(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(DefaultConfig(), logger, WithClock(clock), WithPublisher(&events.Memory{}))

	pid := register(t, d, 1)
	if ids := d.StaleProcessors(time.Minute); len(ids) != 0 {
		t.Fatalf("stale right after register = %v", ids)
	}

	now = now.Add(2 * time.Minute)
	ids := d.StaleProcessors(time.Minute)
	if len(ids) != 1 || ids[0] != pid {
		t.Fatalf("stale = %v, want [%s]", ids, pid)
	}

	p, err := d.Heartbeat(pid)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !p.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", p.LastSeen, now)
	}
	if ids := d.StaleProcessors(time.Minute); len(ids) != 0 {
		t.Errorf("stale after heartbeat = %v", ids)
	}

	if _, err := d.Heartbeat("proc_missing"); !errors.Is(err, model.ErrUnknownProcessor) {
		t.Errorf("unknown heartbeat: err = %v", err)
	}
}

func TestDeregister(t *testing.T) {
	d, _ := testDispatcher(t, DefaultConfig())
	pid := register(t, d, 1)
	execID := start(t, d, model.ExecutionSpec{Graph: chain, Tasks: tasksFor(1, 2, 3)})
	mustPoll(t, d, pid, 1)

	if err := d.Deregister(context.Background(), pid); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, err := d.Processor(pid); !errors.Is(err, model.ErrUnknownProcessor) {
		t.Errorf("Processor after deregister: err = %v", err)
	}
	if ts := taskState(t, d, execID, 1); ts.State != model.TaskStateNone {
		t.Errorf("task 1 = %s, want NONE", ts.State)
	}
	if _, ok := d.ledger.Usage(model.CoreKey{ProcessorID: pid, CoreID: "c1"}); ok {
		t.Errorf("ledger still tracks deregistered core")
	}
}

func TestCheckpointRetire(t *testing.T) {
	d, _ := testDispatcher(t, DefaultConfig())
	ctx := context.Background()
	pid := register(t, d, 1)
	execID := start(t, d, model.ExecutionSpec{Graph: chain, Tasks: tasksFor(1, 2, 3)})

	cps, err := d.PendingCheckpoints(ctx)
	if err != nil {
		t.Fatalf("PendingCheckpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Snapshot.ID != execID {
		t.Fatalf("checkpoints = %+v, want one for execution %d", cps, execID)
	}
	if err := d.MarkSaved(ctx, execID, cps[0].Version); err != nil {
		t.Fatalf("MarkSaved: %v", err)
	}
	if cps, _ := d.PendingCheckpoints(ctx); len(cps) != 0 {
		t.Fatalf("checkpoints after save = %d, want 0", len(cps))
	}
	if ok, _ := d.Retire(ctx, execID); ok {
		t.Fatalf("retired a running execution")
	}

	for _, id := range []int64{1, 2, 3} {
		report(t, d, pid, mustPoll(t, d, pid, id), model.TaskStateOK)
	}
	if ok, _ := d.Retire(ctx, execID); ok {
		t.Fatalf("retired an unsaved execution")
	}

	cps, err = d.PendingCheckpoints(ctx)
	if err != nil || len(cps) != 1 {
		t.Fatalf("PendingCheckpoints = %d, %v", len(cps), err)
	}
	if cps[0].Snapshot.State != model.ExecutionStateFinished {
		t.Errorf("snapshot state = %s, want FINISHED", cps[0].Snapshot.State)
	}
	if err := d.MarkSaved(ctx, execID, cps[0].Version); err != nil {
		t.Fatalf("MarkSaved: %v", err)
	}
	ok, err := d.Retire(ctx, execID)
	if err != nil || !ok {
		t.Fatalf("Retire = %v, %v", ok, err)
	}

	if _, err := d.ExecutionStatus(ctx, execID, false); !errors.Is(err, model.ErrUnknownExecution) {
		t.Errorf("status after retire: err = %v", err)
	}
	_, err = d.ReportTaskResult(ctx, model.TaskReport{
		ProcessorID: pid, CoreID: "c1", ExecutionID: execID, TaskID: 3, Outcome: model.TaskStateOK,
	})
	if !errors.Is(err, model.ErrStaleReport) {
		t.Errorf("report after retire: err = %v, want ErrStaleReport", err)
	}
	if next := start(t, d, model.ExecutionSpec{Graph: chain, Tasks: tasksFor(1, 2, 3)}); next == execID {
		t.Errorf("retired id %d reused", execID)
	}
}

func TestRestore_ReclaimsInProgress(t *testing.T) {
	d, _ := testDispatcher(t, DefaultConfig())
	ctx := context.Background()
	pid := register(t, d, 1)
	execID := start(t, d, model.ExecutionSpec{Name: "restored", Graph: chain, Tasks: tasksFor(1, 2, 3)})
	report(t, d, pid, mustPoll(t, d, pid, 1), model.TaskStateOK)
	mustPoll(t, d, pid, 2)

	cps, err := d.PendingCheckpoints(ctx)
	if err != nil || len(cps) != 1 {
		t.Fatalf("PendingCheckpoints = %d, %v", len(cps), err)
	}

	d2, _ := testDispatcher(t, DefaultConfig())
	if err := d2.Restore(ctx, cps[0].Snapshot); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := d2.Restore(ctx, cps[0].Snapshot); err == nil {
		t.Errorf("second Restore succeeded")
	}

	s, err := d2.ExecutionStatus(ctx, execID, true)
	if err != nil {
		t.Fatalf("ExecutionStatus: %v", err)
	}
	if s.Name != "restored" || s.State != model.ExecutionStateRunning {
		t.Errorf("restored status = %+v", s)
	}
	if ts := taskState(t, d2, execID, 1); ts.State != model.TaskStateOK {
		t.Errorf("task 1 = %s, want OK", ts.State)
	}
	if ts := taskState(t, d2, execID, 2); ts.State != model.TaskStateNone || ts.Retries != 1 {
		t.Errorf("task 2 = %s retries %d, want NONE retries 1", ts.State, ts.Retries)
	}

	pid2 := register(t, d2, 1)
	a := mustPoll(t, d2, pid2, 2)
	if a.Function != "echo" {
		t.Errorf("restored task function = %q", a.Function)
	}
	if cps, _ := d2.PendingCheckpoints(ctx); len(cps) != 1 {
		t.Errorf("restored execution with reclaimed tasks should be pending a checkpoint")
	}
}

func TestListExecutions(t *testing.T) {
	d, _ := testDispatcher(t, DefaultConfig())
	start(t, d, model.ExecutionSpec{Name: "a", Graph: chain, Tasks: tasksFor(1, 2, 3)})
	start(t, d, model.ExecutionSpec{Name: "b", Graph: chain, Tasks: tasksFor(1, 2, 3)})

	list := d.ListExecutions(context.Background())
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Errorf("ListExecutions = %+v", list)
	}
	if list[0].Counts[model.TaskStateNone] != 3 {
		t.Errorf("counts = %v", list[0].Counts)
	}
}
