package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/me/gomh/internal/config"
	"github.com/me/gomh/internal/dispatcher"
	"github.com/me/gomh/internal/server"
	"github.com/me/gomh/internal/store"
	"github.com/me/gomh/pkg/model"
)

const chainDOT = `strict digraph G {
  1 [ ctxid="1" ];
  2 [ ctxid="1" ];
  1 -> 2;
}`

// fakeRunner records jobs and returns a fixed outcome.
type fakeRunner struct {
	mu      sync.Mutex
	jobs    []Job
	outcome model.TaskExecState
}

func (f *fakeRunner) Run(ctx context.Context, job Job) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return Result{Outcome: f.outcome, Message: "fake"}, nil
}

type harness struct {
	proc       *Processor
	client     *Client
	dispatcher *dispatcher.Dispatcher
	runner     *fakeRunner
	assetDir   string
}

// newHarness serves a real dispatcher API over httptest and points a
// Processor at it.
func newHarness(t *testing.T, outcome model.TaskExecState) *harness {
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

	cfg := config.DefaultServerConfig()
	cfg.AssetDir = t.TempDir()
	d := dispatcher.New(dispatcher.DefaultConfig(), logger)
	srv := httptest.NewServer(server.New(cfg, d, st, nil, logger))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, nil)
	runner := &fakeRunner{outcome: outcome}
	p := New(Config{
		Name:         "test",
		Cores:        []model.Core{{Code: "c1", Quotas: model.Quotas{Default: 1, Limit: 1}}},
		WorkDir:      t.TempDir(),
		AssetDir:     t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		Heartbeat:    10 * time.Millisecond,
	}, client, testDownloader(t, srv.URL), runner, logger)

	return &harness{proc: p, client: client, dispatcher: d, runner: runner, assetDir: cfg.AssetDir}
}

func (h *harness) start(t *testing.T, tasks []model.TaskSpec) int64 {
	t.Helper()
	s, err := h.dispatcher.StartExecution(context.Background(), model.ExecutionSpec{Graph: chainDOT, Tasks: tasks})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	return s.ID
}

func (h *harness) register(t *testing.T) {
	t.Helper()
	_, err := h.client.Register(context.Background(), model.RegisterRequest{Name: "test", Cores: h.proc.cfg.Cores})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestProcessor_StepRunsAndReports(t *testing.T) {
	h := newHarness(t, model.TaskStateOK)
	os.WriteFile(filepath.Join(h.assetDir, "ref.fa"), []byte("ACGT"), 0o644)
	id := h.start(t, []model.TaskSpec{
		{TaskID: 1, Function: "align", Params: map[string]any{"k": "v"},
			Assets: []model.Asset{{Code: "ref", URL: "/api/v1/assets/ref.fa"}}},
		{TaskID: 2, Function: "call"},
	})
	h.register(t)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ran, err := h.proc.Step(ctx, "c1")
		if err != nil || !ran {
			t.Fatalf("Step %d = %v, %v", i, ran, err)
		}
	}
	if ran, err := h.proc.Step(ctx, "c1"); err != nil || ran {
		t.Fatalf("Step after drain = %v, %v", ran, err)
	}

	if len(h.runner.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(h.runner.jobs))
	}
	job := h.runner.jobs[0]
	if job.Function != "align" || job.Params["k"] != "v" {
		t.Errorf("job = %+v", job)
	}
	data, err := os.ReadFile(job.Assets["ref"])
	if err != nil || string(data) != "ACGT" {
		t.Errorf("asset %q = %q, %v", job.Assets["ref"], data, err)
	}

	s, err := h.dispatcher.ExecutionStatus(ctx, id, true)
	if err != nil {
		t.Fatalf("ExecutionStatus: %v", err)
	}
	if s.State != model.ExecutionStateFinished {
		t.Errorf("execution state = %s, want FINISHED", s.State)
	}
}

func TestProcessor_MissingAssetReportsError(t *testing.T) {
	h := newHarness(t, model.TaskStateOK)
	id := h.start(t, []model.TaskSpec{
		{TaskID: 1, Function: "align", Assets: []model.Asset{{Code: "ref", URL: "/api/v1/assets/missing.fa"}}},
		{TaskID: 2, Function: "call"},
	})
	h.register(t)

	if _, err := h.proc.Step(context.Background(), "c1"); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(h.runner.jobs) != 0 {
		t.Errorf("runner invoked despite missing asset")
	}
	s, err := h.dispatcher.ExecutionStatus(context.Background(), id, true)
	if err != nil {
		t.Fatalf("ExecutionStatus: %v", err)
	}
	if s.Tasks[0].State != model.TaskStateError {
		t.Errorf("task 1 state = %s, want ERROR", s.Tasks[0].State)
	}
}

func TestProcessor_RunDeregistersOnShutdown(t *testing.T) {
	h := newHarness(t, model.TaskStateOK)
	h.start(t, []model.TaskSpec{{TaskID: 1, Function: "a"}, {TaskID: 2, Function: "b"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		h.runner.mu.Lock()
		n := len(h.runner.jobs)
		h.runner.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ran %d jobs before deadline, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if ps := h.dispatcher.ListProcessors(); len(ps) != 0 {
		t.Errorf("processors after shutdown = %+v, want none", ps)
	}
}
