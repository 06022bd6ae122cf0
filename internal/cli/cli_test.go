package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/gomh/internal/config"
	"github.com/me/gomh/internal/dispatcher"
	"github.com/me/gomh/internal/server"
	"github.com/me/gomh/internal/store"
	"github.com/me/gomh/pkg/model"
)

const executionYAML = `name: chain
graph: |
  strict digraph G {
    1 [ ctxid="1" ];
    2 [ ctxid="1" ];
    1 -> 2;
  }
tasks:
  - task_id: 1
    function: align
  - task_id: 2
    function: call
`

// startTestServer starts a server with an in-memory SQLite store and returns
// the URL and the dispatcher behind it.
func startTestServer(t *testing.T) (string, *dispatcher.Dispatcher) {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultServerConfig()
	cfg.AssetDir = t.TempDir()
	d := dispatcher.New(dispatcher.DefaultConfig(), srvLogger)
	ts := httptest.NewServer(server.New(cfg, d, st, nil, srvLogger).Handler())
	t.Cleanup(ts.Close)
	return ts.URL, d
}

func writeExecution(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "execution.yaml")
	if err := os.WriteFile(path, []byte(executionYAML), 0o644); err != nil {
		t.Fatalf("write execution: %v", err)
	}
	return path
}

// runCLI runs the root command and returns everything written to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--log-level", "error"))

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := root.Execute()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	return buf.String(), err
}

func TestSubmitCommand(t *testing.T) {
	url, d := startTestServer(t)

	output, err := runCLI(t, "--server", url, "submit", writeExecution(t), "--id", "42")
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Execution started: 42 (state: RUNNING)") {
		t.Errorf("expected started message in output, got: %s", output)
	}
	if !strings.Contains(output, "2 total, 2 NONE") {
		t.Errorf("expected task counts in output, got: %s", output)
	}
	if len(d.ListExecutions(context.Background())) != 1 {
		t.Errorf("execution not registered with the dispatcher")
	}
}

func TestSubmitCommand_GraphFile(t *testing.T) {
	url, _ := startTestServer(t)
	dot := filepath.Join(t.TempDir(), "g.dot")
	// Task 2 is not in this graph, so the spec list no longer matches.
	os.WriteFile(dot, []byte(`strict digraph G { 1 [ ctxid="1" ]; }`), 0o644)

	output, err := runCLI(t, "--server", url, "submit", writeExecution(t), "--graph", dot)
	if err == nil {
		t.Fatalf("expected error for mismatched task specs, output: %s", output)
	}
}

func TestSubmitCommand_NoGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	os.WriteFile(path, []byte("name: x\n"), 0o644)

	if _, err := runCLI(t, "--server", "http://127.0.0.1:1", "submit", path); err == nil {
		t.Fatal("expected error for execution without graph")
	}
}

func TestStatusCommand(t *testing.T) {
	url, d := startTestServer(t)
	_, err := d.StartExecution(context.Background(), model.ExecutionSpec{
		Name:  "chain",
		Graph: "strict digraph G { 1 [ ctxid=\"1\" ]; 2 [ ctxid=\"1\" ]; 1 -> 2; }",
		Tasks: []model.TaskSpec{{TaskID: 1, Function: "a"}, {TaskID: 2, Function: "b"}},
	})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	output, err := runCLI(t, "--server", url, "status", "1", "--tasks")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"Execution: 1", "Name:     chain", "State:    RUNNING", "- 2 [1]: NONE"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	url, _ := startTestServer(t)
	if _, err := runCLI(t, "--server", url, "status", "99"); err == nil {
		t.Fatal("expected error for unknown execution")
	}
	if _, err := runCLI(t, "--server", url, "status", "abc"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}

func TestListCommand(t *testing.T) {
	url, _ := startTestServer(t)

	output, err := runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(output, "No executions found.") {
		t.Errorf("expected empty message, got: %s", output)
	}

	if _, err := runCLI(t, "--server", url, "submit", writeExecution(t)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	output, err = runCLI(t, "--server", url, "list")
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(output, "RUNNING") || !strings.Contains(output, "chain") {
		t.Errorf("expected execution row in output, got: %s", output)
	}
}

func TestGraphCommand(t *testing.T) {
	url, _ := startTestServer(t)
	if _, err := runCLI(t, "--server", url, "submit", writeExecution(t)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	output, err := runCLI(t, "--server", url, "graph", "1")
	if err != nil {
		t.Fatalf("graph error: %v", err)
	}
	if !strings.Contains(output, "digraph") || !strings.Contains(output, "->") {
		t.Errorf("expected DOT in output, got: %s", output)
	}

	if _, err := runCLI(t, "--server", url, "graph", "7"); err == nil {
		t.Error("expected error for unknown execution")
	}
}

func TestProcessorsAndReclaim(t *testing.T) {
	url, d := startTestServer(t)
	ctx := context.Background()

	output, err := runCLI(t, "--server", url, "processors")
	if err != nil {
		t.Fatalf("processors error: %v", err)
	}
	if !strings.Contains(output, "No processors registered.") {
		t.Errorf("expected empty message, got: %s", output)
	}

	p, err := d.RegisterProcessor(model.RegisterRequest{
		Name:  "gpu-node",
		Cores: []model.Core{{Code: "c1", Quotas: model.Quotas{Default: 1, Limit: 1}}},
	})
	if err != nil {
		t.Fatalf("RegisterProcessor: %v", err)
	}
	if _, err := runCLI(t, "--server", url, "submit", writeExecution(t)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a, err := d.PollForTask(ctx, p.ID, "c1"); err != nil || a == nil {
		t.Fatalf("PollForTask = %v, %v", a, err)
	}

	output, err = runCLI(t, "--server", url, "processors")
	if err != nil {
		t.Fatalf("processors error: %v", err)
	}
	if !strings.Contains(output, "gpu-node") || !strings.Contains(output, "online") {
		t.Errorf("expected processor row, got: %s", output)
	}

	output, err = runCLI(t, "--server", url, "processors", "reclaim", p.ID)
	if err != nil {
		t.Fatalf("reclaim error: %v", err)
	}
	if !strings.Contains(output, "1 task(s) reclaimed") {
		t.Errorf("expected reclaim count, got: %s", output)
	}
}

func TestResetCommand(t *testing.T) {
	url, d := startTestServer(t)
	ctx := context.Background()
	p, err := d.RegisterProcessor(model.RegisterRequest{
		Name:  "node",
		Cores: []model.Core{{Code: "c1", Quotas: model.Quotas{Default: 1, Limit: 1}}},
	})
	if err != nil {
		t.Fatalf("RegisterProcessor: %v", err)
	}
	if _, err := runCLI(t, "--server", url, "submit", writeExecution(t)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	a, err := d.PollForTask(ctx, p.ID, "c1")
	if err != nil || a == nil {
		t.Fatalf("PollForTask = %v, %v", a, err)
	}
	if _, err := d.ReportTaskResult(ctx, model.TaskReport{
		ProcessorID: p.ID, CoreID: "c1", ExecutionID: a.ExecutionID, TaskID: a.TaskID, Outcome: model.TaskStateOK,
	}); err != nil {
		t.Fatalf("ReportTaskResult: %v", err)
	}

	output, err := runCLI(t, "--server", url, "reset", "1", "1")
	if err != nil {
		t.Fatalf("reset error: %v", err)
	}
	if !strings.Contains(output, "Execution 1: 2 task(s) reset") {
		t.Errorf("expected reset summary, got: %s", output)
	}
}
