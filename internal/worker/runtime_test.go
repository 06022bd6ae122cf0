package worker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
)

// recordingExecer records calls and returns canned responses.
type recordingExecer struct {
	calls   []command
	results []RunResult
	err     error
}

func (r *recordingExecer) Exec(_ context.Context, c command) (RunResult, error) {
	r.calls = append(r.calls, c)
	if len(r.calls) > len(r.results) {
		return RunResult{ExitCode: -1}, fmt.Errorf("unexpected call %d", len(r.calls))
	}
	return r.results[len(r.calls)-1], r.err
}

func TestBareRuntime_Run(t *testing.T) {
	rt := NewBareRuntime()
	result, err := rt.Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", "echo $GREETING"},
		WorkDir: t.TempDir(),
		Env:     map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit_code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want hello\\n", result.Stdout)
	}
}

func TestBareRuntime_ExitCode(t *testing.T) {
	rt := NewBareRuntime()
	result, err := rt.Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", "echo oops >&2; exit 3"},
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.ExitCode != 3 || result.Stderr != "oops\n" {
		t.Errorf("result = %+v", result)
	}
}

func TestBareRuntime_Errors(t *testing.T) {
	rt := NewBareRuntime()
	if _, err := rt.Run(context.Background(), RunSpec{WorkDir: t.TempDir()}); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := rt.Run(context.Background(), RunSpec{Command: []string{"/no/such/binary"}, WorkDir: t.TempDir()}); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestDockerRuntime_Run(t *testing.T) {
	rec := &recordingExecer{results: []RunResult{{Stdout: "container output\n"}}}
	rt := &DockerRuntime{exec: rec}

	result, err := rt.Run(context.Background(), RunSpec{
		Image:   "alpine:latest",
		Command: []string{"echo", "hello"},
		WorkDir: "/tmp/work",
		Volumes: map[string]string{"/assets/ref": "/assets/ref"},
		Env:     map[string]string{"B": "2", "A": "1"},
		GPU:     true,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Stdout != "container output\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}

	call := rec.calls[0]
	if call.name != "docker" {
		t.Errorf("command = %q, want docker", call.name)
	}
	got := strings.Join(call.args, " ")
	want := "run --rm --gpus all -e A=1 -e B=2 -v /tmp/work:/work -w /work -v /assets/ref:/assets/ref:ro alpine:latest echo hello"
	if got != want {
		t.Errorf("args = %q\nwant   %q", got, want)
	}
}

func TestDockerRuntime_MissingImage(t *testing.T) {
	rt := &DockerRuntime{exec: &recordingExecer{}}
	if _, err := rt.Run(context.Background(), RunSpec{Command: []string{"echo"}}); err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestApptainerRuntime_Run(t *testing.T) {
	rec := &recordingExecer{results: []RunResult{{Stdout: "apptainer output\n"}}}
	rt := &ApptainerRuntime{exec: rec}

	_, err := rt.Run(context.Background(), RunSpec{
		Image:   "ubuntu:22.04",
		Command: []string{"echo", "test"},
		WorkDir: "/tmp/work",
		GPU:     true,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	call := rec.calls[0]
	if call.name != "apptainer" {
		t.Errorf("command = %q, want apptainer", call.name)
	}
	if !slices.Contains(call.args, "docker://ubuntu:22.04") {
		t.Errorf("args %v missing docker://ubuntu:22.04", call.args)
	}
	if !slices.Contains(call.args, "--nv") {
		t.Errorf("args %v missing --nv", call.args)
	}
}

func TestNewRuntime(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"docker", false},
		{"apptainer", false},
		{"none", false},
		{"", false},
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuntime(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRuntime(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}
