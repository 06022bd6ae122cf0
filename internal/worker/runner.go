package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/me/gomh/pkg/model"
)

// SubProcessFile is the file a function writes into its working directory
// to expand the graph after it succeeds.
const SubProcessFile = "subprocess.json"

// Job is one assigned task ready to run locally.
type Job struct {
	ExecutionID int64
	TaskID      int64
	ContextID   string
	Function    string
	Params      map[string]any
	Assets      map[string]string // local path by asset code
	WorkDir     string
}

// Result is the outcome of a job.
type Result struct {
	Outcome    model.TaskExecState
	Message    string
	SubProcess *model.SubProcess
}

// Runner invokes the function behind a task.
type Runner interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// Function maps a function code to a command.
type Function struct {
	Command []string
	Image   string // Empty runs on the host
	GPU     bool
}

// CommandRunner runs each function as a command through a Runtime.
// Params are written to params.json in the working directory; asset paths
// and task identity are passed as GOMH_* environment variables.
type CommandRunner struct {
	runtime   Runtime
	functions map[string]Function
	logger    *slog.Logger
}

// NewCommandRunner creates a CommandRunner.
func NewCommandRunner(rt Runtime, functions map[string]Function, logger *slog.Logger) *CommandRunner {
	return &CommandRunner{
		runtime:   rt,
		functions: functions,
		logger:    logger.With("component", "runner"),
	}
}

// Run executes job. A non-zero exit is an ERROR outcome, not an error;
// the error return is for infrastructure failures.
func (r *CommandRunner) Run(ctx context.Context, job Job) (Result, error) {
	fn, ok := r.functions[job.Function]
	if !ok || len(fn.Command) == 0 {
		return Result{Outcome: model.TaskStateError, Message: "unknown function " + job.Function}, nil
	}

	params, err := json.Marshal(job.Params)
	if err != nil {
		return Result{}, fmt.Errorf("encode params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(job.WorkDir, "params.json"), params, 0o644); err != nil {
		return Result{}, fmt.Errorf("write params: %w", err)
	}
	// A leftover file from an earlier attempt must not expand the graph.
	os.Remove(filepath.Join(job.WorkDir, SubProcessFile))

	containerized := fn.Image != ""
	workRoot := job.WorkDir
	if containerized {
		workRoot = "/work"
	}
	env := map[string]string{
		"GOMH_EXECUTION_ID": strconv.FormatInt(job.ExecutionID, 10),
		"GOMH_TASK_ID":      strconv.FormatInt(job.TaskID, 10),
		"GOMH_CONTEXT_ID":   job.ContextID,
		"GOMH_PARAMS":       filepath.Join(workRoot, "params.json"),
	}
	volumes := make(map[string]string)
	for code, path := range job.Assets {
		target := path
		if containerized {
			target = "/assets/" + envName(code) + "/" + filepath.Base(path)
			volumes[path] = target
		}
		env["GOMH_ASSET_"+envName(code)] = target
	}

	r.logger.Debug("running function",
		"execution_id", job.ExecutionID,
		"task_id", job.TaskID,
		"function", job.Function,
		"command", fn.Command,
	)
	res, err := r.runtime.Run(ctx, RunSpec{
		Image:   fn.Image,
		Command: fn.Command,
		WorkDir: job.WorkDir,
		Volumes: volumes,
		GPU:     fn.GPU,
		Env:     env,
	})
	if err != nil {
		return Result{}, err
	}
	if res.ExitCode != 0 {
		return Result{
			Outcome: model.TaskStateError,
			Message: fmt.Sprintf("exit code %d: %s", res.ExitCode, tail(res.Stderr, 512)),
		}, nil
	}

	sp, err := readSubProcess(job.WorkDir)
	if err != nil {
		return Result{Outcome: model.TaskStateError, Message: err.Error()}, nil
	}
	return Result{Outcome: model.TaskStateOK, SubProcess: sp}, nil
}

func readSubProcess(dir string) (*model.SubProcess, error) {
	data, err := os.ReadFile(filepath.Join(dir, SubProcessFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", SubProcessFile, err)
	}
	var sp model.SubProcess
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SubProcessFile, err)
	}
	if sp.Graph == "" {
		return nil, fmt.Errorf("%s has no graph", SubProcessFile)
	}
	return &sp, nil
}

// envName upper-cases s and replaces anything outside [A-Z0-9] with '_'.
func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, s)
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
