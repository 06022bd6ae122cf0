package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// Runtime executes a function's command, optionally inside a container.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// RunSpec describes what to execute.
type RunSpec struct {
	Image   string            // Container image (empty for bare execution)
	Command []string          // Command and arguments
	WorkDir string            // Working directory on the host
	Volumes map[string]string // host:container mount pairs
	GPU     bool              // Pass NVIDIA GPUs through to the container
	Env     map[string]string // Environment variables
}

// RunResult captures the output of an execution.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// command is one process invocation.
type command struct {
	name string
	args []string
	dir  string
	env  []string
}

// execer starts processes. Tests swap it for a recorder.
type execer interface {
	Exec(ctx context.Context, c command) (RunResult, error)
}

// osExecer is the real implementation using os/exec.
type osExecer struct{}

func (osExecer) Exec(ctx context.Context, c command) (RunResult, error) {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	result := RunResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return result, nil
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	default:
		result.ExitCode = -1
		return result, runErr
	}
}

// sortedEnv renders env as KEY=VALUE pairs in key order.
func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// sortedKeys returns the keys of m in order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BareRuntime executes commands directly on the host.
type BareRuntime struct {
	exec execer
}

// NewBareRuntime creates a BareRuntime.
func NewBareRuntime() *BareRuntime {
	return &BareRuntime{exec: osExecer{}}
}

func (r *BareRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("bare runtime: empty command")
	}
	res, err := r.exec.Exec(ctx, command{
		name: spec.Command[0],
		args: spec.Command[1:],
		dir:  spec.WorkDir,
		env:  sortedEnv(spec.Env),
	})
	if err != nil {
		return res, fmt.Errorf("bare runtime: %w", err)
	}
	return res, nil
}

// DockerRuntime executes commands inside Docker containers.
type DockerRuntime struct {
	exec execer
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{exec: osExecer{}}
}

func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("docker runtime: image is required")
	}
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("docker runtime: empty command")
	}

	args := []string{"run", "--rm"}
	if spec.GPU {
		args = append(args, "--gpus", "all")
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, "-v", spec.WorkDir+":/work", "-w", "/work")
	for _, host := range sortedKeys(spec.Volumes) {
		args = append(args, "-v", host+":"+spec.Volumes[host]+":ro")
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	res, err := r.exec.Exec(ctx, command{name: "docker", args: args})
	if err != nil {
		return res, fmt.Errorf("docker runtime: %w", err)
	}
	return res, nil
}

// ApptainerRuntime executes commands inside Apptainer (Singularity) containers.
type ApptainerRuntime struct {
	exec execer
}

// NewApptainerRuntime creates an ApptainerRuntime.
func NewApptainerRuntime() *ApptainerRuntime {
	return &ApptainerRuntime{exec: osExecer{}}
}

func (r *ApptainerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("apptainer runtime: image is required")
	}
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("apptainer runtime: empty command")
	}

	args := []string{"exec"}
	if spec.GPU {
		args = append(args, "--nv")
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, "--bind", spec.WorkDir+":/work", "--pwd", "/work")
	for _, host := range sortedKeys(spec.Volumes) {
		args = append(args, "--bind", host+":"+spec.Volumes[host]+":ro")
	}
	// Apptainer pulls OCI images through the docker:// transport.
	args = append(args, "docker://"+spec.Image)
	args = append(args, spec.Command...)

	res, err := r.exec.Exec(ctx, command{name: "apptainer", args: args})
	if err != nil {
		return res, fmt.Errorf("apptainer runtime: %w", err)
	}
	return res, nil
}

// NewRuntime creates a Runtime based on the runtime name.
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "docker":
		return NewDockerRuntime(), nil
	case "apptainer":
		return NewApptainerRuntime(), nil
	case "none", "":
		return NewBareRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime: %s", name)
	}
}
