// Package condition evaluates per-task run conditions written as
// JavaScript expressions.
package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = 100 * time.Millisecond

// Env is the data visible to a condition.
type Env struct {
	ExecutionID int64
	TaskID      int64
	ContextID   string

	// Params are the task's own parameters.
	Params map[string]any

	// States maps the task ids of the task's direct predecessors to their
	// state names.
	States map[int64]string
}

// Evaluator runs conditions in a fresh goja runtime per call.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates an evaluator. timeout <= 0 uses DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

func (e *Evaluator) setupVM(env Env) (*goja.Runtime, error) {
	vm := goja.New()

	states := make(map[string]any, len(env.States))
	for id, s := range env.States {
		states[strconv.FormatInt(id, 10)] = s
	}
	params := env.Params
	if params == nil {
		params = map[string]any{}
	}

	vars := map[string]any{
		"executionId": env.ExecutionID,
		"taskId":      env.TaskID,
		"contextId":   env.ContextID,
		"params":      params,
		"states":      states,
	}
	for name, v := range vars {
		if err := vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return vm, nil
}

// Evaluate returns the JavaScript truthiness of expr. An empty expression
// is true.
func (e *Evaluator) Evaluate(expr string, env Env) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	vm, err := e.setupVM(env)
	if err != nil {
		return false, err
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("condition timed out")
	})
	defer timer.Stop()

	v, err := vm.RunString("(" + expr + ")")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, fmt.Errorf("condition %q: timed out after %s", expr, e.timeout)
		}
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return v.ToBoolean(), nil
}
