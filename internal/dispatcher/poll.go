package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/me/gomh/internal/condition"
	"github.com/me/gomh/internal/events"
	"github.com/me/gomh/internal/taskstate"
	"github.com/me/gomh/internal/tracing"
	"github.com/me/gomh/pkg/model"
)

// PollForTask finds a runnable task for a processor core. Executions are
// tried in id order; one whose gate cannot be acquired in time is skipped.
// A nil assignment with a nil error means there is nothing to do.
func (d *Dispatcher) PollForTask(ctx context.Context, processorID, coreID string) (_ *model.TaskAssignment, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.poll",
		attribute.String("processor_id", processorID),
		attribute.String("core_id", coreID),
	)
	defer func() { tracing.End(span, err) }()

	core, err := d.resolveCore(processorID, coreID)
	if err != nil {
		return nil, err
	}

	for _, id := range d.activeIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := d.pollExecution(ctx, id, core)
		switch {
		case isTransient(err):
			d.logger.Debug("poll: execution busy", "execution_id", id, "error", err)
			continue
		case errors.Is(err, model.ErrQuotaMisconfigured):
			return nil, err
		case err != nil:
			d.logger.Error("poll execution", "execution_id", id, "error", err)
			continue
		}
		if a != nil {
			span.SetAttributes(execAttr(id), attribute.Int64("task_id", a.TaskID))
			return a, nil
		}
	}
	return nil, nil
}

// pollExecution runs one dispatch attempt against a single execution.
func (d *Dispatcher) pollExecution(ctx context.Context, id int64, core model.CoreKey) (*model.TaskAssignment, error) {
	var assignment *model.TaskAssignment
	err := d.gates.WithGraphAndState(ctx, id, func() error {
		ex := d.lookup(id)
		if ex == nil || ex.state != model.ExecutionStateRunning {
			return nil
		}
		for {
			runnable := taskstate.Runnable(ex.graph, ex.states, ex.policy)
			if len(runnable) == 0 {
				return nil
			}
			candidates, pruned := d.applyConditions(ctx, ex, runnable)
			if pruned {
				d.settle(ctx, ex)
				if ex.state != model.ExecutionStateRunning {
					return nil
				}
				// Pruning may have unblocked other tasks.
				if len(candidates) == 0 {
					continue
				}
			}

			for _, spec := range candidates {
				alloc, ok, err := d.ledger.TryAllocate(core, ex.id, spec.TaskID, spec.QuotaTag)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := ex.states.MarkInProgress(spec.TaskID); err != nil {
					d.ledger.Release(core, ex.id, spec.TaskID)
					return err
				}
				ex.owners[spec.TaskID] = core
				d.touch(ex)

				v, _ := ex.graph.Vertex(spec.TaskID)
				assignment = &model.TaskAssignment{
					ExecutionID: ex.id,
					TaskID:      spec.TaskID,
					ContextID:   v.ContextID,
					Function:    spec.Function,
					Params:      spec.Params,
					Assets:      spec.Assets,
					QuotaTag:    spec.QuotaTag,
					Quota:       alloc.Amount,
					AssignedAt:  d.now().UTC(),
				}
				d.logger.Info("task assigned",
					"execution_id", ex.id,
					"task_id", spec.TaskID,
					"processor_id", core.ProcessorID,
					"core_id", core.CoreID,
					"quota", alloc.Amount,
				)
				d.publish(ctx, events.Event{
					Type:        events.TaskAssigned,
					ExecutionID: ex.id,
					TaskID:      spec.TaskID,
					ProcessorID: core.ProcessorID,
					CoreID:      core.CoreID,
					State:       string(model.TaskStateInProgress),
				})
				return nil
			}
			return nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("execution %d: %w", id, err)
	}
	return assignment, nil
}

// applyConditions evaluates task conditions over the runnable set. Tasks
// whose condition is false are skipped. The rest are returned ordered by
// priority, highest first, then by lowest task id.
func (d *Dispatcher) applyConditions(ctx context.Context, ex *execution, runnable []model.TaskVertex) ([]model.TaskSpec, bool) {
	var candidates []model.TaskSpec
	pruned := false
	for _, v := range runnable {
		spec := ex.tasks[v.TaskID]
		spec.TaskID = v.TaskID
		if spec.Condition != "" {
			ok, err := d.conditions.Evaluate(spec.Condition, d.conditionEnv(ex, v))
			if err != nil {
				d.logger.Warn("task condition failed, skipping task",
					"execution_id", ex.id, "task_id", v.TaskID, "error", err)
			}
			if !ok {
				if err := ex.states.MarkFinished(v.TaskID, model.TaskStateSkipped); err != nil {
					d.logger.Error("skip task", "execution_id", ex.id, "task_id", v.TaskID, "error", err)
					continue
				}
				d.touch(ex)
				pruned = true
				d.publish(ctx, events.Event{Type: events.TaskSkipped, ExecutionID: ex.id, TaskID: v.TaskID, State: string(model.TaskStateSkipped)})
				continue
			}
		}
		candidates = append(candidates, spec)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].TaskID < candidates[j].TaskID
	})
	return candidates, pruned
}

func (d *Dispatcher) conditionEnv(ex *execution, v model.TaskVertex) condition.Env {
	states := make(map[int64]string)
	for _, p := range ex.graph.FindDirectAncestors(v.TaskID) {
		states[p.TaskID] = string(ex.states.State(p.TaskID))
	}
	return condition.Env{
		ExecutionID: ex.id,
		TaskID:      v.TaskID,
		ContextID:   v.ContextID,
		Params:      ex.tasks[v.TaskID].Params,
		States:      states,
	}
}
