package dispatcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/me/gomh/internal/events"
	"github.com/me/gomh/internal/graph"
	"github.com/me/gomh/internal/taskstate"
	"github.com/me/gomh/internal/tracing"
	"github.com/me/gomh/pkg/model"
)

// ReportTaskResult records the outcome of a task. The report must come from
// the core that currently owns the task; anything else wraps
// model.ErrStaleReport and changes nothing, so a repeated report releases
// quota and expands sub-processes at most once.
func (d *Dispatcher) ReportTaskResult(ctx context.Context, r model.TaskReport) (_ *model.Ack, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.report",
		execAttr(r.ExecutionID),
		attribute.Int64("task_id", r.TaskID),
		attribute.String("outcome", string(r.Outcome)),
	)
	defer func() { tracing.End(span, err) }()

	if !r.Outcome.IsFinished() {
		return nil, model.NewValidationError("outcome must be OK, ERROR or SKIPPED",
			model.FieldError{Field: "outcome", Message: string(r.Outcome)})
	}
	core := model.CoreKey{ProcessorID: r.ProcessorID, CoreID: r.CoreID}

	var ack *model.Ack
	err = d.gates.WithGraphAndState(ctx, r.ExecutionID, func() error {
		ex := d.lookup(r.ExecutionID)
		if ex == nil {
			if d.isRetired(r.ExecutionID) {
				return fmt.Errorf("%w: execution %d already archived", model.ErrStaleReport, r.ExecutionID)
			}
			return fmt.Errorf("%w: %d", model.ErrUnknownExecution, r.ExecutionID)
		}
		owner, owned := ex.owners[r.TaskID]
		if !owned || owner != core || ex.states.State(r.TaskID) != model.TaskStateInProgress {
			return fmt.Errorf("%w: task %d of execution %d is not owned by %s",
				model.ErrStaleReport, r.TaskID, r.ExecutionID, core)
		}

		if err := ex.states.MarkFinished(r.TaskID, r.Outcome); err != nil {
			return err
		}
		delete(ex.owners, r.TaskID)
		d.ledger.Release(core, ex.id, r.TaskID)
		d.touch(ex)

		d.logger.Info("task finished",
			"execution_id", ex.id,
			"task_id", r.TaskID,
			"outcome", r.Outcome,
			"processor_id", r.ProcessorID,
		)
		d.publish(ctx, events.Event{
			Type:        events.TaskFinished,
			ExecutionID: ex.id,
			TaskID:      r.TaskID,
			ProcessorID: r.ProcessorID,
			CoreID:      r.CoreID,
			State:       string(r.Outcome),
			Message:     r.Message,
		})

		switch {
		case r.Outcome == model.TaskStateError:
			d.propagateError(ctx, ex, r.TaskID)
		case r.Outcome == model.TaskStateOK && r.SubProcess != nil:
			if err := d.expand(ex, r.TaskID, r.SubProcess); err != nil {
				d.breakExecution(ctx, ex, err)
			}
		}
		if ex.state == model.ExecutionStateRunning {
			d.settle(ctx, ex)
		}

		ack = &model.Ack{
			ExecutionID:    ex.id,
			TaskID:         r.TaskID,
			State:          ex.states.State(r.TaskID),
			ExecutionState: ex.state,
		}
		return nil
	})
	if err != nil {
		if !isTransient(err) {
			d.logger.Warn("report rejected", "execution_id", r.ExecutionID, "task_id", r.TaskID, "error", err)
		}
		return nil, err
	}
	return ack, nil
}

func (d *Dispatcher) isRetired(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.retired[id]
}

func (d *Dispatcher) propagateError(ctx context.Context, ex *execution, taskID int64) {
	skipped := taskstate.PropagateError(ex.graph, ex.states, taskID)
	for _, id := range skipped {
		d.publish(ctx, events.Event{Type: events.TaskSkipped, ExecutionID: ex.id, TaskID: id, State: string(model.TaskStateSkipped)})
	}
	if len(skipped) > 0 {
		d.logger.Info("error propagated", "execution_id", ex.id, "task_id", taskID, "skipped", skipped)
	}
}

// expand inserts a reported sub-process below taskID. Graph and task specs
// change together or not at all.
func (d *Dispatcher) expand(ex *execution, taskID int64, sp *model.SubProcess) error {
	sub, err := graph.Import(sp.Graph)
	if err != nil {
		return err
	}
	specs := make(map[int64]model.TaskSpec, len(sp.Tasks))
	for _, t := range sp.Tasks {
		if !sub.HasVertex(t.TaskID) {
			return model.NewStructuralError("expand sub-process", "task %d is not a vertex of the sub-process", t.TaskID)
		}
		t.ExpandedFrom = taskID
		specs[t.TaskID] = t
	}
	for _, v := range sub.Vertices() {
		if _, ok := specs[v.TaskID]; !ok {
			return model.NewStructuralError("expand sub-process", "vertex %d has no task", v.TaskID)
		}
	}
	if err := ex.graph.ExpandSubProcess(taskID, sub); err != nil {
		return err
	}
	for id, t := range specs {
		ex.tasks[id] = t
		ex.states.Add(id)
	}
	d.touch(ex)
	d.logger.Info("sub-process expanded", "execution_id", ex.id, "task_id", taskID, "tasks", len(specs))
	return nil
}
