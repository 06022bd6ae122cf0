package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/me/gomh/internal/events"
	"github.com/me/gomh/internal/tracing"
	"github.com/me/gomh/pkg/model"
)

// ReclaimStaleProcessor returns every task owned by processorID to NONE so
// other cores can pick it up, and releases the quota those tasks held. It
// marks the processor offline once every execution was visited. Executions
// whose gate could not be acquired are reported in the returned error and
// the processor stays online, so calling again finishes the job.
func (d *Dispatcher) ReclaimStaleProcessor(ctx context.Context, processorID string) (_ int, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.reclaim", attribute.String("processor_id", processorID))
	defer func() { tracing.End(span, err) }()

	total := 0
	var errs []error
	for _, id := range d.activeIDs() {
		n, err := d.reclaimExecution(ctx, id, processorID)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("execution %d: %w", id, err))
		}
	}
	if len(errs) == 0 {
		d.setProcessorState(processorID, model.ProcessorStateOffline)
	}
	if total > 0 {
		d.logger.Warn("processor tasks reclaimed", "processor_id", processorID, "tasks", total)
	}
	span.SetAttributes(attribute.Int("reclaimed", total))
	return total, errors.Join(errs...)
}

func (d *Dispatcher) reclaimExecution(ctx context.Context, id int64, processorID string) (int, error) {
	n := 0
	err := d.gates.WithGraphAndState(ctx, id, func() error {
		ex := d.lookup(id)
		if ex == nil {
			return nil
		}
		var owned []int64
		for taskID, owner := range ex.owners {
			if owner.ProcessorID == processorID {
				owned = append(owned, taskID)
			}
		}
		sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })

		for _, taskID := range owned {
			owner := ex.owners[taskID]
			state, err := ex.states.Reclaim(taskID, ex.maxRetries)
			if err != nil {
				return err
			}
			delete(ex.owners, taskID)
			d.ledger.Release(owner, ex.id, taskID)
			d.touch(ex)
			n++

			d.logger.Info("task reclaimed",
				"execution_id", ex.id,
				"task_id", taskID,
				"processor_id", processorID,
				"retries", ex.states.RetryCount(taskID),
				"state", state,
			)
			d.publish(ctx, events.Event{
				Type:        events.TaskReclaimed,
				ExecutionID: ex.id,
				TaskID:      taskID,
				ProcessorID: processorID,
				CoreID:      owner.CoreID,
				State:       string(state),
			})
			if state == model.TaskStateError {
				d.propagateError(ctx, ex, taskID)
			}
		}
		if n > 0 && ex.state == model.ExecutionStateRunning {
			d.settle(ctx, ex)
		}
		return nil
	})
	return n, err
}
