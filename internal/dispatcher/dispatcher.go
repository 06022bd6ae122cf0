// Package dispatcher assigns runnable tasks to processor cores and records
// their outcomes.
//
// Every read-modify-write of one execution's graph and task states runs
// under that execution's gates, graph gate first. Quota allocations are
// committed and released inside the same critical section as the state
// change that produced them.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/me/gomh/internal/condition"
	"github.com/me/gomh/internal/events"
	"github.com/me/gomh/internal/graph"
	"github.com/me/gomh/internal/quota"
	"github.com/me/gomh/internal/syncgate"
	"github.com/me/gomh/internal/taskstate"
	"github.com/me/gomh/internal/tracing"
	"github.com/me/gomh/pkg/model"
)

// Config holds dispatcher configuration.
type Config struct {
	// GateTimeout bounds one gate acquisition.
	GateTimeout time.Duration

	// MaxRetries is the reclaim ceiling; a task reclaimed more often is
	// forced to ERROR. Negative disables the ceiling.
	MaxRetries int

	// ConditionTimeout bounds one task condition evaluation.
	ConditionTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		GateTimeout:      syncgate.DefaultTimeout,
		MaxRetries:       3,
		ConditionTimeout: condition.DefaultTimeout,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithTracer sets the span tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher serves polls and reports for every active execution.
type Dispatcher struct {
	cfg        Config
	gates      *syncgate.Gates
	ledger     *quota.Ledger
	conditions *condition.Evaluator
	publisher  events.Publisher
	tracer     *tracing.Tracer
	logger     *slog.Logger
	now        func() time.Time

	// mu guards the execution index only. Execution contents are guarded
	// by the gates.
	mu         sync.RWMutex
	executions map[int64]*execution
	retired    map[int64]bool
	nextID     int64

	procMu     sync.RWMutex
	processors map[string]*model.Processor
}

// execution is the in-memory state of one execution.
type execution struct {
	id         int64
	name       string
	graph      *graph.ExecutionGraph
	states     *taskstate.Map
	tasks      map[int64]model.TaskSpec
	owners     map[int64]model.CoreKey
	policy     taskstate.Policy
	spec       model.ExecutionSpec
	maxRetries int
	state      model.ExecutionState
	err        string
	createdAt  time.Time
	updatedAt  time.Time
	finishedAt *time.Time

	// version counts mutations; saved is the last version persisted.
	version int64
	saved   int64
}

// New creates a dispatcher.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:        cfg,
		gates:      syncgate.NewGates(cfg.GateTimeout),
		ledger:     quota.NewLedger(),
		conditions: condition.NewEvaluator(cfg.ConditionTimeout),
		logger:     logger.With("component", "dispatcher"),
		now:        time.Now,
		executions: make(map[int64]*execution),
		retired:    make(map[int64]bool),
		processors: make(map[string]*model.Processor),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.publisher == nil {
		d.publisher = events.NewLogPublisher(logger)
	}
	if d.tracer == nil {
		d.tracer = tracing.NewTracer(nil)
	}
	return d
}

// lookup returns the execution with id. Callers hold the gates for id
// before touching the result.
func (d *Dispatcher) lookup(id int64) *execution {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.executions[id]
}

// activeIDs returns the ids of executions still accepting work, ascending.
func (d *Dispatcher) activeIDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]int64, 0, len(d.executions))
	for id := range d.executions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	ev.Time = d.now().UTC()
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.logger.Warn("publish event", "type", ev.Type, "execution_id", ev.ExecutionID, "error", err)
	}
}

// touch records a mutation of ex.
func (d *Dispatcher) touch(ex *execution) {
	ex.version++
	ex.updatedAt = d.now().UTC()
}

// finishIfDone moves ex to FINISHED once every task is finished.
func (d *Dispatcher) finishIfDone(ctx context.Context, ex *execution) {
	if ex.state != model.ExecutionStateRunning || !ex.states.AllFinished() {
		return
	}
	now := d.now().UTC()
	ex.state = model.ExecutionStateFinished
	ex.finishedAt = &now
	d.touch(ex)
	d.logger.Info("execution finished", "execution_id", ex.id, "counts", ex.states.Counts())
	d.publish(ctx, events.Event{Type: events.ExecutionFinished, ExecutionID: ex.id, State: string(ex.state)})
}

// breakExecution marks ex BROKEN after a structural error. Cores still
// holding tasks of ex get their quota back; their late reports are stale.
func (d *Dispatcher) breakExecution(ctx context.Context, ex *execution, err error) {
	now := d.now().UTC()
	ex.state = model.ExecutionStateBroken
	ex.err = err.Error()
	ex.finishedAt = &now
	released := len(ex.owners)
	for taskID, owner := range ex.owners {
		d.ledger.Release(owner, ex.id, taskID)
		delete(ex.owners, taskID)
	}
	d.touch(ex)
	d.logger.Error("execution broken", "execution_id", ex.id, "released", released, "error", err)
	d.publish(ctx, events.Event{Type: events.ExecutionBroken, ExecutionID: ex.id, Message: ex.err})
}

// settle skips tasks that can no longer run and finishes ex when done.
func (d *Dispatcher) settle(ctx context.Context, ex *execution) {
	skipped, err := taskstate.SkipBlocked(ex.graph, ex.states, ex.policy)
	if err != nil {
		d.breakExecution(ctx, ex, err)
		return
	}
	for _, id := range skipped {
		d.publish(ctx, events.Event{Type: events.TaskSkipped, ExecutionID: ex.id, TaskID: id, State: string(model.TaskStateSkipped)})
	}
	if len(skipped) > 0 {
		d.touch(ex)
	}
	d.finishIfDone(ctx, ex)
}

func execAttr(id int64) attribute.KeyValue {
	return attribute.Int64("execution_id", id)
}

// isTransient reports whether err means "try again later".
func isTransient(err error) bool {
	return errors.Is(err, model.ErrGateTimeout)
}
