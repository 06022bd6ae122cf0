package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gomh/internal/dispatcher"
	"github.com/me/gomh/internal/store"
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval time.Duration

	// HeartbeatTimeout is how long a processor may stay silent before its
	// tasks are reclaimed.
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		HeartbeatTimeout: time.Minute,
	}
}

// Loop implements the Scheduler interface with a ticker-driven loop.
type Loop struct {
	dispatcher *dispatcher.Dispatcher
	store      store.Store
	config     Config
	logger     *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(d *dispatcher.Dispatcher, st store.Store, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		dispatcher: d,
		store:      st,
		config:     cfg,
		logger:     logger.With("component", "scheduler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Recover loads persisted processors and running executions into the
// dispatcher. It runs once before Start.
func (l *Loop) Recover(ctx context.Context) error {
	procs, err := l.store.ListProcessors(ctx)
	if err != nil {
		return fmt.Errorf("load processors: %w", err)
	}
	for _, p := range procs {
		if err := l.dispatcher.RestoreProcessor(p); err != nil {
			l.logger.Warn("skip processor", "processor_id", p.ID, "error", err)
		}
	}

	snaps, err := l.store.LoadRunning(ctx)
	if err != nil {
		return fmt.Errorf("load executions: %w", err)
	}
	restored := 0
	for _, snap := range snaps {
		if err := l.dispatcher.Restore(ctx, *snap); err != nil {
			l.logger.Error("restore execution", "execution_id", snap.ID, "error", err)
			continue
		}
		restored++
	}

	maxID, err := l.store.MaxExecutionID(ctx)
	if err != nil {
		return fmt.Errorf("max execution id: %w", err)
	}
	l.dispatcher.ReserveIDs(maxID)

	l.logger.Info("state recovered", "processors", len(procs), "executions", restored)
	return nil
}

// Start begins the housekeeping loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval, "heartbeat_timeout", l.config.HeartbeatTimeout)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single housekeeping iteration.
func (l *Loop) Tick(ctx context.Context) error {
	// Phase 1: Reclaim tasks held by processors that stopped heartbeating.
	if err := l.reclaimStale(ctx); err != nil {
		return fmt.Errorf("phase 1 (reclaim): %w", err)
	}

	// Phase 2: Persist the processor registry.
	if err := l.saveProcessors(ctx); err != nil {
		return fmt.Errorf("phase 2 (processors): %w", err)
	}

	// Phase 3: Checkpoint executions changed since the last tick.
	if err := l.checkpoint(ctx); err != nil {
		return fmt.Errorf("phase 3 (checkpoint): %w", err)
	}

	// Phase 4: Drop finished executions whose final state is saved.
	if err := l.retire(ctx); err != nil {
		return fmt.Errorf("phase 4 (retire): %w", err)
	}

	return nil
}

func (l *Loop) reclaimStale(ctx context.Context) error {
	var errs []error
	for _, pid := range l.dispatcher.StaleProcessors(l.config.HeartbeatTimeout) {
		n, err := l.dispatcher.ReclaimStaleProcessor(ctx, pid)
		if err != nil {
			// Gate timeouts leave the processor online so the next tick retries.
			errs = append(errs, err)
			continue
		}
		l.logger.Warn("processor stale", "processor_id", pid, "reclaimed", n)
	}
	return errors.Join(errs...)
}

func (l *Loop) saveProcessors(ctx context.Context) error {
	for _, p := range l.dispatcher.ListProcessors() {
		if err := l.store.SaveProcessor(ctx, &p); err != nil {
			return fmt.Errorf("save processor %s: %w", p.ID, err)
		}
	}
	return nil
}

func (l *Loop) checkpoint(ctx context.Context) error {
	cps, err := l.dispatcher.PendingCheckpoints(ctx)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		if err := l.store.SaveExecution(ctx, &cp.Snapshot); err != nil {
			l.logger.Error("save execution", "execution_id", cp.Snapshot.ID, "error", err)
			continue
		}
		if err := l.dispatcher.MarkSaved(ctx, cp.Snapshot.ID, cp.Version); err != nil {
			l.logger.Debug("mark saved", "execution_id", cp.Snapshot.ID, "error", err)
		}
	}
	if len(cps) > 0 {
		l.logger.Debug("executions checkpointed", "count", len(cps))
	}
	return nil
}

func (l *Loop) retire(ctx context.Context) error {
	for _, s := range l.dispatcher.ListExecutions(ctx) {
		if !s.State.IsTerminal() {
			continue
		}
		if _, err := l.dispatcher.Retire(ctx, s.ID); err != nil {
			l.logger.Debug("retire execution", "execution_id", s.ID, "error", err)
		}
	}
	return nil
}
