package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/me/gomh/pkg/model"
)

// Config holds processor configuration.
type Config struct {
	Name     string
	Hostname string
	Cores    []model.Core

	WorkDir      string
	AssetDir     string
	PollInterval time.Duration
	Heartbeat    time.Duration

	// KeepWorkDirs leaves task directories in place after reporting.
	KeepWorkDirs bool
}

// Processor registers with the dispatcher and runs one poll loop per core.
// Each loop polls, fetches the task's assets, runs it and reports back.
// Heartbeats run in a separate goroutine so they continue during long tasks.
type Processor struct {
	cfg        Config
	client     *Client
	downloader *Downloader
	runner     Runner
	logger     *slog.Logger
}

// New creates a Processor.
func New(cfg Config, client *Client, downloader *Downloader, runner Runner, logger *slog.Logger) *Processor {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "gomh-processor")
	}
	if cfg.AssetDir == "" {
		cfg.AssetDir = filepath.Join(cfg.WorkDir, "assets")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return &Processor{
		cfg:        cfg,
		client:     client,
		downloader: downloader,
		runner:     runner,
		logger:     logger.With("component", "processor"),
	}
}

// Run registers, then serves every core until ctx is cancelled. On
// shutdown the processor deregisters so its in-flight tasks are reclaimed.
func (p *Processor) Run(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", p.cfg.WorkDir, err)
	}

	reg, err := p.client.Register(ctx, model.RegisterRequest{
		Name:     p.cfg.Name,
		Hostname: p.cfg.Hostname,
		Cores:    p.cfg.Cores,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	p.logger.Info("registered with dispatcher",
		"processor_id", reg.ID,
		"name", reg.Name,
		"cores", len(reg.Cores),
	)

	var wg sync.WaitGroup
	wg.Add(2 + len(p.cfg.Cores))
	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.downloader.Run(ctx)
	}()
	for _, core := range p.cfg.Cores {
		go func(code string) {
			defer wg.Done()
			p.coreLoop(ctx, code)
		}(core.Code)
	}
	wg.Wait()

	p.logger.Info("shutting down, deregistering...")
	// Use a fresh context for deregistration.
	deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = p.client.Deregister(deregCtx)
	cancel()
	if err != nil {
		p.logger.Error("deregister failed", "error", err)
	}
	return nil
}

// heartbeatLoop sends heartbeats at regular intervals until ctx is cancelled.
func (p *Processor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.client.Heartbeat(ctx); err != nil {
				if errors.Is(err, model.ErrUnknownProcessor) {
					p.logger.Error("dispatcher no longer knows this processor", "processor_id", p.client.ProcessorID())
					continue
				}
				p.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// coreLoop polls for one core. After a task completes it polls again
// immediately; an empty poll waits for the next tick.
func (p *Processor) coreLoop(ctx context.Context, core string) {
	logger := p.logger.With("core_id", core)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			ran, err := p.Step(ctx, core)
			if err != nil {
				logger.Error("poll error", "error", err)
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}
	}
}

// Step polls once for core and, if a task is assigned, runs and reports
// it. It reports whether a task was assigned.
func (p *Processor) Step(ctx context.Context, core string) (bool, error) {
	a, err := p.client.Poll(ctx, core)
	if err != nil {
		return false, err
	}
	if a == nil {
		return false, nil
	}

	logger := p.logger.With("core_id", core, "execution_id", a.ExecutionID, "task_id", a.TaskID)
	logger.Info("task received", "function", a.Function, "quota", a.Quota)

	res := p.execute(ctx, a)
	if ctx.Err() != nil {
		// Deregistration on shutdown reclaims the task.
		return true, nil
	}

	ack, err := p.client.Report(ctx, core, model.TaskReport{
		ExecutionID: a.ExecutionID,
		TaskID:      a.TaskID,
		Outcome:     res.Outcome,
		SubProcess:  res.SubProcess,
		Message:     res.Message,
	})
	if errors.Is(err, model.ErrStaleReport) {
		logger.Warn("report discarded by dispatcher", "error", err)
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("report task %d: %w", a.TaskID, err)
	}
	logger.Info("task reported", "outcome", res.Outcome, "execution_state", ack.ExecutionState)
	return true, nil
}

// execute runs one assignment. Failures become an ERROR outcome.
func (p *Processor) execute(ctx context.Context, a *model.TaskAssignment) Result {
	dir := filepath.Join(p.cfg.WorkDir,
		"exec-"+strconv.FormatInt(a.ExecutionID, 10),
		"task-"+strconv.FormatInt(a.TaskID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure(fmt.Errorf("create task dir: %w", err))
	}
	if !p.cfg.KeepWorkDirs {
		defer os.RemoveAll(dir)
	}

	paths, err := p.fetchAssets(ctx, a.Assets)
	if err != nil {
		return failure(err)
	}

	res, err := p.runner.Run(ctx, Job{
		ExecutionID: a.ExecutionID,
		TaskID:      a.TaskID,
		ContextID:   a.ContextID,
		Function:    a.Function,
		Params:      a.Params,
		Assets:      paths,
		WorkDir:     dir,
	})
	if err != nil {
		return failure(err)
	}
	return res
}

func (p *Processor) fetchAssets(ctx context.Context, assets []model.Asset) (map[string]string, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	if _, err := p.downloader.Ensure(assets, p.cfg.AssetDir, 0); err != nil {
		return nil, fmt.Errorf("queue assets: %w", err)
	}
	return p.downloader.WaitReady(ctx, assets)
}

func failure(err error) Result {
	return Result{Outcome: model.TaskStateError, Message: err.Error()}
}
