package scheduler

import "context"

// Scheduler runs the dispatcher's housekeeping: reclaiming tasks of silent
// processors, checkpointing executions and retiring finished ones.
type Scheduler interface {
	// Start begins the housekeeping loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single housekeeping iteration. Used for testing.
	Tick(ctx context.Context) error
}
