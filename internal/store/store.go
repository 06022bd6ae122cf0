package store

import (
	"context"

	"github.com/me/gomh/pkg/model"
)

// Store defines the persistence layer for executions and processors.
type Store interface {
	// Execution snapshots
	SaveExecution(ctx context.Context, snap *model.ExecutionSnapshot) error
	GetExecution(ctx context.Context, id int64) (*model.ExecutionSnapshot, error)
	ListExecutions(ctx context.Context, opts model.ListOptions) ([]*model.ExecutionSnapshot, int, error)
	LoadRunning(ctx context.Context) ([]*model.ExecutionSnapshot, error)
	MaxExecutionID(ctx context.Context) (int64, error)

	// Processor registry
	SaveProcessor(ctx context.Context, p *model.Processor) error
	GetProcessor(ctx context.Context, id string) (*model.Processor, error)
	ListProcessors(ctx context.Context) ([]*model.Processor, error)
	DeleteProcessor(ctx context.Context, id string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
