package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/gomh/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Execution snapshots ---

const executionColumns = `id, name, state, graph, state_blob, tasks, policy, error, created_at, updated_at, finished_at`

// SaveExecution inserts or replaces the snapshot of an execution.
func (s *SQLiteStore) SaveExecution(ctx context.Context, snap *model.ExecutionSnapshot) error {
	s.logger.Debug("sql", "op", "upsert", "table", "executions", "id", snap.ID, "state", snap.State)

	tasksJSON, err := json.Marshal(snap.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	policyJSON, err := json.Marshal(snap.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, state=excluded.state, graph=excluded.graph,
		   state_blob=excluded.state_blob, tasks=excluded.tasks, policy=excluded.policy,
		   error=excluded.error, updated_at=excluded.updated_at, finished_at=excluded.finished_at`,
		snap.ID, snap.Name, string(snap.State), snap.Graph, snap.StateBlob,
		string(tasksJSON), string(policyJSON), snap.Error,
		snap.CreatedAt.Format(time.RFC3339Nano), snap.UpdatedAt.Format(time.RFC3339Nano),
		formatTimePtr(snap.FinishedAt),
	)
	return err
}

// GetExecution returns the snapshot of an execution, or nil if none was saved.
func (s *SQLiteStore) GetExecution(ctx context.Context, id int64) (*model.ExecutionSnapshot, error) {
	s.logger.Debug("sql", "op", "select", "table", "executions", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	snap, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// ListExecutions returns saved snapshots, newest first, with the total count
// matching the filter.
func (s *SQLiteStore) ListExecutions(ctx context.Context, opts model.ListOptions) ([]*model.ExecutionSnapshot, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "executions", "limit", opts.Limit, "offset", opts.Offset, "states", opts.States)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if len(opts.States) > 0 {
		marks := make([]string, len(opts.States))
		for i, st := range opts.States {
			marks[i] = "?"
			countArgs = append(countArgs, string(st))
		}
		whereClauses = append(whereClauses, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if opts.Name != "" {
		whereClauses = append(whereClauses, "substr(name, 1, length(?)) = ?")
		countArgs = append(countArgs, opts.Name, opts.Name)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions`+whereSQL+` ORDER BY id DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	snaps, err := scanExecutions(rows)
	return snaps, total, err
}

// LoadRunning returns every execution saved in the RUNNING state, by id.
func (s *SQLiteStore) LoadRunning(ctx context.Context) ([]*model.ExecutionSnapshot, error) {
	s.logger.Debug("sql", "op", "select_running", "table", "executions")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE state = ? ORDER BY id`,
		string(model.ExecutionStateRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// MaxExecutionID returns the highest saved execution id, or 0.
func (s *SQLiteStore) MaxExecutionID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM executions`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*model.ExecutionSnapshot, error) {
	var snap model.ExecutionSnapshot
	var state, tasksJSON, policyJSON, createdAt, updatedAt string
	var finishedAt *string

	if err := row.Scan(&snap.ID, &snap.Name, &state, &snap.Graph, &snap.StateBlob,
		&tasksJSON, &policyJSON, &snap.Error, &createdAt, &updatedAt, &finishedAt); err != nil {
		return nil, err
	}

	snap.State = model.ExecutionState(state)
	if err := json.Unmarshal([]byte(tasksJSON), &snap.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks of execution %d: %w", snap.ID, err)
	}
	if err := json.Unmarshal([]byte(policyJSON), &snap.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy of execution %d: %w", snap.ID, err)
	}
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	snap.FinishedAt = parseTimePtr(finishedAt)
	return &snap, nil
}

func scanExecutions(rows *sql.Rows) ([]*model.ExecutionSnapshot, error) {
	var snaps []*model.ExecutionSnapshot
	for rows.Next() {
		snap, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// --- Processor registry ---

// SaveProcessor inserts or replaces a processor.
func (s *SQLiteStore) SaveProcessor(ctx context.Context, p *model.Processor) error {
	s.logger.Debug("sql", "op", "upsert", "table", "processors", "id", p.ID)

	coresJSON, err := json.Marshal(p.Cores)
	if err != nil {
		return fmt.Errorf("marshal cores: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processors (id, name, hostname, state, cores, last_seen, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, hostname=excluded.hostname, state=excluded.state,
		   cores=excluded.cores, last_seen=excluded.last_seen`,
		p.ID, p.Name, p.Hostname, string(p.State), string(coresJSON),
		p.LastSeen.Format(time.RFC3339Nano), p.RegisteredAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetProcessor(ctx context.Context, id string) (*model.Processor, error) {
	s.logger.Debug("sql", "op", "select", "table", "processors", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, hostname, state, cores, last_seen, registered_at
		 FROM processors WHERE id = ?`, id)
	p, err := scanProcessor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) ListProcessors(ctx context.Context) ([]*model.Processor, error) {
	s.logger.Debug("sql", "op", "list", "table", "processors")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, hostname, state, cores, last_seen, registered_at
		 FROM processors ORDER BY registered_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procs []*model.Processor
	for rows.Next() {
		p, err := scanProcessor(rows)
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

func (s *SQLiteStore) DeleteProcessor(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "processors", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM processors WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("processor %s not found", id)
	}
	return nil
}

func scanProcessor(row scanner) (*model.Processor, error) {
	var p model.Processor
	var state, coresJSON, lastSeen, registeredAt string

	if err := row.Scan(&p.ID, &p.Name, &p.Hostname, &state, &coresJSON, &lastSeen, &registeredAt); err != nil {
		return nil, err
	}

	p.State = model.ProcessorState(state)
	if err := json.Unmarshal([]byte(coresJSON), &p.Cores); err != nil {
		return nil, fmt.Errorf("unmarshal cores of processor %s: %w", p.ID, err)
	}
	p.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	p.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	return &p, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
