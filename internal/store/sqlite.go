package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxqueue/voxqueue/internal/task"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	config       TEXT NOT NULL,
	priority     INTEGER NOT NULL,
	retry_count  INTEGER NOT NULL,
	max_retries  INTEGER NOT NULL,
	timeout      INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	started_at   INTEGER,
	completed_at INTEGER,
	result       TEXT,
	error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);
`

const taskColumns = `id, status, config, priority, retry_count, max_retries, timeout,
	created_at, updated_at, started_at, completed_at, result, error`

// SQLite is a single-file Store backend. Timestamps are stored as unix
// nanoseconds; claim and sweep are each a single conditional UPDATE so the
// at-most-one-claim guarantee comes from the database, not from Go locks.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writers; one connection avoids
	// SQLITE_BUSY churn under the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Insert(ctx context.Context, cfg task.Config) (*task.Task, error) {
	t := task.New(cfg)

	cfgJSON, err := json.Marshal(&t.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, config, priority, retry_count, max_retries, timeout, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Status), string(cfgJSON),
		t.Config.Priority.Weight(), t.Config.RetryCount, t.Config.MaxRetries, t.Config.Timeout,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *SQLite) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	ns := now.UTC().UnixNano()
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks WHERE status = ?
			ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1
		)
		RETURNING `+taskColumns,
		string(task.StatusProcessing), ns, ns, string(task.StatusPending),
	)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (s *SQLite) Update(ctx context.Context, id string, mut Mutation) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load task: %w", err)
	}

	if err := apply(t, mut, time.Now().UTC()); err != nil {
		return nil, err
	}

	cfgJSON, err := json.Marshal(&t.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	resultJSON, err := marshalNullable(t.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	errJSON, err := marshalNullable(t.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, config = ?, priority = ?, retry_count = ?,
			updated_at = ?, started_at = ?, completed_at = ?, result = ?, error = ?
		WHERE id = ?`,
		string(t.Status), string(cfgJSON), t.Config.Priority.Weight(), t.Config.RetryCount,
		t.UpdatedAt.UnixNano(), nullableNano(t.StartedAt), nullableNano(t.CompletedAt),
		resultJSON, errJSON, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return t, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLite) List(ctx context.Context, limit, offset int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLite) ListByStatus(ctx context.Context, st task.Status) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC`, string(st))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLite) Stats(ctx context.Context) (task.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return task.Stats{}, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	var stats task.Stats
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return task.Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.Add(task.Status(st), n)
	}
	return stats, rows.Err()
}

func (s *SQLite) SweepTimedOut(ctx context.Context, now time.Time) ([]*task.Task, error) {
	ns := now.UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
		WHERE status = ? AND timeout > 0 AND started_at IS NOT NULL
			AND (? - started_at) > timeout * 1000000000
		RETURNING `+taskColumns,
		string(task.StatusTimedOut), ns, ns, string(task.StatusProcessing), ns,
	)
	if err != nil {
		return nil, fmt.Errorf("sweep timed out tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *SQLite) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusTimedOut),
		before.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t          task.Task
		status     string
		cfgJSON    string
		priority   int
		created    int64
		updated    int64
		started    sql.NullInt64
		completed  sql.NullInt64
		resultJSON sql.NullString
		errJSON    sql.NullString
	)
	err := row.Scan(&t.ID, &status, &cfgJSON, &priority, &t.Config.RetryCount,
		&t.Config.MaxRetries, &t.Config.Timeout, &created, &updated,
		&started, &completed, &resultJSON, &errJSON)
	if err != nil {
		return nil, err
	}

	var cfg task.Config
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// mutable fields come from their own columns
	cfg.RetryCount = t.Config.RetryCount
	t.Config = cfg

	t.Status = task.Status(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	if started.Valid {
		at := time.Unix(0, started.Int64).UTC()
		t.StartedAt = &at
	}
	if completed.Valid {
		at := time.Unix(0, completed.Int64).UTC()
		t.CompletedAt = &at
	}
	if resultJSON.Valid {
		var r task.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &r
	}
	if errJSON.Valid {
		var e task.Error
		if err := json.Unmarshal([]byte(errJSON.String), &e); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
		t.Error = &e
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *task.Result:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *task.Error:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
