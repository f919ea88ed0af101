// Package manager is the ingress façade over the task store and the
// scheduler's wake signal. The HTTP layer talks only to this package.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voxqueue/voxqueue/internal/processor"
	"github.com/voxqueue/voxqueue/internal/store"
	"github.com/voxqueue/voxqueue/internal/task"
)

var (
	// ErrInvalidConfig rejects a malformed or unsupported submission
	// before anything is persisted.
	ErrInvalidConfig = errors.New("invalid task config")
	// ErrInvalidState rejects an operation the task's current status does
	// not permit, e.g. a priority change after the task was claimed.
	ErrInvalidState = errors.New("operation not allowed in current task state")
	// ErrNotFound mirrors the store sentinel for unknown task ids.
	ErrNotFound = store.ErrNotFound
)

// Waker is the scheduler-side signal that new work is pending.
type Waker interface {
	Wake()
}

type Manager struct {
	store store.Store
	procs *processor.Registry
	waker Waker
}

func New(st store.Store, procs *processor.Registry, waker Waker) *Manager {
	return &Manager{store: st, procs: procs, waker: waker}
}

// Submit validates cfg, persists it as a pending task and nudges the
// scheduler. The returned task is the stored snapshot.
func (m *Manager) Submit(ctx context.Context, cfg task.Config) (*task.Task, error) {
	if err := m.validate(&cfg); err != nil {
		return nil, err
	}

	t, err := m.store.Insert(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	log.Printf("Task %s submitted (type %s, priority %s)", t.ID, t.Config.Type, t.Config.Priority)

	m.waker.Wake()
	return t, nil
}

func (m *Manager) validate(cfg *task.Config) error {
	if cfg.InputPath == "" {
		return fmt.Errorf("%w: input_path is required", ErrInvalidConfig)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidConfig)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidConfig)
	}

	if cfg.Priority == "" {
		cfg.Priority = task.PriorityNormal
	}
	if !cfg.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidConfig, cfg.Priority)
	}

	switch cfg.Callback.Kind {
	case "":
		cfg.Callback.Kind = task.CallbackNone
	case task.CallbackHTTP:
		if cfg.Callback.URL == "" {
			return fmt.Errorf("%w: http callback requires a url", ErrInvalidConfig)
		}
	case task.CallbackFunction:
		if cfg.Callback.Name == "" {
			return fmt.Errorf("%w: function callback requires a name", ErrInvalidConfig)
		}
	case task.CallbackEvent, task.CallbackNone:
	default:
		return fmt.Errorf("%w: unknown callback kind %q", ErrInvalidConfig, cfg.Callback.Kind)
	}

	proc, ok := m.procs.Get(cfg.Type)
	if !ok {
		return fmt.Errorf("%w: unsupported task type %q", ErrInvalidConfig, cfg.Type)
	}
	if err := proc.Validate(*cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *Manager) Status(ctx context.Context, id string) (task.Status, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// UpdatePriority reorders a task in the claim pool. Only pending tasks may
// move; a task already claimed or finished yields ErrInvalidState and the
// stored priority is untouched.
func (m *Manager) UpdatePriority(ctx context.Context, id string, p task.Priority) (*task.Task, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidConfig, p)
	}

	pending := task.StatusPending
	t, err := m.store.Update(ctx, id, store.Mutation{
		Priority: &p,
		IfStatus: &pending,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("task %s is no longer pending: %w", id, ErrInvalidState)
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("update priority: %w", err)
	}
	return t, nil
}

func (m *Manager) List(ctx context.Context, limit, offset int) ([]*task.Task, error) {
	return m.store.List(ctx, limit, offset)
}

func (m *Manager) Stats(ctx context.Context) (task.Stats, error) {
	return m.store.Stats(ctx)
}

// Cleanup deletes terminal tasks older than the retention window and
// reports how many were removed.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	n, err := m.store.PurgeTerminal(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	if n > 0 {
		log.Printf("Cleanup removed %d terminal tasks older than %s", n, retention)
	}
	return n, nil
}
