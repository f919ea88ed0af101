package store

import (
	"context"
	"errors"
	"time"

	"github.com/voxqueue/voxqueue/internal/task"
)

var (
	// ErrNotFound is returned when the referenced task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a guarded update finds the task in a
	// different status than the caller expected.
	ErrConflict = errors.New("task status conflict")
)

// Mutation describes a partial update to a task. Nil fields are left
// untouched. Stores own the bookkeeping around a status change: updated_at
// always advances, completed_at is stamped on entry to a terminal status,
// and started_at plus error are cleared on the recycle back to pending.
type Mutation struct {
	Status     *task.Status
	Result     *task.Result
	Error      *task.Error
	RetryCount *int
	Priority   *task.Priority

	// IfStatus, when set, makes the update conditional: the mutation is
	// applied only if the stored status still equals this value, otherwise
	// ErrConflict is returned. This is the compare-and-swap the worker uses
	// so a sweep that already reclassified the task wins.
	IfStatus *task.Status
}

// Store is the durable task table. All operations commit atomically;
// ClaimNext in particular must never hand the same pending task to two
// concurrent callers, across goroutines or processes sharing the backend.
type Store interface {
	// Insert persists a new pending task built from cfg and returns it.
	Insert(ctx context.Context, cfg task.Config) (*task.Task, error)

	// ClaimNext atomically moves the most eligible pending task to
	// processing, stamping started_at = now. Eligibility order is priority
	// high > normal > low, oldest created_at first within a priority.
	// Returns (nil, nil) when nothing is pending.
	ClaimNext(ctx context.Context, now time.Time) (*task.Task, error)

	// Update applies mut to the task. Returns ErrNotFound for unknown ids
	// and ErrConflict when an IfStatus guard fails.
	Update(ctx context.Context, id string, mut Mutation) (*task.Task, error)

	// Get returns the task snapshot, or (nil, nil) if the id is unknown.
	Get(ctx context.Context, id string) (*task.Task, error)

	// List returns tasks ordered by created_at ascending.
	List(ctx context.Context, limit, offset int) ([]*task.Task, error)

	ListByStatus(ctx context.Context, st task.Status) ([]*task.Task, error)

	Stats(ctx context.Context) (task.Stats, error)

	// SweepTimedOut atomically moves every processing task whose deadline
	// has passed (now - started_at > timeout) to timed_out and returns the
	// affected tasks so the scheduler can run them through the retry policy.
	SweepTimedOut(ctx context.Context, now time.Time) ([]*task.Task, error)

	// PurgeTerminal deletes terminal tasks last updated before the cutoff
	// and reports how many rows went away.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// apply is the shared mutation semantics used by the memory and redis
// backends (sqlite expresses the same rules in SQL).
func apply(t *task.Task, mut Mutation, now time.Time) error {
	if mut.IfStatus != nil && t.Status != *mut.IfStatus {
		return ErrConflict
	}
	if mut.Status != nil {
		prev := t.Status
		t.Status = *mut.Status
		if t.Status.Terminal() && !prev.Terminal() {
			at := now
			t.CompletedAt = &at
		}
		if t.Status == task.StatusPending {
			t.StartedAt = nil
			t.CompletedAt = nil
			t.Error = nil
			t.Result = nil
		}
	}
	if mut.Result != nil {
		t.Result = mut.Result
	}
	if mut.Error != nil {
		t.Error = mut.Error
	}
	if mut.RetryCount != nil {
		t.Config.RetryCount = *mut.RetryCount
	}
	if mut.Priority != nil {
		t.Config.Priority = *mut.Priority
	}
	t.UpdatedAt = now
	return nil
}
