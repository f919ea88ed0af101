package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxqueue/voxqueue/internal/task"
)

// Memory is the reference Store implementation. A single mutex around the
// task map is what makes ClaimNext atomic; everything else follows from the
// shared mutation semantics.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*task.Task)}
}

func (m *Memory) Insert(ctx context.Context, cfg task.Config) (*task.Task, error) {
	t := task.New(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = clone(t)
	return t, nil
}

func (m *Memory) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if next == nil || claimBefore(t, next) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}

	at := now.UTC()
	next.Status = task.StatusProcessing
	next.StartedAt = &at
	next.UpdatedAt = at
	return clone(next), nil
}

// claimBefore reports whether a should be claimed before b.
func claimBefore(a, b *task.Task) bool {
	wa, wb := a.Config.Priority.Weight(), b.Config.Priority.Weight()
	if wa != wb {
		return wa > wb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) Update(ctx context.Context, id string, mut Mutation) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := apply(t, mut, time.Now().UTC()); err != nil {
		return nil, err
	}
	return clone(t), nil
}

func (m *Memory) Get(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return clone(t), nil
}

func (m *Memory) List(ctx context.Context, limit, offset int) ([]*task.Task, error) {
	m.mu.Lock()
	all := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, clone(t))
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	if offset >= len(all) {
		return []*task.Task{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) ListByStatus(ctx context.Context, st task.Status) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.Status == st {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Stats(ctx context.Context) (task.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s task.Stats
	for _, t := range m.tasks {
		s.Add(t.Status, 1)
	}
	return s, nil
}

func (m *Memory) SweepTimedOut(ctx context.Context, now time.Time) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if t.Status != task.StatusProcessing {
			continue
		}
		deadline, ok := t.Deadline()
		if !ok || now.Before(deadline) {
			continue
		}
		at := now.UTC()
		t.Status = task.StatusTimedOut
		t.CompletedAt = &at
		t.UpdatedAt = at
		swept = append(swept, clone(t))
	}
	return swept, nil
}

func (m *Memory) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(before) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

func clone(t *task.Task) *task.Task {
	c := *t
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Result != nil {
		r := *t.Result
		r.Segments = append([]task.Segment(nil), t.Result.Segments...)
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
