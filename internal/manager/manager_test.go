package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxqueue/voxqueue/internal/engine"
	"github.com/voxqueue/voxqueue/internal/processor"
	"github.com/voxqueue/voxqueue/internal/store"
	"github.com/voxqueue/voxqueue/internal/task"
)

type fakeWaker struct {
	calls int
}

func (w *fakeWaker) Wake() { w.calls++ }

func newTestManager(t *testing.T) (*Manager, store.Store, *fakeWaker) {
	t.Helper()

	st := store.NewMemory()
	procs := processor.NewRegistry()
	procs.Register(processor.NewTranscribe(engine.Func(
		func(ctx context.Context, inputPath string, params task.TranscribeParams) (*task.Result, error) {
			return &task.Result{Text: "ok"}, nil
		})))
	waker := &fakeWaker{}
	return New(st, procs, waker), st, waker
}

func validConfig() task.Config {
	return task.Config{
		Type:      task.TypeTranscribe,
		InputPath: "/tmp/audio.wav",
		Params: task.Params{
			Transcribe: &task.TranscribeParams{Language: "en"},
		},
		MaxRetries: 3,
	}
}

func TestSubmit_PersistsAndWakes(t *testing.T) {
	m, st, waker := newTestManager(t)
	ctx := context.Background()

	created, err := m.Submit(ctx, validConfig())
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, task.PriorityNormal, created.Config.Priority, "priority defaults to normal")
	assert.Equal(t, task.CallbackNone, created.Config.Callback.Kind, "callback defaults to none")
	assert.Equal(t, 1, waker.calls)

	got, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestSubmit_Validation(t *testing.T) {
	m, _, waker := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(cfg *task.Config)
	}{
		{"missing input path", func(cfg *task.Config) { cfg.InputPath = "" }},
		{"negative max retries", func(cfg *task.Config) { cfg.MaxRetries = -1 }},
		{"negative timeout", func(cfg *task.Config) { cfg.Timeout = -5 }},
		{"unknown priority", func(cfg *task.Config) { cfg.Priority = "urgent" }},
		{"http callback without url", func(cfg *task.Config) {
			cfg.Callback = task.Callback{Kind: task.CallbackHTTP}
		}},
		{"function callback without name", func(cfg *task.Config) {
			cfg.Callback = task.Callback{Kind: task.CallbackFunction}
		}},
		{"unknown callback kind", func(cfg *task.Config) {
			cfg.Callback = task.Callback{Kind: "carrier_pigeon"}
		}},
		{"unsupported task type", func(cfg *task.Config) { cfg.Type = "translate" }},
		{"missing transcribe params", func(cfg *task.Config) { cfg.Params.Transcribe = nil }},
		{"unsupported language", func(cfg *task.Config) { cfg.Params.Transcribe.Language = "fr" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			_, err := m.Submit(ctx, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.Zero(t, waker.calls, "rejected submissions must not wake the scheduler")
}

func TestGet_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "task-nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Status(context.Background(), "task-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Submit(ctx, validConfig())
	require.NoError(t, err)

	status, err := m.Status(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, status)
}

func TestUpdatePriority_WhilePending(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Submit(ctx, validConfig())
	require.NoError(t, err)

	updated, err := m.UpdatePriority(ctx, created.ID, task.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityHigh, updated.Config.Priority)
	assert.Equal(t, task.StatusPending, updated.Status)
}

func TestUpdatePriority_AfterClaim(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Submit(ctx, validConfig())
	require.NoError(t, err)

	claimed, err := st.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, created.ID, claimed.ID)

	_, err = m.UpdatePriority(ctx, created.ID, task.PriorityHigh)
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityNormal, got.Config.Priority, "rejected change must not touch the stored priority")
}

func TestUpdatePriority_InvalidValues(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.UpdatePriority(ctx, "task-nope", task.PriorityHigh)
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := m.Submit(ctx, validConfig())
	require.NoError(t, err)
	_, err = m.UpdatePriority(ctx, created.ID, "urgent")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStatsAndList(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Submit(ctx, validConfig())
		require.NoError(t, err)
	}
	_, err := st.ClaimNext(ctx, time.Now())
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Processing)

	page, err := m.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestCleanup(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Submit(ctx, validConfig())
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	completed := task.StatusCompleted
	_, err = st.Update(ctx, created.ID, store.Mutation{Status: &completed, Result: &task.Result{Text: "x"}})
	require.NoError(t, err)

	kept, err := m.Submit(ctx, validConfig())
	require.NoError(t, err)

	n, err := m.Cleanup(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, kept.ID)
	assert.NoError(t, err)
}
