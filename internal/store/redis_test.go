package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxqueue/voxqueue/internal/task"
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := NewRedis(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedis_InsertAndGet(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	created, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, task.TypeTranscribe, got.Config.Type)
	assert.Equal(t, "en", got.Config.Params.Transcribe.Language)
}

func TestRedis_ClaimPriorityOrder(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	low, err := s.Insert(ctx, transcribeConfig(task.PriorityLow))
	require.NoError(t, err)
	high, err := s.Insert(ctx, transcribeConfig(task.PriorityHigh))
	require.NoError(t, err)
	normal, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		claimed, err := s.ClaimNext(ctx, time.Now())
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, task.StatusProcessing, claimed.Status)
		require.NotNil(t, claimed.StartedAt)
		order = append(order, claimed.ID)
	}
	assert.Equal(t, []string{high.ID, normal.ID, low.ID}, order)

	claimed, err := s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestRedis_ClaimFIFOWithinPriority(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	// same priority, same second: creation order must still win
	first, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	claimed, err = s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)
}

func TestRedis_ListOrdersByCreation(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		created, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
		require.NoError(t, err)
		ids = append(ids, created.ID)
		time.Sleep(2 * time.Millisecond)
	}

	page, err := s.List(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)
}

func TestRedis_ClaimMarksProcessing(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	created, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, created.ID, claimed.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestRedis_UpdateGuardConflict(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	created, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)

	processing := task.StatusProcessing
	completed := task.StatusCompleted
	_, err = s.Update(ctx, created.ID, Mutation{Status: &completed, IfStatus: &processing})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRedis_UpdateUnknown(t *testing.T) {
	s, _ := setupRedis(t)

	st := task.StatusCompleted
	_, err := s.Update(context.Background(), "task-nope", Mutation{Status: &st})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_RetryRecycleReenters(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	created, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, created.ID, claimed.ID)

	pending := task.StatusPending
	retries := 1
	recycled, err := s.Update(ctx, created.ID, Mutation{Status: &pending, RetryCount: &retries})
	require.NoError(t, err)
	assert.Nil(t, recycled.StartedAt)
	assert.Equal(t, 1, recycled.Config.RetryCount)

	reclaimed, err := s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, created.ID, reclaimed.ID)
}

func TestRedis_SweepTimedOut(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	cfg := transcribeConfig(task.PriorityNormal)
	cfg.Timeout = 1
	created, err := s.Insert(ctx, cfg)
	require.NoError(t, err)

	now := time.Now()
	claimed, err := s.ClaimNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	swept, err := s.SweepTimedOut(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, swept)

	swept, err = s.SweepTimedOut(ctx, now.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, created.ID, swept[0].ID)
	assert.Equal(t, task.StatusTimedOut, swept[0].Status)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusTimedOut, got.Status)
}

func TestRedis_PriorityUpdateReorders(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)
	second, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)

	high := task.PriorityHigh
	pending := task.StatusPending
	updated, err := s.Update(ctx, second.ID, Mutation{Priority: &high, IfStatus: &pending})
	require.NoError(t, err)
	assert.Equal(t, task.PriorityHigh, updated.Config.Priority)

	claimed, err := s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed.ID, "boosted task should be claimed first")

	claimed, err = s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestRedis_StatsAndPurge(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	done, err := s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)
	_, err = s.Insert(ctx, transcribeConfig(task.PriorityNormal))
	require.NoError(t, err)

	_, err = s.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	completed := task.StatusCompleted
	_, err = s.Update(ctx, done.ID, Mutation{Status: &completed, Result: &task.Result{Text: "x"}})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)

	n, err := s.PurgeTerminal(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
