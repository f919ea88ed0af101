package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voxqueue/voxqueue/internal/task"
)

func taskWithRetries(count, max int) *task.Task {
	return &task.Task{
		ID:     "task-1",
		Status: task.StatusProcessing,
		Config: task.Config{
			Type:       task.TypeTranscribe,
			RetryCount: count,
			MaxRetries: max,
		},
	}
}

func TestDecide_RetriesLeft(t *testing.T) {
	d := Decide(taskWithRetries(0, 3), FailureEngine, "decode failed")

	assert.Equal(t, task.StatusPending, d.Status)
	assert.Equal(t, 1, d.RetryCount)
	assert.Nil(t, d.Err)
	assert.True(t, d.Retry())
}

func TestDecide_RetriesLeftAfterTimeout(t *testing.T) {
	d := Decide(taskWithRetries(1, 3), FailureTimeout, "deadline exceeded")

	assert.Equal(t, task.StatusPending, d.Status)
	assert.Equal(t, 2, d.RetryCount)
	assert.True(t, d.Retry())
}

func TestDecide_EngineFailureExhausted(t *testing.T) {
	d := Decide(taskWithRetries(3, 3), FailureEngine, "decode failed")

	assert.Equal(t, task.StatusFailed, d.Status)
	assert.Equal(t, 3, d.RetryCount)
	assert.False(t, d.Retry())
	if assert.NotNil(t, d.Err) {
		assert.Equal(t, CodeEngineError, d.Err.Code)
		assert.Equal(t, "decode failed", d.Err.Message)
	}
}

func TestDecide_TimeoutExhausted(t *testing.T) {
	d := Decide(taskWithRetries(2, 2), FailureTimeout, "deadline exceeded")

	assert.Equal(t, task.StatusTimedOut, d.Status)
	assert.Equal(t, 2, d.RetryCount)
	if assert.NotNil(t, d.Err) {
		assert.Equal(t, CodeTimeout, d.Err.Code)
	}
}

func TestDecide_ZeroMaxRetriesFailsImmediately(t *testing.T) {
	d := Decide(taskWithRetries(0, 0), FailureEngine, "boom")

	assert.Equal(t, task.StatusFailed, d.Status)
	assert.Equal(t, 0, d.RetryCount)
	assert.NotNil(t, d.Err)
}

func TestDecide_RetryCountNeverExceedsMax(t *testing.T) {
	tsk := taskWithRetries(0, 2)

	for attempt := 0; attempt < 5; attempt++ {
		d := Decide(tsk, FailureEngine, "boom")
		assert.LessOrEqual(t, d.RetryCount, tsk.Config.MaxRetries)
		if !d.Retry() {
			assert.Equal(t, task.StatusFailed, d.Status)
			assert.Equal(t, 2, d.RetryCount)
			return
		}
		tsk.Config.RetryCount = d.RetryCount
	}
	t.Fatal("policy never reached a terminal decision")
}
