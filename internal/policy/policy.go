// Package policy holds the retry and timeout decision logic. It is pure: no
// clock, no store, just the mapping from a failed attempt to the task's next
// status and retry count.
package policy

import (
	"github.com/voxqueue/voxqueue/internal/task"
)

type FailureKind int

const (
	FailureEngine FailureKind = iota
	FailureTimeout
)

const (
	CodeEngineError = "engine_error"
	CodeTimeout     = "timeout"
)

// Decision is the outcome of a failed attempt. When Status is pending the
// task goes back into the claim pool with the bumped RetryCount; otherwise
// Status is the terminal classification and Err carries the cause.
type Decision struct {
	Status     task.Status
	RetryCount int
	Err        *task.Error
}

// Retry reports whether the decision recycles the task for another attempt.
func (d Decision) Retry() bool {
	return d.Status == task.StatusPending
}

// Decide maps a failed attempt to the next state. Retries are granted while
// retry_count < max_retries; once exhausted the task lands on failed for
// engine errors or timed_out for deadline expiries. No delay is imposed
// between retries, a recycled task re-enters the pool in priority order.
func Decide(t *task.Task, kind FailureKind, message string) Decision {
	if t.Config.RetryCount < t.Config.MaxRetries {
		return Decision{
			Status:     task.StatusPending,
			RetryCount: t.Config.RetryCount + 1,
		}
	}

	code := CodeEngineError
	status := task.StatusFailed
	if kind == FailureTimeout {
		code = CodeTimeout
		status = task.StatusTimedOut
	}
	return Decision{
		Status:     status,
		RetryCount: t.Config.RetryCount,
		Err:        &task.Error{Code: code, Message: message},
	}
}
