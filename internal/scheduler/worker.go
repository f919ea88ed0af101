package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voxqueue/voxqueue/internal/policy"
	"github.com/voxqueue/voxqueue/internal/store"
	"github.com/voxqueue/voxqueue/internal/task"
)

// process runs one claimed task end-to-end: engine call, policy decision,
// outcome write, callback. Every outcome write is guarded on the task still
// being processing, so a sweep that reclassified it mid-flight wins and the
// late result is dropped.
func (s *Scheduler) process(ctx context.Context, workerID int, t *task.Task) {
	log.Printf("Worker %d processing task %s (type %s, attempt %d/%d)",
		workerID, t.ID, t.Config.Type, t.Config.RetryCount+1, t.Config.MaxRetries+1)

	proc, ok := s.procs.Get(t.Config.Type)
	if !ok {
		// submission validation should make this unreachable
		s.fail(ctx, workerID, t, policy.FailureEngine, fmt.Sprintf("no processor for task type %s", t.Config.Type))
		return
	}

	runCtx := ctx
	cancel := func() {}
	if deadline, ok := t.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	result, err := proc.Process(runCtx, t)
	cancel()

	if err == nil {
		s.complete(ctx, workerID, t, result)
		return
	}

	if ctx.Err() != nil {
		// shutdown interrupted the engine call; the attempt doesn't count.
		// The task stays processing and the next start's sweep reclaims it.
		log.Printf("Worker %d: task %s interrupted by shutdown", workerID, t.ID)
		return
	}

	kind := policy.FailureEngine
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		kind = policy.FailureTimeout
		msg = fmt.Sprintf("processing exceeded %ds deadline", t.Config.Timeout)
	}
	s.fail(ctx, workerID, t, kind, msg)
}

func (s *Scheduler) complete(ctx context.Context, workerID int, t *task.Task, result *task.Result) {
	completed := task.StatusCompleted
	processing := task.StatusProcessing

	updated, err := s.update(ctx, t.ID, store.Mutation{
		Status:   &completed,
		Result:   result,
		IfStatus: &processing,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Printf("Worker %d: task %s was reclassified while running, dropping result", workerID, t.ID)
			return
		}
		log.Printf("Worker %d: failed to persist result for task %s: %v", workerID, t.ID, err)
		return
	}

	log.Printf("Worker %d: task %s completed", workerID, t.ID)
	s.dispatch(ctx, updated)
}

func (s *Scheduler) fail(ctx context.Context, workerID int, t *task.Task, kind policy.FailureKind, msg string) {
	decision := policy.Decide(t, kind, msg)
	processing := task.StatusProcessing

	mut := store.Mutation{
		Status:     &decision.Status,
		RetryCount: &decision.RetryCount,
		IfStatus:   &processing,
	}
	if decision.Err != nil {
		mut.Error = decision.Err
	}

	updated, err := s.update(ctx, t.ID, mut)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Printf("Worker %d: task %s was reclassified while running, dropping failure", workerID, t.ID)
			return
		}
		log.Printf("Worker %d: failed to persist outcome for task %s: %v", workerID, t.ID, err)
		return
	}

	if decision.Retry() {
		log.Printf("Worker %d: task %s failed (%s), retry %d/%d queued",
			workerID, t.ID, msg, decision.RetryCount, t.Config.MaxRetries)
		s.Wake()
		return
	}

	log.Printf("Worker %d: task %s ended %s after %d retries: %s",
		workerID, t.ID, decision.Status, t.Config.RetryCount, msg)
	s.dispatch(ctx, updated)
}

// update retries transient store failures; NotFound and Conflict are final.
func (s *Scheduler) update(ctx context.Context, id string, mut store.Mutation) (*task.Task, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		updated, err := s.store.Update(ctx, id, mut)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// dispatch delivers the terminal task to its callback destination. Failures
// are logged and surfaced nowhere else: the stored task status is already
// final and an operator can reconcile undelivered callbacks from this line.
func (s *Scheduler) dispatch(ctx context.Context, t *task.Task) {
	if err := s.disp.Dispatch(ctx, t); err != nil {
		log.Printf("Callback not delivered for task %s (status %s): %v", t.ID, t.Status, err)
	}
}

// sweeper periodically reclassifies processing tasks that outlived their
// deadline. This is the backstop for crashed or stuck workers; the
// worker-local deadline above is the fast path.
func (s *Scheduler) sweeper(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	swept, err := s.store.SweepTimedOut(ctx, time.Now())
	if err != nil {
		log.Printf("Sweep error: %v", err)
		return
	}

	for _, t := range swept {
		log.Printf("Sweep: task %s exceeded its %ds deadline", t.ID, t.Config.Timeout)

		decision := policy.Decide(t, policy.FailureTimeout, fmt.Sprintf("processing exceeded %ds deadline", t.Config.Timeout))
		timedOut := task.StatusTimedOut

		mut := store.Mutation{
			Status:     &decision.Status,
			RetryCount: &decision.RetryCount,
			IfStatus:   &timedOut,
		}
		if decision.Err != nil {
			mut.Error = decision.Err
		}

		updated, err := s.update(ctx, t.ID, mut)
		if err != nil {
			log.Printf("Sweep: failed to persist outcome for task %s: %v", t.ID, err)
			continue
		}

		if decision.Retry() {
			log.Printf("Sweep: task %s recycled, retry %d/%d queued", t.ID, decision.RetryCount, t.Config.MaxRetries)
			s.Wake()
			continue
		}
		s.dispatch(ctx, updated)
	}
}
