// Package scheduler owns the worker pool, the wake/poll loop, and the
// periodic timeout sweep. It is the only component that moves tasks through
// the state machine; every transition goes through the store's atomic
// operations.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voxqueue/voxqueue/internal/callback"
	"github.com/voxqueue/voxqueue/internal/processor"
	"github.com/voxqueue/voxqueue/internal/store"
)

const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSweepInterval = 5 * time.Second
	DefaultShutdownGrace = 30 * time.Second

	// cap for the claim backoff when the store keeps erroring
	maxClaimBackoff = 10 * time.Second
)

type Scheduler struct {
	store store.Store
	procs *processor.Registry
	disp  *callback.Dispatcher

	workers       int
	pollInterval  time.Duration
	sweepInterval time.Duration
	grace         time.Duration

	wake     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(st store.Store, procs *processor.Registry, disp *callback.Dispatcher, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		store:         st,
		procs:         procs,
		disp:          disp,
		workers:       workers,
		pollInterval:  DefaultPollInterval,
		sweepInterval: DefaultSweepInterval,
		grace:         DefaultShutdownGrace,
		wake:          make(chan struct{}, 1),
	}
}

func (s *Scheduler) WithIntervals(poll, sweep time.Duration) *Scheduler {
	if poll > 0 {
		s.pollInterval = poll
	}
	if sweep > 0 {
		s.sweepInterval = sweep
	}
	return s
}

func (s *Scheduler) WithShutdownGrace(grace time.Duration) *Scheduler {
	if grace > 0 {
		s.grace = grace
	}
	return s
}

// Start launches the worker pool and the sweep loop. The scheduler runs
// until Stop is called or ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.wg.Add(1)
	go s.sweeper(ctx)

	log.Printf("Scheduler started with %d workers", s.workers)
}

// Wake nudges an idle worker; called on submission and on retry recycles so
// pending work is picked up without waiting out the poll interval.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the loops and waits for in-flight tasks up to the shutdown
// grace period. Tasks still processing past the grace are left as-is; the
// next process start reclaims them through the timeout sweep.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			log.Println("Scheduler stopped")
		case <-time.After(s.grace):
			log.Printf("Scheduler shutdown grace (%s) elapsed, abandoning in-flight tasks", s.grace)
		}
	})
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log.Printf("Worker %d started", id)

	backoff := s.pollInterval
	for {
		if ctx.Err() != nil {
			log.Printf("Worker %d shutting down", id)
			return
		}

		t, err := s.store.ClaimNext(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Worker %d: claim error: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxClaimBackoff {
				backoff = maxClaimBackoff
			}
			continue
		}
		backoff = s.pollInterval

		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-time.After(s.pollInterval):
			}
			continue
		}

		s.process(ctx, id, t)
	}
}
