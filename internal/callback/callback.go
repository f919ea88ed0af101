// Package callback delivers terminal task outcomes to the destination the
// submitter chose: an HTTP endpoint, a registered in-process function, the
// internal event bus, or nowhere. Delivery happens strictly after the
// terminal state is persisted, and a delivery failure never reopens the
// task.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/voxqueue/voxqueue/internal/task"
)

// Func is an in-process delivery hook registered under a name.
type Func func(t *task.Task) error

// Payload is the JSON body sent to HTTP callback endpoints.
type Payload struct {
	TaskID string       `json:"task_id"`
	Status task.Status  `json:"status"`
	Result *task.Result `json:"result,omitempty"`
	Error  *task.Error  `json:"error,omitempty"`
}

type Dispatcher struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	bus      *Bus

	mu    sync.RWMutex
	funcs map[string]Func
}

func NewDispatcher(bus *Bus) *Dispatcher {
	return &Dispatcher{
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  time.Second,
		bus:      bus,
		funcs:    make(map[string]Func),
	}
}

// WithHTTPRetry overrides the HTTP delivery attempt count and the base
// backoff between attempts (doubled after each failure).
func (d *Dispatcher) WithHTTPRetry(attempts int, backoff time.Duration) *Dispatcher {
	if attempts > 0 {
		d.attempts = attempts
	}
	d.backoff = backoff
	return d
}

// Register installs an in-process hook reachable via a function callback.
func (d *Dispatcher) Register(name string, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.funcs[name] = fn
}

// Dispatch delivers t to its configured destination. The caller must have
// persisted the terminal state already; errors here are for the caller to
// log, never to feed back into scheduling.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("task %s is not terminal (%s)", t.ID, t.Status)
	}

	cb := t.Config.Callback
	switch cb.Kind {
	case task.CallbackHTTP:
		return d.deliverHTTP(ctx, cb.URL, t)
	case task.CallbackFunction:
		return d.deliverFunc(cb.Name, t)
	case task.CallbackEvent:
		d.bus.Publish(Event{TaskID: t.ID, Status: t.Status, Task: t})
		return nil
	case task.CallbackNone, "":
		return nil
	default:
		return fmt.Errorf("unknown callback kind: %s", cb.Kind)
	}
}

func (d *Dispatcher) deliverHTTP(ctx context.Context, url string, t *task.Task) error {
	body, err := json.Marshal(Payload{
		TaskID: t.ID,
		Status: t.Status,
		Result: t.Result,
		Error:  t.Error,
	})
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	var lastErr error
	wait := d.backoff
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			wait *= 2
		}

		lastErr = d.post(ctx, url, body)
		if lastErr == nil {
			return nil
		}
		log.Printf("Callback for task %s attempt %d/%d failed: %v", t.ID, attempt, d.attempts, lastErr)
	}
	return fmt.Errorf("callback to %s exhausted %d attempts: %w", url, d.attempts, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) deliverFunc(name string, t *task.Task) error {
	d.mu.RLock()
	fn, ok := d.funcs[name]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no callback function registered under %q", name)
	}
	if err := fn(t); err != nil {
		return fmt.Errorf("callback function %q: %w", name, err)
	}
	return nil
}
