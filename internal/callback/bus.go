package callback

import (
	"sync"

	"github.com/voxqueue/voxqueue/internal/task"
)

// Event is what in-process subscribers receive when a task with an event
// callback reaches a terminal status.
type Event struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Task   *task.Task  `json:"task"`
}

// Bus fans terminal-task events out to in-process subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event rather than
// stalling a worker.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription; the channel is closed by it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
