package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler pipeline.
const (
	TypeTaskSubmitted   = "task.submitted"
	TypeTaskLaunched    = "task.launched"
	TypeTaskDeferred    = "task.deferred"
	TypeTaskSucceeded   = "task.succeeded"
	TypeTaskCrashed     = "task.crashed"
	TypeTaskHung        = "task.hung"
	TypeTaskTimedOut    = "task.timed_out"
	TypeTaskRequeued    = "task.requeued"
	TypeTaskQuarantined = "task.quarantined"
	TypeTaskReleased    = "task.released"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Recent returns up to n most recent events, newest last.
	// Intended for the admin API's recent-events view.
	Recent(n int) []Event
}

// New returns a simple in-memory fanout bus that also retains a bounded
// ring of recent events.
//
// It intentionally does not own any background goroutines.
func New(historySize int) Bus {
	if historySize <= 0 {
		historySize = 256
	}
	return &memBus{
		subs:    map[uint64]chan Event{},
		history: make([]Event, 0, historySize),
		histCap: historySize,
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	histMu  sync.Mutex
	history []Event
	histCap int
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.histMu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.histCap {
		b.history = b.history[len(b.history)-b.histCap:]
	}
	b.histMu.Unlock()

	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Recent(n int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}
