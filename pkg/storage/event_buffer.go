package storage

import (
	"sync"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// BufferedEvent pairs an execution event with its buffer sequence number.
type BufferedEvent struct {
	Sequence uint64
	Event    domain.ExecutionEvent
}

// EventBuffer is a thread-safe fixed-size circular buffer retaining the most
// recent execution events with oldest-first eviction. Its Record method has
// the event bus handler signature so it can subscribe directly.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []*BufferedEvent
	head     int // index of oldest element
	tail     int // index where the next element lands
	size     int
	capacity int
	sequence uint64
}

// NewEventBuffer creates a buffer retaining the last capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventBuffer{
		events:   make([]*BufferedEvent, capacity),
		capacity: capacity,
	}
}

// Record appends an event, evicting the oldest when full.
func (b *EventBuffer) Record(event domain.ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	b.events[b.tail] = &BufferedEvent{Sequence: b.sequence, Event: event}
	b.tail = (b.tail + 1) % b.capacity

	if b.size < b.capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % b.capacity
	}
}

// All returns buffered events oldest to newest.
func (b *EventBuffer) All() []BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]BufferedEvent, 0, b.size)
	for i := 0; i < b.size; i++ {
		result = append(result, *b.events[(b.head+i)%b.capacity])
	}
	return result
}

// ForExecution returns buffered events for one execution id, oldest first.
// Stage events carry composed ids, so prefix matching is intentional.
func (b *EventBuffer) ForExecution(executionID string) []BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []BufferedEvent
	for i := 0; i < b.size; i++ {
		e := b.events[(b.head+i)%b.capacity]
		if e.Event.ExecutionID == executionID || hasIDPrefix(e.Event.ExecutionID, executionID) {
			result = append(result, *e)
		}
	}
	return result
}

// Len returns the number of retained events.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func hasIDPrefix(id, prefix string) bool {
	return len(id) > len(prefix)+1 && id[:len(prefix)] == prefix && id[len(prefix)] == '/'
}
