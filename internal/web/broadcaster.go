package web

import (
	"sync"

	"boussoled/internal/compass"
)

// FrameBroadcaster fans compass frames out to listeners (SSE streams).
// It keeps the most recent frame so a new subscriber can draw immediately.
// Slow subscribers miss frames rather than stall the compass loop.
type FrameBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan compass.Frame
	nextID   int
	last     compass.Frame
	haveLast bool
	dropped  uint64
}

func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{subs: make(map[int]chan compass.Frame)}
}

func (b *FrameBroadcaster) Subscribe(buffer int) (int, <-chan compass.Frame) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan compass.Frame, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.haveLast {
		ch <- b.last
	}
	b.mu.Unlock()
	return id, ch
}

func (b *FrameBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish implements compass.Sink.
func (b *FrameBroadcaster) Publish(f compass.Frame) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = f
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
			b.dropped++
		}
	}
}

// Last returns the most recent frame, if any.
func (b *FrameBroadcaster) Last() (compass.Frame, bool) {
	if b == nil {
		return compass.Frame{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}

func (b *FrameBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *FrameBroadcaster) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
