package bus

import (
	"sync"
	"sync/atomic"
)

// Topic fans values out to subscribers over bounded channels.
// Publish never blocks: a subscriber whose buffer is full misses the value
// and the drop is counted.
type Topic[T any] struct {
	name    string
	mu      sync.RWMutex
	subs    []chan T
	closed  bool
	dropped atomic.Uint64
	onDrop  func(topic string)
}

// NewTopic creates a topic. onDrop may be nil.
func NewTopic[T any](name string, onDrop func(topic string)) *Topic[T] {
	return &Topic[T]{name: name, onDrop: onDrop}
}

// Subscribe returns a channel that receives every value published after the call.
func (t *Topic[T]) Subscribe(buffer int) <-chan T {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

// Publish delivers v to every subscriber that has room.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- v:
		default:
			t.dropped.Add(1)
			if t.onDrop != nil {
				t.onDrop(t.name)
			}
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (t *Topic[T]) Dropped() uint64 { return t.dropped.Load() }

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}
