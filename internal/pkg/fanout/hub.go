// Package fanout broadcasts values to any number of buffered subscribers
// without ever blocking the publisher.
package fanout

import "sync"

const defaultBuffer = 16

// Hub delivers every published value to all current subscribers, in publish
// order. A subscriber that falls behind loses its oldest pending values.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	buffer int
	closed bool
}

// New creates a Hub whose subscriber channels hold up to buffer values.
func New[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub[T]{subs: make(map[uint64]chan T), buffer: buffer}
}

// Subscribe registers a subscriber. The initial values are queued ahead of any
// value published afterwards. The returned cancel func is idempotent and
// closes the channel.
func (h *Hub[T]) Subscribe(initial ...T) (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.buffer
	if len(initial) > size {
		size = len(initial)
	}
	ch := make(chan T, size)
	for _, v := range initial {
		ch <- v
	}
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish hands v to every subscriber and returns how many stale values were
// dropped to make room.
func (h *Hub[T]) Publish(v T) (dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	for _, ch := range h.subs {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
					dropped++
				default:
				}
				continue
			}
			break
		}
	}
	return dropped
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes are ignored and later
// subscribers receive only their initial values.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
