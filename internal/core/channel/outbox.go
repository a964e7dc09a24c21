package channel

import (
	"sort"
	"sync"
	"time"

	"github.com/99minutos/trip-tracking/internal/core/domain"
)

// outbox is the FIFO of unacknowledged writes. Only the head is ever in
// flight, so acknowledgement order equals sequence order.
type outbox struct {
	mu    sync.Mutex
	items []domain.QueuedWrite
	dirty bool
}

func (o *outbox) push(w domain.QueuedWrite) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, w)
	o.dirty = true
}

// restore seeds the queue with persisted writes, ordered by sequence and
// without duplicates.
func (o *outbox) restore(writes []domain.QueuedWrite) {
	o.mu.Lock()
	defer o.mu.Unlock()
	merged := append(append([]domain.QueuedWrite(nil), o.items...), writes...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Update.Sequence < merged[j].Update.Sequence
	})
	o.items = merged[:0]
	var prev uint64
	for i, w := range merged {
		if i > 0 && w.Update.Sequence == prev {
			continue
		}
		prev = w.Update.Sequence
		o.items = append(o.items, w)
	}
}

func (o *outbox) peek() (domain.QueuedWrite, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return domain.QueuedWrite{}, false
	}
	return o.items[0], true
}

// ack removes the head if it still carries seq.
func (o *outbox) ack(seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 || o.items[0].Update.Sequence != seq {
		return false
	}
	o.items[0] = domain.QueuedWrite{}
	o.items = o.items[1:]
	o.dirty = true
	return true
}

// fail records a failed attempt on the head and returns its attempt count.
func (o *outbox) fail() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return 0
	}
	o.items[0].Attempts++
	o.dirty = true
	return o.items[0].Attempts
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// age reports how long the oldest write has been waiting.
func (o *outbox) age(now time.Time) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return 0
	}
	return now.Sub(o.items[0].EnqueuedAt)
}

func (o *outbox) highest() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return 0
	}
	return o.items[len(o.items)-1].Update.Sequence
}

// takeDirty returns a copy of the queue if it changed since the last call.
func (o *outbox) takeDirty() ([]domain.QueuedWrite, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.dirty {
		return nil, false
	}
	o.dirty = false
	return append([]domain.QueuedWrite(nil), o.items...), true
}

func (o *outbox) snapshot() []domain.QueuedWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty = false
	return append([]domain.QueuedWrite(nil), o.items...)
}

// clear drops everything and returns how many writes were discarded.
func (o *outbox) clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.items)
	o.items = nil
	o.dirty = false
	return n
}

func (o *outbox) markDirty() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty = true
}
