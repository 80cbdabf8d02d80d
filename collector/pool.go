package collector

import (
	"sync"
)

// Pool is the CollectorPool of spec §4.F: a ring of W collectors
// indexed by seq mod W. Get lazily reconstructs a slot if its recorded
// seq has fallen behind the requested one (i.e. the slot was last used
// for an older generation W sequence numbers back).
type Pool struct {
	mu    sync.Mutex
	slots []*Collector
}

// NewPool constructs a Pool of window size w, with slot i initialized
// to sequence number i (generation 0).
func NewPool(w int) *Pool {
	slots := make([]*Collector, w)
	for i := range slots {
		slots[i] = newCollector(uint64(i))
	}
	return &Pool{slots: slots}
}

// Window returns the pool's ring size W.
func (p *Pool) Window() int { return len(p.slots) }

// Get returns the collector slot for seq, reconstructing it in place
// if the slot currently holds a different (necessarily stale)
// generation of seq mod W.
func (p *Pool) Get(seq uint64) *Collector {
	w := uint64(len(p.slots))
	idx := seq % w

	p.mu.Lock()
	defer p.mu.Unlock()

	slot := p.slots[idx]
	if slot.Seq() != seq {
		slot.reset(seq)
	}
	return slot
}

// Update retires the slot for seq: it frees the main request, resets
// the vote bitmaps, and advances the slot's recorded sequence number
// to seq+W so the next Get for that generation starts clean.
func (p *Pool) Update(seq uint64) {
	w := uint64(len(p.slots))
	idx := seq % w

	p.mu.Lock()
	defer p.mu.Unlock()

	slot := p.slots[idx]
	if slot.Seq() == seq {
		slot.MarkExecuted()
		slot.reset(seq + w)
	}
}
