// Package dedup implements the DuplicateManager of spec §4.D: a
// thread-safe sliding window over client-batch hashes that defends
// against re-proposing or re-executing the same batch within the
// window, and a background eviction loop that ages entries out.
//
// Proposed and executed hashes live in two independent sets, each with
// its own insertion timestamps: a batch proposed at tick T and executed
// at tick T' ages out of the proposed set no earlier than T+window and
// out of the executed set no earlier than T'+window, so a slow commit
// never shortens the
// post-execution replay defense.
//
// Each set is a combination of a github.com/hashicorp/golang-lru/v2
// map (for O(1) membership/seq lookup, grounded in the teacher's use of
// bounded LRU caches for hot lookup tables in go/shuffle) and a FIFO of
// insertion timestamps (for eviction in insertion order, since LRU
// recency order does not match "inserted at T, evict at T+window").
package dedup

import (
	"container/list"
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Hash is the fixed-size content hash key type used throughout the
// system (see verifier.Verifier.CalculateHash).
type Hash [32]byte

type entry struct {
	hash      Hash
	seq       uint64
	hasSeq    bool
	insertedT int64 // logical clock ticks, not wall time
}

// hashSet is one of the two hash sets plus its insertion-order FIFO.
// Callers hold Manager.mu.
type hashSet struct {
	index *lru.Cache[Hash, *list.Element]
	order *list.List // of *entry, oldest first
}

func newHashSet() hashSet {
	idx, err := lru.New[Hash, *list.Element](1 << 20)
	if err != nil {
		// Only fails for a non-positive size, which we never pass.
		panic(err)
	}
	return hashSet{index: idx, order: list.New()}
}

func (w *hashSet) checkAndAdd(hash Hash, seq uint64, hasSeq bool, now int64) bool {
	if el, ok := w.index.Get(hash); ok {
		if hasSeq {
			e := el.Value.(*entry)
			if !e.hasSeq {
				e.seq = seq
				e.hasSeq = true
			}
		}
		return true
	}
	e := &entry{hash: hash, seq: seq, hasSeq: hasSeq, insertedT: now}
	el := w.order.PushBack(e)
	w.index.Add(hash, el)
	return false
}

func (w *hashSet) evict(now, span int64) int {
	evicted := 0
	for {
		front := w.order.Front()
		if front == nil {
			break
		}
		e := front.Value.(*entry)
		if now-e.insertedT <= span {
			break
		}
		w.order.Remove(front)
		w.index.Remove(e.hash)
		evicted++
	}
	return evicted
}

// Manager is the DuplicateManager described in spec §4.D. The zero
// value is not usable; construct with New.
type Manager struct {
	mu        sync.Mutex
	proposed  hashSet
	executed  hashSet
	clock     int64 // logical ticks, advanced once per eviction tick
	freq      time.Duration
	window    int64 // in ticks
	windowDur time.Duration
}

// New returns a Manager with the given eviction frequency and sliding
// window duration. Defaults per spec §4.D are frequency=5s, window=20s.
func New(frequency, window time.Duration) *Manager {
	if frequency <= 0 {
		frequency = 5 * time.Second
	}
	if window <= 0 {
		window = 20 * time.Second
	}
	return &Manager{
		proposed:  newHashSet(),
		executed:  newHashSet(),
		freq:      frequency,
		windowDur: window,
		window:    int64(window / frequency),
	}
}

// CheckAndAddProposed returns true iff hash was already proposed within
// the window (a replay); otherwise it records hash as proposed and
// returns false.
func (m *Manager) CheckAndAddProposed(hash Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proposed.checkAndAdd(hash, 0, false, m.clock)
}

// CheckAndAddExecuted returns true iff hash was already executed within
// the window; otherwise it records hash as executed at the given
// sequence number. The executed set's timestamp is taken at this call,
// independent of when the same hash entered the proposed set.
func (m *Manager) CheckAndAddExecuted(hash Hash, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executed.checkAndAdd(hash, seq, true, m.clock)
}

// RemoveProposed withdraws hash from the proposed set. Used when a
// proposal fails after the replay check already recorded it (e.g. the
// sequence window is exhausted), so the client's retry is not mistaken
// for a replay.
func (m *Manager) RemoveProposed(hash Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.proposed.index.Get(hash); ok {
		m.proposed.order.Remove(el)
		m.proposed.index.Remove(hash)
	}
}

// ExecutedSeqOf reports the sequence number recorded for hash in the
// executed set, if any.
func (m *Manager) ExecutedSeqOf(hash Hash) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.executed.index.Get(hash)
	if !ok {
		return 0, false
	}
	e := el.Value.(*entry)
	return e.seq, e.hasSeq
}

// Run advances the logical clock once per tick and evicts entries
// older than the configured window. It blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.freq)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.evict()
		}
	}
}

func (m *Manager) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock++
	evicted := m.proposed.evict(m.clock, m.window) + m.executed.evict(m.clock, m.window)
	if evicted > 0 {
		log.WithFields(log.Fields{
			"evicted":  evicted,
			"proposed": m.proposed.order.Len(),
			"executed": m.executed.order.Len(),
		}).Debug("dedup: evicted aged-out entries")
	}
}

// Len reports the total number of entries currently tracked across
// both sets, for tests and metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proposed.order.Len() + m.executed.order.Len()
}
