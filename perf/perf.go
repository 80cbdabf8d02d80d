// Package perf implements PerformanceManager, spec §4.I's client-side
// counterpart to ResponseManager: a benchmark-style client that
// generates batches, tracks them in flight bounded by max_process_txn,
// collects f+1 matching replies per local_id, and re-broadcasts a
// batch that times out waiting for quorum.
//
// The min-heap-of-deadlines retry scheduler mirrors the teacher's use
// of container/heap-backed timer wheels for bounded concurrent work
// (see go/shuffle's read-ahead scheduling), generalized here from
// read-ahead windows to client retry deadlines.
package perf

import (
	"bytes"
	"container/heap"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/wire"
)

// Broadcaster sends batch as a NewTxns Request to every replica, so
// whichever one is primary can propose it (and so non-primaries can
// trigger a view change if the batch keeps timing out).
type Broadcaster interface {
	BroadcastNewTxns(batch *wire.BatchUserRequest) error
}

type inflightEntry struct {
	localID   uint64
	batch     *wire.BatchUserRequest
	sentAt    time.Time
	deadline  time.Time
	count     int
	firstHash []byte
	heapIdx   int
}

// deadlineHeap is a container/heap min-heap ordered by deadline, the
// "min-heap keyed by send_time + timeout_length" of spec §4.I.
type deadlineHeap []*inflightEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *deadlineHeap) Push(x interface{}) {
	e := x.(*inflightEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Manager is the PerformanceManager of spec §4.I.
type Manager struct {
	cfg            *config.Config
	quorum         int // f+1
	timeout        time.Duration
	bcast          Broadcaster
	dataFunc       func() [][]byte
	observeLatency func(ms float64)

	mu          sync.Mutex
	inflight    map[uint64]*inflightEntry
	deadlines   deadlineHeap
	nextLocalID uint64

	semaphore chan struct{}
}

// New constructs a Manager. timeout is the per-batch retry window
// (default 5-10s per spec §4.I); dataFunc generates the raw requests
// for one new batch, returning nil to stop generating further batches;
// observeLatency records a completed round-trip latency sample (may
// be nil).
func New(cfg *config.Config, timeout time.Duration, bcast Broadcaster, dataFunc func() [][]byte, observeLatency func(float64)) *Manager {
	return &Manager{
		cfg:            cfg,
		quorum:         cfg.ClientQuorum(),
		timeout:        timeout,
		bcast:          bcast,
		dataFunc:       dataFunc,
		observeLatency: observeLatency,
		inflight:       make(map[uint64]*inflightEntry),
		semaphore:      make(chan struct{}, cfg.MaxProcessTxn),
	}
}

// Run launches batches via dataFunc until ctx is canceled, bounding
// concurrent in-flight batches by max_process_txn, and runs the
// timeout monitor that re-broadcasts expired batches.
func (m *Manager) Run(ctx context.Context) {
	go m.timeoutLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case m.semaphore <- struct{}{}:
		}
		raws := m.dataFunc()
		if raws == nil {
			<-m.semaphore
			return
		}
		m.submit(raws)
	}
}

func (m *Manager) submit(raws [][]byte) {
	m.mu.Lock()
	localID := m.nextLocalID
	m.nextLocalID++
	batch := &wire.BatchUserRequest{CreateTime: time.Now().UnixNano(), LocalId: localID, Requests: raws}
	entry := &inflightEntry{localID: localID, batch: batch, sentAt: time.Now(), deadline: time.Now().Add(m.timeout)}
	m.inflight[localID] = entry
	heap.Push(&m.deadlines, entry)
	m.mu.Unlock()

	if err := m.bcast.BroadcastNewTxns(batch); err != nil {
		log.WithError(err).WithField("local_id", localID).Warn("perf: broadcast failed")
	}
}

// OnResponse processes one incoming Response. Responses are credited
// in arrival order, not seq order; once f+1 matching replies have
// arrived for a local_id, the entry is retired and latency is
// recorded. Stragglers beyond f+1 (the entry already retired) are
// silently discarded.
func (m *Manager) OnResponse(resp *wire.BatchUserResponse) {
	m.mu.Lock()
	entry, ok := m.inflight[resp.LocalId]
	if !ok {
		m.mu.Unlock()
		return // straggler or unknown local_id
	}
	if entry.count == 0 {
		entry.firstHash = resp.Hash
	} else if !bytes.Equal(entry.firstHash, resp.Hash) {
		// Only matching replies count toward the f+1 quorum; a reply
		// whose content hash disagrees with the first one seen is a
		// faulty or stale replica's answer.
		m.mu.Unlock()
		return
	}
	entry.count++
	if entry.count < m.quorum {
		m.mu.Unlock()
		return
	}
	delete(m.inflight, resp.LocalId)
	m.removeFromHeap(entry)
	elapsed := time.Since(entry.sentAt)
	m.mu.Unlock()

	<-m.semaphore
	if m.observeLatency != nil {
		m.observeLatency(float64(elapsed.Microseconds()) / 1000.0)
	}
}

func (m *Manager) removeFromHeap(entry *inflightEntry) {
	if entry.heapIdx >= 0 && entry.heapIdx < len(m.deadlines) && m.deadlines[entry.heapIdx] == entry {
		heap.Remove(&m.deadlines, entry.heapIdx)
	}
}

// timeoutLoop wakes when the earliest in-flight entry's deadline
// passes and, if it is still waiting, re-broadcasts its NewTxns.
func (m *Manager) timeoutLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		m.mu.Lock()
		// With nothing in flight, re-check after one timeout: any entry
		// submitted meanwhile has a deadline no earlier than that.
		next := time.Hour
		if m.timeout > 0 {
			next = m.timeout
		}
		if len(m.deadlines) > 0 {
			next = time.Until(m.deadlines[0].deadline)
			if next < 0 {
				next = 0
			}
		}
		m.mu.Unlock()
		timer.Reset(next)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.fireExpired()
		}
	}
}

func (m *Manager) fireExpired() {
	now := time.Now()
	var expired []*inflightEntry
	m.mu.Lock()
	for len(m.deadlines) > 0 && !m.deadlines[0].deadline.After(now) {
		e := heap.Pop(&m.deadlines).(*inflightEntry)
		if _, ok := m.inflight[e.localID]; ok {
			e.deadline = now.Add(m.timeout)
			heap.Push(&m.deadlines, e)
			expired = append(expired, e)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		log.WithField("local_id", e.localID).Warn("perf: batch timed out, re-broadcasting")
		if err := m.bcast.BroadcastNewTxns(e.batch); err != nil {
			log.WithError(err).WithField("local_id", e.localID).Warn("perf: re-broadcast failed")
		}
	}
}

// InFlight reports the number of batches currently awaiting quorum, for tests and metrics.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}
