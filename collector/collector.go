// Package collector implements the per-sequence vote collector
// (TransactionCollector, spec §4.E) and the ring buffer that recycles
// collectors across the execution window (CollectorPool, spec §4.F).
//
// The atomic-status-plus-per-slot-lock vote counting style mirrors
// the teacher's shuffle-ring coordination in go/shuffle, where multiple
// goroutines race to observe a threshold and exactly one must win the
// side effect; here that side effect is "broadcast the next phase" or
// "hand off to the executor".
package collector

import (
	"sync"
	"sync/atomic"

	"github.com/riverstone/quorum/wire"
)

// Status is the three-phase commit state of one sequence number.
type Status int32

const (
	StatusNone Status = iota
	StatusPrepare
	StatusReadyPrepare
	StatusReadyCommit
	StatusReadyExecute
	StatusExecuted
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusPrepare:
		return "Prepare"
	case StatusReadyPrepare:
		return "ReadyPrepare"
	case StatusReadyCommit:
		return "ReadyCommit"
	case StatusReadyExecute:
		return "ReadyExecute"
	case StatusExecuted:
		return "Executed"
	default:
		return "Unknown"
	}
}

// senderBitmap is a 128-bit set of distinct sender ids that have voted
// for one phase, wide enough for any realistic replica count.
type senderBitmap [2]uint64

func (b *senderBitmap) testAndSet(id uint32) (wasSet bool) {
	word, bit := id/64, id%64
	mask := uint64(1) << bit
	old := b[word]
	if old&mask != 0 {
		return true
	}
	b[word] = old | mask
	return false
}

func (b *senderBitmap) count() int {
	n := 0
	for _, w := range b {
		for w != 0 {
			n += int(w & 1)
			w >>= 1
		}
	}
	return n
}

// TransitionFunc is invoked by AddRequest whenever a vote or the main
// request changes the distinct-vote count, so the commitment layer can
// decide whether to advance Status. main is the stored pre-prepare
// payload (nil if none has arrived yet), handed in so the callback
// never needs to re-enter the collector. It is called with the
// collector locked out of concurrent mutation of the same phase, and
// must not itself call back into the collector; side effects of a
// transition (broadcasts, executor hand-off) belong after AddRequest
// returns.
type TransitionFunc func(req, main *wire.Request, count int, status *Status)

// Collector is the TransactionCollector of spec §4.E: per-seq vote
// tracking with a monotonically advancing Status.
type Collector struct {
	seq    uint64
	status atomic.Int32

	mu          sync.Mutex
	mainRequest *wire.Request
	senders     [3]senderBitmap // indexed by phase: Prepare, Commit, reserved
	certs       []*wire.Signature
}

// Phase indexes Collector.senders.
type Phase int

const (
	PhasePrepare Phase = iota
	PhaseCommit
)

func newCollector(seq uint64) *Collector {
	c := &Collector{seq: seq}
	c.status.Store(int32(StatusNone))
	return c
}

// Seq returns the sequence number this collector is currently bound to.
func (c *Collector) Seq() uint64 { return c.seq }

// Status returns the current phase.
func (c *Collector) Status() Status { return Status(c.status.Load()) }

// MainRequest returns the stored pre-prepare payload, or nil if none
// has been accepted yet.
func (c *Collector) MainRequest() *wire.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainRequest
}

// CommittedCerts returns a copy of the signatures collected so far,
// for QC construction when handing off to the executor.
func (c *Collector) CommittedCerts() []*wire.Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*wire.Signature, len(c.certs))
	copy(out, c.certs)
	return out
}

// AddRequest implements spec §4.E's add_request. isMain marks req as a
// PrePrepare payload rather than a Prepare/Commit vote.
func (c *Collector) AddRequest(req *wire.Request, isMain bool, phase Phase, onTransition TransitionFunc) bool {
	if Status(c.status.Load()) == StatusExecuted {
		return false
	}
	if req.Seq != c.seq {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if isMain {
		if c.mainRequest != nil {
			return false // CAS semantics: first pre-prepare wins, later ones no-op
		}
		c.mainRequest = req
		st := Status(c.status.Load())
		if onTransition != nil {
			onTransition(req, req, 1, &st)
		}
		c.status.Store(int32(st))
		return true
	}

	if c.senders[phase].testAndSet(req.SenderId) {
		return false // duplicate vote
	}
	if req.DataSignature != nil && req.DataSignature.NodeId != 0 {
		c.certs = append(c.certs, req.DataSignature)
	}
	count := c.senders[phase].count()
	st := Status(c.status.Load())
	if onTransition != nil {
		onTransition(req, c.mainRequest, count, &st)
	}
	c.status.Store(int32(st))
	return true
}

// MarkExecuted transitions the collector to its terminal state.
func (c *Collector) MarkExecuted() { c.status.Store(int32(StatusExecuted)) }

// reset clears the collector for reuse at seq+W, per CollectorPool.Update.
func (c *Collector) reset(newSeq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = newSeq
	c.mainRequest = nil
	c.senders = [3]senderBitmap{}
	c.certs = nil
	c.status.Store(int32(StatusNone))
}
