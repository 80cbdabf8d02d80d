// Package commitment implements the three-phase commit state machine
// of spec §4.G: the primary proposes a PrePrepare for each batch of
// client transactions, replicas vote Prepare once they've seen it, and
// Commit once 2f+1 Prepares have arrived; on 2f+1 Commits the message
// and its quorum certificate are handed to the executor.
//
// This package depends only on the narrow Broadcaster/Executor
// interfaces it declares, following the teacher's convention (see
// go/consumer's narrow application-facing interfaces) of depending on
// behavior, not concrete packages, across a layer boundary — it is the
// communicator and executor packages that implement these interfaces,
// not the other way around.
package commitment

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/riverstone/quorum/collector"
	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/dedup"
	"github.com/riverstone/quorum/errkind"
	"github.com/riverstone/quorum/stats"
	"github.com/riverstone/quorum/sysinfo"
	"github.com/riverstone/quorum/verifier"
	"github.com/riverstone/quorum/wire"
)

// Broadcaster is the subset of ReplicaCommunicator the commitment
// layer needs: fire-and-forget fan-out of a signed Request.
type Broadcaster interface {
	Broadcast(req *wire.Request) error
}

// Executor is the subset of TransactionExecutor the commitment layer
// needs: hand off a message that reached ReadyExecute, plus its
// quorum certificate, for in-order execution.
type Executor interface {
	Commit(req *wire.Request, certs []*wire.Signature)
}

// Manager runs the three-phase commit protocol described in spec §4.G.
type Manager struct {
	cfg      *config.Config
	info     *sysinfo.Info
	dup      *dedup.Manager
	pool     *collector.Pool
	verifier verifier.Verifier
	st       *stats.Stats
	bcast    Broadcaster
	exec     Executor

	nextSeq         atomic.Uint64 // next unassigned seq, primary side only
	nextExecuteSeq  atomic.Uint64 // low edge of the execution window
}

// New constructs a Manager. st may be nil to skip counter reporting.
// nextExecuteSeq starts at 1 per spec §4.H.
func New(cfg *config.Config, info *sysinfo.Info, dup *dedup.Manager, pool *collector.Pool, v verifier.Verifier, st *stats.Stats, bcast Broadcaster, exec Executor) *Manager {
	m := &Manager{cfg: cfg, info: info, dup: dup, pool: pool, verifier: v, st: st, bcast: bcast, exec: exec}
	m.nextSeq.Store(1)
	m.nextExecuteSeq.Store(1)
	return m
}

// AdvanceExecuteWindow is called by the executor once it has executed
// seq, so the primary's assign_next_seq back-pressure check stays
// accurate. It also retires the executed seq's collector slot for
// reuse at seq+W. It is a no-op if seq is below the current low edge.
func (m *Manager) AdvanceExecuteWindow(seq uint64) {
	for {
		cur := m.nextExecuteSeq.Load()
		if seq < cur {
			return
		}
		if m.nextExecuteSeq.CompareAndSwap(cur, seq+1) {
			m.pool.Update(seq)
			return
		}
	}
}

func (m *Manager) isPrimary() bool {
	return m.info.PrimaryID() == m.cfg.Self.ID
}

// assignNextSeq returns the next unused sequence number, or an error
// if the execution window is already full (spec §4.H back-pressure).
func (m *Manager) assignNextSeq() (uint64, error) {
	w := uint64(m.pool.Window())
	for {
		cur := m.nextSeq.Load()
		floor := m.nextExecuteSeq.Load()
		if cur-floor >= w {
			return 0, errkind.New(errkind.BeyondWindow, "commitment.assignNextSeq: window exhausted")
		}
		if m.nextSeq.CompareAndSwap(cur, cur+1) {
			return cur, nil
		}
	}
}

// ProcessNewUserRequest is the entry point for NewTxns messages (spec
// §4.G). If this replica is primary it assigns a sequence number and
// starts a PrePrepare; otherwise it returns NotLeader so the caller
// can redirect to the current primary.
func (m *Manager) ProcessNewUserRequest(batchData []byte) error {
	if !m.isPrimary() {
		return errkind.New(errkind.NotLeader, "commitment.ProcessNewUserRequest: not primary")
	}

	// The replay check runs before a sequence number is assigned: a
	// dropped duplicate must not consume a seq, or the executor would
	// wait forever on the gap it leaves.
	hash := m.verifier.CalculateHash(batchData)
	if m.dup.CheckAndAddProposed(dedupKey(hash)) {
		if execSeq, done := m.dup.ExecutedSeqOf(dedupKey(hash)); done {
			log.WithField("executed_seq", execSeq).Debug("commitment: dropping replay of already-executed batch")
		} else {
			log.Warn("commitment: dropping replay of already-proposed batch")
		}
		return nil
	}

	seq, err := m.assignNextSeq()
	if err != nil {
		m.dup.RemoveProposed(dedupKey(hash))
		if m.st != nil {
			m.st.IncSeqFail()
		}
		return err
	}

	req := &wire.Request{
		Type:        wire.Type_PrePrepare,
		Seq:         seq,
		CurrentView: m.info.View(),
		SenderId:    m.cfg.Self.ID,
		Hash:        hash,
		Data:        batchData,
	}
	if m.verifier != nil {
		sig, serr := m.verifier.SignMessage(batchData)
		if serr != nil {
			m.dup.RemoveProposed(dedupKey(hash))
			return errkind.Wrap(errkind.InvalidSignature, "commitment.ProcessNewUserRequest.sign", serr)
		}
		req.DataSignature = sig
	}

	// The primary runs the same collector code path as every replica.
	m.insertAsMain(req)

	if err := m.bcast.Broadcast(req); err != nil {
		return errkind.Wrap(errkind.TransportFailure, "commitment.ProcessNewUserRequest.broadcast", err)
	}
	if m.st != nil {
		m.st.IncPropose()
	}
	return nil
}

// dedupKey copies a variable-length content digest into the fixed
// 32-byte dedup.Hash key used to index the sliding window.
func dedupKey(h []byte) dedup.Hash {
	var out dedup.Hash
	copy(out[:], h)
	return out
}

// Process is the entry point for PrePrepare/Prepare/Commit messages
// (spec §4.G). The envelope signature is assumed already verified by
// the caller (see consensus.Manager.Process and DESIGN.md's Open
// Question #1: signature check gates dedup, not the reverse).
func (m *Manager) Process(req *wire.Request) error {
	if req.CurrentView != m.info.View() {
		return errkind.New(errkind.ViewMismatch, "commitment.Process: view mismatch")
	}
	if req.Seq < m.nextExecuteSeq.Load() {
		return errkind.New(errkind.OutOfWindow, "commitment.Process: seq already executed")
	}
	if req.Seq >= m.nextExecuteSeq.Load()+uint64(m.pool.Window()) {
		return errkind.New(errkind.BeyondWindow, "commitment.Process: seq beyond window")
	}

	switch req.Type {
	case wire.Type_PrePrepare:
		return m.processPrePrepare(req)
	case wire.Type_Prepare:
		return m.processVote(req, collector.PhasePrepare)
	case wire.Type_Commit:
		return m.processVote(req, collector.PhaseCommit)
	default:
		log.WithField("type", req.Type).Warn("commitment.Process: unexpected type")
		return nil
	}
}

func (m *Manager) processPrePrepare(req *wire.Request) error {
	if req.SenderId != m.info.PrimaryID() {
		return errkind.New(errkind.ViewMismatch, "commitment.processPrePrepare: sender is not primary")
	}
	if m.dup.CheckAndAddProposed(dedupKey(req.Hash)) {
		log.WithField("seq", req.Seq).Debug("commitment: dropping replayed pre-prepare")
		return nil
	}
	m.insertAsMain(req)
	return nil
}

// insertAsMain stores req as the collector's pre-prepare payload and
// broadcasts Prepare on the ReadyPrepare transition. The broadcast is
// issued after AddRequest returns: the winning callback only flags the
// transition, so no transport work ever runs under the collector lock.
func (m *Manager) insertAsMain(req *wire.Request) {
	c := m.pool.Get(req.Seq)
	var sendPrepare bool
	c.AddRequest(req, true, collector.PhasePrepare, func(r, main *wire.Request, count int, status *collector.Status) {
		if *status == collector.StatusNone {
			*status = collector.StatusReadyPrepare
			sendPrepare = true
		}
	})
	if sendPrepare {
		m.broadcastVote(req, wire.Type_Prepare)
	}
}

func (m *Manager) processVote(req *wire.Request, phase collector.Phase) error {
	c := m.pool.Get(req.Seq)

	// A vote arriving before the PrePrepare (main == nil) is held: its
	// sender bit still counts, and the transition re-checks once the
	// main and the next vote arrive.
	if main := c.MainRequest(); main != nil && string(main.Hash) != string(req.Hash) {
		return errkind.New(errkind.ViewMismatch, "commitment.processVote: hash mismatch with stored main")
	}

	quorum := m.cfg.Quorum()
	var sendCommit, execute *wire.Request
	accepted := c.AddRequest(req, false, phase, func(r, main *wire.Request, count int, status *collector.Status) {
		switch phase {
		case collector.PhasePrepare:
			if *status == collector.StatusReadyPrepare && count >= quorum && main != nil {
				*status = collector.StatusReadyCommit
				sendCommit = main
			}
		case collector.PhaseCommit:
			if *status == collector.StatusReadyCommit && count >= quorum {
				*status = collector.StatusReadyExecute
				execute = main
			}
		}
	})
	if !accepted {
		log.WithFields(log.Fields{"seq": req.Seq, "sender": req.SenderId}).Debug("commitment: duplicate or stale vote dropped")
		return nil
	}
	if sendCommit != nil {
		m.broadcastVote(sendCommit, wire.Type_Commit)
	}
	if execute != nil {
		m.handOffToExecutor(c, execute)
	}
	return nil
}

func (m *Manager) broadcastVote(main *wire.Request, typ wire.Type) {
	vote := &wire.Request{
		Type:        typ,
		Seq:         main.Seq,
		CurrentView: m.info.View(),
		SenderId:    m.cfg.Self.ID,
		Hash:        main.Hash,
	}
	if m.verifier != nil {
		if sig, err := m.verifier.SignMessage(main.Hash); err == nil {
			vote.DataSignature = sig
		}
	}
	if err := m.bcast.Broadcast(vote); err != nil {
		log.WithError(err).WithField("type", typ).Warn("commitment: vote broadcast failed")
	}
}

func (m *Manager) handOffToExecutor(c *collector.Collector, main *wire.Request) {
	if main == nil {
		return
	}
	certs := c.CommittedCerts()
	c.MarkExecuted()
	// Record hash -> seq in the executed window, stamped at execution
	// time rather than proposal time, so ProcessNewUserRequest can tell
	// a replay of a completed batch apart from one still in flight.
	m.dup.CheckAndAddExecuted(dedupKey(main.Hash), main.Seq)
	if m.st != nil {
		m.st.IncCommit()
	}
	m.exec.Commit(main, certs)
}
