// Package response implements the server-side half of spec §4.I: the
// ResponseManager accepts raw client requests, batches them up to
// client_batch_num (or client_batch_wait_time_ms, whichever comes
// first), assigns each batch a local_id, forwards it into the
// consensus pipeline, and holds a per-local_id list of waiting
// channels (one per original caller folded into that batch) so the
// eventual BatchUserResponse reaches everyone who contributed to it.
//
// The accumulate-then-flush-on-size-or-timer pattern mirrors the
// teacher's capture connector buffering (batch documents until a size
// or time bound, whichever triggers first) generalized from documents
// to raw client request bytes.
package response

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/errkind"
	"github.com/riverstone/quorum/wire"
)

// Submitter forwards an assembled BatchUserRequest into the consensus
// pipeline. It is commitment.Manager.ProcessNewUserRequest (bridged
// through a small adapter) in production, and a fake in tests.
type Submitter interface {
	Submit(batch *wire.BatchUserRequest) error
}

// Manager is the ResponseManager of spec §4.I.
type Manager struct {
	cfg       *config.Config
	submitter Submitter

	mu          sync.Mutex
	buffer      [][]byte
	currentID   uint64
	waiting     map[uint64][]chan *wire.BatchUserResponse
	flushSignal chan struct{}
}

// New constructs a Manager bound to submitter.
func New(cfg *config.Config, submitter Submitter) *Manager {
	return &Manager{
		cfg:         cfg,
		submitter:   submitter,
		waiting:     make(map[uint64][]chan *wire.BatchUserResponse),
		flushSignal: make(chan struct{}, 1),
	}
}

// SubmitOne enqueues one raw user request for batching and returns a
// channel that receives the eventual BatchUserResponse for whichever
// batch it is folded into. The channel is sent to exactly once and
// then closed.
func (m *Manager) SubmitOne(raw []byte) <-chan *wire.BatchUserResponse {
	ch := make(chan *wire.BatchUserResponse, 1)

	m.mu.Lock()
	m.buffer = append(m.buffer, raw)
	m.waiting[m.currentID] = append(m.waiting[m.currentID], ch)
	full := len(m.buffer) >= m.cfg.ClientBatchNum
	m.mu.Unlock()

	if full {
		select {
		case m.flushSignal <- struct{}{}:
		default:
		}
	}
	return ch
}

// Run drives the flush timer and the background flush signal. It
// blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	wait := time.Duration(m.cfg.ClientBatchWaitTimeMs) * time.Millisecond
	t := time.NewTicker(wait)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.flushSignal:
			m.flush()
		case <-t.C:
			m.flush()
		}
	}
}

// flush swaps out the pending buffer and advances to a fresh local_id
// for whatever arrives next, all under one lock so SubmitOne never
// registers a waiter against a local_id that has already been flushed.
func (m *Manager) flush() {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	localID := m.currentID
	raws := m.buffer
	m.buffer = nil
	m.currentID++
	m.mu.Unlock()

	batch := &wire.BatchUserRequest{
		CreateTime: time.Now().UnixNano(),
		LocalId:    localID,
		Requests:   raws,
	}

	if err := m.submitter.Submit(batch); err != nil {
		log.WithError(err).WithField("local_id", localID).Warn("response: submit failed")
		m.failWaiters(localID, errkind.KindOf(err))
	}
}

func (m *Manager) failWaiters(localID uint64, kind errkind.Kind) {
	ret := wire.RetNotLeader
	if kind == errkind.BeyondWindow {
		ret = wire.RetBeyondWindow
	}
	m.deliver(localID, &wire.BatchUserResponse{LocalId: localID, Ret: ret})
}

// SendResponse implements executor.ResponseSink: it routes a finished
// BatchUserResponse back to every channel SubmitOne handed out for
// requests folded into this local_id's batch.
func (m *Manager) SendResponse(resp *wire.BatchUserResponse) {
	m.deliver(resp.LocalId, resp)
}

func (m *Manager) deliver(localID uint64, resp *wire.BatchUserResponse) {
	m.mu.Lock()
	chans, ok := m.waiting[localID]
	delete(m.waiting, localID)
	m.mu.Unlock()

	if !ok {
		log.WithField("local_id", localID).Debug("response: no waiters for response, dropping")
		return
	}
	for _, ch := range chans {
		ch <- resp
		close(ch)
	}
}
