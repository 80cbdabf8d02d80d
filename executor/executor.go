// Package executor implements TransactionExecutor, spec §4.H: it
// imposes in-order execution over a potentially out-of-order stream of
// committed messages, dispatches each in-order batch to the
// application's txnmgr.TransactionManager, and forwards results to a
// response sink.
//
// The ordering-task-plus-worker-pool split follows the teacher's
// go/shuffle consumer loop: one goroutine owns sequencing state and
// hands ready work to a fixed pool of worker goroutines over a
// channel, rather than having workers coordinate sequencing amongst
// themselves.
package executor

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/errkind"
	"github.com/riverstone/quorum/stats"
	"github.com/riverstone/quorum/txnmgr"
	"github.com/riverstone/quorum/wire"
)

// ResponseSink is the subset of the response path (spec §4.I) the
// executor needs: ship a finished BatchUserResponse to its originating
// client.
type ResponseSink interface {
	SendResponse(resp *wire.BatchUserResponse)
}

type commitItem struct {
	req   *wire.Request
	certs []*wire.Signature
}

// bucketState is the three-valued slot state of the parallel execution
// scheme: a slot is either empty, claimed by an in-flight execution,
// or done and safe for the next seq in that slot to proceed.
type bucketState int32

const (
	bucketEmpty bucketState = iota
	bucketInFlight
	bucketDone
)

// Executor is the TransactionExecutor of spec §4.H.
type Executor struct {
	cfg  *config.Config
	tm   txnmgr.TransactionManager
	sink ResponseSink
	st   *stats.Stats

	// onAdvance is invoked once per seq the ordering task releases, with
	// that seq (one below the new next_execute_seq), letting the
	// commitment layer's assign_next_seq back-pressure check track the
	// true low edge of in-flight work.
	onAdvance func(executedSeq uint64)

	commitQueue  chan commitItem
	executeQueue chan commitItem

	// candidates and nextExecuteSeq are touched only by orderingLoop,
	// which runs as a single goroutine; no lock is needed.
	candidates     map[uint64]commitItem
	nextExecuteSeq atomic.Uint64

	buckets []atomic.Int32
}

// New constructs an Executor. st may be nil to skip counter reporting;
// onAdvance may be nil if the caller does not need back-pressure
// notifications (e.g. in tests).
func New(cfg *config.Config, tm txnmgr.TransactionManager, st *stats.Stats, sink ResponseSink, onAdvance func(uint64)) *Executor {
	e := &Executor{
		cfg:          cfg,
		tm:           tm,
		sink:         sink,
		st:           st,
		onAdvance:    onAdvance,
		commitQueue:  make(chan commitItem, cfg.MaxProcessTxn),
		executeQueue: make(chan commitItem, cfg.MaxProcessTxn),
		candidates:   make(map[uint64]commitItem),
		buckets:      make([]atomic.Int32, cfg.ExecuteBucketNum),
	}
	e.nextExecuteSeq.Store(1)
	return e
}

// NextExecuteSeq reports the lowest not-yet-executed sequence number.
func (e *Executor) NextExecuteSeq() uint64 { return e.nextExecuteSeq.Load() }

// Commit implements commitment.Executor: it hands off a message that
// reached ReadyExecute, along with its quorum certificate, for
// in-order execution. It also feeds the application's speculative
// out-of-order path when the application opts in (spec §9).
func (e *Executor) Commit(req *wire.Request, certs []*wire.Signature) {
	item := commitItem{req: req, certs: certs}
	e.commitQueue <- item
	if e.tm.IsOutOfOrder() {
		go e.executeSpeculative(req.Clone())
	}
}

// executeSpeculative runs the application's handler ahead of the
// in-order turn for an out-of-order-safe application. Its result is
// never shipped to clients; only the in-order path's result is.
func (e *Executor) executeSpeculative(req *wire.Request) {
	var batch wire.BatchUserRequest
	if err := wire.Unmarshal(req.Data, &batch); err != nil {
		log.WithError(err).Warn("executor: speculative unmarshal failed")
		return
	}
	if _, err := e.tm.ExecuteBatch(&batch); err != nil {
		log.WithError(err).WithField("seq", req.Seq).Warn("executor: speculative execution failed")
	}
}

// Run launches the ordering task and the pool of executor tasks. It
// blocks until ctx is canceled.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.orderingLoop(ctx)
	}()

	threads := e.cfg.ExecuteThreadNum
	if threads < 1 {
		threads = 1
	}
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.executeLoop(ctx)
		}()
	}
	wg.Wait()
}

// orderingLoop pops committed messages, holds out-of-order arrivals in
// candidates, and drains the consecutive prefix starting at
// next_execute_seq into the execute queue.
func (e *Executor) orderingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-e.commitQueue:
			if item.req.Seq < e.nextExecuteSeq.Load() {
				continue // already executed; drop
			}
			e.candidates[item.req.Seq] = item

			for {
				next := e.nextExecuteSeq.Load()
				ready, ok := e.candidates[next]
				if !ok {
					break
				}
				delete(e.candidates, next)
				e.executeQueue <- ready
				e.nextExecuteSeq.Store(next + 1)
				if e.onAdvance != nil {
					e.onAdvance(next)
				}
			}
		}
	}
}

func (e *Executor) executeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-e.executeQueue:
			if e.cfg.ExecuteThreadNum > 1 {
				e.executeBucketed(item)
			} else {
				e.executeOne(item)
			}
		}
	}
}

// executeOne runs the single-threaded execution path: parse, execute,
// respond.
func (e *Executor) executeOne(item commitItem) {
	var batch wire.BatchUserRequest
	if err := wire.Unmarshal(item.req.Data, &batch); err != nil {
		log.WithError(err).WithField("seq", item.req.Seq).Warn("executor: unmarshal failed")
		return
	}
	batch.Seq = item.req.Seq
	if e.st != nil {
		e.st.IncExecute()
	}
	resp, err := e.tm.ExecuteBatch(&batch)
	if err != nil {
		log.WithError(err).WithField("seq", item.req.Seq).Warn("executor: execute_batch failed")
		return
	}
	if e.st != nil {
		e.st.IncExecuteDone()
	}
	e.respond(item.req, &batch, resp)
}

// executeBucketed runs the bucketed parallel execution scheme: before
// executing seq s it claims bucket[s mod B], waits for bucket[(s-1)
// mod B] to be empty or done (so storage effects of s-1 are visible),
// runs the application's two-phase prepare/execute-plan split if
// available, then marks its own bucket done.
func (e *Executor) executeBucketed(item commitItem) {
	b := e.cfg.ExecuteBucketNum
	idx := int(item.req.Seq) % b
	prevIdx := int(item.req.Seq-1) % b
	if prevIdx < 0 {
		prevIdx += b
	}

	if !e.buckets[idx].CompareAndSwap(int32(bucketEmpty), int32(bucketInFlight)) &&
		!e.buckets[idx].CompareAndSwap(int32(bucketDone), int32(bucketInFlight)) {
		// The protocol guarantees in-order, single-claim bucket
		// ownership; finding a bucket already in flight means that
		// guarantee was violated somewhere upstream. Per the §7 fault
		// taxonomy this is not recoverable in place.
		err := errkind.New(errkind.InternalInvariantViolation, "executor.executeBucketed: bucket claimed while still in flight")
		log.WithError(err).WithField("seq", item.req.Seq).Fatal("executor: aborting")
		return
	}

	for {
		prev := bucketState(e.buckets[prevIdx].Load())
		if prev == bucketEmpty || prev == bucketDone {
			break
		}
	}

	var batch wire.BatchUserRequest
	if err := wire.Unmarshal(item.req.Data, &batch); err != nil {
		log.WithError(err).WithField("seq", item.req.Seq).Warn("executor: unmarshal failed")
		e.buckets[idx].Store(int32(bucketDone))
		return
	}
	batch.Seq = item.req.Seq
	if e.st != nil {
		e.st.IncExecute()
	}

	var resp *wire.BatchUserResponse
	if pm, ok := e.tm.(txnmgr.ParallelTransactionManager); ok {
		plans, err := pm.Prepare(&batch)
		if err != nil {
			log.WithError(err).WithField("seq", item.req.Seq).Warn("executor: prepare failed")
			e.buckets[idx].Store(int32(bucketDone))
			return
		}
		results, err := pm.ExecutePlan(plans)
		if err != nil {
			log.WithError(err).WithField("seq", item.req.Seq).Warn("executor: execute_plan failed")
			e.buckets[idx].Store(int32(bucketDone))
			return
		}
		resp = &wire.BatchUserResponse{
			CreateTime: batch.CreateTime,
			LocalId:    batch.LocalId,
			ProxyId:    batch.ProxyId,
			Seq:        batch.Seq,
			Responses:  results,
		}
	} else {
		var err error
		resp, err = e.tm.ExecuteBatch(&batch)
		if err != nil {
			log.WithError(err).WithField("seq", item.req.Seq).Warn("executor: execute_batch failed")
			e.buckets[idx].Store(int32(bucketDone))
			return
		}
	}

	e.buckets[idx].Store(int32(bucketDone))
	if e.st != nil {
		e.st.IncExecuteDone()
	}
	e.respond(item.req, &batch, resp)
}

func (e *Executor) respond(req *wire.Request, batch *wire.BatchUserRequest, resp *wire.BatchUserResponse) {
	if !e.tm.NeedResponse() || resp == nil {
		return
	}
	if resp.Seq == 0 {
		resp.Seq = req.Seq
	}
	if resp.Hash == nil {
		resp.Hash = req.Hash
	}
	if e.sink != nil {
		e.sink.SendResponse(resp)
	}
}
