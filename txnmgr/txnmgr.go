// Package txnmgr defines the application collaborator of the executor
// (spec §6.4): the sole contract a concrete application (KV store,
// contract engine, graph DB) must satisfy to be driven by this framework.
package txnmgr

import "github.com/riverstone/quorum/wire"

// Plan is an opaque, application-defined intermediate result of Prepare,
// consumed by ExecutePlan. Used only by the bucketed parallel execution
// path (spec §4.H); single-threaded execution never constructs one.
type Plan interface{}

// TransactionManager is implemented by the application driven by this
// framework. ExecuteBatch is called in strict seq order when the executor
// runs single-threaded; Prepare/ExecutePlan are called when it runs with
// execute_thread_num > 1 and the application opts into the parallel split.
type TransactionManager interface {
	// ExecuteBatch runs every user request in req and returns the batch of
	// results, or nil if the application chooses not to respond (e.g. a
	// fire-and-forget write). Called in strict seq order under
	// single-threaded execution.
	ExecuteBatch(req *wire.BatchUserRequest) (*wire.BatchUserResponse, error)

	// IsOutOfOrder reports whether this application's ExecuteBatch is safe
	// to run speculatively ahead of its in-order turn (spec §9). The
	// in-order pipeline still runs afterward to produce the official
	// response; the application is responsible for any retraction needed
	// if the speculative and official results diverge.
	IsOutOfOrder() bool

	// NeedResponse reports whether executing a batch should produce a
	// client-visible response at all. If false, ExecuteBatch's result (if
	// any) is discarded after execution and no Response is shipped.
	NeedResponse() bool
}

// ParallelTransactionManager is an optional extension a TransactionManager
// may additionally implement to participate in the bucketed parallel
// execution path of spec §4.H. When absent, the executor falls back to
// calling ExecuteBatch directly even with execute_thread_num > 1,
// serializing those calls itself.
type ParallelTransactionManager interface {
	TransactionManager

	// Prepare splits req into an application-defined sequence of Plans that
	// ExecutePlan can apply without needing to revisit req.
	Prepare(req *wire.BatchUserRequest) ([]Plan, error)

	// ExecutePlan applies plans (as produced by Prepare for one batch) and
	// returns one response payload per entry in req.Requests.
	ExecutePlan(plans []Plan) ([][]byte, error)
}
