// Package stats implements the observability knobs of spec §6.6: a
// counter registry, a readiness flag, and a current-primary query. The
// counter registry is backed by Prometheus (as in the teacher's
// go/network/metrics.go), with an optional secondary StatsD sink modeled
// on bdeggleston-kickboxerdb's use of github.com/cactus/go-statsd-client.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func durationMs(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }

var (
	clientCallTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_client_call_total",
		Help: "count of client requests accepted for batching",
	})
	broadcastMsgTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_broadcast_msg_total",
		Help: "count of messages broadcast to the replica set",
	})
	proposeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_propose_total",
		Help: "count of batches the primary proposed via PrePrepare",
	})
	commitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_commit_total",
		Help: "count of sequence numbers that reached ReadyExecute",
	})
	executeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_execute_total",
		Help: "count of batches handed to the transaction manager",
	})
	executeDoneTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_execute_done_total",
		Help: "count of batches for which the transaction manager returned",
	})
	seqFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quorum_seq_fail_total",
		Help: "count of sequence assignments refused due to a full execution window",
	})
	latencyHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quorum_client_latency_ms",
		Help:    "end-to-end client latency from batch submit to f+1 matching replies",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	})
)

// Stats is the process-wide counter registry plus readiness/primary
// observability state. It holds no locks on the hot path: all counters
// are lock-free (Prometheus's own atomics / atomic.Value).
type Stats struct {
	ready     atomic.Bool
	primaryID atomic.Uint32

	statsd statsd.Statter
}

// New returns a Stats registry. sink may be nil to skip the StatsD
// secondary sink and report through Prometheus only.
func New(sink statsd.Statter) *Stats {
	return &Stats{statsd: sink}
}

func (s *Stats) IncClientCall()   { clientCallTotal.Inc(); s.gauge("client_call", 1) }
func (s *Stats) IncBroadcastMsg() { broadcastMsgTotal.Inc(); s.gauge("broadcast_msg", 1) }
func (s *Stats) IncPropose()      { proposeTotal.Inc(); s.gauge("propose", 1) }
func (s *Stats) IncCommit()       { commitTotal.Inc(); s.gauge("commit", 1) }
func (s *Stats) IncExecute()      { executeTotal.Inc(); s.gauge("execute", 1) }
func (s *Stats) IncExecuteDone()  { executeDoneTotal.Inc(); s.gauge("execute_done", 1) }
func (s *Stats) IncSeqFail()      { seqFailTotal.Inc(); s.gauge("seq_fail", 1) }

// ObserveLatencyMs records one client-visible round-trip latency sample.
func (s *Stats) ObserveLatencyMs(ms float64) {
	latencyHistogram.Observe(ms)
	if s.statsd != nil {
		_ = s.statsd.TimingDuration("client_latency", durationMs(ms), 1.0)
	}
}

func (s *Stats) gauge(name string, delta int64) {
	if s.statsd != nil {
		_ = s.statsd.Inc(name, delta, 1.0)
	}
}

// SetReady flips the readiness flag. Spec §4.J: readiness is an
// observability signal, not a gate — Process still runs before ready.
func (s *Stats) SetReady(ready bool) { s.ready.Store(ready) }

// IsReady reports the current readiness flag.
func (s *Stats) IsReady() bool { return s.ready.Load() }

// SetPrimary records the current primary id, for the current-primary query.
func (s *Stats) SetPrimary(id uint32) { s.primaryID.Store(id) }

// Primary returns the last-observed primary id.
func (s *Stats) Primary() uint32 { return s.primaryID.Load() }
