package perf

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/wire"
)

type fakeBroadcaster struct {
	mu    sync.Mutex
	sent  []*wire.BatchUserRequest
	calls int32
}

func (f *fakeBroadcaster) BroadcastNewTxns(batch *wire.BatchUserRequest) error {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, batch)
	return nil
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() *config.Config {
	c := &config.Config{Replicas: make([]config.ReplicaInfo, 4), Self: config.SelfInfo{Port: 1}}
	c.SetDefaults()
	c.MaxProcessTxn = 2
	return c
}

// oneShotData returns a data_func that emits exactly n batches, then
// signals completion by returning nil forever after.
func oneShotData(n int) func() [][]byte {
	var count int32
	return func() [][]byte {
		if int(atomic.AddInt32(&count, 1)) > n {
			return nil
		}
		return [][]byte{[]byte("req")}
	}
}

func TestQuorumRetiresInFlightEntry(t *testing.T) {
	bc := &fakeBroadcaster{}
	m := New(testConfig(), 5*time.Second, bc, oneShotData(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return bc.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, m.InFlight())

	bc.mu.Lock()
	localID := bc.sent[0].LocalId
	bc.mu.Unlock()

	// f+1 == 2 here (N=4 -> f=1)
	m.OnResponse(&wire.BatchUserResponse{LocalId: localID, Ret: wire.RetOK})
	require.Equal(t, 1, m.InFlight())
	m.OnResponse(&wire.BatchUserResponse{LocalId: localID, Ret: wire.RetOK})
	require.Eventually(t, func() bool { return m.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStragglerResponseIsDiscarded(t *testing.T) {
	bc := &fakeBroadcaster{}
	m := New(testConfig(), 5*time.Second, bc, oneShotData(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return bc.count() == 1 }, time.Second, 5*time.Millisecond)
	localID := bc.sent[0].LocalId

	m.OnResponse(&wire.BatchUserResponse{LocalId: localID, Ret: wire.RetOK})
	m.OnResponse(&wire.BatchUserResponse{LocalId: localID, Ret: wire.RetOK})
	require.Eventually(t, func() bool { return m.InFlight() == 0 }, time.Second, 5*time.Millisecond)

	// a third, late reply for the same retired local_id must not panic
	// or double-release the semaphore.
	require.NotPanics(t, func() {
		m.OnResponse(&wire.BatchUserResponse{LocalId: localID, Ret: wire.RetOK})
	})
}

func TestTimeoutRebroadcasts(t *testing.T) {
	bc := &fakeBroadcaster{}
	m := New(testConfig(), 30*time.Millisecond, bc, oneShotData(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return bc.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, m.InFlight())
}

func TestMaxInFlightBoundsConcurrentBatches(t *testing.T) {
	bc := &fakeBroadcaster{}
	cfg := testConfig()
	cfg.MaxProcessTxn = 1
	m := New(cfg, 5*time.Second, bc, oneShotData(5), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool { return bc.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, bc.count(), "generator must block on the semaphore until the first batch retires")
}
