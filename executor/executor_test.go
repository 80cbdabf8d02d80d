package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/txnmgr"
	"github.com/riverstone/quorum/wire"
)

type fakeSink struct {
	mu   sync.Mutex
	resp []*wire.BatchUserResponse
}

func (f *fakeSink) SendResponse(resp *wire.BatchUserResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = append(f.resp, resp)
}

func (f *fakeSink) seqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.resp))
	for i, r := range f.resp {
		out[i] = r.Seq
	}
	return out
}

func testConfig() *config.Config {
	c := &config.Config{Replicas: make([]config.ReplicaInfo, 4), Self: config.SelfInfo{Port: 1}}
	c.SetDefaults()
	c.MaxProcessTxn = 64
	c.ExecuteThreadNum = 1
	return c
}

func requestFor(seq uint64) *wire.Request {
	data, _ := wire.Marshal(&wire.BatchUserRequest{Seq: seq, LocalId: seq, Requests: [][]byte{[]byte("SET k v")}})
	return &wire.Request{Seq: seq, Data: data}
}

func TestExecutorOrdersOutOfOrderCommits(t *testing.T) {
	sink := &fakeSink{}
	var advanced []uint64
	var mu sync.Mutex
	e := New(testConfig(), txnmgr.NewMemoryKV(), nil, sink, func(seq uint64) {
		mu.Lock()
		advanced = append(advanced, seq)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	// Commit seq 3 and 2 before seq 1: none should execute until seq 1 arrives.
	e.Commit(requestFor(3), nil)
	e.Commit(requestFor(2), nil)
	require.Never(t, func() bool { return len(sink.seqs()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	e.Commit(requestFor(1), nil)
	require.Eventually(t, func() bool { return len(sink.seqs()) == 3 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []uint64{1, 2, 3}, sink.seqs(), "single-threaded execution must respond in seq order")
	require.EqualValues(t, 4, e.NextExecuteSeq())
}

func TestExecutorDropsAlreadyExecutedSeq(t *testing.T) {
	sink := &fakeSink{}
	e := New(testConfig(), txnmgr.NewMemoryKV(), nil, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Commit(requestFor(1), nil)
	require.Eventually(t, func() bool { return len(sink.seqs()) == 1 }, time.Second, 10*time.Millisecond)

	// A stale re-delivery of seq 1 must not produce a second response.
	e.Commit(requestFor(1), nil)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sink.seqs(), 1)
}
