package commitment

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstone/quorum/collector"
	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/dedup"
	"github.com/riverstone/quorum/errkind"
	"github.com/riverstone/quorum/sysinfo"
	"github.com/riverstone/quorum/verifier"
	"github.com/riverstone/quorum/wire"
)

type fakeBroadcaster struct {
	mu  sync.Mutex
	out []*wire.Request
}

func (f *fakeBroadcaster) Broadcast(req *wire.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, req)
	return nil
}

func (f *fakeBroadcaster) last() *wire.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return nil
	}
	return f.out[len(f.out)-1]
}

type fakeExecutor struct {
	mu       sync.Mutex
	committed []*wire.Request
}

func (f *fakeExecutor) Commit(req *wire.Request, certs []*wire.Signature) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, req)
}

func fourReplicaConfig(selfID uint32) *config.Config {
	c := &config.Config{Replicas: []config.ReplicaInfo{
		{ID: 1, IP: "10.0.0.1", Port: 1},
		{ID: 2, IP: "10.0.0.2", Port: 1},
		{ID: 3, IP: "10.0.0.3", Port: 1},
		{ID: 4, IP: "10.0.0.4", Port: 1},
	}, Self: config.SelfInfo{ID: selfID, Port: 1}}
	c.SetDefaults()
	c.MaxProcessTxn = 16
	return c
}

func newTestManager(t *testing.T, selfID uint32) (*Manager, *fakeBroadcaster, *fakeExecutor, *sysinfo.Info) {
	cfg := fourReplicaConfig(selfID)
	info := sysinfo.New(cfg)
	info.SetPrimaryID(1)
	dupMgr := dedup.New(0, 0)
	pool := collector.NewPool(cfg.MaxProcessTxn)
	v := verifier.NewNoop(selfID)
	b := &fakeBroadcaster{}
	e := &fakeExecutor{}
	m := New(cfg, info, dupMgr, pool, v, nil, b, e)
	return m, b, e, info
}

func TestProcessNewUserRequestAsPrimaryBroadcastsPrePrepare(t *testing.T) {
	m, b, _, _ := newTestManager(t, 1)
	require.NoError(t, m.ProcessNewUserRequest([]byte("batch-1")))

	last := b.last()
	require.NotNil(t, last)
	require.Equal(t, wire.Type_PrePrepare, last.Type)
	require.EqualValues(t, 1, last.Seq)
}

func TestProcessNewUserRequestAsNonPrimaryReturnsNotLeader(t *testing.T) {
	m, _, _, _ := newTestManager(t, 2)
	err := m.ProcessNewUserRequest([]byte("batch-1"))
	require.Error(t, err)
	require.Equal(t, errkind.NotLeader, errkind.KindOf(err))
}

func TestFullThreePhaseRoundReachesExecutor(t *testing.T) {
	m, _, e, info := newTestManager(t, 1)
	info.SetPrimaryID(1)

	require.NoError(t, m.ProcessNewUserRequest([]byte("batch-1")))

	mainReq := m.pool.Get(1).MainRequest()
	require.NotNil(t, mainReq)

	// Simulate Prepare votes from replicas 1-3 (the primary's own included) crossing quorum (2f+1=3).
	for _, sender := range []uint32{1, 2, 3} {
		prepare := &wire.Request{Type: wire.Type_Prepare, Seq: 1, SenderId: sender, Hash: mainReq.Hash}
		require.NoError(t, m.Process(prepare))
	}
	require.Equal(t, collector.StatusReadyCommit, m.pool.Get(1).Status())

	for _, sender := range []uint32{1, 2, 3} {
		commit := &wire.Request{Type: wire.Type_Commit, Seq: 1, SenderId: sender, Hash: mainReq.Hash}
		require.NoError(t, m.Process(commit))
	}

	require.Len(t, e.committed, 1)
	require.Equal(t, collector.StatusExecuted, m.pool.Get(1).Status())
}

func TestProcessRejectsSeqBeyondWindow(t *testing.T) {
	m, _, _, _ := newTestManager(t, 1)
	req := &wire.Request{Type: wire.Type_PrePrepare, Seq: 999, SenderId: 1}
	err := m.Process(req)
	require.Error(t, err)
}

func TestProcessRejectsViewMismatch(t *testing.T) {
	m, _, _, info := newTestManager(t, 1)
	info.SetView(5)
	req := &wire.Request{Type: wire.Type_Prepare, Seq: 1, CurrentView: 0, SenderId: 1}
	err := m.Process(req)
	require.Error(t, err)
}

func TestPrepareVotesBeforePrePrepareAreHeld(t *testing.T) {
	m, b, _, _ := newTestManager(t, 2)

	// All of quorum's Prepare votes land before the PrePrepare does.
	hash := []byte("future-main")
	for _, sender := range []uint32{1, 3, 4} {
		prepare := &wire.Request{Type: wire.Type_Prepare, Seq: 1, SenderId: sender, Hash: hash}
		require.NoError(t, m.Process(prepare))
	}
	require.Equal(t, collector.StatusNone, m.pool.Get(1).Status())

	// The PrePrepare arrives and flips the collector to ReadyPrepare;
	// this replica's own Prepare broadcast closes the held quorum on
	// its way back through Process.
	main := &wire.Request{Type: wire.Type_PrePrepare, Seq: 1, SenderId: 1, Hash: hash, Data: []byte("batch")}
	require.NoError(t, m.Process(main))
	require.Equal(t, collector.StatusReadyPrepare, m.pool.Get(1).Status())

	own := b.last()
	require.NotNil(t, own)
	require.Equal(t, wire.Type_Prepare, own.Type)
	require.NoError(t, m.Process(own))
	require.Equal(t, collector.StatusReadyCommit, m.pool.Get(1).Status())
}

func TestAssignNextSeqRefusesWhenWindowExhausted(t *testing.T) {
	m, _, _, _ := newTestManager(t, 1)

	// W = 16 in this fixture; every batch must be distinct or dedup
	// swallows it before a second PrePrepare is built.
	for i := 0; i < 16; i++ {
		require.NoError(t, m.ProcessNewUserRequest([]byte{byte(i)}))
	}
	err := m.ProcessNewUserRequest([]byte("one-too-many"))
	require.Error(t, err)
	require.Equal(t, errkind.BeyondWindow, errkind.KindOf(err))

	// The refused batch must not linger in the proposed set: a retry is
	// rejected for the window again, not silently dropped as a replay.
	err = m.ProcessNewUserRequest([]byte("one-too-many"))
	require.Equal(t, errkind.BeyondWindow, errkind.KindOf(err))
}

func TestDuplicatePrepareCountsOnce(t *testing.T) {
	m, _, _, _ := newTestManager(t, 2)

	main := &wire.Request{Type: wire.Type_PrePrepare, Seq: 5, SenderId: 1, Hash: []byte("h5"), Data: []byte("b5")}
	require.NoError(t, m.Process(main))

	// The same sender voting twice must not move the count.
	for i := 0; i < 2; i++ {
		prepare := &wire.Request{Type: wire.Type_Prepare, Seq: 5, SenderId: 3, Hash: []byte("h5")}
		require.NoError(t, m.Process(prepare))
	}
	// One more distinct sender makes two votes, still short of 2f+1=3.
	prepare := &wire.Request{Type: wire.Type_Prepare, Seq: 5, SenderId: 4, Hash: []byte("h5")}
	require.NoError(t, m.Process(prepare))
	require.Equal(t, collector.StatusReadyPrepare, m.pool.Get(5).Status())
}
