package collector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstone/quorum/wire"
)

func TestAddRequestMainIsSetOnce(t *testing.T) {
	c := newCollector(5)
	main1 := &wire.Request{Seq: 5, Type: wire.Type_PrePrepare, Data: []byte("a")}
	main2 := &wire.Request{Seq: 5, Type: wire.Type_PrePrepare, Data: []byte("b")}

	require.True(t, c.AddRequest(main1, true, PhasePrepare, nil))
	require.False(t, c.AddRequest(main2, true, PhasePrepare, nil))
	require.Equal(t, main1, c.MainRequest())
}

func TestAddRequestRejectsWrongSeq(t *testing.T) {
	c := newCollector(5)
	req := &wire.Request{Seq: 6, SenderId: 1}
	require.False(t, c.AddRequest(req, false, PhasePrepare, nil))
}

func TestAddRequestDedupsVotesBySender(t *testing.T) {
	c := newCollector(1)
	var lastCount int
	onTransition := func(req, main *wire.Request, count int, status *Status) { lastCount = count }

	req1 := &wire.Request{Seq: 1, SenderId: 1}
	req1dup := &wire.Request{Seq: 1, SenderId: 1}
	req2 := &wire.Request{Seq: 1, SenderId: 2}

	require.True(t, c.AddRequest(req1, false, PhasePrepare, onTransition))
	require.Equal(t, 1, lastCount)
	require.False(t, c.AddRequest(req1dup, false, PhasePrepare, onTransition))
	require.True(t, c.AddRequest(req2, false, PhasePrepare, onTransition))
	require.Equal(t, 2, lastCount)
}

func TestAddRequestRejectsAfterExecuted(t *testing.T) {
	c := newCollector(1)
	c.MarkExecuted()
	req := &wire.Request{Seq: 1, SenderId: 1}
	require.False(t, c.AddRequest(req, false, PhasePrepare, nil))
}

func TestCollectorTransitionDrivesStatus(t *testing.T) {
	c := newCollector(1)
	onTransition := func(req, main *wire.Request, count int, status *Status) {
		if count >= 2 {
			*status = StatusReadyCommit
		}
	}
	c.AddRequest(&wire.Request{Seq: 1, SenderId: 1}, false, PhasePrepare, onTransition)
	require.Equal(t, StatusNone, c.Status())
	c.AddRequest(&wire.Request{Seq: 1, SenderId: 2}, false, PhasePrepare, onTransition)
	require.Equal(t, StatusReadyCommit, c.Status())
}

func TestPoolGetReconstructsStaleGeneration(t *testing.T) {
	p := NewPool(4)
	c0 := p.Get(0)
	c0.AddRequest(&wire.Request{Seq: 0, Type: wire.Type_PrePrepare}, true, PhasePrepare, nil)
	require.NotNil(t, c0.MainRequest())

	c4 := p.Get(4) // same slot index, next generation
	require.Same(t, c0, c4)
	require.Nil(t, c4.MainRequest())
	require.EqualValues(t, 4, c4.Seq())
}

func TestPoolUpdateAdvancesSlotByWindow(t *testing.T) {
	p := NewPool(4)
	c := p.Get(2)
	p.Update(2)
	require.EqualValues(t, 6, c.Seq())
	require.Equal(t, StatusNone, c.Status())
}
