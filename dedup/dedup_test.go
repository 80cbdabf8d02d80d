package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hashOf(b byte) Hash {
	var h Hash
	h[0] = b
	return h
}

func TestCheckAndAddProposedFirstThenReplay(t *testing.T) {
	m := New(5*time.Second, 20*time.Second)
	require.False(t, m.CheckAndAddProposed(hashOf(1)))
	require.True(t, m.CheckAndAddProposed(hashOf(1)))
}

func TestCheckAndAddExecutedRecordsSeq(t *testing.T) {
	m := New(5*time.Second, 20*time.Second)
	require.False(t, m.CheckAndAddExecuted(hashOf(2), 42))
	seq, ok := m.ExecutedSeqOf(hashOf(2))
	require.True(t, ok)
	require.EqualValues(t, 42, seq)
}

func TestProposedAndExecutedSetsAreIndependent(t *testing.T) {
	m := New(5*time.Second, 20*time.Second)

	// Proposing a hash must not make it look already-executed, and
	// vice versa: the two sets age independently.
	require.False(t, m.CheckAndAddProposed(hashOf(4)))
	require.False(t, m.CheckAndAddExecuted(hashOf(4), 7))
	require.True(t, m.CheckAndAddProposed(hashOf(4)))
	require.True(t, m.CheckAndAddExecuted(hashOf(4), 7))

	require.False(t, m.CheckAndAddExecuted(hashOf(5), 8))
	require.False(t, m.CheckAndAddProposed(hashOf(5)))
}

func TestRemoveProposedAllowsRetry(t *testing.T) {
	m := New(5*time.Second, 20*time.Second)
	require.False(t, m.CheckAndAddProposed(hashOf(6)))
	m.RemoveProposed(hashOf(6))
	require.False(t, m.CheckAndAddProposed(hashOf(6)))
}

func TestExecutedSeqOfUnknownHash(t *testing.T) {
	m := New(5*time.Second, 20*time.Second)
	_, ok := m.ExecutedSeqOf(hashOf(9))
	require.False(t, ok)
}

func TestEvictionRemovesEntriesOlderThanWindow(t *testing.T) {
	m := New(10*time.Millisecond, 20*time.Millisecond)
	require.False(t, m.CheckAndAddProposed(hashOf(3)))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return m.Len() == 0
	}, 300*time.Millisecond, 10*time.Millisecond)
}
