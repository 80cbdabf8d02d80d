package txnmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstone/quorum/wire"
)

func TestMemoryKVSetGet(t *testing.T) {
	var kv = NewMemoryKV()
	resp, err := kv.ExecuteBatch(&wire.BatchUserRequest{
		LocalId:  1,
		Requests: [][]byte{[]byte("SET k v"), []byte("GET k")},
	})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("OK"), []byte("v")}, resp.Responses)

	v, ok := kv.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestMemoryKVUnknownCommand(t *testing.T) {
	var kv = NewMemoryKV()
	resp, err := kv.ExecuteBatch(&wire.BatchUserRequest{
		Requests: [][]byte{[]byte("DROP everything")},
	})
	require.NoError(t, err)
	require.Contains(t, string(resp.Responses[0]), "ERR")
}
