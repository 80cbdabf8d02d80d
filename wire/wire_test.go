package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	var req = &Request{
		Type:        Type_PrePrepare,
		Seq:         42,
		CurrentView: 3,
		SenderId:    1,
		ProxyId:     7,
		Hash:        []byte{0xaa, 0xbb},
		Data:        []byte("batch-bytes"),
		DataSignature: &Signature{
			Sig:      []byte{1, 2, 3},
			NodeId:   1,
			HashType: HashType_HIGHWAYHASH,
		},
	}

	data, err := Marshal(req)
	require.NoError(t, err)

	var out Request
	require.NoError(t, Unmarshal(data, &out))
	require.Equal(t, req.Type, out.Type)
	require.Equal(t, req.Seq, out.Seq)
	require.Equal(t, req.CurrentView, out.CurrentView)
	require.Equal(t, req.SenderId, out.SenderId)
	require.Equal(t, req.ProxyId, out.ProxyId)
	require.Equal(t, req.Hash, out.Hash)
	require.Equal(t, req.Data, out.Data)
	require.Equal(t, req.DataSignature.Sig, out.DataSignature.Sig)
}

func TestEnvelopeFrameRoundTrip(t *testing.T) {
	var req = &Request{Type: Type_NewTxns, Seq: 1, Data: []byte("hello")}
	env, err := EncodeEnvelope(req, nil)
	require.NoError(t, err)

	data, err := Marshal(env)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, data))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)

	gotEnv, err := DecodeEnvelope(frame, nil)
	require.NoError(t, err)

	gotReq, err := DecodeRequest(gotEnv)
	require.NoError(t, err)
	require.Equal(t, req.Type, gotReq.Type)
	require.Equal(t, req.Seq, gotReq.Seq)
	require.Equal(t, req.Data, gotReq.Data)
}

func TestRequestClone(t *testing.T) {
	var req = &Request{Hash: []byte{1, 2}, Data: []byte{3, 4}}
	var clone = req.Clone()
	clone.Hash[0] = 9
	clone.Data[0] = 9
	require.Equal(t, byte(1), req.Hash[0])
	require.Equal(t, byte(3), req.Data[0])
}

func TestPublicKeyInfoValid(t *testing.T) {
	require.False(t, (&PublicKeyInfo{}).Valid())
	require.True(t, (&PublicKeyInfo{Key: []byte{1}}).Valid())
}
