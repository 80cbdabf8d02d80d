package verifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstone/quorum/wire"
)

func TestDefaultSignAndVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	v, err := NewDefault(1, priv)
	require.NoError(t, err)
	require.True(t, v.AddPublicKey(&wire.PublicKeyInfo{NodeId: 1, Key: pub}))
	require.False(t, v.AddPublicKey(&wire.PublicKeyInfo{NodeId: 1, Key: pub}), "duplicate add rejected")

	var data = []byte("pre-prepare payload")
	sig, err := v.SignMessage(data)
	require.NoError(t, err)
	require.True(t, v.VerifyMessage(data, sig))
	require.False(t, v.VerifyMessage([]byte("tampered"), sig))
}

func TestDefaultVerifyUnknownSigner(t *testing.T) {
	priv, _, err := GenerateKeyPair()
	require.NoError(t, err)
	v, err := NewDefault(1, priv)
	require.NoError(t, err)

	sig, err := v.SignMessage([]byte("x"))
	require.NoError(t, err)
	require.False(t, v.VerifyMessage([]byte("x"), sig), "no public key registered for signer")
}

func TestCalculateHashDeterministic(t *testing.T) {
	priv, _, err := GenerateKeyPair()
	require.NoError(t, err)
	v, err := NewDefault(1, priv)
	require.NoError(t, err)

	var a = v.CalculateHash([]byte("same bytes"))
	var b = v.CalculateHash([]byte("same bytes"))
	require.Equal(t, a, b)

	var c = v.CalculateHash([]byte("different bytes"))
	require.NotEqual(t, a, c)
}

func TestNoopRejectsMalformedKeys(t *testing.T) {
	var n = NewNoop(1)
	require.False(t, n.AddPublicKey(&wire.PublicKeyInfo{NodeId: 2}))
	require.True(t, n.AddPublicKey(&wire.PublicKeyInfo{NodeId: 2, Key: []byte{1}}))
}
