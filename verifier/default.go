package verifier

import (
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/minio/highwayhash"

	"github.com/riverstone/quorum/wire"
)

// hashKey is the fixed 32-byte key HighwayHash requires. It is not a
// secret: CalculateHash is a content-addressing hash, not a MAC, so every
// node must derive the same digest for the same bytes.
var hashKey = []byte(
	"resilient-quorum-content-hash-ky", // exactly 32 bytes
)

func init() {
	if len(hashKey) != 32 {
		panic(fmt.Sprintf("hashKey must be 32 bytes, got %d", len(hashKey)))
	}
}

// Default is a Verifier backed by secp256k1 ECDSA signatures and a
// HighwayHash content hash, with an in-memory public key store.
type Default struct {
	nodeID     uint32
	privateKey *secp256k1.PrivateKey

	mu   sync.RWMutex
	keys map[uint32]*secp256k1.PublicKey
}

var _ Verifier = (*Default)(nil)

// NewDefault builds a Default verifier for nodeID, signing with
// privateKeyBytes (32-byte secp256k1 scalar). It owns no public key for
// nodeID until AddPublicKey is called with the corresponding public key,
// mirroring how the source distributes keys purely via heartbeat gossip.
func NewDefault(nodeID uint32, privateKeyBytes []byte) (*Default, error) {
	priv := secp256k1.PrivKeyFromBytes(privateKeyBytes)
	if priv == nil {
		return nil, fmt.Errorf("invalid secp256k1 private key")
	}
	return &Default{
		nodeID:     nodeID,
		privateKey: priv,
		keys:       make(map[uint32]*secp256k1.PublicKey),
	}, nil
}

// GenerateKeyPair is a convenience for tests and bootstrap tooling: it
// returns a fresh private key and its serialized compressed public key.
func GenerateKeyPair() (privateKey, publicKey []byte, err error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return priv.Serialize(), priv.PubKey().SerializeCompressed(), nil
}

// CalculateHash implements Verifier.
func (d *Default) CalculateHash(data []byte) []byte {
	h, err := highwayhash.New(hashKey)
	if err != nil {
		// hashKey length is fixed and validated at init time; this cannot fail.
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// SignMessage implements Verifier.
func (d *Default) SignMessage(data []byte) (*wire.Signature, error) {
	var digest = d.CalculateHash(data)
	sig := ecdsa.Sign(d.privateKey, digest)
	return &wire.Signature{
		Sig:      sig.Serialize(),
		NodeId:   d.nodeID,
		HashType: wire.HashType_HIGHWAYHASH,
	}, nil
}

// VerifyMessage implements Verifier.
func (d *Default) VerifyMessage(data []byte, sig *wire.Signature) bool {
	if sig.Empty() {
		return false
	}
	d.mu.RLock()
	pub, ok := d.keys[sig.NodeId]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig.Sig)
	if err != nil {
		return false
	}
	var digest = d.CalculateHash(data)
	return parsed.Verify(digest, pub)
}

// AddPublicKey implements Verifier.
func (d *Default) AddPublicKey(info *wire.PublicKeyInfo) bool {
	if !info.Valid() {
		return false
	}
	pub, err := secp256k1.ParsePubKey(info.Key)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.keys[info.NodeId]; exists {
		return false
	}
	d.keys[info.NodeId] = pub
	return true
}

// PublicKey returns the compressed public key this verifier signs with,
// suitable for distribution via heartbeat.
func (d *Default) PublicKey() []byte {
	return d.privateKey.PubKey().SerializeCompressed()
}
