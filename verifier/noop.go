package verifier

import (
	"sync"

	"github.com/minio/highwayhash"

	"github.com/riverstone/quorum/wire"
)

// Noop is a Verifier that signs and verifies trivially (every signature
// "matches"), for use when signature_verifier_enabled=false or in tests
// that want to isolate consensus logic from cryptography. CalculateHash
// still uses HighwayHash, since hashing is always required for duplicate
// detection and request addressing.
type Noop struct {
	nodeID uint32

	mu   sync.Mutex
	keys map[uint32]*wire.PublicKeyInfo
}

var _ Verifier = (*Noop)(nil)

// NewNoop returns a Noop verifier identifying itself as nodeID.
func NewNoop(nodeID uint32) *Noop {
	return &Noop{nodeID: nodeID, keys: make(map[uint32]*wire.PublicKeyInfo)}
}

func (n *Noop) CalculateHash(data []byte) []byte {
	h, err := highwayhash.New(hashKey)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

func (n *Noop) SignMessage(data []byte) (*wire.Signature, error) {
	return &wire.Signature{Sig: []byte{1}, NodeId: n.nodeID}, nil
}

func (n *Noop) VerifyMessage(data []byte, sig *wire.Signature) bool {
	return !sig.Empty()
}

func (n *Noop) AddPublicKey(info *wire.PublicKeyInfo) bool {
	if !info.Valid() {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.keys[info.NodeId]; ok {
		return false
	}
	n.keys[info.NodeId] = info
	return true
}
