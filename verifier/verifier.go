// Package verifier defines the cryptographic collaborator of the
// consensus pipeline (spec §6.5) and ships a default implementation.
// Concrete applications may supply their own Verifier; nothing in the
// consensus/executor/communicator packages depends on a specific
// cryptographic primitive.
package verifier

import (
	"github.com/riverstone/quorum/wire"
)

// Verifier signs outgoing data, verifies incoming signatures, computes the
// content hash used for request-addressing and duplicate detection, and
// maintains the store of peer public keys gossiped via heartbeat.
type Verifier interface {
	// SignMessage signs data with this node's private key.
	SignMessage(data []byte) (*wire.Signature, error)
	// VerifyMessage checks sig against data using the stored public key of
	// sig.NodeId. Returns false if the key is unknown or the signature is
	// invalid.
	VerifyMessage(data []byte, sig *wire.Signature) bool
	// CalculateHash returns a deterministic content hash of data.
	CalculateHash(data []byte) []byte
	// AddPublicKey records a peer's public key, rejecting duplicates and
	// malformed entries. Returns true if the key was newly added.
	AddPublicKey(info *wire.PublicKeyInfo) bool
}
