// Package wire defines the on-wire message types of the replication
// protocol and their serialization. Messages are hand-written,
// proto-tagged structs marshaled through gogo/protobuf's reflection-based
// Marshal/Unmarshal (no protoc code generation is used or required), which
// is what spec §6.1 calls a "protocol-buffer-equivalent record": a
// length-prefixable, deterministic binary encoding with forward-compatible
// unknown-field skipping.
package wire

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// Type is the tagged variant of a Request. The numeric values are part of
// the wire format and must never be renumbered.
type Type int32

const (
	Type_UNKNOWN         Type = 0
	Type_ClientRequest   Type = 1
	Type_NewTxns         Type = 2
	Type_PrePrepare      Type = 3
	Type_Prepare         Type = 4
	Type_Commit          Type = 5
	Type_Response        Type = 6
	Type_HeartBeat       Type = 7
	Type_CustomConsensus Type = 8
	Type_ViewChange      Type = 9
	Type_NewView         Type = 10
)

var typeNames = map[Type]string{
	Type_UNKNOWN:         "UNKNOWN",
	Type_ClientRequest:   "ClientRequest",
	Type_NewTxns:         "NewTxns",
	Type_PrePrepare:      "PrePrepare",
	Type_Prepare:         "Prepare",
	Type_Commit:          "Commit",
	Type_Response:        "Response",
	Type_HeartBeat:       "HeartBeat",
	Type_CustomConsensus: "CustomConsensus",
	Type_ViewChange:      "ViewChange",
	Type_NewView:         "NewView",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int32(t))
}

// HashType identifies the hash algorithm a Signature was computed over.
type HashType int32

const (
	HashType_NONE       HashType = 0
	HashType_HIGHWAYHASH HashType = 1
)

// Signature wraps a cryptographic signature plus the identity of its signer.
type Signature struct {
	Sig      []byte   `protobuf:"bytes,1,opt,name=sig" json:"sig,omitempty"`
	NodeId   uint32   `protobuf:"varint,2,opt,name=node_id,json=nodeId" json:"node_id,omitempty"`
	HashType HashType `protobuf:"varint,3,opt,name=hash_type,json=hashType,enum=wire.HashType" json:"hash_type,omitempty"`
}

func (m *Signature) Reset()         { *m = Signature{} }
func (m *Signature) String() string { return proto.CompactTextString(m) }
func (*Signature) ProtoMessage()    {}

// Empty reports whether the signature carries no bytes, i.e. was never set.
func (m *Signature) Empty() bool { return m == nil || len(m.Sig) == 0 }

// Envelope is the outermost wire structure: an opaque, signed payload.
// `Data` holds a marshaled Request. The signature is optional — a nil
// Signature means the sender is running without envelope authentication
// (e.g. signature_verifier_enabled=false, or unsigned heartbeats).
type Envelope struct {
	Data      []byte     `protobuf:"bytes,1,opt,name=data" json:"data,omitempty"`
	Signature *Signature `protobuf:"bytes,2,opt,name=signature" json:"signature,omitempty"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return proto.CompactTextString(m) }
func (*Envelope) ProtoMessage()    {}

// Request is the inner, tagged consensus message.
type Request struct {
	Type           Type   `protobuf:"varint,1,opt,name=type,enum=wire.Type" json:"type,omitempty"`
	Seq            uint64 `protobuf:"varint,2,opt,name=seq" json:"seq,omitempty"`
	CurrentView    uint64 `protobuf:"varint,3,opt,name=current_view,json=currentView" json:"current_view,omitempty"`
	SenderId       uint32 `protobuf:"varint,4,opt,name=sender_id,json=senderId" json:"sender_id,omitempty"`
	ProxyId        uint32 `protobuf:"varint,5,opt,name=proxy_id,json=proxyId" json:"proxy_id,omitempty"`
	Hash           []byte `protobuf:"bytes,6,opt,name=hash" json:"hash,omitempty"`
	Data           []byte `protobuf:"bytes,7,opt,name=data" json:"data,omitempty"`
	DataSignature  *Signature `protobuf:"bytes,8,opt,name=data_signature,json=dataSignature" json:"data_signature,omitempty"`
}

func (m *Request) Reset()         { *m = Request{} }
func (m *Request) String() string { return proto.CompactTextString(m) }
func (*Request) ProtoMessage()    {}

// Clone returns a deep copy of the Request, used where a message must be
// handed to more than one queue (e.g. speculative out-of-order execution)
// without aliasing mutable byte slices.
func (m *Request) Clone() *Request {
	if m == nil {
		return nil
	}
	var out = *m
	out.Hash = append([]byte(nil), m.Hash...)
	out.Data = append([]byte(nil), m.Data...)
	if m.DataSignature != nil {
		var sig = *m.DataSignature
		sig.Sig = append([]byte(nil), m.DataSignature.Sig...)
		out.DataSignature = &sig
	}
	return &out
}

// BatchUserRequest groups opaque client requests under one local_id so a
// single consensus round can carry many user operations.
type BatchUserRequest struct {
	CreateTime int64    `protobuf:"varint,1,opt,name=createtime" json:"createtime,omitempty"`
	LocalId    uint64   `protobuf:"varint,2,opt,name=local_id,json=localId" json:"local_id,omitempty"`
	ProxyId    uint32   `protobuf:"varint,3,opt,name=proxy_id,json=proxyId" json:"proxy_id,omitempty"`
	Seq        uint64   `protobuf:"varint,4,opt,name=seq" json:"seq,omitempty"`
	Requests   [][]byte `protobuf:"bytes,5,rep,name=requests" json:"requests,omitempty"`
}

func (m *BatchUserRequest) Reset()         { *m = BatchUserRequest{} }
func (m *BatchUserRequest) String() string { return proto.CompactTextString(m) }
func (*BatchUserRequest) ProtoMessage()    {}

// BatchUserResponse is the corresponding set of results, in one-to-one
// positional correspondence with BatchUserRequest.Requests.
type BatchUserResponse struct {
	CreateTime int64    `protobuf:"varint,1,opt,name=createtime" json:"createtime,omitempty"`
	LocalId    uint64   `protobuf:"varint,2,opt,name=local_id,json=localId" json:"local_id,omitempty"`
	ProxyId    uint32   `protobuf:"varint,3,opt,name=proxy_id,json=proxyId" json:"proxy_id,omitempty"`
	Seq        uint64   `protobuf:"varint,4,opt,name=seq" json:"seq,omitempty"`
	Hash       []byte   `protobuf:"bytes,5,opt,name=hash" json:"hash,omitempty"`
	Responses  [][]byte `protobuf:"bytes,6,rep,name=responses" json:"responses,omitempty"`
	// Ret carries the client-visible outcome code. Zero means success; -1
	// (RetNotLeader) and -2 (RetBeyondWindow) are the two failure codes
	// of spec §7/§9; DESIGN.md records how they are told apart.
	Ret int32 `protobuf:"zigzag32,7,opt,name=ret" json:"ret,omitempty"`
}

func (m *BatchUserResponse) Reset()         { *m = BatchUserResponse{} }
func (m *BatchUserResponse) String() string { return proto.CompactTextString(m) }
func (*BatchUserResponse) ProtoMessage()    {}

// Client-visible response codes. RetBeyondWindow is returned when the
// primary's execution window is full (spec §4.H "back-pressure", E5);
// RetNotLeader documents the non-primary redirect failure mode.
const (
	RetOK           int32 = 0
	RetNotLeader    int32 = -1
	RetBeyondWindow int32 = -2
)

// HeartBeatInfo is the payload of a HeartBeat Request: membership and key
// distribution gossip (spec §4.J).
type HeartBeatInfo struct {
	Sender       uint32         `protobuf:"varint,1,opt,name=sender" json:"sender,omitempty"`
	Ip           string         `protobuf:"bytes,2,opt,name=ip" json:"ip,omitempty"`
	Port         uint32         `protobuf:"varint,3,opt,name=port" json:"port,omitempty"`
	Primary      uint32         `protobuf:"varint,4,opt,name=primary" json:"primary,omitempty"`
	Version      uint64         `protobuf:"varint,5,opt,name=version" json:"version,omitempty"`
	PublicKeys   []*PublicKeyInfo `protobuf:"bytes,6,rep,name=public_keys,json=publicKeys" json:"public_keys,omitempty"`
	HbVersion    uint64         `protobuf:"varint,7,opt,name=hb_version,json=hbVersion" json:"hb_version,omitempty"`
	NodeVersion  []uint64       `protobuf:"varint,8,rep,name=node_version,json=nodeVersion" json:"node_version,omitempty"`
}

func (m *HeartBeatInfo) Reset()         { *m = HeartBeatInfo{} }
func (m *HeartBeatInfo) String() string { return proto.CompactTextString(m) }
func (*HeartBeatInfo) ProtoMessage()    {}

// NodeType distinguishes replicas from clients in key distribution.
type NodeType int32

const (
	NodeType_Replica NodeType = 0
	NodeType_Client  NodeType = 1
)

// PublicKeyInfo is a single node's public key, gossiped via HeartBeat.
type PublicKeyInfo struct {
	NodeId   uint32   `protobuf:"varint,1,opt,name=node_id,json=nodeId" json:"node_id,omitempty"`
	NodeType NodeType `protobuf:"varint,2,opt,name=node_type,json=nodeType,enum=wire.NodeType" json:"node_type,omitempty"`
	Ip       string   `protobuf:"bytes,3,opt,name=ip" json:"ip,omitempty"`
	Port     uint32   `protobuf:"varint,4,opt,name=port" json:"port,omitempty"`
	Region   string   `protobuf:"bytes,5,opt,name=region" json:"region,omitempty"`
	Key      []byte   `protobuf:"bytes,6,opt,name=key" json:"key,omitempty"`
}

func (m *PublicKeyInfo) Reset()         { *m = PublicKeyInfo{} }
func (m *PublicKeyInfo) String() string { return proto.CompactTextString(m) }
func (*PublicKeyInfo) ProtoMessage()    {}

// Valid reports whether a PublicKeyInfo is well-formed enough to admit,
// per spec §4.C ("empty ip or zero port ignored") generalized to keys.
func (m *PublicKeyInfo) Valid() bool {
	return m != nil && len(m.Key) > 0
}

// BroadcastData bundles several already-signed Requests into one
// envelope payload, amortizing per-TCP-frame overhead when the
// communicator's drain thread packs up to tcp_batch_num outgoing
// messages destined for the same peer into a single write.
type BroadcastData struct {
	Requests []*Request `protobuf:"bytes,1,rep,name=requests" json:"requests,omitempty"`
}

func (m *BroadcastData) Reset()         { *m = BroadcastData{} }
func (m *BroadcastData) String() string { return proto.CompactTextString(m) }
func (*BroadcastData) ProtoMessage()    {}

// Marshal encodes m using the gogo/protobuf reflection-based codec.
func Marshal(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

// Unmarshal decodes into m using the gogo/protobuf reflection-based codec.
func Unmarshal(data []byte, m proto.Message) error {
	return proto.Unmarshal(data, m)
}
