package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single length-prefixed frame to guard against a
// corrupt or hostile peer claiming an unbounded length.
const maxFrameBytes = 64 << 20 // 64MiB

// WriteFrame writes a length-prefixed frame: a big-endian uint32 byte
// count followed by the bytes themselves.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds max %d", len(payload), maxFrameBytes)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	var n = binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds max %d", n, maxFrameBytes)
	}
	if n == 0 {
		return nil, nil
	}
	var buf = make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return buf, nil
}

// EncodeRequest wraps msg as the Data of a Request of the given type,
// optionally signing it with sign (sign may be nil to skip data_signature).
func EncodeRequest(typ Type, data []byte, senderID uint32, sign func([]byte) (*Signature, error)) (*Request, error) {
	var req = &Request{
		Type:     typ,
		SenderId: senderID,
		Data:     data,
	}
	if sign != nil {
		sig, err := sign(data)
		if err != nil {
			return nil, fmt.Errorf("signing request data: %w", err)
		}
		req.DataSignature = sig
	}
	return req, nil
}

// EncodeEnvelope marshals req and wraps it in an Envelope, optionally
// signed with sign over the serialized Request bytes (envelope-level
// transport authentication, distinct from Request.DataSignature).
func EncodeEnvelope(req *Request, sign func([]byte) (*Signature, error)) (*Envelope, error) {
	data, err := Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	var env = &Envelope{Data: data}
	if sign != nil {
		sig, err := sign(data)
		if err != nil {
			return nil, fmt.Errorf("signing envelope: %w", err)
		}
		env.Signature = sig
	}
	return env, nil
}

// DecodeEnvelope unmarshals a frame into an Envelope and, if the Envelope
// carries a signature, invokes verify to check it. verify may be nil to
// skip verification (signature_verifier_enabled=false).
func DecodeEnvelope(frame []byte, verify func(data []byte, sig *Signature) bool) (*Envelope, error) {
	var env Envelope
	if err := Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if verify != nil && env.Signature != nil {
		if !verify(env.Data, env.Signature) {
			return nil, fmt.Errorf("envelope signature verification failed")
		}
	}
	return &env, nil
}

// DecodeRequest unmarshals the inner Request from an Envelope's Data.
func DecodeRequest(env *Envelope) (*Request, error) {
	var req Request
	if err := Unmarshal(env.Data, &req); err != nil {
		return nil, fmt.Errorf("unmarshaling request: %w", err)
	}
	return &req, nil
}
