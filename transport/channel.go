// Package transport implements Channel, spec §4.A: authenticated,
// length-framed point-to-point transport between two replicas (or a
// replica and a client). A Channel wraps one net.Conn, retries a
// failed dial up to three times, and distinguishes signature-
// verification failure from plain I/O failure so callers can react
// differently (e.g. never retry a verification failure against the
// same peer).
//
// The raw-conn-plus-length-prefix style is grounded in the teacher's
// go/network package (proxy_server.go / proxy_client.go stream raw
// bytes over net.Conn); request tracing uses golang.org/x/net/trace,
// the same package the teacher wires into its proxy frontend.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/net/trace"

	"github.com/riverstone/quorum/errkind"
	"github.com/riverstone/quorum/verifier"
	"github.com/riverstone/quorum/wire"
)

const maxDialRetries = 3

// Channel is the point-to-point transport described in spec §4.A.
type Channel interface {
	// SendRequest serializes data under typ, wraps it in a signed
	// Request and Envelope, length-prefixes it, and writes it to the peer.
	SendRequest(data []byte, typ wire.Type, needResponse bool) error
	// RecvRawMessage reads one length-prefixed envelope, verifies its
	// signature if a verifier is configured, and returns the payload.
	RecvRawMessage() ([]byte, error)
	// SetRecvTimeout bounds how long RecvRawMessage blocks.
	SetRecvTimeout(d time.Duration)
	// Close releases the underlying connection.
	Close() error
	// Reinit discards the current connection and redials, leaving the
	// Channel reusable after a prior failure.
	Reinit(ctx context.Context) error
}

// TCPChannel is the default Channel implementation, a single
// authenticated net.Conn with length-prefixed framing.
type TCPChannel struct {
	mu   sync.Mutex
	addr string
	conn net.Conn

	selfID   uint32
	verifier verifier.Verifier
	dialer   net.Dialer
	tr       trace.Trace
}

var _ Channel = (*TCPChannel)(nil)

// Dial opens a TCPChannel to addr, retrying up to maxDialRetries times
// on transient dial failure.
func Dial(ctx context.Context, addr string, selfID uint32, v verifier.Verifier) (*TCPChannel, error) {
	c := &TCPChannel{addr: addr, selfID: selfID, verifier: v, tr: trace.New("quorum.transport", addr)}
	if err := c.Reinit(ctx); err != nil {
		c.tr.Finish()
		return nil, err
	}
	return c, nil
}

func (c *TCPChannel) Reinit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	var lastErr error
	for attempt := 0; attempt < maxDialRetries; attempt++ {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			c.conn = conn
			return nil
		}
		lastErr = err
		c.tr.LazyPrintf("dial attempt %d failed: %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.TransportFailure, "transport.Reinit", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return errkind.Wrap(errkind.TransportFailure, "transport.Reinit", lastErr)
}

// SendRequest serializes data under typ into a Request, signs it (both
// the Request's data_signature and the outer Envelope's signature, if a
// verifier is configured), frames it, and writes it to the peer.
func (c *TCPChannel) SendRequest(data []byte, typ wire.Type, needResponse bool) error {
	var sign func([]byte) (*wire.Signature, error)
	if c.verifier != nil {
		sign = c.verifier.SignMessage
	}

	req, err := wire.EncodeRequest(typ, data, c.selfID, sign)
	if err != nil {
		return errkind.Wrap(errkind.InvalidSignature, "transport.SendRequest.sign", err)
	}

	env, err := wire.EncodeEnvelope(req, sign)
	if err != nil {
		return errkind.Wrap(errkind.InvalidSignature, "transport.SendRequest.signEnvelope", err)
	}

	envBytes, err := wire.Marshal(env)
	if err != nil {
		return errkind.Wrap(errkind.TransportFailure, "transport.SendRequest.marshalEnvelope", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errkind.New(errkind.TransportFailure, "transport.SendRequest: not connected")
	}
	if err := wire.WriteFrame(c.conn, envBytes); err != nil {
		return errkind.Wrap(errkind.TransportFailure, "transport.SendRequest.write", err)
	}
	return nil
}

// RecvRawMessage reads one length-prefixed envelope off the wire,
// verifies its signature (when a verifier is configured and the
// envelope carries one), and returns the inner Request bytes.
func (c *TCPChannel) RecvRawMessage() ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errkind.New(errkind.TransportFailure, "transport.RecvRawMessage: not connected")
	}

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportFailure, "transport.RecvRawMessage.read", err)
	}

	var env wire.Envelope
	if err := wire.Unmarshal(frame, &env); err != nil {
		return nil, errkind.Wrap(errkind.TransportFailure, "transport.RecvRawMessage.unmarshal", err)
	}
	if c.verifier != nil && !env.Signature.Empty() {
		if !c.verifier.VerifyMessage(env.Data, env.Signature) {
			return nil, errkind.New(errkind.InvalidSignature, "transport.RecvRawMessage: envelope signature mismatch")
		}
	}
	return env.Data, nil
}

// RecvFrame reads one length-prefixed frame off the wire and returns
// it unparsed: the full marshaled Envelope, with no signature check
// and no unwrapping. It exists for a server accept-loop that hands raw
// frames straight to consensus.Manager.Process, which owns envelope
// parsing and verification itself; RecvRawMessage remains the
// higher-level call for callers that just want the verified payload.
func (c *TCPChannel) RecvFrame() ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errkind.New(errkind.TransportFailure, "transport.RecvFrame: not connected")
	}

	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportFailure, "transport.RecvFrame.read", err)
	}
	return frame, nil
}

func (c *TCPChannel) SetRecvTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	}
}

func (c *TCPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil {
		c.tr.Finish()
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Listener is the server side of spec §6.3's listen/accept pair: it
// wraps a net.Listener and hands back an already-wrapped TCPChannel
// per accepted connection instead of a raw net.Conn, so a server loop
// never has to reach into transport's internals.
type Listener struct {
	raw      net.Listener
	selfID   uint32
	verifier verifier.Verifier
}

// Listen binds addr and returns a Listener. An empty port ("host:0")
// picks an ephemeral port; GetBindingPort reports the one actually bound.
func Listen(addr string, selfID uint32, v verifier.Verifier) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportFailure, "transport.Listen", err)
	}
	return &Listener{raw: ln, selfID: selfID, verifier: v}, nil
}

// GetBindingPort reports the TCP port this Listener is actually bound
// to, resolving an ephemeral ("0") port request to the one the kernel
// assigned.
func (l *Listener) GetBindingPort() int {
	return l.raw.Addr().(*net.TCPAddr).Port
}

// Accept blocks for the next incoming connection and returns it
// already wrapped as a Channel, ready for RecvRawMessage/SendRequest.
func (l *Listener) Accept() (*TCPChannel, error) {
	conn, err := l.raw.Accept()
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportFailure, "transport.Listener.Accept", err)
	}
	return &TCPChannel{
		addr:     conn.RemoteAddr().String(),
		conn:     conn,
		selfID:   l.selfID,
		verifier: l.verifier,
		tr:       trace.New("quorum.transport.accepted", conn.RemoteAddr().String()),
	}, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.raw.Close()
}
