package communicator

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverstone/quorum/config"
	"github.com/riverstone/quorum/verifier"
	"github.com/riverstone/quorum/wire"
)

func listen(t *testing.T) (net.Listener, string, uint32) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 32)
	require.NoError(t, err)
	return ln, ln.Addr().String(), uint32(port)
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	ln1, _, port1 := listen(t)
	defer ln1.Close()
	ln2, _, port2 := listen(t)
	defer ln2.Close()

	received := make(chan []byte, 2)
	accept := func(ln net.Listener) {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		received <- frame
	}
	go accept(ln1)
	go accept(ln2)

	cfg := &config.Config{
		Replicas: []config.ReplicaInfo{
			{ID: 1, IP: "127.0.0.1", Port: port1},
			{ID: 2, IP: "127.0.0.1", Port: port2},
		},
		Self: config.SelfInfo{ID: 99, Port: 1},
	}
	cfg.SetDefaults()

	comm := New(cfg, verifier.NewNoop(99))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, comm.Start(ctx))
	defer comm.Stop()

	require.NoError(t, comm.Broadcast(&wire.Request{Type: wire.Type_PrePrepare, Seq: 1}))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for peer to receive broadcast")
		}
	}
}

func TestSendMessageToNodeDropsUnknownNode(t *testing.T) {
	cfg := &config.Config{Replicas: []config.ReplicaInfo{{ID: 1, IP: "127.0.0.1", Port: 1}}, Self: config.SelfInfo{ID: 99, Port: 1}}
	cfg.SetDefaults()
	comm := New(cfg, verifier.NewNoop(99))
	err := comm.SendMessageToNode(&wire.Request{}, 404)
	require.NoError(t, err)
}

func TestSendMessageToNodeDialsKnownClient(t *testing.T) {
	clientLn, clientAddr, _ := listen(t)
	defer clientLn.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := clientLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		received <- frame
	}()

	cfg := &config.Config{Replicas: []config.ReplicaInfo{{ID: 1, IP: "127.0.0.1", Port: 1}}, Self: config.SelfInfo{ID: 99, Port: 1}}
	cfg.SetDefaults()
	comm := New(cfg, verifier.NewNoop(99))
	comm.UpdateClientReplicas(map[uint32]string{7: clientAddr})

	err := comm.SendMessageToNode(&wire.Request{Type: wire.Type_Response, Data: []byte("resp")}, 7)
	require.NoError(t, err)

	select {
	case frame := <-received:
		var env wire.Envelope
		require.NoError(t, wire.Unmarshal(frame, &env))
		var req wire.Request
		require.NoError(t, wire.Unmarshal(env.Data, &req))
		require.Equal(t, "resp", string(req.Data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client to receive message")
	}
}
