package stats

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/stretchr/testify/require"
)

func TestReadyAndPrimary(t *testing.T) {
	var s = New(nil)
	require.False(t, s.IsReady())
	s.SetReady(true)
	require.True(t, s.IsReady())

	s.SetPrimary(3)
	require.EqualValues(t, 3, s.Primary())
}

func TestCountersDoNotPanicWithoutStatsdSink(t *testing.T) {
	var s = New(nil)
	s.IncClientCall()
	s.IncBroadcastMsg()
	s.IncPropose()
	s.IncCommit()
	s.IncExecute()
	s.IncExecuteDone()
	s.IncSeqFail()
	s.ObserveLatencyMs(12.5)
}

func TestStatsdSinkReceivesCounters(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	client, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: conn.LocalAddr().String(),
		Prefix:  "quorum",
	})
	require.NoError(t, err)
	defer client.Close()

	var s = New(client)
	s.IncPropose()
	s.ObserveLatencyMs(3)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var got strings.Builder
	buf := make([]byte, 1024)
	for i := 0; i < 2; i++ {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
		got.WriteByte('\n')
	}
	require.Contains(t, got.String(), "quorum.propose")
	require.Contains(t, got.String(), "quorum.client_latency")
}
