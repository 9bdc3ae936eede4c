package iptcpstack

import (
	"bytes"
	"io"
	"testing"
	"time"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/lnxconfig"
	"fishnet-tcp/pkg/segment"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%26)
	}
	return out
}

// transfer pushes data from client to server through the simulator,
// reading on the server side as it goes, then closes the client.
func transfer(t *testing.T, sim *ipstack.Sim, client, server *TCPStack, data []byte) (*Socket, *Socket, []byte) {
	t.Helper()
	listener := server.Socket()
	require.NoError(t, listener.Bind(80))
	require.NoError(t, listener.Listen(4))

	cli := client.Socket()
	require.NoError(t, cli.Bind(100))
	require.NoError(t, cli.Connect(server.Addr(), 80))
	require.True(t, sim.RunUntil(func() bool { return cli.State() == StateEstablished }, time.Hour))

	var conn *Socket
	require.True(t, sim.RunUntil(func() bool {
		var err error
		conn, err = listener.Accept()
		require.NoError(t, err)
		return conn != nil
	}, time.Hour))

	var got []byte
	buf := make([]byte, 700)
	drain := func() {
		for {
			n, err := conn.Read(buf)
			require.NoError(t, err)
			if n == 0 {
				return
			}
			got = append(got, buf[:n]...)
		}
	}

	written := 0
	for written < len(data) {
		n, err := cli.Write(data[written:])
		require.NoError(t, err)
		if n > 0 {
			st := cli.Stats()
			require.LessOrEqual(t, st.InFlight, min(st.CongestionWindow, st.AdvertisedWindow)+1)
		}
		written += n
		drain()
		if n == 0 {
			sim.RunFor(5 * time.Millisecond)
		}
	}
	require.True(t, sim.RunUntil(func() bool {
		drain()
		return cli.Stats().InFlight == 0 && len(got) == len(data)
	}, time.Hour))

	require.NoError(t, cli.Close())
	require.Equal(t, StateShutdownPending, cli.State())
	require.True(t, sim.RunUntil(func() bool {
		drain()
		return cli.State() == StateClosed && conn.State() == StateClosed
	}, 24*time.Hour))
	drain()
	return cli, conn, got
}

func TestEndToEnd(t *testing.T) {
	sim := ipstack.NewSim(1)
	client, _ := newTestStack(t, sim, 1, testConfig())
	server, _ := newTestStack(t, sim, 2, testConfig())

	data := pattern(3000)
	cli, conn, got := transfer(t, sim, client, server, data)
	require.Equal(t, data, got)
	require.Equal(t, 3000, cli.Stats().BytesAcked)
	require.Equal(t, 3000, conn.Stats().BytesDelivered)

	n, err := conn.Read(make([]byte, 10))
	require.Zero(t, n)
	require.Equal(t, io.EOF, err)

	// both ends are out of the demux table, the listener still owns port 80
	require.True(t, client.table.IsPortAvailable(100))
	require.Equal(t, 1, server.table.Len())
}

func TestEndToEndLossy(t *testing.T) {
	sim := ipstack.NewSim(7)
	sim.Loss = 0.1
	sim.Jitter = 8 * time.Millisecond
	cfg := testConfig()
	cfg.ReadBuffer = 3000
	// a lost ACK of the final FIN leaves the client retrying until it gives up
	cfg.MaxRetransmits = 8
	client, cm := newTestStack(t, sim, 1, cfg)
	server, _ := newTestStack(t, sim, 2, cfg)

	data := pattern(40000)
	_, _, got := transfer(t, sim, client, server, data)
	require.True(t, bytes.Equal(data, got), "stream corrupted: got %d bytes", len(got))
	require.Positive(t, sim.Dropped)
	require.Positive(t, testutil.ToFloat64(cm.Retransmits.WithLabelValues("timeout"))+
		testutil.ToFloat64(cm.Retransmits.WithLabelValues("fast")))
}

func TestBidirectional(t *testing.T) {
	sim := ipstack.NewSim(3)
	client, _ := newTestStack(t, sim, 1, testConfig())
	server, _ := newTestStack(t, sim, 2, testConfig())

	listener := server.Socket()
	require.NoError(t, listener.Bind(80))
	require.NoError(t, listener.Listen(0))
	require.Equal(t, testConfig().DefaultBacklog, listener.backlog.Limit())

	cli := client.Socket()
	require.NoError(t, cli.Bind(100))
	require.NoError(t, cli.Connect(2, 80))
	sim.RunFor(time.Second)
	conn, err := listener.Accept()
	require.NoError(t, err)
	require.NotNil(t, conn)

	n, err := conn.Write([]byte("from server"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	n, err = cli.Write([]byte("from client"))
	require.NoError(t, err)
	require.Equal(t, 11, n)
	sim.RunFor(time.Second)

	require.Equal(t, "from server", string(readAll(t, cli)))
	require.Equal(t, "from client", string(readAll(t, conn)))
}

func TestDroppedHandshakeAckAnsweredAgain(t *testing.T) {
	sim := ipstack.NewSim(1)
	client, _ := newTestStack(t, sim, 1, testConfig())
	server, sm := newTestStack(t, sim, 2, testConfig())

	dropped := false
	sim.Filter = func(pkt *ipstack.Packet) bool {
		seg, err := segment.Unmarshal(pkt.Body)
		require.NoError(t, err)
		if !dropped && pkt.Header.Src == 2 && seg.Kind == segment.ACK {
			dropped = true
			return false
		}
		return true
	}

	listener := server.Socket()
	require.NoError(t, listener.Bind(80))
	require.NoError(t, listener.Listen(4))
	cli := client.Socket()
	require.NoError(t, cli.Bind(100))
	require.NoError(t, cli.Connect(2, 80))

	sim.RunFor(100 * time.Millisecond)
	require.True(t, dropped)
	require.Equal(t, StateSynSent, cli.State())
	require.Equal(t, 1, listener.Pending())

	// the SYN timer fires and the passive side repeats its ACK
	sim.RunFor(time.Second)
	require.Equal(t, StateEstablished, cli.State())
	require.Equal(t, 1, listener.Pending())
	require.Equal(t, 2.0, testutil.ToFloat64(sm.SegmentsReceived.WithLabelValues("SYN")))
	require.Equal(t, 2.0, testutil.ToFloat64(sm.SegmentsSent.WithLabelValues("ACK")))
}

func TestBacklogFullDropsSyn(t *testing.T) {
	sim := ipstack.NewSim(1)
	server, sm := newTestStack(t, sim, 2, testConfig())
	peer := newRawPeer(t, sim, 9)

	listener := server.Socket()
	require.NoError(t, listener.Bind(80))
	require.NoError(t, listener.Listen(2))

	for port := uint8(10); port < 13; port++ {
		peer.send(2, segment.New(segment.SYN, port, 80, 1000, 0, nil))
	}
	sim.RunFor(time.Second)
	require.Len(t, peer.ofKind(segment.ACK), 2)
	require.Equal(t, 2, listener.Pending())
	require.Equal(t, 1.0, testutil.ToFloat64(sm.SegmentsDropped.WithLabelValues("backlog_full")))

	first, err := listener.Accept()
	require.NoError(t, err)
	require.Equal(t, 10, first.RemotePort())
	require.Equal(t, RolePassiveClient, first.Role())

	// a slot is free again so the retried SYN gets in
	peer.take()
	peer.send(2, segment.New(segment.SYN, 12, 80, 1000, 0, nil))
	sim.RunFor(time.Second)
	require.Len(t, peer.ofKind(segment.ACK), 1)
	require.Equal(t, 2, listener.Pending())
}

func TestHandlePacketDrops(t *testing.T) {
	sim := ipstack.NewSim(1)
	stack, m := newTestStack(t, sim, 2, testConfig())

	stack.HandlePacket(&ipstack.Packet{Header: ipstack.Header{Src: 1, Dst: 3}, Body: segment.New(segment.SYN, 1, 80, 0, 0, nil).Marshal()})
	stack.HandlePacket(&ipstack.Packet{Header: ipstack.Header{Src: 1, Dst: 2}, Body: []byte{1, 2}})
	stack.HandlePacket(&ipstack.Packet{Header: ipstack.Header{Src: 1, Dst: 2}, Body: segment.New(segment.SYN, 1, 80, 0, 0, nil).Marshal()})

	require.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsDropped.WithLabelValues("not_local")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsDropped.WithLabelValues("malformed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsDropped.WithLabelValues("no_socket")))

	// a bound socket that is not listening ignores SYNs
	sock := stack.Socket()
	require.NoError(t, sock.Bind(80))
	stack.HandlePacket(&ipstack.Packet{Header: ipstack.Header{Src: 1, Dst: 2}, Body: segment.New(segment.SYN, 1, 80, 0, 0, nil).Marshal()})
	require.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsDropped.WithLabelValues("unexpected")))
	require.Equal(t, StateBound, sock.State())
}

func TestListAndAllocPort(t *testing.T) {
	sim := ipstack.NewSim(1)
	stack, _ := newTestStack(t, sim, 1, testConfig())

	a := stack.Socket()
	b := stack.Socket()
	port, err := stack.AllocPort()
	require.NoError(t, err)
	require.NoError(t, a.Bind(port))
	require.Equal(t, []*Socket{a, b}, stack.List())

	b.Release()
	require.Equal(t, []*Socket{a}, stack.List())
	a.Release()
	require.Empty(t, stack.List())
	require.True(t, stack.table.IsPortAvailable(port))
}

func TestInitializeRejectsBadConfig(t *testing.T) {
	cfg := lnxconfig.TCPConfig{MaxPayload: 100, ReadBuffer: 10}
	_, err := InitializeTCP(ipstack.NewSim(1).Node(1), cfg)
	require.Error(t, err)
}

func TestInitializeWithoutMetrics(t *testing.T) {
	sim := ipstack.NewSim(1)
	node := sim.Node(2)
	stack, err := InitializeTCP(node, testConfig())
	require.NoError(t, err)
	require.NotNil(t, stack.metrics)

	stack.HandlePacket(&ipstack.Packet{Header: ipstack.Header{Src: 1, Dst: 2}, Body: []byte{1}})
	require.Equal(t, 1.0, testutil.ToFloat64(stack.metrics.SegmentsDropped.WithLabelValues("malformed")))
}
