package iptcpstack

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/lnxconfig"
	"fishnet-tcp/pkg/segment"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig() lnxconfig.TCPConfig {
	cfg := lnxconfig.DefaultTCPConfig()
	cfg.MaxPayload = 1000
	cfg.ReadBuffer = 8000
	cfg.InitialRTO = 200 * time.Millisecond
	cfg.TcpRtoMax = 10 * time.Second
	cfg.MaxRetransmits = 0
	return cfg
}

func newTestStack(t *testing.T, sim *ipstack.Sim, addr ipstack.Addr, cfg lnxconfig.TCPConfig) (*TCPStack, *Metrics) {
	t.Helper()
	node := sim.Node(addr)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)
	stack, err := InitializeTCP(node, cfg,
		WithLogger(logger),
		WithRand(rand.New(rand.NewSource(int64(addr)))),
		WithMetrics(metrics))
	require.NoError(t, err)
	node.RegisterHandler(ipstack.TransportProtocol, stack.HandlePacket)
	return stack, metrics
}

// rawPeer speaks segments directly so tests can drive one side by hand.
type rawPeer struct {
	t    *testing.T
	sim  *ipstack.Sim
	node *ipstack.SimNode
	got  []*segment.Segment
}

func newRawPeer(t *testing.T, sim *ipstack.Sim, addr ipstack.Addr) *rawPeer {
	p := &rawPeer{t: t, sim: sim, node: sim.Node(addr)}
	p.node.RegisterHandler(ipstack.TransportProtocol, func(pkt *ipstack.Packet) {
		seg, err := segment.Unmarshal(pkt.Body)
		require.NoError(t, err)
		p.got = append(p.got, seg)
	})
	return p
}

func (p *rawPeer) send(dst ipstack.Addr, seg *segment.Segment) {
	require.NoError(p.t, p.node.SendDatagram(p.node.Addr(), dst, ipstack.TransportProtocol, seg.Marshal()))
}

// take returns and forgets everything received so far.
func (p *rawPeer) take() []*segment.Segment {
	out := p.got
	p.got = nil
	return out
}

func (p *rawPeer) ofKind(kind segment.Kind) []*segment.Segment {
	var out []*segment.Segment
	for _, seg := range p.got {
		if seg.Kind == kind {
			out = append(out, seg)
		}
	}
	return out
}

// connectToRaw connects a fresh socket on stack to the raw peer and
// completes the handshake by hand. It returns the socket and the sequence
// number its first data byte will carry.
func connectToRaw(t *testing.T, sim *ipstack.Sim, stack *TCPStack, peer *rawPeer, window uint32) (*Socket, seqnum.Value) {
	t.Helper()
	sock := stack.Socket()
	require.NoError(t, sock.Bind(100))
	require.NoError(t, sock.Connect(peer.node.Addr(), 80))
	sim.RunFor(15 * time.Millisecond)

	syns := peer.ofKind(segment.SYN)
	require.Len(t, syns, 1)
	peer.take()
	isn := make([]byte, 4)
	binary.BigEndian.PutUint32(isn, 5000)
	peer.send(stack.Addr(), segment.New(segment.ACK, 80, 100, syns[0].Seq.Add(1), window, isn))
	sim.RunFor(15 * time.Millisecond)
	require.Equal(t, StateEstablished, sock.State())
	return sock, syns[0].Seq.Add(1)
}

// openToRaw has the raw peer connect to a listener on stack port 80 and
// returns the accepted socket plus the listener.
func openToRaw(t *testing.T, sim *ipstack.Sim, stack *TCPStack, peer *rawPeer, peerISN seqnum.Value) (*Socket, *Socket) {
	t.Helper()
	listener := stack.Socket()
	require.NoError(t, listener.Bind(80))
	require.NoError(t, listener.Listen(4))

	peer.send(stack.Addr(), segment.New(segment.SYN, 100, 80, peerISN, 0, nil))
	sim.RunFor(25 * time.Millisecond)
	acks := peer.ofKind(segment.ACK)
	require.Len(t, acks, 1)
	require.Equal(t, peerISN.Add(1), acks[0].Seq)
	require.Len(t, acks[0].Payload, 4)
	peer.take()

	conn, err := listener.Accept()
	require.NoError(t, err)
	require.NotNil(t, conn)
	return conn, listener
}

func dataSeg(seq seqnum.Value, payload string) *segment.Segment {
	return segment.New(segment.DATA, 100, 80, seq, 0, []byte(payload))
}

func readAll(t *testing.T, sock *Socket) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 512)
	for {
		n, err := sock.Read(buf)
		if n == 0 || err != nil {
			return out
		}
		out = append(out, buf[:n]...)
	}
}
