package iptcpstack

import (
	"encoding/binary"
	"math/rand"
	"sort"
	"time"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/lnxconfig"
	"fishnet-tcp/pkg/segment"
	"fishnet-tcp/pkg/socket"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// TCPStack is the transport engine of one node. It owns every socket on
// the node and is driven from two places: HandlePacket for inbound
// datagrams and the retransmission timers it schedules on the host.
// Neither it nor its sockets lock; the host must serialize all calls.
type TCPStack struct {
	host    ipstack.Host
	cfg     lnxconfig.TCPConfig
	table   *socket.Table[*Socket]
	ports   *socket.PortAllocator
	Sockets map[int]*Socket
	nextSID int
	rng     *rand.Rand
	metrics *Metrics
	log     zerolog.Logger
}

type Option func(*TCPStack)

func WithLogger(l zerolog.Logger) Option {
	return func(s *TCPStack) { s.log = l }
}

// WithRand fixes the source of initial sequence numbers and ephemeral ports.
func WithRand(r *rand.Rand) Option {
	return func(s *TCPStack) { s.rng = r }
}

func WithMetrics(m *Metrics) Option {
	return func(s *TCPStack) { s.metrics = m }
}

func InitializeTCP(host ipstack.Host, cfg lnxconfig.TCPConfig, opts ...Option) (*TCPStack, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "tcp config")
	}
	s := &TCPStack{
		host:    host,
		cfg:     cfg,
		table:   socket.NewTable[*Socket](),
		Sockets: make(map[int]*Socket),
		nextSID: 1,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, errors.Wrap(err, "metrics")
		}
		s.metrics = m
	}
	s.ports = socket.NewPortAllocator(s.rng)
	s.log = s.log.With().Uint16("addr", uint16(host.Addr())).Logger()
	return s, nil
}

func (stack *TCPStack) Config() lnxconfig.TCPConfig { return stack.cfg }

func (stack *TCPStack) Addr() ipstack.Addr { return stack.host.Addr() }

// Socket creates a new unbound socket.
func (stack *TCPStack) Socket() *Socket {
	sock := &Socket{
		stack: stack,
		SID:   stack.nextSID,
		state: StateUnbound,
	}
	sock.log = stack.log.With().Int("sid", sock.SID).Logger()
	stack.Sockets[sock.SID] = sock
	stack.nextSID++
	return sock
}

// List returns live sockets ordered by id. Closed sockets stay listed
// until their received data has been read.
func (stack *TCPStack) List() []*Socket {
	out := make([]*Socket, 0, len(stack.Sockets))
	for sid, sock := range stack.Sockets {
		if sock.state == StateClosed && sock.Available() == 0 {
			delete(stack.Sockets, sid)
			continue
		}
		out = append(out, sock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// AllocPort picks an unused ephemeral port.
func (stack *TCPStack) AllocPort() (int, error) {
	return stack.ports.Alloc(stack.table.IsPortAvailable)
}

func (stack *TCPStack) isn() seqnum.Value {
	return seqnum.Value(stack.rng.Intn(1 << 16))
}

// HandlePacket is the ipstack handler for transport datagrams.
func (stack *TCPStack) HandlePacket(pkt *ipstack.Packet) {
	if pkt.Header.Dst != stack.host.Addr() {
		stack.metrics.dropped("not_local")
		stack.log.Debug().Uint16("dst", uint16(pkt.Header.Dst)).Msg("segment not addressed to this node")
		return
	}
	seg, err := segment.Unmarshal(pkt.Body)
	if err != nil {
		stack.metrics.dropped("malformed")
		stack.log.Warn().Err(err).Uint16("src", uint16(pkt.Header.Src)).Msg("dropping malformed segment")
		return
	}
	stack.metrics.SegmentsReceived.WithLabelValues(seg.Kind.String()).Inc()
	sock, ok := stack.table.Find(pkt.Header.Src, int(seg.SrcPort), int(seg.DstPort))
	if !ok {
		stack.metrics.dropped("no_socket")
		stack.log.Debug().Stringer("seg", seg).Uint16("src", uint16(pkt.Header.Src)).Msg("no socket for segment")
		return
	}
	sock.stats.SegmentsReceived++
	sock.receive(pkt.Header.Src, seg)
}

func (s *Socket) receive(src ipstack.Addr, seg *segment.Segment) {
	switch s.state {
	case StateListen:
		if seg.Kind == segment.SYN {
			s.handleSynReceived(src, seg)
			return
		}
	case StateSynSent:
		if s.fromPeer(src, seg) && seg.Kind == segment.ACK {
			s.handleSynAckReceived(seg)
			return
		}
	case StateEstablished, StateShutdownPending:
		if !s.fromPeer(src, seg) {
			break
		}
		switch seg.Kind {
		case segment.SYN:
			s.handleDuplicateSyn(seg)
		case segment.ACK:
			s.handleAckReceived(seg)
		case segment.DATA:
			s.handleData(seg)
		case segment.FIN:
			s.handleFinReceived(seg)
		}
		return
	}
	s.stack.metrics.dropped("unexpected")
	s.log.Debug().Stringer("seg", seg).Stringer("state", s.state).Msg("ignoring segment")
}

func (s *Socket) fromPeer(src ipstack.Addr, seg *segment.Segment) bool {
	return src == s.remoteAddr && int(seg.SrcPort) == s.remotePort
}

func (s *Socket) handleSynReceived(src ipstack.Addr, seg *segment.Segment) {
	if s.backlog.Len() >= s.backlog.Limit() {
		s.stack.metrics.dropped("backlog_full")
		s.log.Warn().Uint16("raddr", uint16(src)).Uint8("rport", seg.SrcPort).Msg("backlog full, dropping SYN")
		return
	}
	stack := s.stack
	child := stack.Socket()
	child.role = RolePassiveClient
	child.localPort = s.localPort
	child.remoteAddr = src
	child.remotePort = int(seg.SrcPort)
	if err := stack.table.AssignRemote(src, child.remotePort, child.localPort, child); err != nil {
		delete(stack.Sockets, child.SID)
		s.log.Warn().Err(err).Msg("cannot register connection")
		return
	}
	child.registered, child.exact = true, true
	child.log = child.log.With().Int("lport", child.localPort).Uint16("raddr", uint16(src)).Int("rport", child.remotePort).Logger()
	child.peerISN = seg.Seq
	child.snd = newSender(child, stack.isn())
	if seg.Window > 0 {
		child.snd.advWnd = int(seg.Window)
	}
	child.rcv = newReceiver(child, seg.Seq.Add(1))
	child.state = StateEstablished
	// cannot fail, the limit was checked above
	s.backlog.Offer(child)

	stack.metrics.Connections.WithLabelValues("accepted").Inc()
	child.log.Info().Uint32("isn", uint32(child.snd.iss)).Msg("connection established")
	child.sendHandshakeAck()
}

// sendHandshakeAck acknowledges the peer's SYN and tells it our own initial
// sequence number in the payload.
func (s *Socket) sendHandshakeAck() {
	isn := make([]byte, 4)
	binary.BigEndian.PutUint32(isn, uint32(s.snd.iss))
	s.transmit(segment.New(segment.ACK, uint8(s.localPort), uint8(s.remotePort), s.peerISN.Add(1), s.rcv.window(), isn))
}

func (s *Socket) handleDuplicateSyn(seg *segment.Segment) {
	if s.role != RolePassiveClient || seg.Seq != s.peerISN {
		s.log.Debug().Stringer("seg", seg).Msg("ignoring SYN on established connection")
		return
	}
	s.log.Debug().Msg("SYN retransmitted by peer, resending handshake ACK")
	s.sendHandshakeAck()
}

func (s *Socket) handleSynAckReceived(seg *segment.Segment) {
	if seg.Seq != s.snd.nextSeq {
		s.stack.metrics.dropped("bad_handshake")
		s.log.Warn().Uint32("got", uint32(seg.Seq)).Uint32("want", uint32(s.snd.nextSeq)).Msg("handshake ACK does not match SYN")
		return
	}
	if len(seg.Payload) < 4 {
		s.stack.metrics.dropped("bad_handshake")
		s.log.Warn().Int("len", len(seg.Payload)).Msg("handshake ACK without initial sequence number")
		return
	}
	s.snd.receivedAck(seg)
	s.peerISN = seqnum.Value(binary.BigEndian.Uint32(seg.Payload))
	s.rcv = newReceiver(s, s.peerISN)
	s.state = StateEstablished
	s.stack.metrics.Connections.WithLabelValues("connected").Inc()
	s.log.Info().Msg("connection established")
}

func (s *Socket) handleAckReceived(seg *segment.Segment) {
	if len(seg.Payload) > 0 {
		// a repeated handshake ACK, the connection is already up
		return
	}
	s.snd.receivedAck(seg)
	if s.finSent && s.snd.unacked.Len() == 0 {
		s.log.Info().Msg("FIN acknowledged")
		s.finish()
	}
}

func (s *Socket) handleData(seg *segment.Segment) {
	s.rcv.receiveData(seg)
	s.checkFin()
}

func (s *Socket) handleFinReceived(seg *segment.Segment) {
	if !s.finReceived {
		s.finReceived = true
		s.finSeq = seg.Seq
		s.log.Info().Uint32("seq", uint32(seg.Seq)).Msg("FIN received")
	} else if seg.Seq != s.finSeq {
		s.log.Warn().Uint32("seq", uint32(seg.Seq)).Uint32("fin", uint32(s.finSeq)).Msg("ignoring FIN with a different sequence number")
		return
	}
	s.state = StateShutdownPending
	if !s.checkFin() {
		// data before the FIN is still missing, repeat the cumulative ACK
		s.rcv.sendAck()
	}
}

// checkFin acknowledges the peer's FIN once everything before it has been
// delivered, and closes the connection.
func (s *Socket) checkFin() bool {
	if !s.finReceived || s.state == StateClosed || s.rcv.nextExpected != s.finSeq {
		return false
	}
	s.rcv.nextExpected = s.finSeq.Add(1)
	s.rcv.sendAck()
	s.finish()
	return true
}

func (s *Socket) transmit(seg *segment.Segment) {
	stack := s.stack
	s.stats.SegmentsSent++
	stack.metrics.SegmentsSent.WithLabelValues(seg.Kind.String()).Inc()
	s.log.Debug().Stringer("seg", seg).Msg("send")
	err := stack.host.SendDatagram(stack.host.Addr(), s.remoteAddr, ipstack.TransportProtocol, seg.Marshal())
	if err != nil {
		s.log.Error().Err(err).Stringer("seg", seg).Msg("datagram layer refused segment")
	}
}
