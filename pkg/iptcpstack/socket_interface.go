package iptcpstack

import (
	"fmt"
	"time"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/socket"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Role int

const (
	RoleNone Role = iota
	RoleListener
	RoleActiveClient
	RolePassiveClient
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "NONE"
	case RoleListener:
		return "LISTENER"
	case RoleActiveClient:
		return "ACTIVE"
	case RolePassiveClient:
		return "PASSIVE"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

type SocketStatus int

const (
	StateUnbound SocketStatus = iota
	StateBound
	StateListen
	StateSynSent
	StateEstablished
	StateShutdownPending
	StateClosed
)

func (s SocketStatus) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateBound:
		return "BOUND"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateShutdownPending:
		return "SHUTDOWN_PENDING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("SocketStatus(%d)", int(s))
}

var (
	ErrInvalidState = errors.New("operation not valid in current state")
	ErrNotListening = errors.New("socket is not listening")
	ErrNotConnected = errors.New("socket is not connected")
	ErrClosing      = errors.New("connection is closing")
)

// Socket is one endpoint of the transport: unbound, a listener, or one side
// of a connection. Only the owning stack's event loop may touch it.
type Socket struct {
	stack *TCPStack
	SID   int

	role       Role
	state      SocketStatus
	localPort  int
	remoteAddr ipstack.Addr
	remotePort int

	// registered is true while the demux table holds this socket; exact
	// tells which key it is filed under.
	registered bool
	exact      bool

	backlog *socket.Backlog[*Socket]

	snd *sender
	rcv *receiver

	peerISN     seqnum.Value
	finSent     bool
	finReceived bool
	finSeq      seqnum.Value

	stats Stats
	log   zerolog.Logger
}

// Stats is a snapshot of a socket's counters and windows.
type Stats struct {
	BytesSent        int
	BytesAcked       int
	BytesDelivered   int
	BytesRead        int
	SegmentsSent     int
	SegmentsReceived int
	Retransmits      int
	FastRetransmits  int
	DuplicateAcks    int

	CongestionWindow int
	AdvertisedWindow int
	ReceiveWindow    int
	InFlight         int
	EstimatedRTT     time.Duration
	RTO              time.Duration
}

func (s *Socket) Role() Role               { return s.role }
func (s *Socket) State() SocketStatus      { return s.state }
func (s *Socket) LocalPort() int           { return s.localPort }
func (s *Socket) RemoteAddr() ipstack.Addr { return s.remoteAddr }
func (s *Socket) RemotePort() int          { return s.remotePort }

// Pending is the number of handshaked connections waiting in a listener's backlog.
func (s *Socket) Pending() int {
	if s.backlog == nil {
		return 0
	}
	return s.backlog.Len()
}

// Available is how many bytes Read can return right now.
func (s *Socket) Available() int {
	if s.rcv == nil {
		return 0
	}
	return s.rcv.buf.Length()
}

func (s *Socket) Stats() Stats {
	st := s.stats
	if s.snd != nil {
		st.CongestionWindow = s.snd.cwnd
		st.AdvertisedWindow = s.snd.advWnd
		st.InFlight = s.snd.inFlight()
		st.EstimatedRTT = s.snd.rtx.rtt.estimated
		st.RTO = s.snd.rtx.rtt.timeout
	}
	if s.rcv != nil {
		st.ReceiveWindow = int(s.rcv.window())
	}
	return st
}

func (s *Socket) String() string {
	switch s.role {
	case RoleActiveClient, RolePassiveClient:
		return fmt.Sprintf("%d:%d -> %d:%d %s", s.stack.host.Addr(), s.localPort, s.remoteAddr, s.remotePort, s.state)
	}
	return fmt.Sprintf("%d:%d %s", s.stack.host.Addr(), s.localPort, s.state)
}
