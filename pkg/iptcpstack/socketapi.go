package iptcpstack

import (
	"io"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/segment"
	"fishnet-tcp/pkg/socket"

	"github.com/pkg/errors"
)

// Bind files an unbound socket under port.
func (s *Socket) Bind(port int) error {
	if s.state != StateUnbound {
		return errors.Wrapf(ErrInvalidState, "bind in %s", s.state)
	}
	if err := s.stack.table.Assign(port, s); err != nil {
		return err
	}
	s.localPort = port
	s.registered = true
	s.state = StateBound
	s.log = s.log.With().Int("lport", port).Logger()
	return nil
}

// Listen turns a bound socket into a listener holding up to backlog
// handshaked connections. A non-positive backlog uses the configured default.
func (s *Socket) Listen(backlog int) error {
	if s.state != StateBound {
		return errors.Wrapf(ErrInvalidState, "listen in %s", s.state)
	}
	if backlog <= 0 {
		backlog = s.stack.cfg.DefaultBacklog
	}
	s.backlog = socket.NewBacklog[*Socket](backlog)
	s.role = RoleListener
	s.state = StateListen
	s.log.Info().Int("backlog", backlog).Msg("listening")
	return nil
}

// Accept hands out the oldest pending connection, or nil when there is none.
func (s *Socket) Accept() (*Socket, error) {
	if s.role != RoleListener || s.state != StateListen {
		return nil, errors.Wrapf(ErrNotListening, "accept in %s", s.state)
	}
	conn, ok := s.backlog.Poll()
	if !ok {
		return nil, nil
	}
	return conn, nil
}

// Connect starts the handshake from a bound socket. The socket is usable
// once its state reaches Established.
func (s *Socket) Connect(addr ipstack.Addr, port int) error {
	if s.state != StateBound {
		return errors.Wrapf(ErrInvalidState, "connect in %s", s.state)
	}
	if !socket.ValidPort(port) {
		return errors.Wrapf(socket.ErrInvalidPort, "remote port %d", port)
	}
	s.role = RoleActiveClient
	s.remoteAddr = addr
	s.remotePort = port
	s.log = s.log.With().Uint16("raddr", uint16(addr)).Int("rport", port).Logger()
	s.snd = newSender(s, s.stack.isn())
	s.state = StateSynSent
	s.log.Info().Uint32("isn", uint32(s.snd.iss)).Msg("connecting")
	s.snd.send(segment.SYN, nil)
	return nil
}

// Write sends as much of buf as the windows allow, at most one segment's
// worth, and returns how many bytes were taken. Zero means try again later.
func (s *Socket) Write(buf []byte) (int, error) {
	switch s.state {
	case StateEstablished:
	case StateShutdownPending, StateClosed:
		return 0, errors.Wrapf(ErrClosing, "write in %s", s.state)
	default:
		return 0, errors.Wrapf(ErrNotConnected, "write in %s", s.state)
	}
	n := min(len(buf), s.snd.canSendBytes(), s.stack.cfg.MaxPayload)
	if n <= 0 {
		return 0, nil
	}
	payload := make([]byte, n)
	copy(payload, buf)
	s.snd.send(segment.DATA, payload)
	return n, nil
}

// Read copies received bytes into buf without blocking. It returns 0 when
// nothing has arrived yet and io.EOF once the connection is closed and
// everything has been read.
func (s *Socket) Read(buf []byte) (int, error) {
	if s.rcv == nil {
		return 0, errors.Wrapf(ErrNotConnected, "read in %s", s.state)
	}
	n := s.rcv.read(buf)
	if s.state != StateClosed {
		s.checkFin()
	}
	if n == 0 && s.state == StateClosed && s.rcv.buf.IsEmpty() && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Close shuts a connection down gracefully by sending FIN. Sockets that
// never connected are released straight away.
func (s *Socket) Close() error {
	switch s.state {
	case StateEstablished:
		s.snd.send(segment.FIN, nil)
		s.finSent = true
		s.state = StateShutdownPending
		s.log.Info().Msg("FIN sent")
	case StateShutdownPending, StateClosed:
	default:
		s.Release()
	}
	return nil
}

// Release tears the socket down immediately without telling the peer.
// A listener takes its unaccepted connections with it.
func (s *Socket) Release() {
	if s.state == StateClosed {
		return
	}
	if s.backlog != nil {
		for _, pending := range s.backlog.Drain() {
			pending.Release()
		}
	}
	s.log.Info().Stringer("from", s.state).Msg("released")
	s.finish()
	delete(s.stack.Sockets, s.SID)
}

// finish moves the socket to Closed and drops it from the demux table.
func (s *Socket) finish() {
	s.state = StateClosed
	if s.snd != nil {
		s.snd.rtx.stop()
		s.snd.unacked.Clear()
	}
	if s.rcv != nil {
		s.rcv.pending.Clear()
	}
	s.deregister()
	s.stack.metrics.Connections.WithLabelValues("closed").Inc()
}

func (s *Socket) deregister() {
	if !s.registered {
		return
	}
	s.registered = false
	var ok bool
	if s.exact {
		ok = s.stack.table.UnassignRemote(s.remoteAddr, s.remotePort, s.localPort)
	} else {
		ok = s.stack.table.Unassign(s.localPort)
	}
	if !ok {
		s.log.Error().Msg("socket missing from demux table")
	}
}
