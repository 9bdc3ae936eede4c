package ipstack

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type NodeConfig struct {
	Addr Addr
	// Bind is the local UDP address acting as the node's link.
	Bind string
	// Neighbors are reached directly over UDP.
	Neighbors map[Addr]string
	// Gateway receives everything without a neighbor entry, typically a hub.
	Gateway string
}

// Node is a virtual host on a UDP link. Inbound packets, timer callbacks
// and Do submissions all run one at a time on a single event loop, so
// handlers never need locks.
type Node struct {
	addr      Addr
	conn      *net.UDPConn
	neighbors map[Addr]*net.UDPAddr
	gateway   *net.UDPAddr
	handlers  map[uint8]HandlerFunc

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	log       zerolog.Logger
}

func NewNode(cfg NodeConfig, logger zerolog.Logger) (*Node, error) {
	bind, err := net.ResolveUDPAddr("udp4", cfg.Bind)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve bind address %q", cfg.Bind)
	}
	n := &Node{
		addr:      cfg.Addr,
		neighbors: make(map[Addr]*net.UDPAddr),
		handlers:  make(map[uint8]HandlerFunc),
		events:    make(chan func(), 256),
		done:      make(chan struct{}),
		log:       logger.With().Uint16("node", uint16(cfg.Addr)).Logger(),
	}
	for addr, udp := range cfg.Neighbors {
		ua, err := net.ResolveUDPAddr("udp4", udp)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve neighbor %d at %q", addr, udp)
		}
		n.neighbors[addr] = ua
	}
	if cfg.Gateway != "" {
		if n.gateway, err = net.ResolveUDPAddr("udp4", cfg.Gateway); err != nil {
			return nil, errors.Wrapf(err, "resolve gateway %q", cfg.Gateway)
		}
	}
	if n.conn, err = net.ListenUDP("udp4", bind); err != nil {
		return nil, errors.Wrapf(err, "listen on %s", bind)
	}
	return n, nil
}

func (n *Node) Addr() Addr { return n.addr }

func (n *Node) Now() time.Time { return time.Now() }

// LocalUDPAddr is the bound link address, useful when Bind used port 0.
func (n *Node) LocalUDPAddr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// AddNeighbor records a direct UDP route. Call it before Start.
func (n *Node) AddNeighbor(addr Addr, udp *net.UDPAddr) {
	n.neighbors[addr] = udp
}

// RegisterHandler installs the handler for a protocol tag. Call it before Start.
func (n *Node) RegisterHandler(proto uint8, h HandlerFunc) {
	n.handlers[proto] = h
}

func (n *Node) Start(ctx context.Context) {
	n.wg.Add(2)
	go n.readLoop()
	go n.eventLoop(ctx)
}

func (n *Node) eventLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			n.Close()
			return
		case <-n.done:
			return
		case fn := <-n.events:
			fn()
		}
	}
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, MaxDatagram)
	for {
		sz, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.done:
			default:
				n.log.Error().Err(err).Msg("link read failed")
			}
			return
		}
		pkt, err := ParsePacket(buf[:sz])
		if err != nil {
			n.log.Warn().Err(err).Str("from", from.String()).Msg("dropping malformed packet")
			continue
		}
		n.post(func() { n.deliver(pkt) })
	}
}

func (n *Node) deliver(pkt *Packet) {
	if pkt.Header.Dst != n.addr {
		n.log.Debug().Uint16("dst", uint16(pkt.Header.Dst)).Msg("packet not for us")
		return
	}
	h, ok := n.handlers[pkt.Header.Protocol]
	if !ok {
		n.log.Debug().Uint8("proto", pkt.Header.Protocol).Msg("no handler for protocol")
		return
	}
	h(pkt)
}

func (n *Node) post(fn func()) bool {
	select {
	case <-n.done:
		return false
	default:
	}
	select {
	case n.events <- fn:
		return true
	case <-n.done:
		return false
	}
}

// Do runs fn on the event loop and waits for it. It must not be called
// from the event loop itself.
func (n *Node) Do(fn func()) error {
	finished := make(chan struct{})
	if !n.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrNodeClosed
	}
	select {
	case <-finished:
		return nil
	case <-n.done:
		return ErrNodeClosed
	}
}

func (n *Node) AddTimer(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { n.post(fn) })
}

func (n *Node) SendDatagram(src, dst Addr, proto uint8, payload []byte) error {
	pkt := &Packet{
		Header: Header{Src: src, Dst: dst, Protocol: proto, TTL: DefaultTTL},
		Body:   append([]byte(nil), payload...),
	}
	if dst == n.addr {
		go n.post(func() { n.deliver(pkt) })
		return nil
	}
	next, ok := n.neighbors[dst]
	if !ok {
		next = n.gateway
	}
	if next == nil {
		return errors.Wrapf(ErrNoRoute, "%d", dst)
	}
	if _, err := n.conn.WriteToUDP(pkt.Marshal(), next); err != nil {
		return errors.Wrapf(err, "send to %d via %s", dst, next)
	}
	return nil
}

// Close stops both loops and releases the UDP socket.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.conn.Close()
	})
	return err
}

// Wait blocks until the node's loops have exited.
func (n *Node) Wait() {
	n.wg.Wait()
}
