// Package ipstack is the datagram layer the transport runs on: addressed,
// unreliable, unordered delivery between virtual nodes plus a timer facility.
package ipstack

import (
	"encoding/binary"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// Addr is a virtual node address.
type Addr uint16

// TransportProtocol tags datagrams carrying transport segments.
const TransportProtocol = uint8(header.TCPProtocolNumber)

const (
	HeaderLen  = 8
	DefaultTTL = 16
	// MaxDatagram bounds what a node reads off its link in one go.
	MaxDatagram = 0xffff + HeaderLen
)

var (
	ErrShortPacket  = errors.New("packet shorter than header")
	ErrBadLength    = errors.New("packet length mismatch")
	ErrNoRoute      = errors.New("no route to host")
	ErrNodeClosed   = errors.New("node closed")
	ErrTTLExhausted = errors.New("ttl exhausted")
)

type Header struct {
	Src      Addr
	Dst      Addr
	Protocol uint8
	TTL      uint8
}

type Packet struct {
	Header Header
	Body   []byte
}

// HandlerFunc receives packets for one protocol. It always runs on the
// owning node's event loop.
type HandlerFunc func(pkt *Packet)

// Host is what a protocol engine needs from the node it runs on.
type Host interface {
	Addr() Addr
	SendDatagram(src, dst Addr, proto uint8, payload []byte) error
	// AddTimer runs fn on the event loop after d. Timers cannot be cancelled.
	AddTimer(d time.Duration, fn func())
	Now() time.Time
}

func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderLen+len(p.Body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.Header.Src))
	binary.BigEndian.PutUint16(buf[2:4], uint16(p.Header.Dst))
	buf[4] = p.Header.Protocol
	buf[5] = p.Header.TTL
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(p.Body)))
	copy(buf[HeaderLen:], p.Body)
	return buf
}

func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, errors.Wrapf(ErrShortPacket, "got %d bytes", len(b))
	}
	n := int(binary.BigEndian.Uint16(b[6:8]))
	if n != len(b)-HeaderLen {
		return nil, errors.Wrapf(ErrBadLength, "header says %d, have %d", n, len(b)-HeaderLen)
	}
	return &Packet{
		Header: Header{
			Src:      Addr(binary.BigEndian.Uint16(b[0:2])),
			Dst:      Addr(binary.BigEndian.Uint16(b[2:4])),
			Protocol: b[4],
			TTL:      b[5],
		},
		Body: append([]byte(nil), b[HeaderLen:]...),
	}, nil
}
