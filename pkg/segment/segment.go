package segment

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// Kind is the segment type tag carried on the wire.
type Kind uint8

const (
	SYN  Kind = 1
	ACK  Kind = 2
	DATA Kind = 3
	FIN  Kind = 4
)

func (k Kind) String() string {
	switch k {
	case SYN:
		return "SYN"
	case ACK:
		return "ACK"
	case DATA:
		return "DATA"
	case FIN:
		return "FIN"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) valid() bool {
	return k >= SYN && k <= FIN
}

const (
	// HeaderLen is srcPort(1) dstPort(1) kind(1) window(4) seq(4).
	HeaderLen = 11
	// MaxPayloadLimit bounds what the decoder accepts, independent of the
	// configured payload size.
	MaxPayloadLimit = 65000
)

var (
	ErrShortSegment   = errors.New("segment shorter than header")
	ErrUnknownKind    = errors.New("unknown segment kind")
	ErrPayloadTooLong = errors.New("segment payload too long")
)

// Segment is the unit exchanged between two transport endpoints.
// SentAt and Transmissions are sender bookkeeping and never go on the wire.
type Segment struct {
	SrcPort uint8
	DstPort uint8
	Kind    Kind
	Window  uint32
	Seq     seqnum.Value
	Payload []byte

	SentAt        time.Time
	Transmissions int
}

func New(kind Kind, srcPort, dstPort uint8, seq seqnum.Value, window uint32, payload []byte) *Segment {
	return &Segment{
		SrcPort: srcPort,
		DstPort: dstPort,
		Kind:    kind,
		Window:  window,
		Seq:     seq,
		Payload: payload,
	}
}

// Len is the amount of sequence space the segment occupies.
func (s *Segment) Len() seqnum.Size {
	switch s.Kind {
	case SYN, FIN:
		return 1
	case DATA:
		return seqnum.Size(len(s.Payload))
	}
	return 0
}

// End is the first sequence number after the segment.
func (s *Segment) End() seqnum.Value {
	return s.Seq.Add(s.Len())
}

// IsAdjacentTo reports whether other ends exactly where s begins.
func (s *Segment) IsAdjacentTo(other *Segment) bool {
	return other.Seq.Add(seqnum.Size(len(other.Payload))) == s.Seq
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s %d->%d seq=%d wnd=%d len=%d", s.Kind, s.SrcPort, s.DstPort, s.Seq, s.Window, len(s.Payload))
}

// Marshal packs the header and payload into a fresh byte slice.
func (s *Segment) Marshal() []byte {
	buf := make([]byte, HeaderLen+len(s.Payload))
	buf[0] = s.SrcPort
	buf[1] = s.DstPort
	buf[2] = byte(s.Kind)
	binary.BigEndian.PutUint32(buf[3:7], s.Window)
	binary.BigEndian.PutUint32(buf[7:11], uint32(s.Seq))
	copy(buf[HeaderLen:], s.Payload)
	return buf
}

// Unmarshal decodes a datagram body. The payload is copied so the caller
// may reuse b.
func Unmarshal(b []byte) (*Segment, error) {
	if len(b) < HeaderLen {
		return nil, errors.Wrapf(ErrShortSegment, "got %d bytes", len(b))
	}
	kind := Kind(b[2])
	if !kind.valid() {
		return nil, errors.Wrapf(ErrUnknownKind, "tag %d", b[2])
	}
	if len(b)-HeaderLen > MaxPayloadLimit {
		return nil, errors.Wrapf(ErrPayloadTooLong, "%d bytes", len(b)-HeaderLen)
	}
	seg := &Segment{
		SrcPort: b[0],
		DstPort: b[1],
		Kind:    kind,
		Window:  binary.BigEndian.Uint32(b[3:7]),
		Seq:     seqnum.Value(binary.BigEndian.Uint32(b[7:11])),
	}
	if len(b) > HeaderLen {
		seg.Payload = append([]byte(nil), b[HeaderLen:]...)
	}
	return seg, nil
}
