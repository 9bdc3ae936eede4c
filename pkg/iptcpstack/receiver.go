package iptcpstack

import (
	"fishnet-tcp/pkg/segment"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/smallnest/ringbuffer"
)

type receiver struct {
	sock         *Socket
	nextExpected seqnum.Value
	// pending holds segments that arrived ahead of nextExpected or that did
	// not fit in buf yet.
	pending *segment.Buffer
	limit   int
	buf     *ringbuffer.RingBuffer
}

func newReceiver(sock *Socket, irs seqnum.Value) *receiver {
	cfg := sock.stack.cfg
	return &receiver{
		sock:         sock,
		nextExpected: irs,
		pending:      segment.NewBuffer(),
		limit:        cfg.OutOfOrderLimit,
		buf:          ringbuffer.New(cfg.ReadBuffer),
	}
}

// window is the free space in the read buffer, advertised to the peer.
func (r *receiver) window() uint32 {
	return uint32(r.buf.Free())
}

func (r *receiver) receiveData(seg *segment.Segment) {
	sock := r.sock
	switch {
	case seg.Seq == r.nextExpected:
		r.pending.Push(seg)
		r.reassemble()
	case r.nextExpected.LessThan(seg.Seq):
		if r.pending.Len() >= r.limit && r.pending.Get(seg.Seq) == nil {
			sock.stack.metrics.dropped("reassembly_full")
			sock.log.Debug().Stringer("seg", seg).Msg("reassembly queue full, dropping")
			break
		}
		r.pending.Push(seg)
	default:
		sock.stack.metrics.dropped("duplicate")
		sock.log.Debug().Stringer("seg", seg).Uint32("expected", uint32(r.nextExpected)).Msg("old segment")
	}
	r.sendAck()
}

// reassemble moves contiguous segments into the read buffer until a gap or
// a full buffer stops it. It returns the number of bytes delivered.
func (r *receiver) reassemble() int {
	delivered := 0
	for {
		seg := r.pending.Peek()
		if seg == nil {
			break
		}
		if seg.Seq.LessThan(r.nextExpected) {
			r.pending.Pop()
			continue
		}
		if seg.Seq != r.nextExpected || r.buf.Free() < len(seg.Payload) {
			break
		}
		r.pending.Pop()
		if len(seg.Payload) > 0 {
			if _, err := r.buf.Write(seg.Payload); err != nil {
				// Free was checked, so this is a bug in the buffer bookkeeping
				r.sock.log.Error().Err(err).Msg("read buffer write failed")
				r.pending.Push(seg)
				break
			}
		}
		r.nextExpected = seg.End()
		delivered += len(seg.Payload)
	}
	r.sock.stats.BytesDelivered += delivered
	return delivered
}

func (r *receiver) sendAck() {
	sock := r.sock
	sock.transmit(segment.New(segment.ACK, uint8(sock.localPort), uint8(sock.remotePort), r.nextExpected, r.window(), nil))
}

// read copies buffered bytes into p without blocking, then lets held
// segments into the space it freed. A read that reopens a closed window
// tells the peer, which otherwise waits for its next retransmission.
func (r *receiver) read(p []byte) int {
	if len(p) == 0 || r.buf.IsEmpty() {
		return 0
	}
	closed := r.window() == 0
	n, err := r.buf.Read(p)
	if err != nil {
		return 0
	}
	r.sock.stats.BytesRead += n
	r.reassemble()
	if closed && r.window() > 0 && r.sock.state != StateClosed {
		r.sendAck()
	}
	return n
}
