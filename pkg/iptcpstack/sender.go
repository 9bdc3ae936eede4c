package iptcpstack

import (
	"fishnet-tcp/pkg/segment"

	"github.com/google/netstack/tcpip/seqnum"
)

// fastRetransmitThreshold is the duplicate ACK count that triggers a resend
// without waiting for the timer.
const fastRetransmitThreshold = 3

type sender struct {
	sock *Socket
	mss  int

	iss      seqnum.Value
	nextSeq  seqnum.Value
	sendBase seqnum.Value

	cwnd    int
	advWnd  int
	dupAcks int

	unacked *segment.Buffer
	rtx     *retransmitTimer
}

func newSender(sock *Socket, iss seqnum.Value) *sender {
	mss := sock.stack.cfg.MaxPayload
	snd := &sender{
		sock:     sock,
		mss:      mss,
		iss:      iss,
		nextSeq:  iss,
		sendBase: iss,
		cwnd:     mss,
		advWnd:   2 * mss,
		unacked:  segment.NewBuffer(),
	}
	snd.rtx = newRetransmitTimer(snd)
	return snd
}

func (snd *sender) inFlight() int {
	return int(snd.sendBase.Size(snd.nextSeq))
}

func (snd *sender) window() int {
	return min(snd.cwnd, snd.advWnd)
}

// canSendBytes is the room left in the window. With the window used up and
// nothing beyond it outstanding, one byte may still go out so a closed
// window cannot stall the connection.
func (snd *sender) canSendBytes() int {
	w, f := snd.window(), snd.inFlight()
	if f > w {
		return 0
	}
	return max(1, w-f)
}

// send queues a new segment at nextSeq and transmits it. Control segments
// advertise no window; data carries our current receive window.
func (snd *sender) send(kind segment.Kind, payload []byte) *segment.Segment {
	sock := snd.sock
	var wnd uint32
	if kind == segment.DATA && sock.rcv != nil {
		wnd = sock.rcv.window()
	}
	seg := segment.New(kind, uint8(sock.localPort), uint8(sock.remotePort), snd.nextSeq, wnd, payload)
	seg.SentAt = sock.stack.host.Now()
	seg.Transmissions = 1
	snd.unacked.Push(seg)
	snd.nextSeq = seg.End()
	sock.stats.BytesSent += len(payload)

	snd.rtx.backoff = 1
	sock.transmit(seg)
	if !snd.rtx.running {
		snd.rtx.arm()
	}
	return seg
}

func (snd *sender) retransmit(seg *segment.Segment, trigger string) {
	sock := snd.sock
	seg.Transmissions++
	seg.SentAt = sock.stack.host.Now()
	sock.stats.Retransmits++
	sock.stack.metrics.Retransmits.WithLabelValues(trigger).Inc()
	sock.log.Debug().Stringer("seg", seg).Str("trigger", trigger).Int("cwnd", snd.cwnd).Msg("retransmit")
	sock.transmit(seg)
}

func (snd *sender) halveWindow() {
	snd.cwnd = max(snd.cwnd/2, snd.mss)
}

// receivedAck processes a cumulative acknowledgement carried in ack.Seq.
func (snd *sender) receivedAck(ack *segment.Segment) {
	sock := snd.sock
	if snd.nextSeq.LessThan(ack.Seq) {
		sock.stack.metrics.dropped("ack_beyond_sent")
		sock.log.Warn().Uint32("ack", uint32(ack.Seq)).Uint32("next", uint32(snd.nextSeq)).Msg("ACK for data never sent")
		return
	}
	prevWnd := snd.advWnd
	snd.advWnd = int(ack.Window)
	// any valid ACK shows the peer is alive
	snd.rtx.expiries = 0

	if snd.sendBase.LessThan(ack.Seq) {
		snd.sendBase = ack.Seq
		now := sock.stack.host.Now()
		for _, seg := range snd.unacked.PopBefore(ack.Seq) {
			// Karn: a resent segment's ACK is ambiguous, so no sample
			if seg.Transmissions == 1 {
				sample := now.Sub(seg.SentAt)
				snd.rtx.rtt.update(sample)
				sock.stack.metrics.RTTSample.Observe(sample.Seconds())
			}
			if seg.Kind == segment.DATA {
				snd.cwnd += max(1, snd.mss*snd.mss/snd.cwnd)
				sock.stats.BytesAcked += len(seg.Payload)
			}
		}
		snd.dupAcks = 0
		if snd.unacked.Len() > 0 {
			snd.rtx.arm()
		} else {
			snd.rtx.stop()
		}
		return
	}

	// a window update is not a duplicate
	if snd.unacked.Len() == 0 || int(ack.Window) != prevWnd {
		return
	}
	snd.dupAcks++
	sock.stats.DuplicateAcks++
	sock.stack.metrics.DuplicateAcks.Inc()
	// one resend per loss event, the count only restarts on a new ACK
	if snd.dupAcks != fastRetransmitThreshold {
		return
	}
	snd.retransmit(snd.unacked.Peek(), "fast")
	sock.stats.FastRetransmits++
	snd.cwnd = snd.cwnd/2 + fastRetransmitThreshold*snd.mss
	snd.rtx.backoff = 1
}
