package iptcpstack

import "time"

// maxBackoff caps the exponential backoff multiplier.
const maxBackoff = 1 << 10

// rttEstimator is the Jacobson/Karels smoothed RTT and deviation.
type rttEstimator struct {
	estimated time.Duration
	deviation time.Duration
	timeout   time.Duration
	min, max  time.Duration
}

func newRTTEstimator(initial, lo, hi time.Duration) rttEstimator {
	return rttEstimator{estimated: initial, timeout: initial, min: lo, max: hi}
}

func (e *rttEstimator) update(sample time.Duration) {
	e.estimated = time.Duration(0.875*float64(e.estimated) + 0.125*float64(sample))
	diff := sample - e.estimated
	if diff < 0 {
		diff = -diff
	}
	e.deviation = time.Duration(0.75*float64(e.deviation) + 0.25*float64(diff))
	e.timeout = e.clamp(e.estimated + 4*e.deviation + time.Millisecond)
}

func (e *rttEstimator) clamp(d time.Duration) time.Duration {
	if e.min > 0 && d < e.min {
		d = e.min
	}
	if e.max > 0 && d > e.max {
		d = e.max
	}
	return d
}

// retransmitTimer drives resends of the oldest unacknowledged segment.
// Host timers cannot be cancelled, so every arm bumps the generation and a
// callback carrying an older generation does nothing.
type retransmitTimer struct {
	snd        *sender
	rtt        rttEstimator
	generation uint64
	running    bool
	backoff    int
	// expiries counts timeouts since the last ACK from the peer.
	expiries int
}

func newRetransmitTimer(snd *sender) *retransmitTimer {
	cfg := snd.sock.stack.cfg
	return &retransmitTimer{
		snd:     snd,
		rtt:     newRTTEstimator(cfg.InitialRTO, cfg.TcpRtoMin, cfg.TcpRtoMax),
		backoff: 1,
	}
}

func (t *retransmitTimer) interval() time.Duration {
	return t.rtt.clamp(t.rtt.timeout * time.Duration(t.backoff))
}

func (t *retransmitTimer) arm() {
	t.generation++
	t.running = true
	gen := t.generation
	t.snd.sock.stack.host.AddTimer(t.interval(), func() { t.fire(gen) })
}

func (t *retransmitTimer) stop() {
	t.generation++
	t.running = false
}

func (t *retransmitTimer) fire(gen uint64) {
	snd := t.snd
	sock := snd.sock
	if gen != t.generation || !t.running || sock.state == StateClosed {
		sock.stack.metrics.StaleTimers.Inc()
		return
	}
	oldest := snd.unacked.Peek()
	if oldest == nil {
		t.stop()
		return
	}
	t.expiries++
	if limit := sock.stack.cfg.MaxRetransmits; limit > 0 && t.expiries > limit {
		sock.log.Warn().Int("timeouts", t.expiries-1).Msg("peer unresponsive, releasing connection")
		sock.stack.metrics.Connections.WithLabelValues("timed_out").Inc()
		sock.Release()
		return
	}
	snd.retransmit(oldest, "timeout")
	snd.halveWindow()
	t.backoff = min(t.backoff*2, maxBackoff)
	t.arm()
}
