package ipstack

import (
	"math/rand"
	"time"

	"github.com/google/btree"
)

type simEvent struct {
	at  time.Time
	seq uint64
	fn  func()
}

func eventBefore(a, b *simEvent) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

// Sim is a deterministic in-memory network on a virtual clock. Deliveries
// and timers become events and run strictly in time order, one at a time.
type Sim struct {
	now    time.Time
	seq    uint64
	events *btree.BTreeG[*simEvent]
	nodes  map[Addr]*SimNode
	rng    *rand.Rand

	Loss   float64
	Delay  time.Duration
	Jitter time.Duration
	// Filter, when set, sees every packet before loss is applied and drops
	// it by returning false.
	Filter func(pkt *Packet) bool

	Delivered int
	Dropped   int
}

func NewSim(seed int64) *Sim {
	return &Sim{
		now:    time.Unix(0, 0),
		events: btree.NewG[*simEvent](8, eventBefore),
		nodes:  make(map[Addr]*SimNode),
		rng:    rand.New(rand.NewSource(seed)),
		Delay:  10 * time.Millisecond,
	}
}

func (s *Sim) Now() time.Time { return s.now }

// Node returns the node at addr, creating it on first use.
func (s *Sim) Node(addr Addr) *SimNode {
	if n, ok := s.nodes[addr]; ok {
		return n
	}
	n := &SimNode{sim: s, addr: addr, handlers: make(map[uint8]HandlerFunc)}
	s.nodes[addr] = n
	return n
}

func (s *Sim) schedule(d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	s.seq++
	s.events.ReplaceOrInsert(&simEvent{at: s.now.Add(d), seq: s.seq, fn: fn})
}

// Pending is the number of queued events.
func (s *Sim) Pending() int { return s.events.Len() }

// Step runs the earliest event, advancing the clock to it.
func (s *Sim) Step() bool {
	ev, ok := s.events.DeleteMin()
	if !ok {
		return false
	}
	s.now = ev.at
	ev.fn()
	return true
}

// RunFor runs every event due within d and leaves the clock at now+d.
func (s *Sim) RunFor(d time.Duration) {
	deadline := s.now.Add(d)
	for {
		ev, ok := s.events.Min()
		if !ok || ev.at.After(deadline) {
			break
		}
		s.Step()
	}
	s.now = deadline
}

// RunUntil steps until cond holds or the clock passes limit from now.
func (s *Sim) RunUntil(cond func() bool, limit time.Duration) bool {
	deadline := s.now.Add(limit)
	for !cond() {
		ev, ok := s.events.Min()
		if !ok || ev.at.After(deadline) {
			return cond()
		}
		s.Step()
	}
	return true
}

func (s *Sim) send(pkt *Packet) {
	if s.Filter != nil && !s.Filter(pkt) {
		s.Dropped++
		return
	}
	if s.Loss > 0 && s.rng.Float64() < s.Loss {
		s.Dropped++
		return
	}
	dst, ok := s.nodes[pkt.Header.Dst]
	if !ok {
		s.Dropped++
		return
	}
	delay := s.Delay
	if s.Jitter > 0 {
		delay += time.Duration(s.rng.Int63n(int64(2*s.Jitter))) - s.Jitter
	}
	s.schedule(delay, func() {
		s.Delivered++
		if h, ok := dst.handlers[pkt.Header.Protocol]; ok {
			h(pkt)
		}
	})
}

// SimNode is one host attached to a Sim.
type SimNode struct {
	sim      *Sim
	addr     Addr
	handlers map[uint8]HandlerFunc
}

func (n *SimNode) Addr() Addr { return n.addr }

func (n *SimNode) Now() time.Time { return n.sim.now }

func (n *SimNode) RegisterHandler(proto uint8, h HandlerFunc) {
	n.handlers[proto] = h
}

func (n *SimNode) AddTimer(d time.Duration, fn func()) {
	n.sim.schedule(d, fn)
}

func (n *SimNode) SendDatagram(src, dst Addr, proto uint8, payload []byte) error {
	n.sim.send(&Packet{
		Header: Header{Src: src, Dst: dst, Protocol: proto, TTL: DefaultTTL},
		Body:   append([]byte(nil), payload...),
	})
	return nil
}
