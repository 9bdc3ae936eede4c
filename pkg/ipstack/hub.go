package ipstack

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type HubConfig struct {
	Listen string
	// Routes pre-seeds address to UDP mappings. Senders are learned as well.
	Routes map[Addr]string
	Loss   float64
	Delay  time.Duration
	Jitter time.Duration
	Seed   int64
}

// Hub relays datagrams between nodes, dropping and delaying them to
// emulate a lossy network. Jitter lets packets overtake each other.
type Hub struct {
	conn   *net.UDPConn
	loss   float64
	delay  time.Duration
	jitter time.Duration
	log    zerolog.Logger

	mu     sync.Mutex
	routes map[Addr]*net.UDPAddr
	rng    *rand.Rand

	forwarded, dropped int
}

func NewHub(cfg HubConfig, logger zerolog.Logger) (*Hub, error) {
	listen, err := net.ResolveUDPAddr("udp4", cfg.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve listen address %q", cfg.Listen)
	}
	h := &Hub{
		loss:   cfg.Loss,
		delay:  cfg.Delay,
		jitter: cfg.Jitter,
		log:    logger.With().Str("component", "hub").Logger(),
		routes: make(map[Addr]*net.UDPAddr),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	for addr, udp := range cfg.Routes {
		ua, err := net.ResolveUDPAddr("udp4", udp)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve route %d at %q", addr, udp)
		}
		h.routes[addr] = ua
	}
	if h.conn, err = net.ListenUDP("udp4", listen); err != nil {
		return nil, errors.Wrapf(err, "listen on %s", listen)
	}
	return h, nil
}

func (h *Hub) LocalUDPAddr() *net.UDPAddr {
	return h.conn.LocalAddr().(*net.UDPAddr)
}

// Serve relays until ctx is done or the socket fails.
func (h *Hub) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.conn.Close()
	}()
	buf := make([]byte, MaxDatagram)
	for {
		sz, from, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "hub read")
		}
		pkt, err := ParsePacket(buf[:sz])
		if err != nil {
			h.log.Warn().Err(err).Str("from", from.String()).Msg("dropping malformed packet")
			continue
		}
		h.relay(pkt, from)
	}
}

func (h *Hub) relay(pkt *Packet, from *net.UDPAddr) {
	h.mu.Lock()
	h.routes[pkt.Header.Src] = from
	next, ok := h.routes[pkt.Header.Dst]
	lost := h.loss > 0 && h.rng.Float64() < h.loss
	delay := h.delay
	if h.jitter > 0 {
		delay += time.Duration(h.rng.Int63n(int64(2*h.jitter))) - h.jitter
	}
	if !ok || lost || pkt.Header.TTL == 0 {
		h.dropped++
	} else {
		h.forwarded++
	}
	h.mu.Unlock()

	switch {
	case !ok:
		h.log.Debug().Uint16("dst", uint16(pkt.Header.Dst)).Msg("no route, dropping")
		return
	case pkt.Header.TTL == 0:
		h.log.Debug().Err(ErrTTLExhausted).Msg("dropping")
		return
	case lost:
		h.log.Debug().Uint16("src", uint16(pkt.Header.Src)).Uint16("dst", uint16(pkt.Header.Dst)).Msg("simulated loss")
		return
	}
	pkt.Header.TTL--
	out := pkt.Marshal()
	send := func() {
		if _, err := h.conn.WriteToUDP(out, next); err != nil {
			h.log.Error().Err(err).Str("to", next.String()).Msg("relay failed")
		}
	}
	if delay <= 0 {
		send()
		return
	}
	time.AfterFunc(delay, send)
}

// Stats returns how many packets were relayed and dropped so far.
func (h *Hub) Stats() (forwarded, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forwarded, h.dropped
}
