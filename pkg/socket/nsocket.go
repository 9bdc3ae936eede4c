package socket

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Ephemeral ports handed to sockets that connect without binding first.
const (
	EphemeralMin = 128
	EphemeralMax = MaxPort
)

var ErrNoFreePort = errors.New("no free ephemeral port")

// PortAllocator walks a shuffled ring of the ephemeral range so consecutive
// connections do not reuse a port straight away.
type PortAllocator struct {
	ports []int
	next  int
}

func NewPortAllocator(rng *rand.Rand) *PortAllocator {
	n := EphemeralMax - EphemeralMin + 1
	ports := make([]int, n)
	for i, v := range rng.Perm(n) {
		ports[i] = EphemeralMin + v
	}
	return &PortAllocator{ports: ports}
}

// Alloc returns the next port for which free reports true.
func (p *PortAllocator) Alloc(free func(port int) bool) (int, error) {
	for i := 0; i < len(p.ports); i++ {
		port := p.ports[p.next]
		p.next = (p.next + 1) % len(p.ports)
		if free(port) {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}
