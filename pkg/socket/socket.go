// Package socket holds the bookkeeping shared by transport sockets: the
// port demultiplexing table, listener backlogs and ephemeral ports.
package socket

import (
	"fmt"

	"fishnet-tcp/pkg/ipstack"

	"github.com/pkg/errors"
)

// Ports are a single byte on the wire.
const (
	MinPort = 0
	MaxPort = 255
)

var (
	ErrInvalidPort = errors.New("invalid port")
	ErrPortInUse   = errors.New("port already in use")
	ErrTupleInUse  = errors.New("connection tuple already in use")
)

// wildcard is the key a listening or unconnected socket is filed under.
const wildcard = ""

func ValidPort(port int) bool {
	return port >= MinPort && port <= MaxPort
}

// Key renders a remote endpoint the way the table indexes it.
func Key(addr ipstack.Addr, port int) string {
	return fmt.Sprintf("%d:%d", addr, port)
}

// Table maps a local port to the sockets bound on it: at most one wildcard
// entry and any number of exact remote endpoints.
type Table[T any] struct {
	ports map[int]map[string]T
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{ports: make(map[int]map[string]T)}
}

// IsPortAvailable reports whether nothing at all is bound on port.
func (t *Table[T]) IsPortAvailable(port int) bool {
	if !ValidPort(port) {
		return false
	}
	_, taken := t.ports[port]
	return !taken
}

// Assign binds v as the wildcard entry for port.
func (t *Table[T]) Assign(port int, v T) error {
	if !ValidPort(port) {
		return errors.Wrapf(ErrInvalidPort, "port %d", port)
	}
	if _, taken := t.ports[port]; taken {
		return errors.Wrapf(ErrPortInUse, "port %d", port)
	}
	t.ports[port] = map[string]T{wildcard: v}
	return nil
}

// AssignRemote binds v for the exact (addr, rport) peer on port.
func (t *Table[T]) AssignRemote(addr ipstack.Addr, rport, port int, v T) error {
	if !ValidPort(port) || !ValidPort(rport) {
		return errors.Wrapf(ErrInvalidPort, "port %d remote %d", port, rport)
	}
	set, ok := t.ports[port]
	if !ok {
		set = make(map[string]T)
		t.ports[port] = set
	}
	key := Key(addr, rport)
	if _, taken := set[key]; taken {
		return errors.Wrapf(ErrTupleInUse, "%s on port %d", key, port)
	}
	set[key] = v
	return nil
}

func (t *Table[T]) Unassign(port int) bool {
	return t.remove(port, wildcard)
}

func (t *Table[T]) UnassignRemote(addr ipstack.Addr, rport, port int) bool {
	return t.remove(port, Key(addr, rport))
}

func (t *Table[T]) remove(port int, key string) bool {
	set, ok := t.ports[port]
	if !ok {
		return false
	}
	if _, ok := set[key]; !ok {
		return false
	}
	delete(set, key)
	if len(set) == 0 {
		delete(t.ports, port)
	}
	return true
}

// Find resolves the socket for a segment from (addr, rport) to port. An
// exact match wins over the wildcard entry.
func (t *Table[T]) Find(addr ipstack.Addr, rport, port int) (T, bool) {
	var zero T
	set, ok := t.ports[port]
	if !ok {
		return zero, false
	}
	if v, ok := set[Key(addr, rport)]; ok {
		return v, true
	}
	v, ok := set[wildcard]
	return v, ok
}

// Len counts every binding in the table.
func (t *Table[T]) Len() int {
	n := 0
	for _, set := range t.ports {
		n += len(set)
	}
	return n
}
