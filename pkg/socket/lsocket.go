package socket

import "github.com/pkg/errors"

var ErrBacklogFull = errors.New("backlog full")

// Backlog is the bounded queue of handshaked connections a listener hands
// out through accept.
type Backlog[T any] struct {
	items []T
	limit int
}

func NewBacklog[T any](limit int) *Backlog[T] {
	if limit < 1 {
		limit = 1
	}
	return &Backlog[T]{limit: limit}
}

// Offer appends v unless the backlog is already at its limit.
func (b *Backlog[T]) Offer(v T) error {
	if len(b.items) >= b.limit {
		return errors.Wrapf(ErrBacklogFull, "%d pending", len(b.items))
	}
	b.items = append(b.items, v)
	return nil
}

// Poll removes the oldest entry.
func (b *Backlog[T]) Poll() (T, bool) {
	var zero T
	if len(b.items) == 0 {
		return zero, false
	}
	v := b.items[0]
	b.items[0] = zero
	b.items = b.items[1:]
	return v, true
}

// Drain empties the backlog and returns what it held.
func (b *Backlog[T]) Drain() []T {
	out := b.items
	b.items = nil
	return out
}

func (b *Backlog[T]) Len() int   { return len(b.items) }
func (b *Backlog[T]) Limit() int { return b.limit }
