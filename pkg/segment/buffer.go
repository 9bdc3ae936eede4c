package segment

import (
	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
)

// Buffer keeps segments ordered by sequence number. It serves both as the
// sender's unacknowledged queue and the receiver's reassembly queue.
// Comparisons wrap, so the held range must stay within half the sequence space.
type Buffer struct {
	tree *btree.BTreeG[*Segment]
}

func bySeq(a, b *Segment) bool {
	return a.Seq.LessThan(b.Seq)
}

func NewBuffer() *Buffer {
	return &Buffer{tree: btree.NewG[*Segment](8, bySeq)}
}

// Push inserts seg, replacing any segment already held at the same sequence
// number. It reports whether a replacement happened.
func (b *Buffer) Push(seg *Segment) bool {
	_, replaced := b.tree.ReplaceOrInsert(seg)
	return replaced
}

// Peek returns the lowest segment without removing it.
func (b *Buffer) Peek() *Segment {
	seg, ok := b.tree.Min()
	if !ok {
		return nil
	}
	return seg
}

// PeekSeq returns the lowest sequence number held, or -1 when empty.
func (b *Buffer) PeekSeq() int64 {
	seg := b.Peek()
	if seg == nil {
		return -1
	}
	return int64(seg.Seq)
}

func (b *Buffer) Pop() *Segment {
	seg, ok := b.tree.DeleteMin()
	if !ok {
		return nil
	}
	return seg
}

func (b *Buffer) Get(seq seqnum.Value) *Segment {
	seg, ok := b.tree.Get(&Segment{Seq: seq})
	if !ok {
		return nil
	}
	return seg
}

func (b *Buffer) Remove(seq seqnum.Value) *Segment {
	seg, ok := b.tree.Delete(&Segment{Seq: seq})
	if !ok {
		return nil
	}
	return seg
}

// PopBefore removes and returns, in order, every segment that ends at or
// before seq.
func (b *Buffer) PopBefore(seq seqnum.Value) []*Segment {
	var out []*Segment
	for {
		seg := b.Peek()
		if seg == nil || !seg.End().LessThanEq(seq) {
			return out
		}
		out = append(out, b.Pop())
	}
}

// Ascend calls fn on each segment in sequence order until fn returns false.
func (b *Buffer) Ascend(fn func(*Segment) bool) {
	b.tree.Ascend(func(seg *Segment) bool { return fn(seg) })
}

func (b *Buffer) Len() int {
	return b.tree.Len()
}

func (b *Buffer) Clear() {
	b.tree.Clear(false)
}
