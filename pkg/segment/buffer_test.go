package segment

import (
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"
)

func data(seq seqnum.Value, n int) *Segment {
	return New(DATA, 1, 2, seq, 0, make([]byte, n))
}

func TestBufferOrder(t *testing.T) {
	b := NewBuffer()
	require.Equal(t, int64(-1), b.PeekSeq())
	require.Nil(t, b.Pop())

	for _, seq := range []seqnum.Value{20, 0, 10} {
		b.Push(data(seq, 10))
	}
	require.Equal(t, 3, b.Len())
	require.Equal(t, int64(0), b.PeekSeq())

	var got []seqnum.Value
	for b.Len() > 0 {
		got = append(got, b.Pop().Seq)
	}
	require.Equal(t, []seqnum.Value{0, 10, 20}, got)
}

func TestBufferReplacesDuplicates(t *testing.T) {
	b := NewBuffer()
	require.False(t, b.Push(data(5, 1)))
	second := data(5, 3)
	require.True(t, b.Push(second))
	require.Equal(t, 1, b.Len())
	require.Same(t, second, b.Get(5))
}

func TestBufferWraparound(t *testing.T) {
	b := NewBuffer()
	b.Push(data(3, 1))
	b.Push(data(seqnum.Value(0xfffffffd), 1))
	b.Push(data(seqnum.Value(0xffffffff), 1))
	require.Equal(t, int64(0xfffffffd), b.PeekSeq())

	var got []seqnum.Value
	b.Ascend(func(s *Segment) bool {
		got = append(got, s.Seq)
		return true
	})
	require.Equal(t, []seqnum.Value{0xfffffffd, 0xffffffff, 3}, got)
}

func TestBufferPopBefore(t *testing.T) {
	b := NewBuffer()
	b.Push(New(SYN, 1, 2, 99, 0, nil))
	b.Push(data(100, 10))
	b.Push(data(110, 10))
	b.Push(data(120, 10))

	acked := b.PopBefore(115)
	require.Len(t, acked, 2)
	require.Equal(t, seqnum.Value(99), acked[0].Seq)
	require.Equal(t, seqnum.Value(100), acked[1].Seq)
	require.Equal(t, int64(110), b.PeekSeq())

	require.Empty(t, b.PopBefore(110))
	require.Len(t, b.PopBefore(130), 2)
	require.Zero(t, b.Len())
}

func TestBufferRemove(t *testing.T) {
	b := NewBuffer()
	b.Push(data(1, 1))
	b.Push(data(2, 1))
	require.NotNil(t, b.Remove(1))
	require.Nil(t, b.Remove(1))
	require.Equal(t, int64(2), b.PeekSeq())
	b.Clear()
	require.Zero(t, b.Len())
}
