package ipstack

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPacketCodec(t *testing.T) {
	in := &Packet{Header: Header{Src: 1, Dst: 513, Protocol: TransportProtocol, TTL: 4}, Body: []byte("abc")}
	b := in.Marshal()
	require.Equal(t, []byte{0, 1, 2, 1, 6, 4, 0, 3, 'a', 'b', 'c'}, b)

	out, err := ParsePacket(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestParsePacketRejects(t *testing.T) {
	_, err := ParsePacket([]byte{0, 1})
	require.Equal(t, ErrShortPacket, errors.Cause(err))

	b := (&Packet{Body: []byte("abc")}).Marshal()
	_, err = ParsePacket(b[:len(b)-1])
	require.Equal(t, ErrBadLength, errors.Cause(err))
}
