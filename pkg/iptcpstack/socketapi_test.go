package iptcpstack

import (
	"testing"
	"time"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/segment"
	"fishnet-tcp/pkg/socket"

	"github.com/stretchr/testify/require"
)

func TestSocketMisuse(t *testing.T) {
	sim := ipstack.NewSim(1)
	stack, _ := newTestStack(t, sim, 1, testConfig())

	fresh := stack.Socket()
	require.ErrorIs(t, fresh.Listen(4), ErrInvalidState)
	require.ErrorIs(t, fresh.Connect(2, 80), ErrInvalidState)
	_, err := fresh.Accept()
	require.ErrorIs(t, err, ErrNotListening)
	_, err = fresh.Write([]byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = fresh.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, fresh.Bind(256), socket.ErrInvalidPort)
	require.ErrorIs(t, fresh.Bind(-1), socket.ErrInvalidPort)

	require.NoError(t, fresh.Bind(80))
	require.Equal(t, StateBound, fresh.State())
	require.ErrorIs(t, fresh.Bind(81), ErrInvalidState)
	require.ErrorIs(t, fresh.Connect(2, 300), socket.ErrInvalidPort)

	other := stack.Socket()
	require.ErrorIs(t, other.Bind(80), socket.ErrPortInUse)
	require.Equal(t, StateUnbound, other.State())

	require.NoError(t, fresh.Listen(2))
	require.ErrorIs(t, fresh.Listen(2), ErrInvalidState)
	conn, err := fresh.Accept()
	require.NoError(t, err)
	require.Nil(t, conn)
}

func TestWriteAfterClose(t *testing.T) {
	sim := ipstack.NewSim(1)
	stack, _ := newTestStack(t, sim, 1, testConfig())
	peer := newRawPeer(t, sim, 2)
	sock, first := connectToRaw(t, sim, stack, peer, 10000)

	require.NoError(t, sock.Close())
	require.Equal(t, StateShutdownPending, sock.State())
	_, err := sock.Write([]byte("late"))
	require.ErrorIs(t, err, ErrClosing)
	// closing twice is harmless
	require.NoError(t, sock.Close())

	sim.RunFor(15 * time.Millisecond)
	fins := peer.ofKind(segment.FIN)
	require.Len(t, fins, 1)
	require.Equal(t, first, fins[0].Seq)
	require.Zero(t, fins[0].Window)

	peer.send(1, ackSeg(first.Add(1), 0))
	sim.RunFor(15 * time.Millisecond)
	require.Equal(t, StateClosed, sock.State())
	require.True(t, stack.table.IsPortAvailable(100))
	_, err = sock.Write([]byte("late"))
	require.ErrorIs(t, err, ErrClosing)
}

func TestCloseUnconnectedReleases(t *testing.T) {
	sim := ipstack.NewSim(1)
	stack, _ := newTestStack(t, sim, 1, testConfig())

	sock := stack.Socket()
	require.NoError(t, sock.Bind(42))
	require.NoError(t, sock.Close())
	require.Equal(t, StateClosed, sock.State())
	require.True(t, stack.table.IsPortAvailable(42))
	require.NotContains(t, stack.Sockets, sock.SID)
	require.Zero(t, sim.Pending())
}

func TestReleaseListenerTakesBacklog(t *testing.T) {
	sim := ipstack.NewSim(1)
	stack, _ := newTestStack(t, sim, 1, testConfig())
	peer := newRawPeer(t, sim, 2)

	listener := stack.Socket()
	require.NoError(t, listener.Bind(80))
	require.NoError(t, listener.Listen(4))
	peer.send(1, segment.New(segment.SYN, 10, 80, 1, 0, nil))
	peer.send(1, segment.New(segment.SYN, 11, 80, 1, 0, nil))
	sim.RunFor(25 * time.Millisecond)
	require.Equal(t, 2, listener.Pending())
	require.Equal(t, 3, stack.table.Len())

	listener.Release()
	require.Equal(t, StateClosed, listener.State())
	require.Zero(t, listener.Pending())
	require.Zero(t, stack.table.Len())
	require.Empty(t, stack.List())

	// nothing is listening any more
	peer.take()
	peer.send(1, dataSeg(2, "x"))
	sim.RunFor(25 * time.Millisecond)
	require.Empty(t, peer.take())
}

func TestReleaseIsSilent(t *testing.T) {
	sim := ipstack.NewSim(1)
	stack, _ := newTestStack(t, sim, 1, testConfig())
	peer := newRawPeer(t, sim, 2)
	sock, _ := connectToRaw(t, sim, stack, peer, 10000)

	_, err := sock.Write([]byte("unacked"))
	require.NoError(t, err)
	sim.RunFor(15 * time.Millisecond)
	peer.take()

	sock.Release()
	sock.Release()
	require.Equal(t, StateClosed, sock.State())
	require.False(t, sock.snd.rtx.running)
	require.True(t, stack.table.IsPortAvailable(100))

	// no FIN, and the pending retransmission never fires
	sim.RunFor(5 * time.Second)
	require.Empty(t, peer.take())
}

func TestSocketString(t *testing.T) {
	sim := ipstack.NewSim(1)
	stack, _ := newTestStack(t, sim, 1, testConfig())
	peer := newRawPeer(t, sim, 2)
	sock, _ := connectToRaw(t, sim, stack, peer, 10000)

	require.Equal(t, "1:100 -> 2:80 ESTABLISHED", sock.String())
	require.Equal(t, RoleActiveClient, sock.Role())
	require.Equal(t, "ACTIVE", sock.Role().String())
	require.Equal(t, "SocketStatus(42)", SocketStatus(42).String())
}
