package repl

import (
	"io"
	"time"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/iptcpstack"

	"github.com/pkg/errors"
)

// pumpInterval is how long a transfer waits before retrying a socket that
// had no room or no data.
const pumpInterval = 10 * time.Millisecond

const chunkSize = 4096

var ErrTransferAborted = errors.New("transfer aborted")

// DoneFunc reports the byte count of a finished transfer.
type DoneFunc func(n int, err error)

type sendJob struct {
	host  ipstack.Host
	sock  *iptcpstack.Socket
	src   io.Reader
	chunk []byte
	// buf is the part of chunk the socket has not taken yet.
	buf     []byte
	eof     bool
	closing bool
	sent    int
	done    DoneFunc
}

// SendStream copies src into a connecting or established socket, then
// closes it. done runs on the event loop once the peer has acknowledged the
// close, or when the connection fails. Must be called on the event loop.
func SendStream(host ipstack.Host, sock *iptcpstack.Socket, src io.Reader, done DoneFunc) {
	j := &sendJob{host: host, sock: sock, src: src, chunk: make([]byte, chunkSize), done: done}
	j.step()
}

func (j *sendJob) again() {
	j.host.AddTimer(pumpInterval, j.step)
}

func (j *sendJob) step() {
	state := j.sock.State()
	if j.closing {
		if state == iptcpstack.StateClosed {
			j.done(j.sent, nil)
			return
		}
		j.again()
		return
	}
	switch state {
	case iptcpstack.StateSynSent:
		j.again()
		return
	case iptcpstack.StateEstablished:
	default:
		j.done(j.sent, errors.Wrapf(ErrTransferAborted, "connection %s", state))
		return
	}

	for {
		if len(j.buf) == 0 && !j.eof {
			n, err := j.src.Read(j.chunk)
			j.buf = j.chunk[:n]
			if err == io.EOF {
				j.eof = true
			} else if err != nil {
				j.sock.Release()
				j.done(j.sent, errors.Wrap(err, "read source"))
				return
			}
		}
		if len(j.buf) == 0 {
			if !j.eof {
				break
			}
			j.closing = true
			if err := j.sock.Close(); err != nil {
				j.done(j.sent, err)
				return
			}
			break
		}
		n, err := j.sock.Write(j.buf)
		if err != nil {
			j.done(j.sent, err)
			return
		}
		if n == 0 {
			break
		}
		j.buf = j.buf[n:]
		j.sent += n
	}
	j.again()
}

type receiveJob struct {
	host     ipstack.Host
	listener *iptcpstack.Socket
	conn     *iptcpstack.Socket
	dst      io.Writer
	buf      []byte
	received int
	done     DoneFunc
}

// ReceiveStream waits for one connection on listener, closes the listener,
// and copies everything the peer sends into dst. done runs on the event
// loop after the peer's FIN. Must be called on the event loop.
func ReceiveStream(host ipstack.Host, listener *iptcpstack.Socket, dst io.Writer, done DoneFunc) {
	j := &receiveJob{host: host, listener: listener, dst: dst, buf: make([]byte, chunkSize), done: done}
	j.step()
}

func (j *receiveJob) step() {
	if j.conn == nil {
		conn, err := j.listener.Accept()
		if err != nil {
			j.done(0, err)
			return
		}
		if conn == nil {
			j.host.AddTimer(pumpInterval, j.step)
			return
		}
		j.conn = conn
		j.listener.Release()
	}

	for {
		n, err := j.conn.Read(j.buf)
		if n > 0 {
			if _, werr := j.dst.Write(j.buf[:n]); werr != nil {
				j.conn.Release()
				j.done(j.received, errors.Wrap(werr, "write destination"))
				return
			}
			j.received += n
		}
		if err == io.EOF {
			j.done(j.received, nil)
			return
		}
		if err != nil {
			j.done(j.received, err)
			return
		}
		if n == 0 {
			break
		}
	}
	j.host.AddTimer(pumpInterval, j.step)
}
