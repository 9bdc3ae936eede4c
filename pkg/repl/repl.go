package repl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/iptcpstack"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrUsage    = errors.New("usage")
	ErrNoSocket = errors.New("no such socket")
	ErrQuit     = errors.New("quit")
)

// Host is a node whose event loop accepts work from other goroutines.
type Host interface {
	ipstack.Host
	Do(fn func()) error
}

// Shell is the interactive front end of a host. Every command runs on the
// host's event loop through Do.
type Shell struct {
	host  Host
	stack *iptcpstack.TCPStack
	log   zerolog.Logger

	mu  sync.Mutex
	out io.Writer
}

func New(host Host, stack *iptcpstack.TCPStack, out io.Writer, logger zerolog.Logger) *Shell {
	return &Shell{host: host, stack: stack, out: out, log: logger}
}

func (sh *Shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

// Run reads commands from in until it is exhausted or the user quits.
func (sh *Shell) Run(in io.Reader) error {
	reader := bufio.NewScanner(in)
	for {
		sh.printf("> ")
		if !reader.Scan() {
			return reader.Err()
		}
		err := sh.Exec(reader.Text())
		if errors.Cause(err) == ErrQuit {
			return nil
		}
		if err != nil {
			sh.printf("error: %v\n", err)
		}
	}
}

// Exec runs a single command line.
func (sh *Shell) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	if cmd == "q" || cmd == "exit" {
		return ErrQuit
	}
	if cmd == "h" || cmd == "help" {
		sh.printf("%s", helpText)
		return nil
	}
	handler, ok := commands[cmd]
	if !ok {
		return errors.Errorf("unknown command %q, try h", cmd)
	}
	var err error
	if derr := sh.host.Do(func() { err = handler(sh, args) }); derr != nil {
		return derr
	}
	return err
}

const helpText = `li                        node information
ls                        list sockets
a <port>                  listen on port
ac <sid>                  accept one pending connection
c <addr> <port>           connect from an ephemeral port
s <sid> <text>            send text
r <sid> <n>               read up to n bytes
cl <sid>                  close gracefully
rl <sid>                  release immediately
sf <file> <addr> <port>   send a file
rf <file> <port>          receive one file on port
q                         quit
`

type command func(sh *Shell, args []string) error

var commands = map[string]command{
	"li": (*Shell).info,
	"ls": (*Shell).list,
	"a":  (*Shell).listen,
	"ac": (*Shell).accept,
	"c":  (*Shell).connect,
	"s":  (*Shell).send,
	"r":  (*Shell).read,
	"cl": (*Shell).close,
	"rl": (*Shell).release,
	"sf": (*Shell).sendFile,
	"rf": (*Shell).receiveFile,
}

func parseInt(s, what string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(ErrUsage, "bad %s %q", what, s)
	}
	return v, nil
}

func parseAddr(s string) (ipstack.Addr, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(ErrUsage, "bad address %q", s)
	}
	return ipstack.Addr(v), nil
}

func (sh *Shell) lookup(arg string) (*iptcpstack.Socket, error) {
	sid, err := parseInt(arg, "socket id")
	if err != nil {
		return nil, err
	}
	sock, ok := sh.stack.Sockets[sid]
	if !ok {
		return nil, errors.Wrapf(ErrNoSocket, "%d", sid)
	}
	return sock, nil
}

func (sh *Shell) info(args []string) error {
	cfg := sh.stack.Config()
	sh.printf("address %d, mss %d, read buffer %d, initial rto %s\n",
		sh.stack.Addr(), cfg.MaxPayload, cfg.ReadBuffer, cfg.InitialRTO)
	return nil
}

func (sh *Shell) list(args []string) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w := tabwriter.NewWriter(sh.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tRole\tState\tCwnd\tInFlight\tAvail")
	for _, sock := range sh.stack.List() {
		st := sock.Stats()
		raddr, rport := "*", "*"
		if sock.Role() == iptcpstack.RoleActiveClient || sock.Role() == iptcpstack.RolePassiveClient {
			raddr = strconv.Itoa(int(sock.RemoteAddr()))
			rport = strconv.Itoa(sock.RemotePort())
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			sock.SID, sh.stack.Addr(), sock.LocalPort(), raddr, rport,
			sock.Role(), sock.State(), st.CongestionWindow, st.InFlight, sock.Available())
	}
	return w.Flush()
}

// openListener binds a fresh socket on port and starts listening.
func (sh *Shell) openListener(port int) (*iptcpstack.Socket, error) {
	sock := sh.stack.Socket()
	if err := sock.Bind(port); err != nil {
		sock.Release()
		return nil, err
	}
	if err := sock.Listen(0); err != nil {
		sock.Release()
		return nil, err
	}
	return sock, nil
}

// dial connects a fresh socket bound to an ephemeral port.
func (sh *Shell) dial(addr ipstack.Addr, port int) (*iptcpstack.Socket, error) {
	lport, err := sh.stack.AllocPort()
	if err != nil {
		return nil, err
	}
	sock := sh.stack.Socket()
	if err := sock.Bind(lport); err != nil {
		sock.Release()
		return nil, err
	}
	if err := sock.Connect(addr, port); err != nil {
		sock.Release()
		return nil, err
	}
	return sock, nil
}

func (sh *Shell) listen(args []string) error {
	if len(args) != 1 {
		return errors.Wrap(ErrUsage, "a <port>")
	}
	port, err := parseInt(args[0], "port")
	if err != nil {
		return err
	}
	sock, err := sh.openListener(port)
	if err != nil {
		return err
	}
	sh.printf("socket %d listening on port %d\n", sock.SID, port)
	return nil
}

func (sh *Shell) accept(args []string) error {
	if len(args) != 1 {
		return errors.Wrap(ErrUsage, "ac <sid>")
	}
	listener, err := sh.lookup(args[0])
	if err != nil {
		return err
	}
	conn, err := listener.Accept()
	if err != nil {
		return err
	}
	if conn == nil {
		sh.printf("no pending connection\n")
		return nil
	}
	sh.printf("socket %d accepted from %d:%d\n", conn.SID, conn.RemoteAddr(), conn.RemotePort())
	return nil
}

func (sh *Shell) connect(args []string) error {
	if len(args) != 2 {
		return errors.Wrap(ErrUsage, "c <addr> <port>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	port, err := parseInt(args[1], "port")
	if err != nil {
		return err
	}
	sock, err := sh.dial(addr, port)
	if err != nil {
		return err
	}
	sh.printf("socket %d connecting from port %d\n", sock.SID, sock.LocalPort())
	return nil
}

// send writes the words after the socket id, as much as the connection
// takes right now.
func (sh *Shell) send(args []string) error {
	if len(args) < 2 {
		return errors.Wrap(ErrUsage, "s <sid> <text>")
	}
	sock, err := sh.lookup(args[0])
	if err != nil {
		return err
	}
	data := []byte(strings.Join(args[1:], " "))
	sent := 0
	for sent < len(data) {
		n, err := sock.Write(data[sent:])
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		sent += n
	}
	sh.printf("sent %d of %d bytes\n", sent, len(data))
	return nil
}

func (sh *Shell) read(args []string) error {
	if len(args) != 2 {
		return errors.Wrap(ErrUsage, "r <sid> <n>")
	}
	sock, err := sh.lookup(args[0])
	if err != nil {
		return err
	}
	n, err := parseInt(args[1], "byte count")
	if err != nil {
		return err
	}
	if n <= 0 {
		return errors.Wrap(ErrUsage, "byte count must be positive")
	}
	buf := make([]byte, n)
	got, err := sock.Read(buf)
	if err == io.EOF {
		sh.printf("connection closed\n")
		return nil
	}
	if err != nil {
		return err
	}
	sh.printf("read %d bytes: %q\n", got, buf[:got])
	return nil
}

func (sh *Shell) close(args []string) error {
	if len(args) != 1 {
		return errors.Wrap(ErrUsage, "cl <sid>")
	}
	sock, err := sh.lookup(args[0])
	if err != nil {
		return err
	}
	return sock.Close()
}

func (sh *Shell) release(args []string) error {
	if len(args) != 1 {
		return errors.Wrap(ErrUsage, "rl <sid>")
	}
	sock, err := sh.lookup(args[0])
	if err != nil {
		return err
	}
	sock.Release()
	return nil
}

func (sh *Shell) sendFile(args []string) error {
	if len(args) != 3 {
		return errors.Wrap(ErrUsage, "sf <file> <addr> <port>")
	}
	addr, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	port, err := parseInt(args[2], "port")
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "open %s", args[0])
	}
	sock, err := sh.dial(addr, port)
	if err != nil {
		f.Close()
		return err
	}
	name := args[0]
	SendStream(sh.host, sock, f, func(n int, err error) {
		f.Close()
		if err != nil {
			sh.log.Warn().Err(err).Str("file", name).Msg("send failed")
			sh.printf("sf %s: failed after %d bytes: %v\n", name, n, err)
			return
		}
		sh.printf("sf %s: sent %d bytes\n", name, n)
	})
	return nil
}

func (sh *Shell) receiveFile(args []string) error {
	if len(args) != 2 {
		return errors.Wrap(ErrUsage, "rf <file> <port>")
	}
	port, err := parseInt(args[1], "port")
	if err != nil {
		return err
	}
	listener, err := sh.openListener(port)
	if err != nil {
		return err
	}
	f, err := os.Create(args[0])
	if err != nil {
		listener.Release()
		return errors.Wrapf(err, "create %s", args[0])
	}
	name := args[0]
	ReceiveStream(sh.host, listener, f, func(n int, err error) {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			sh.log.Warn().Err(err).Str("file", name).Msg("receive failed")
			sh.printf("rf %s: failed after %d bytes: %v\n", name, n, err)
			return
		}
		sh.printf("rf %s: received %d bytes\n", name, n)
	})
	return nil
}
