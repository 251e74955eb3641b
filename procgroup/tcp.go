package procgroup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const dialRetryInterval = 300 * time.Millisecond

var msgpackHandle = &codec.MsgpackHandle{}

// TCPConfig describes one process's place in a TCP mesh.
type TCPConfig struct {
	// Addrs lists the listen address of every rank, in rank
	// order. All processes must pass the same list.
	Addrs []string

	// Rank is this process's index into Addrs.
	Rank int

	// Token is shared by every process of one run. Peers
	// presenting another token are rejected.
	Token string

	// Timeout bounds the time spent building the mesh. If
	// it is 0, DialTCP waits forever.
	Timeout time.Duration

	Log *zap.Logger
}

type hello struct {
	Token string
	Rank  int
	Size  int
}

// DialTCP joins the mesh described by cfg, connecting to
// every other rank in both directions.
func DialTCP(cfg TCPConfig) (*Comm, error) {
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Addrs) {
		return nil, fmt.Errorf("dial tcp: rank %d not in address list of %d", cfg.Rank, len(cfg.Addrs))
	}
	seen := map[string]bool{}
	for _, addr := range cfg.Addrs {
		if seen[addr] {
			return nil, fmt.Errorf("dial tcp: duplicate address %s", addr)
		}
		seen[addr] = true
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	t := &tcpTransport{
		cfg:      cfg,
		log:      log,
		host:     host,
		start:    time.Now(),
		dials:    make([]*tcpSender, len(cfg.Addrs)),
		accepted: make([]net.Conn, len(cfg.Addrs)),
		notify:   make(chan struct{}, 1),
	}
	if cfg.Timeout > 0 {
		t.deadline = t.start.Add(cfg.Timeout)
	}
	if err := t.connect(); err != nil {
		t.close()
		return nil, &TransportError{Op: "dial tcp", Err: err}
	}
	for rank, conn := range t.accepted {
		if conn != nil {
			t.live++
			go t.readLoop(rank, conn)
		}
	}
	log.Debug("tcp mesh established", zap.Int("rank", cfg.Rank), zap.Int("size", len(cfg.Addrs)))
	return newWorld(newEndpoint(cfg.Rank, len(cfg.Addrs), t)), nil
}

type tcpSender struct {
	conn net.Conn
	buf  *bufio.Writer
	enc  *codec.Encoder
}

func newTCPSender(conn net.Conn) *tcpSender {
	buf := bufio.NewWriter(conn)
	return &tcpSender{conn: conn, buf: buf, enc: codec.NewEncoder(buf, msgpackHandle)}
}

func (t *tcpSender) write(v interface{}) error {
	if err := t.enc.Encode(v); err != nil {
		return err
	}
	return t.buf.Flush()
}

// A tcpTransport sends on dialed connections and receives
// on accepted ones. One Goroutine per accepted connection
// decodes frames into an unbounded inbox, so a sender is
// never blocked by a receiver that is busy computing.
type tcpTransport struct {
	cfg      TCPConfig
	log      *zap.Logger
	host     string
	start    time.Time
	deadline time.Time

	listener net.Listener
	dials    []*tcpSender
	accepted []net.Conn

	lock    sync.Mutex
	inbox   []*Frame
	live    int
	readErr error
	closing bool
	notify  chan struct{}
}

func (t *tcpTransport) connect() error {
	listener, err := net.Listen("tcp", t.cfg.Addrs[t.cfg.Rank])
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = listener

	var listenErr, dialErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		listenErr = t.acceptAll()
	}()
	go func() {
		defer wg.Done()
		dialErr = t.dialAll()
	}()
	wg.Wait()
	return multierr.Combine(listenErr, dialErr)
}

func (t *tcpTransport) acceptAll() error {
	if !t.deadline.IsZero() {
		if tl, ok := t.listener.(*net.TCPListener); ok {
			tl.SetDeadline(t.deadline)
		}
	}
	var errs error
	var lock sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < len(t.cfg.Addrs)-1; i++ {
		conn, err := t.listener.Accept()
		if err != nil {
			lock.Lock()
			errs = multierr.Append(errs, fmt.Errorf("accept: %w", err))
			lock.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.greet(conn); err != nil {
				conn.Close()
				lock.Lock()
				errs = multierr.Append(errs, err)
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

// greet answers the handshake of a dialing peer.
func (t *tcpTransport) greet(conn net.Conn) error {
	var msg hello
	if err := codec.NewDecoder(conn, msgpackHandle).Decode(&msg); err != nil {
		return fmt.Errorf("read handshake from %s: %w", conn.RemoteAddr(), err)
	}
	if err := t.checkHello(msg); err != nil {
		return err
	}
	t.lock.Lock()
	if t.accepted[msg.Rank] != nil {
		t.lock.Unlock()
		return fmt.Errorf("rank %d connected twice", msg.Rank)
	}
	t.accepted[msg.Rank] = conn
	t.lock.Unlock()
	return codec.NewEncoder(conn, msgpackHandle).Encode(t.hello())
}

func (t *tcpTransport) dialAll() error {
	errs := make([]error, len(t.cfg.Addrs))
	var wg sync.WaitGroup
	for i, addr := range t.cfg.Addrs {
		if i == t.cfg.Rank {
			continue
		}
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			conn, err := t.dial(addr)
			if err != nil {
				errs[i] = fmt.Errorf("dial rank %d: %w", i, err)
				return
			}
			s := newTCPSender(conn)
			if err := s.write(t.hello()); err != nil {
				conn.Close()
				errs[i] = fmt.Errorf("handshake with rank %d: %w", i, err)
				return
			}
			var msg hello
			if err := codec.NewDecoder(conn, msgpackHandle).Decode(&msg); err != nil {
				conn.Close()
				errs[i] = fmt.Errorf("handshake with rank %d: %w", i, err)
				return
			}
			if err := t.checkHello(msg); err != nil {
				conn.Close()
				errs[i] = err
				return
			} else if msg.Rank != i {
				conn.Close()
				errs[i] = fmt.Errorf("address %s answered as rank %d, expected %d", addr, msg.Rank, i)
				return
			}
			t.dials[i] = s
		}(i, addr)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// dial retries until the peer is listening or the mesh
// deadline passes.
func (t *tcpTransport) dial(addr string) (net.Conn, error) {
	for {
		timeout := time.Until(t.deadline)
		if t.deadline.IsZero() {
			timeout = 0
		}
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return conn, nil
		}
		if !t.deadline.IsZero() && time.Now().Add(dialRetryInterval).After(t.deadline) {
			return nil, err
		}
		t.log.Debug("retrying dial", zap.String("addr", addr), zap.Error(err))
		time.Sleep(dialRetryInterval)
	}
}

func (t *tcpTransport) hello() hello {
	return hello{Token: t.cfg.Token, Rank: t.cfg.Rank, Size: len(t.cfg.Addrs)}
}

func (t *tcpTransport) checkHello(msg hello) error {
	if msg.Token != t.cfg.Token {
		return errors.New("peer presented a different run token")
	}
	if msg.Size != len(t.cfg.Addrs) {
		return fmt.Errorf("peer expects %d ranks, have %d", msg.Size, len(t.cfg.Addrs))
	}
	if msg.Rank < 0 || msg.Rank >= len(t.cfg.Addrs) || msg.Rank == t.cfg.Rank {
		return fmt.Errorf("bad peer rank %d", msg.Rank)
	}
	return nil
}

// readLoop feeds the inbox from one peer until the peer
// says goodbye. Losing the connection before that is a
// failure of the whole group.
func (t *tcpTransport) readLoop(rank int, conn net.Conn) {
	dec := codec.NewDecoder(bufio.NewReader(conn), msgpackHandle)
	for {
		f := new(Frame)
		err := dec.Decode(f)
		bye := err == nil && f.Kind == frameBye

		t.lock.Lock()
		if bye {
			t.live--
		} else if err == nil {
			t.inbox = append(t.inbox, f)
		} else if !t.closing && t.readErr == nil {
			if errors.Is(err, io.EOF) {
				t.readErr = fmt.Errorf("rank %d disconnected before finishing", rank)
			} else {
				t.readErr = fmt.Errorf("read from rank %d: %w", rank, err)
			}
		}
		t.lock.Unlock()

		select {
		case t.notify <- struct{}{}:
		default:
		}
		if err != nil || bye {
			return
		}
	}
}

func (t *tcpTransport) send(dst int, f *Frame) error {
	s := t.dials[dst]
	if s == nil {
		return fmt.Errorf("no connection to rank %d", dst)
	}
	return s.write(f)
}

func (t *tcpTransport) recv(block bool) (*Frame, error) {
	for {
		t.lock.Lock()
		if len(t.inbox) > 0 {
			f := t.inbox[0]
			t.inbox[0] = nil
			t.inbox = t.inbox[1:]
			t.lock.Unlock()
			return f, nil
		}
		err := t.readErr
		live := t.live
		t.lock.Unlock()

		if err != nil {
			return nil, err
		} else if !block {
			return nil, nil
		} else if live == 0 {
			return nil, errors.New("every peer has finished")
		}
		<-t.notify
	}
}

func (t *tcpTransport) now() float64 {
	return time.Since(t.start).Seconds()
}

func (t *tcpTransport) hostname() string {
	return t.host
}

func (t *tcpTransport) finish() error {
	var errs error
	for rank, s := range t.dials {
		if s != nil {
			if err := s.write(&Frame{Kind: frameBye, Src: t.cfg.Rank}); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("say goodbye to rank %d: %w", rank, err))
			}
		}
	}
	if errs != nil {
		return errs
	}

	// Closing with a peer's goodbye still unread would reset
	// the connection under the peer's own write.
	for {
		t.lock.Lock()
		live, err := t.live, t.readErr
		t.lock.Unlock()
		if err != nil {
			return err
		} else if live == 0 {
			return nil
		}
		<-t.notify
	}
}

func (t *tcpTransport) close() error {
	t.lock.Lock()
	t.closing = true
	t.lock.Unlock()

	var errs error
	for _, s := range t.dials {
		if s != nil {
			errs = multierr.Append(errs, s.conn.Close())
		}
	}
	for _, conn := range t.accepted {
		if conn != nil {
			errs = multierr.Append(errs, conn.Close())
		}
	}
	if t.listener != nil {
		errs = multierr.Append(errs, t.listener.Close())
	}
	return errs
}
