package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Conn is one framed bidirectional connection. Sends are serialized so
// concurrent writers cannot interleave frames; receives are expected from a
// single reader goroutine.
type Conn struct {
	raw      net.Conn
	maxFrame int

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewConn(raw net.Conn, maxFrame int) *Conn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Conn{
		raw:      raw,
		maxFrame: maxFrame,
		closed:   make(chan struct{}),
	}
}

func (c *Conn) Send(env Envelope) error {
	buf, err := EncodeFrame(env, c.maxFrame)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.raw.Write(buf); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrConnClosed
		}
		return fmt.Errorf("ipc send: %w", err)
	}
	return nil
}

func (c *Conn) Recv() (Envelope, error) {
	env, err := DecodeFrame(c.raw, c.maxFrame)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Envelope{}, ErrConnClosed
		}
		return Envelope{}, err
	}
	return env, nil
}

// Close releases the connection's resources immediately. Safe to call more
// than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.raw.Close()
	})
	return err
}

// Done is closed when the connection has been closed locally.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Listener accepts framed connections on a unix domain socket.
type Listener struct {
	ln       net.Listener
	path     string
	maxFrame int
}

// Listen binds the daemon's well-known endpoint, removing any stale socket
// file first.
func Listen(path string, maxFrame int) (*Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create socket directory %s: %w", dir, err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	return &Listener{ln: ln, path: path, maxFrame: maxFrame}, nil
}

func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrConnClosed
		}
		return nil, err
	}
	return NewConn(raw, l.maxFrame), nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) Path() string {
	return l.path
}

// Dial connects a client to the daemon's socket. Used by peers and tests.
func Dial(path string, maxFrame int) (*Conn, error) {
	raw, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewConn(raw, maxFrame), nil
}
