package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/chatsync/internal/wire"
)

var errFakeClosed = errors.New("use of closed fake connection")

// fakeConn is an in-memory link. Frames pushed to in are read by the
// session; frames the session writes land in out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	readErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, errFakeClosed
	}
}

func (c *fakeConn) Write(frame []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	case c.out <- frame:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// drop simulates the link going away with err.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) push(event string, payload any) {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		panic(err)
	}
	c.in <- frame
}

// fakeDialer hands out fakeConns. The next `fails` dials fail; reject makes
// the server answer the handshake with auth.error; gate, when set, blocks
// each dial until a value is received.
type fakeDialer struct {
	mu     sync.Mutex
	fails  int
	reject bool
	gate   chan struct{}
	dials  int
	tokens []string
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.reject {
		c.push(wire.EventAuthError, wire.AuthResult{Reason: "bad token"})
	} else {
		c.push(wire.EventAuthOK, wire.AuthResult{UserID: "alice"})
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFails(n int) {
	d.mu.Lock()
	d.fails = n
	d.mu.Unlock()
}
