// Package transporttest provides an in-memory backend for exercising
// components that sit on top of a transport session.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
)

var errClosed = errors.New("link closed")

// Link is one in-memory connection. The session reads what the test
// pushes and the test reads what the session writes.
type Link struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	readErr error
}

func newLink() *Link {
	return &Link{
		in:     make(chan []byte, 256),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (l *Link) Read() ([]byte, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-l.closed:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.readErr != nil {
			return nil, l.readErr
		}
		return nil, errClosed
	}
}

func (l *Link) Write(frame []byte) error {
	select {
	case <-l.closed:
		return errClosed
	case l.out <- frame:
		return nil
	}
}

func (l *Link) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// Closed reports whether the link was closed by either side.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Push delivers a server event to the session.
func (l *Link) Push(event string, payload any) {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		panic(err)
	}
	l.in <- frame
}

// Drop closes the link as if the network failed with err.
func (l *Link) Drop(err error) {
	l.mu.Lock()
	l.readErr = err
	l.mu.Unlock()
	_ = l.Close()
}

// Next returns the next frame the session wrote, waiting up to timeout.
func (l *Link) Next(timeout time.Duration) (wire.Envelope, bool) {
	select {
	case f := <-l.out:
		env, err := wire.Decode(f)
		return env, err == nil
	case <-time.After(timeout):
		return wire.Envelope{}, false
	}
}

// Expect reads frames until one named event shows up, returning it.
func (l *Link) Expect(event string, timeout time.Duration) (wire.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return wire.Envelope{}, false
		}
		env, ok := l.Next(left)
		if !ok {
			return wire.Envelope{}, false
		}
		if env.Event == event {
			return env, true
		}
	}
}

// Dialer hands out Links and answers every handshake with auth.ok, unless
// configured to fail.
type Dialer struct {
	mu     sync.Mutex
	fail   int
	reject string
	dials  int
	links  []*Link
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	l := newLink()
	if d.reject != "" {
		l.Push(wire.EventAuthError, wire.AuthResult{Reason: d.reject})
	} else {
		l.Push(wire.EventAuthOK, wire.AuthResult{})
	}
	d.links = append(d.links, l)
	return l, nil
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

// Reject makes handshakes fail with reason; an empty reason accepts again.
func (d *Dialer) Reject(reason string) {
	d.mu.Lock()
	d.reject = reason
	d.mu.Unlock()
}

// Dials returns how many dials were attempted.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recent established link, or nil.
func (d *Dialer) Last() *Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}
