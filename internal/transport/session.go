// Package transport owns the single live connection to the chat backend:
// handshake, automatic reconnection with a bounded retry budget, and raw
// event send/receive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send while the session is not Connected.
	ErrNotConnected = errors.New("transport not connected")
	// ErrAuthRejected is returned when the server refuses the handshake.
	ErrAuthRejected = errors.New("handshake rejected")
	// ErrSendBufferFull is returned when the write pump cannot keep up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Options tunes the reconnect policy and the outbound pipe.
type Options struct {
	MaxRetries       int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	SendBuffer       int
	SendRate         int // frames per second; 0 disables limiting
}

// DefaultOptions returns the stock policy: five retries one second apart.
func DefaultOptions() Options {
	return Options{
		MaxRetries:       5,
		RetryDelay:       time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendBuffer:       256,
	}
}

// Hooks are invoked on the loop when the connection changes.
type Hooks struct {
	// OnConnected runs after every successful handshake. resumed is true
	// when this is a reconnect within the same session.
	OnConnected func(identity string, resumed bool)
	// OnLinkLost runs when an established link drops, before any retry.
	OnLinkLost func(err error)
	// OnFailed runs once the retry budget is exhausted.
	OnFailed func(err error)
	// OnDisconnected runs after an explicit Disconnect tore the session down.
	OnDisconnected func()
}

// Handler receives one inbound event. Handlers run on the loop.
type Handler func(env wire.Envelope)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Info is a point-in-time view of the session. Identity is the identity of
// the current or last session.
type Info struct {
	Identity   string
	State      status.State
	RetryCount int
	LastError  string
}

// Session is the sole owner of the live connection. Unless noted, methods
// must be called on the loop.
type Session struct {
	loop    *loop.Loop
	dialer  Dialer
	tokens  auth.TokenSource
	machine *status.Machine
	logger  *zap.Logger
	opts    Options
	hooks   Hooks
	limiter ratelimit.Limiter

	identity      string
	gen           uint64
	cancelAttempt context.CancelFunc
	link          *link
	retryCount    int
	retryTimer    *loop.Timer
	everConnected bool
	handlers      map[string][]handlerEntry
	nextHandler   uint64

	mu   sync.RWMutex
	info Info
}

type link struct {
	conn Conn
	out  chan []byte
}

// NewSession creates a disconnected session.
func NewSession(l *loop.Loop, dialer Dialer, tokens auth.TokenSource, machine *status.Machine, opts Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultOptions().HandshakeTimeout
	}
	limiter := ratelimit.NewUnlimited()
	if opts.SendRate > 0 {
		limiter = ratelimit.New(opts.SendRate)
	}
	return &Session{
		loop:     l,
		dialer:   dialer,
		tokens:   tokens,
		machine:  machine,
		logger:   logger.Named("transport"),
		opts:     opts,
		limiter:  limiter,
		handlers: make(map[string][]handlerEntry),
		info:     Info{State: machine.Current()},
	}
}

// SetHooks installs connection hooks. Call before the first Connect.
func (s *Session) SetHooks(h Hooks) {
	s.hooks = h
}

// Info returns a snapshot. Safe from any goroutine.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.State = s.machine.Current()
	return info
}

// State returns the connection state. Safe from any goroutine.
func (s *Session) State() status.State {
	return s.machine.Current()
}

// Connect starts connecting as identity. It is a no-op while a connection
// is established or being established.
func (s *Session) Connect(identity string) {
	if s.machine.Is(status.Connected, status.Connecting, status.Reconnecting) {
		if identity != s.identity {
			s.logger.Warn("connect ignored, session already active",
				zap.String("active", s.identity), zap.String("requested", identity))
		}
		return
	}
	s.identity = identity
	s.retryCount = 0
	s.everConnected = false
	s.setInfo(func(i *Info) {
		i.Identity = identity
		i.RetryCount = 0
		i.LastError = ""
	})
	s.transition(status.Connecting)
	s.attempt()
}

// Disconnect tears the session down: it cancels the pending retry and any
// in-flight dial, closes the link, and drops every registered handler.
// Calling it again is harmless.
func (s *Session) Disconnect() {
	s.gen++
	s.retryTimer.Stop()
	s.retryTimer = nil
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
	s.closeLink()
	s.handlers = make(map[string][]handlerEntry)
	s.retryCount = 0
	s.everConnected = false
	s.setInfo(func(i *Info) { i.RetryCount = 0 })

	if s.machine.Is(status.Disconnected) {
		return
	}
	s.transition(status.Disconnected)
	s.logger.Info("session disconnected", zap.String("identity", s.identity))
	if s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected()
	}
}

// Send writes one event. Nothing is queued while the session is not
// Connected: the call returns ErrNotConnected.
func (s *Session) Send(event string, payload any) error {
	if s.link == nil || !s.machine.Is(status.Connected) {
		s.logger.Debug("send dropped, not connected", zap.String("event", event))
		return ErrNotConnected
	}
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case s.link.out <- frame:
		return nil
	default:
		s.logger.Warn("send buffer full", zap.String("event", event))
		return ErrSendBufferFull
	}
}

// On registers handler for event and returns the matching off function.
// Handlers are called in registration order.
func (s *Session) On(event string, handler Handler) (off func()) {
	s.nextHandler++
	id := s.nextHandler
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: id, fn: handler})
	return func() { s.off(event, id) }
}

func (s *Session) off(event string, id uint64) {
	entries := s.handlers[event]
	for i, e := range entries {
		if e.id == id {
			s.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.handlers[event]) == 0 {
		delete(s.handlers, event)
	}
}

// HandlerCount returns how many handlers are registered for event.
func (s *Session) HandlerCount(event string) int {
	return len(s.handlers[event])
}

// RetryPending reports whether a reconnect timer is armed.
func (s *Session) RetryPending() bool {
	return s.retryTimer.Active()
}

func (s *Session) attempt() {
	s.gen++
	gen := s.gen
	identity := s.identity
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	s.cancelAttempt = cancel

	go func() {
		defer cancel()
		conn, err := s.open(ctx, identity)
		if !s.loop.Post(func() { s.attemptDone(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

// open dials and runs the auth handshake. Runs off the loop.
func (s *Session) open(ctx context.Context, identity string) (Conn, error) {
	token, err := s.tokens.Token(identity)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	conn, err := s.dialer.Dial(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := handshake(ctx, conn, token, identity); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func handshake(ctx context.Context, conn Conn, token, identity string) error {
	frame, err := wire.Encode(wire.EventAuth, wire.Auth{Token: token, UserID: identity})
	if err != nil {
		return err
	}
	if err := conn.Write(frame); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.Read()
		ch <- result{f, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		_ = conn.Close()
		return fmt.Errorf("handshake: %w", ctx.Err())
	}
	if r.err != nil {
		return fmt.Errorf("handshake read: %w", r.err)
	}

	env, err := wire.Decode(r.frame)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	switch env.Event {
	case wire.EventAuthOK:
		return nil
	case wire.EventAuthError:
		var res wire.AuthResult
		_ = env.Bind(&res)
		return fmt.Errorf("%w: %s", ErrAuthRejected, res.Reason)
	default:
		return fmt.Errorf("handshake: unexpected event %q", env.Event)
	}
}

func (s *Session) attemptDone(gen uint64, conn Conn, err error) {
	if gen != s.gen {
		// Disconnect or a newer attempt superseded this one.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	s.cancelAttempt = nil

	if err != nil {
		s.logger.Warn("connect attempt failed", zap.Error(err), zap.Int("retry_count", s.retryCount))
		s.setInfo(func(i *Info) { i.LastError = err.Error() })
		if errors.Is(err, ErrAuthRejected) {
			s.fail(err)
			return
		}
		s.scheduleRetry(err, false)
		return
	}

	resumed := s.everConnected
	s.everConnected = true
	s.retryCount = 0
	s.setInfo(func(i *Info) {
		i.RetryCount = 0
		i.LastError = ""
	})

	l := &link{conn: conn, out: make(chan []byte, s.opts.SendBuffer)}
	s.link = l
	s.transition(status.Connected)
	s.logger.Info("session connected", zap.String("identity", s.identity), zap.Bool("resumed", resumed))

	go s.readPump(l)
	go s.writePump(l)

	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected(s.identity, resumed)
	}
}

func (s *Session) scheduleRetry(err error, immediate bool) {
	if s.retryCount >= s.opts.MaxRetries {
		s.fail(err)
		return
	}
	s.retryCount++
	count := s.retryCount
	s.setInfo(func(i *Info) { i.RetryCount = count })
	if !s.machine.Is(status.Reconnecting) {
		s.transition(status.Reconnecting)
	}

	if immediate {
		s.logger.Info("server closed the link, reconnecting now", zap.Int("retry_count", count))
		s.attempt()
		return
	}
	s.logger.Info("reconnect scheduled", zap.Int("retry_count", count), zap.Duration("delay", s.opts.RetryDelay))
	s.retryTimer = s.loop.AfterFunc(s.opts.RetryDelay, func() {
		s.retryTimer = nil
		s.attempt()
	})
}

func (s *Session) fail(err error) {
	s.logger.Error("giving up on connection", zap.Error(err), zap.Int("retry_count", s.retryCount))
	s.transition(status.Failed)
	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed(err)
	}
}

func (s *Session) linkLost(l *link, err error) {
	if s.link != l {
		return
	}
	s.closeLink()
	s.logger.Warn("link lost", zap.Error(err))
	s.setInfo(func(i *Info) { i.LastError = err.Error() })
	if s.hooks.OnLinkLost != nil {
		s.hooks.OnLinkLost(err)
	}
	s.scheduleRetry(err, errors.Is(err, ErrServerClosed))
}

func (s *Session) closeLink() {
	if s.link == nil {
		return
	}
	close(s.link.out)
	_ = s.link.conn.Close()
	s.link = nil
}

func (s *Session) dispatch(l *link, env wire.Envelope) {
	if s.link != l {
		return
	}
	entries := append([]handlerEntry(nil), s.handlers[env.Event]...)
	if len(entries) == 0 {
		s.logger.Debug("no handler for event", zap.String("event", env.Event))
		return
	}
	for _, e := range entries {
		e.fn(env)
	}
}

func (s *Session) readPump(l *link) {
	for {
		frame, err := l.conn.Read()
		if err != nil {
			s.loop.Post(func() { s.linkLost(l, err) })
			return
		}
		env, err := wire.Decode(frame)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		s.loop.Post(func() { s.dispatch(l, env) })
	}
}

func (s *Session) writePump(l *link) {
	for frame := range l.out {
		s.limiter.Take()
		if err := l.conn.Write(frame); err != nil {
			// The read pump sees the closed conn and reports the loss.
			_ = l.conn.Close()
			for range l.out {
			}
			return
		}
	}
}

func (s *Session) transition(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Error("state transition rejected", zap.Error(err))
	}
}

func (s *Session) setInfo(fn func(*Info)) {
	s.mu.Lock()
	fn(&s.info)
	s.mu.Unlock()
}
