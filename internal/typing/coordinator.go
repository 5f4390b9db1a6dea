// Package typing coordinates typing indicators: debounced start/stop signals
// for the local user and expiring per-peer state for remote ones.
package typing

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/loop"
	"go.uber.org/zap"
)

// Options tunes the timers.
type Options struct {
	// Debounce is the quiet period after the last keystroke before stop is sent.
	Debounce time.Duration
	// Refresh is how often start is re-sent while the user keeps typing.
	Refresh time.Duration
	// Expiry is how long a remote start stays valid without a refresh. Peers
	// must re-send start faster than this or their indicator flickers off
	// mid-typing, so it has to exceed the Refresh both sides use. The 5s
	// default suits peers refreshing every 3s; a 1s window only works against
	// peers that refresh sub-second. Values not above Refresh are raised to
	// Refresh plus the default 2s margin.
	Expiry time.Duration
}

// DefaultOptions returns a 1s debounce, 3s refresh and 5s expiry.
func DefaultOptions() Options {
	return Options{
		Debounce: time.Second,
		Refresh:  3 * time.Second,
		Expiry:   5 * time.Second,
	}
}

// Signal sends a local typing start (true) or stop (false) for a conversation.
type Signal func(conversationID string, typing bool)

// Change is the payload of typing.changed events.
type Change struct {
	ConversationID string
	UserID         string
	Typing         bool
}

type outbound struct {
	debounce *loop.Timer
	lastSent time.Time
}

type peer struct {
	expires time.Time
	timer   *loop.Timer
}

// Coordinator owns both directions of typing state. All methods except
// Peers must run on the loop.
type Coordinator struct {
	loop   *loop.Loop
	opts   Options
	signal Signal
	bus    *bus.Bus
	logger *zap.Logger

	local map[string]*outbound

	mu      sync.RWMutex
	remotes map[string]map[string]*peer
}

// NewCoordinator creates a coordinator. Zero option fields take defaults.
func NewCoordinator(l *loop.Loop, signal Signal, opts Options, b *bus.Bus, logger *zap.Logger) *Coordinator {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.Refresh <= 0 {
		opts.Refresh = def.Refresh
	}
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Expiry <= opts.Refresh {
		opts.Expiry = opts.Refresh + def.Expiry - def.Refresh
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if signal == nil {
		signal = func(string, bool) {}
	}
	return &Coordinator{
		loop:    l,
		opts:    opts,
		signal:  signal,
		bus:     b,
		logger:  logger.Named("typing"),
		local:   make(map[string]*outbound),
		remotes: make(map[string]map[string]*peer),
	}
}

// OnTextChanged feeds a change of the local input for conversationID.
func (c *Coordinator) OnTextChanged(conversationID string, hasContent bool) {
	if !hasContent {
		c.StopLocal(conversationID)
		return
	}

	now := c.loop.Now()
	st, ok := c.local[conversationID]
	switch {
	case !ok:
		st = &outbound{lastSent: now}
		c.local[conversationID] = st
		c.signal(conversationID, true)
	case now.Sub(st.lastSent) >= c.opts.Refresh:
		st.lastSent = now
		c.signal(conversationID, true)
	}

	st.debounce.Stop()
	st.debounce = c.loop.AfterFunc(c.opts.Debounce, func() {
		c.StopLocal(conversationID)
	})
}

// StopLocal emits stop for conversationID if the local user is typing there.
func (c *Coordinator) StopLocal(conversationID string) {
	st, ok := c.local[conversationID]
	if !ok {
		return
	}
	st.debounce.Stop()
	delete(c.local, conversationID)
	c.signal(conversationID, false)
}

// Typing reports whether the local user is typing in conversationID.
func (c *Coordinator) Typing(conversationID string) bool {
	_, ok := c.local[conversationID]
	return ok
}

// ApplyStart records that userID is typing in conversationID and (re)arms
// its expiry.
func (c *Coordinator) ApplyStart(conversationID, userID string) {
	now := c.loop.Now()

	c.mu.Lock()
	peers := c.remotes[conversationID]
	if peers == nil {
		peers = make(map[string]*peer)
		c.remotes[conversationID] = peers
	}
	p, existed := peers[userID]
	if !existed {
		p = &peer{}
		peers[userID] = p
	}
	p.expires = now.Add(c.opts.Expiry)
	c.mu.Unlock()

	p.timer.Stop()
	p.timer = c.loop.AfterFunc(c.opts.Expiry, func() {
		c.logger.Debug("typing expired", zap.String("conversation", conversationID), zap.String("user", userID))
		c.remove(conversationID, userID)
	})

	if !existed {
		c.publish(conversationID, userID, true)
	}
}

// ApplyStop clears userID's typing state in conversationID.
func (c *Coordinator) ApplyStop(conversationID, userID string) {
	c.remove(conversationID, userID)
}

func (c *Coordinator) remove(conversationID, userID string) {
	c.mu.Lock()
	p, ok := c.remotes[conversationID][userID]
	if ok {
		delete(c.remotes[conversationID], userID)
		if len(c.remotes[conversationID]) == 0 {
			delete(c.remotes, conversationID)
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	c.publish(conversationID, userID, false)
}

// Peers returns the sorted ids typing in conversationID. Entries past their
// expiry are excluded even if the expiry callback has not run yet. Safe from
// any goroutine.
func (c *Coordinator) Peers(conversationID string) []string {
	now := c.loop.Now()
	c.mu.RLock()
	var ids []string
	for id, p := range c.remotes[conversationID] {
		if now.Before(p.expires) {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// ClearInbound drops every remote typing entry, publishing a stop for each.
func (c *Coordinator) ClearInbound() {
	c.mu.Lock()
	remotes := c.remotes
	c.remotes = make(map[string]map[string]*peer)
	c.mu.Unlock()

	for conv, peers := range remotes {
		for id, p := range peers {
			p.timer.Stop()
			c.publish(conv, id, false)
		}
	}
}

// Reset cancels every timer and forgets local typing state without
// signalling. Used when the session is torn down.
func (c *Coordinator) Reset() {
	for conv, st := range c.local {
		st.debounce.Stop()
		delete(c.local, conv)
	}
	c.ClearInbound()
}

func (c *Coordinator) publish(conversationID, userID string, typing bool) {
	c.bus.Publish(bus.NewEvent(bus.KindTypingChanged, Change{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	}))
}
