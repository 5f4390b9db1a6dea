// Package delivery owns the lifecycle of messages on the client: optimistic
// outbound records, their reconciliation with server acknowledgments, and
// monotonic status updates for everything held locally.
package delivery

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/loop"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var (
	// ErrEmptyMessage is returned when a send has neither content nor attachments.
	ErrEmptyMessage = errors.New("message has no content")
	// ErrNoConversation is returned when a send names no conversation.
	ErrNoConversation = errors.New("conversation id required")
	// ErrUnknownMessage is returned for operations on a message that is not held.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotFailed is returned by Retry for a message that did not fail.
	ErrNotFailed = errors.New("message has not failed")
)

// Sender puts one event on the wire. The transport session implements it.
type Sender interface {
	Send(event string, payload any) error
}

// Options tunes the pipeline.
type Options struct {
	// AckTimeout bounds how long a send may stay unacknowledged.
	AckTimeout time.Duration
	// EarlyStatusTTL bounds how long a status update for an unknown id is
	// kept waiting for its ack.
	EarlyStatusTTL time.Duration
}

// DefaultOptions returns a 10s ack timeout and a one minute early-status TTL.
func DefaultOptions() Options {
	return Options{
		AckTimeout:     10 * time.Second,
		EarlyStatusTTL: time.Minute,
	}
}

// Ack is the payload of message.send_ack events.
type Ack struct {
	LocalID   string
	MessageID string
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	LocalID        string
	ConversationID string
	Reason         string
}

// Removal is the payload of message.removed events.
type Removal struct {
	ConversationID string
	Key            string
}

type conversation struct {
	watched  bool
	messages []*Message
}

type pendingSend struct {
	msg   *Message
	timer *loop.Timer
}

// Pipeline is the single owner of message records. Mutating methods must be
// called on the loop; snapshot readers are safe from any goroutine.
type Pipeline struct {
	loop   *loop.Loop
	sender Sender
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger
	self   string

	pending  map[string]*pendingSend
	early    *cache.Cache
	receipts map[string][]string

	mu      sync.RWMutex
	convs   map[string]*conversation
	byID    map[string]*Message
	byLocal map[string]*Message
}

// NewPipeline creates an empty pipeline.
func NewPipeline(l *loop.Loop, sender Sender, opts Options, b *bus.Bus, logger *zap.Logger) *Pipeline {
	def := DefaultOptions()
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = def.AckTimeout
	}
	if opts.EarlyStatusTTL <= 0 {
		opts.EarlyStatusTTL = def.EarlyStatusTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		loop:     l,
		sender:   sender,
		opts:     opts,
		bus:      b,
		logger:   logger.Named("delivery"),
		pending:  make(map[string]*pendingSend),
		early:    cache.New(opts.EarlyStatusTTL, 2*opts.EarlyStatusTTL),
		receipts: make(map[string][]string),
		convs:    make(map[string]*conversation),
		byID:     make(map[string]*Message),
		byLocal:  make(map[string]*Message),
	}
}

// SetSelf sets the local user id used as sender of outgoing messages.
func (p *Pipeline) SetSelf(id string) {
	p.self = id
}

// SendMessage creates the optimistic record, submits it and returns a
// snapshot. When the submission fails right away the returned record is
// already Failed; the pipeline does not retry it on its own.
func (p *Pipeline) SendMessage(conversationID, content string, attachments []wire.Attachment) (Message, error) {
	if conversationID == "" {
		return Message{}, ErrNoConversation
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return Message{}, ErrEmptyMessage
	}

	m := &Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       p.self,
		Content:        content,
		Attachments:    slices.Clone(attachments),
		Status:         StatusSending,
		Outgoing:       true,
		CreatedAt:      p.loop.Now(),
	}
	p.mu.Lock()
	c := p.conv(conversationID)
	c.messages = append(c.messages, m)
	p.byLocal[m.LocalID] = m
	p.mu.Unlock()
	p.publishUpsert(m)

	err := p.sender.Send(wire.EventMessageSend, wire.Send{
		ClientID:       m.LocalID,
		ConversationID: conversationID,
		Content:        content,
		Attachments:    attachments,
	})
	if err != nil {
		p.logger.Warn("send failed", zap.String("local_id", m.LocalID), zap.Error(err))
		p.markFailed(m, err.Error())
		return p.snapshot(m), nil
	}

	localID := m.LocalID
	p.pending[localID] = &pendingSend{
		msg: m,
		timer: p.loop.AfterFunc(p.opts.AckTimeout, func() {
			p.Fail(localID, "no acknowledgment from server")
		}),
	}
	return p.snapshot(m), nil
}

// Ack reconciles a provisional record with its server id and advances it to
// Sent. Acks for finalized or unknown sends are ignored.
func (p *Pipeline) Ack(localID, messageID string, createdAt time.Time) (Message, bool) {
	ps, ok := p.pending[localID]
	if !ok || messageID == "" {
		p.logger.Debug("ignoring ack", zap.String("local_id", localID), zap.String("message_id", messageID))
		return Message{}, false
	}
	ps.timer.Stop()
	delete(p.pending, localID)
	m := ps.msg

	p.mu.Lock()
	m.ID = messageID
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}
	m.Status = StatusSent
	p.byID[messageID] = m
	p.mu.Unlock()

	if v, found := p.early.Get(messageID); found {
		p.early.Delete(messageID)
		p.advance(m, v.(Status))
	}

	p.logger.Info("message acknowledged", zap.String("local_id", localID), zap.String("message_id", messageID))
	p.bus.Publish(bus.NewEvent(bus.KindMessageAcked, Ack{LocalID: localID, MessageID: messageID}))
	p.publishUpsert(m)
	return p.snapshot(m), true
}

// Fail marks a pending send as Failed.
func (p *Pipeline) Fail(localID, reason string) bool {
	ps, ok := p.pending[localID]
	if !ok {
		return false
	}
	ps.timer.Stop()
	delete(p.pending, localID)
	p.logger.Warn("send failed", zap.String("local_id", localID), zap.String("reason", reason))
	p.markFailed(ps.msg, reason)
	return true
}

// AbortPending fails every unacknowledged send.
func (p *Pipeline) AbortPending(reason string) int {
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.Fail(id, reason)
	}
	return len(ids)
}

// Pending returns how many sends await acknowledgment.
func (p *Pipeline) Pending() int {
	return len(p.pending)
}

// Retry replaces a Failed send with a fresh one carrying the same content.
func (p *Pipeline) Retry(localID string) (Message, error) {
	p.mu.RLock()
	m, ok := p.byLocal[localID]
	p.mu.RUnlock()
	if !ok {
		return Message{}, ErrUnknownMessage
	}
	if m.Status != StatusFailed {
		return Message{}, ErrNotFailed
	}
	p.remove(m)
	return p.SendMessage(m.ConversationID, m.Content, m.Attachments)
}

// ApplyIncoming records a message from the server. It returns the stored
// snapshot and whether the message was new. An echo of one of our own
// pending sends reconciles that send instead of creating a second record.
func (p *Pipeline) ApplyIncoming(w wire.Message) (Message, bool) {
	if w.ClientID != "" {
		if _, ok := p.pending[w.ClientID]; ok && w.ID != "" {
			m, _ := p.Ack(w.ClientID, w.ID, w.CreatedAt)
			return p.applyWireStatus(w, m), false
		}
	}

	p.mu.RLock()
	existing, known := p.byID[w.ID]
	if !known && w.ClientID != "" {
		if m, ok := p.byLocal[w.ClientID]; ok && m.ID == w.ID {
			existing, known = m, true
		}
	}
	p.mu.RUnlock()
	if known {
		return p.applyWireStatus(w, p.snapshot(existing)), false
	}
	if w.ClientID != "" && w.ID != "" {
		p.mu.RLock()
		failed, ok := p.byLocal[w.ClientID]
		adopt := ok && failed.ID == "" && failed.Status == StatusFailed
		p.mu.RUnlock()
		if adopt {
			return p.adoptEcho(failed, w), false
		}
	}

	m := FromWire(w, p.self)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	rec := &m
	p.mu.Lock()
	c := p.conv(m.ConversationID)
	c.messages = insertOrdered(c.messages, rec)
	p.byID[m.ID] = rec
	p.mu.Unlock()

	if v, found := p.early.Get(m.ID); found {
		p.early.Delete(m.ID)
		p.advance(rec, v.(Status))
	}
	p.publishUpsert(rec)
	return p.snapshot(rec), true
}

// adoptEcho swaps a send we gave up on for the server's copy of it. The
// server accepted the send after all, so it ends up as one record under the
// server id that still answers to its local id.
func (p *Pipeline) adoptEcho(failed *Message, w wire.Message) Message {
	p.remove(failed)

	m := FromWire(w, p.self)
	m.LocalID = failed.LocalID
	m.Outgoing = true
	if m.SenderID == "" {
		m.SenderID = failed.SenderID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = failed.CreatedAt
	}
	rec := &m
	p.mu.Lock()
	c := p.conv(m.ConversationID)
	c.messages = insertOrdered(c.messages, rec)
	p.byID[m.ID] = rec
	p.byLocal[m.LocalID] = rec
	p.mu.Unlock()

	if v, found := p.early.Get(m.ID); found {
		p.early.Delete(m.ID)
		p.advance(rec, v.(Status))
	}
	p.logger.Info("late echo replaces failed send", zap.String("local_id", m.LocalID), zap.String("message_id", m.ID))
	p.publishUpsert(rec)
	return p.snapshot(rec)
}

func (p *Pipeline) applyWireStatus(w wire.Message, m Message) Message {
	if st, err := ParseStatus(w.Status); err == nil && m.ID != "" {
		if updated, ok := p.ApplyStatusUpdate(m.ID, st); ok {
			return updated
		}
	}
	return m
}

// ApplyStatusUpdate advances messageID to status unless that would move it
// backwards. Updates for ids not held yet are kept until the message shows up.
func (p *Pipeline) ApplyStatusUpdate(messageID string, status Status) (Message, bool) {
	p.mu.RLock()
	m, ok := p.byID[messageID]
	p.mu.RUnlock()
	if !ok {
		if status != StatusFailed {
			if prev, found := p.early.Get(messageID); !found || prev.(Status) < status {
				p.early.SetDefault(messageID, status)
			}
		}
		return Message{}, false
	}
	if !p.advance(m, status) {
		return p.snapshot(m), false
	}
	p.publishUpsert(m)
	return p.snapshot(m), true
}

func (p *Pipeline) advance(m *Message, status Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !CanAdvance(m.Status, status) {
		return false
	}
	m.Status = status
	return true
}

// MarkRead advances every incoming Delivered message of conversationID to
// Read and sends a read receipt. Receipts that cannot be sent are kept for
// FlushReceipts. It returns the ids that were marked.
func (p *Pipeline) MarkRead(conversationID string) []string {
	var ids []string
	p.mu.Lock()
	if c, ok := p.convs[conversationID]; ok {
		for _, m := range c.messages {
			if !m.Outgoing && m.Status == StatusDelivered {
				m.Status = StatusRead
				ids = append(ids, m.ID)
			}
		}
	}
	p.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		p.publishUpsert(p.lookup(id))
	}
	p.receipts[conversationID] = append(p.receipts[conversationID], ids...)
	p.FlushReceipts()
	return ids
}

// FlushReceipts sends every read receipt still owed to the server.
func (p *Pipeline) FlushReceipts() {
	convs := make([]string, 0, len(p.receipts))
	for conv := range p.receipts {
		convs = append(convs, conv)
	}
	sort.Strings(convs)
	for _, conv := range convs {
		err := p.sender.Send(wire.EventMessageRead, wire.Read{ConversationID: conv, MessageIDs: p.receipts[conv]})
		if err != nil {
			p.logger.Debug("read receipt deferred", zap.String("conversation", conv), zap.Error(err))
			continue
		}
		delete(p.receipts, conv)
	}
}

// PendingReceipts returns how many read receipts are owed for conversationID.
func (p *Pipeline) PendingReceipts(conversationID string) int {
	return len(p.receipts[conversationID])
}

// Watch marks conversationID as observed and seeds it with history, which
// is merged by id with whatever is already held.
func (p *Pipeline) Watch(conversationID string, history []Message) {
	p.mu.Lock()
	c := p.conv(conversationID)
	c.watched = true
	for i := range history {
		h := history[i].clone()
		if h.ID == "" || p.byID[h.ID] != nil {
			continue
		}
		h.ConversationID = conversationID
		rec := &h
		c.messages = insertOrdered(c.messages, rec)
		p.byID[h.ID] = rec
	}
	p.mu.Unlock()
}

// Unwatch stops observing conversationID. Its messages are kept.
func (p *Pipeline) Unwatch(conversationID string) {
	p.mu.Lock()
	if c, ok := p.convs[conversationID]; ok {
		c.watched = false
	}
	p.mu.Unlock()
}

// Watched reports whether conversationID is observed.
func (p *Pipeline) Watched(conversationID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.convs[conversationID]
	return ok && c.watched
}

// Messages returns a snapshot of conversationID's messages in display order.
func (p *Pipeline) Messages(conversationID string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.clone()
	}
	return out
}

// Get returns a snapshot of the message with the given server or local id.
func (p *Pipeline) Get(key string) (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.byID[key]; ok {
		return m.clone(), true
	}
	if m, ok := p.byLocal[key]; ok {
		return m.clone(), true
	}
	return Message{}, false
}

// Reset cancels every ack timer and forgets owed receipts. Records are kept.
func (p *Pipeline) Reset() {
	for id, ps := range p.pending {
		ps.timer.Stop()
		delete(p.pending, id)
	}
	p.receipts = make(map[string][]string)
	p.early.Flush()
}

func (p *Pipeline) markFailed(m *Message, reason string) {
	p.mu.Lock()
	ok := CanAdvance(m.Status, StatusFailed)
	if ok {
		m.Status = StatusFailed
		m.Error = reason
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.bus.Publish(bus.NewEvent(bus.KindMessageFailed, Failure{
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		Reason:         reason,
	}))
	p.publishUpsert(m)
}

func (p *Pipeline) remove(m *Message) {
	p.mu.Lock()
	if c, ok := p.convs[m.ConversationID]; ok {
		c.messages = slices.DeleteFunc(c.messages, func(x *Message) bool { return x == m })
	}
	delete(p.byLocal, m.LocalID)
	if m.ID != "" {
		delete(p.byID, m.ID)
	}
	p.mu.Unlock()
	p.bus.Publish(bus.NewEvent(bus.KindMessageRemoved, Removal{ConversationID: m.ConversationID, Key: m.Key()}))
}

// conv returns the conversation entry, creating it. Callers hold p.mu.
func (p *Pipeline) conv(id string) *conversation {
	c, ok := p.convs[id]
	if !ok {
		c = &conversation{}
		p.convs[id] = c
	}
	return c
}

func (p *Pipeline) lookup(id string) *Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

func (p *Pipeline) snapshot(m *Message) Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return m.clone()
}

func (p *Pipeline) publishUpsert(m *Message) {
	if m == nil {
		return
	}
	p.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, p.snapshot(m)))
}

// insertOrdered inserts m after every message created at or before it.
func insertOrdered(msgs []*Message, m *Message) []*Message {
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt.After(m.CreatedAt)
	})
	return slices.Insert(msgs, i, m)
}
