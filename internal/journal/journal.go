// Package journal mirrors in-memory sync state into the local store. It
// only listens to the bus, so the event loop never waits on disk.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/unread"
	"go.uber.org/zap"
)

// CheckpointLastResync is the sync_state key holding the time of the last
// completed resync, in unix milliseconds.
const CheckpointLastResync = "last_resync"

// Journal persists message and unread changes published on the bus.
type Journal struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a journal.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, bus: b, logger: logger.Named("journal")}
}

// Start subscribes to the bus. Call Stop to unsubscribe.
func (j *Journal) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	// One channel for every kind keeps writes in publish order: a full
	// unread replace must not overtake the single update that preceded it.
	events, unsub := j.bus.SubscribeAll(2048, "message.", "unread.", bus.KindResync)

	go func() {
		defer close(j.done)
		defer unsub()
		for {
			select {
			case evt := <-events:
				j.Handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the journal and waits for the in-flight write.
func (j *Journal) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
}

// Handle persists one event. Unknown kinds are ignored.
func (j *Journal) Handle(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case delivery.Message:
		if evt.Kind == bus.KindMessageUpserted {
			err = j.IngestMessage(p)
		}
	case delivery.Removal:
		err = j.db.DeleteMessage(p.Key)
	case unread.Change:
		err = j.ingestUnread(p)
	default:
		if evt.Kind == bus.KindResync {
			err = j.db.SetCheckpoint(CheckpointLastResync, strconv.FormatInt(evt.Timestamp.UnixMilli(), 10))
		}
	}
	if err != nil {
		j.logger.Error("failed to journal event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// IngestMessage writes one message and bumps its conversation (idempotent).
func (j *Journal) IngestMessage(m delivery.Message) error {
	created := m.CreatedAt.UnixMilli()
	if err := j.db.TouchConversation(&store.Conversation{
		ID:                 m.ConversationID,
		Name:               m.ConversationName,
		IsGroup:            m.IsGroup,
		LastMessageAt:      created,
		LastMessagePreview: truncate(m.Content, 100),
	}); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	var attachments string
	if len(m.Attachments) > 0 {
		raw, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		attachments = string(raw)
	}
	if err := j.db.UpsertMessage(&store.Message{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		LocalID:        m.LocalID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Content,
		Attachments:    attachments,
		Outgoing:       m.Outgoing,
		Status:         m.Status.String(),
		StatusRank:     int(m.Status),
		Error:          m.Error,
		CreatedAt:      created,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (j *Journal) ingestUnread(c unread.Change) error {
	if c.Full {
		return j.db.ReplaceUnread(c.Counts)
	}
	return j.db.SetUnread(c.ConversationID, c.Count)
}

// History loads up to limit journaled messages of a conversation, oldest
// first, ready to seed a watched view.
func (j *Journal) History(conversationID string, limit int) ([]delivery.Message, error) {
	rows, err := j.db.ListMessages(conversationID, 0, limit)
	if err != nil {
		return nil, err
	}
	out := make([]delivery.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if r.MessageID == "" {
			// Sends that never got a server id are not history.
			continue
		}
		status, err := delivery.ParseStatus(r.Status)
		if err != nil {
			status = delivery.StatusSent
		}
		m := delivery.Message{
			LocalID:        r.LocalID,
			ID:             r.MessageID,
			ConversationID: r.ConversationID,
			SenderID:       r.SenderID,
			SenderName:     r.SenderName,
			Content:        r.Body,
			Outgoing:       r.Outgoing,
			Status:         status,
			Error:          r.Error,
			CreatedAt:      time.UnixMilli(r.CreatedAt),
		}
		if r.Attachments != "" {
			if err := json.Unmarshal([]byte(r.Attachments), &m.Attachments); err != nil {
				j.logger.Warn("bad attachments in journal", zap.String("key", r.Key), zap.Error(err))
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// UnreadCounts returns the journaled unread counters.
func (j *Journal) UnreadCounts() (map[string]int, error) {
	return j.db.UnreadCounts()
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
