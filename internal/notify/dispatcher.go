// Package notify decides whether an inbound event becomes a user-facing
// alert and drives the alert side channels.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// PreviewPlaceholder replaces message content when previews are disabled.
const PreviewPlaceholder = "New message"

// EventKind classifies notifiable events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventGroupMessage
	EventMention
	EventCall
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventGroupMessage:
		return "group_message"
	case EventMention:
		return "mention"
	case EventCall:
		return "call"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is an inbound occurrence that may be worth an alert.
type Event struct {
	Kind             EventKind
	ConversationID   string
	ConversationName string
	SenderID         string
	SenderName       string
	Content          string
	CallID           string
	CallType         string
}

// Notification is the payload handed to the platform alert.
type Notification struct {
	Title string
	Body  string
	// Tag identifies the logical thread; alerts with the same tag replace
	// each other.
	Tag string
	// Count is how many events were collapsed into this alert.
	Count int
	Kind  EventKind
}

// Alerter is the platform side: the visible alert plus the sound and
// vibration channels.
type Alerter interface {
	Show(n Notification) error
	PlaySound(kind EventKind) error
	Vibrate(kind EventKind) error
}

// Result reports what a dispatch did.
type Result struct {
	Notification Notification
	Shown        bool
	Sound        bool
	Vibration    bool
}

// ShouldNotify is the pure decision: disabled settings never notify, each
// kind honours its own toggle, and a plain message does not notify while
// the application has focus.
func ShouldNotify(ev Event, s Settings, hasFocus bool) bool {
	if !s.Enabled {
		return false
	}
	switch ev.Kind {
	case EventMessage:
		return !hasFocus
	case EventGroupMessage:
		return s.GroupMessages && !hasFocus
	case EventMention:
		return true
	case EventCall:
		return s.CallNotifications
	default:
		return false
	}
}

// Build renders the notification for ev. Content is replaced by a
// placeholder unless previews are enabled.
func Build(ev Event, s Settings) Notification {
	n := Notification{Tag: Tag(ev), Count: 1, Kind: ev.Kind}
	body := PreviewPlaceholder
	if s.MessagePreview && ev.Content != "" {
		body = ev.Content
	}

	sender := firstNonEmpty(ev.SenderName, ev.SenderID)
	switch ev.Kind {
	case EventMessage:
		n.Title = sender
		n.Body = body
	case EventGroupMessage:
		n.Title = firstNonEmpty(ev.ConversationName, ev.ConversationID)
		n.Body = body
		if s.MessagePreview {
			n.Body = sender + ": " + body
		}
	case EventMention:
		n.Title = fmt.Sprintf("%s mentioned you", sender)
		if name := firstNonEmpty(ev.ConversationName, ev.ConversationID); name != "" {
			n.Title += " in " + name
		}
		n.Body = body
	case EventCall:
		n.Title = "Incoming call"
		if ev.CallType != "" {
			n.Title = fmt.Sprintf("Incoming %s call", ev.CallType)
		}
		n.Body = fmt.Sprintf("%s is calling", sender)
	}
	return n
}

// Tag returns the collapse key for ev.
func Tag(ev Event) string {
	if ev.Kind == EventCall {
		return "call:" + firstNonEmpty(ev.CallID, ev.SenderID)
	}
	return "conv:" + ev.ConversationID
}

// Dispatcher applies the settings to inbound events. Dispatch runs on the
// loop; the accessors are safe from any goroutine.
type Dispatcher struct {
	alerter Alerter
	store   SettingsStore
	bus     *bus.Bus
	logger  *zap.Logger
	recent  *cache.Cache

	mu       sync.RWMutex
	settings Settings
	focus    bool
	count    int
}

// NewDispatcher creates a dispatcher. Alerts for the same tag within window
// are collapsed into one with a running count.
func NewDispatcher(alerter Alerter, store SettingsStore, window time.Duration, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Dispatcher{
		alerter:  alerter,
		store:    store,
		bus:      b,
		logger:   logger.Named("notify"),
		recent:   cache.New(window, 2*window),
		settings: DefaultSettings(),
	}
}

// Load reads persisted settings. Missing settings keep the defaults.
func (d *Dispatcher) Load() error {
	if d.store == nil {
		return nil
	}
	s, found, err := d.store.LoadSettings()
	if err != nil {
		return fmt.Errorf("load notification settings: %w", err)
	}
	if found {
		d.mu.Lock()
		d.settings = s
		d.mu.Unlock()
	}
	return nil
}

// Settings returns the current settings.
func (d *Dispatcher) Settings() Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// UpdateSettings persists s and makes it current. The permission is not
// changed here; use SetPermission.
func (d *Dispatcher) UpdateSettings(s Settings) error {
	d.mu.RLock()
	s.Permission = d.settings.Permission
	d.mu.RUnlock()
	return d.save(s)
}

// SetPermission records the platform authorization result.
func (d *Dispatcher) SetPermission(p Permission) error {
	s := d.Settings()
	s.Permission = p
	return d.save(s)
}

func (d *Dispatcher) save(s Settings) error {
	if d.store != nil {
		if err := d.store.SaveSettings(s); err != nil {
			return fmt.Errorf("save notification settings: %w", err)
		}
	}
	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	d.bus.Publish(bus.NewEvent(bus.KindSettingsChanged, s))
	return nil
}

// SetFocus records whether the application has input focus.
func (d *Dispatcher) SetFocus(focused bool) {
	d.mu.Lock()
	d.focus = focused
	d.mu.Unlock()
}

// HasFocus reports the last focus state.
func (d *Dispatcher) HasFocus() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.focus
}

// Count returns how many notifications were raised since the last ClearCount.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}

// ClearCount resets the notification counter.
func (d *Dispatcher) ClearCount() {
	d.mu.Lock()
	d.count = 0
	d.mu.Unlock()
}

// Dismiss forgets the collapse state of a conversation, typically once it
// has been read.
func (d *Dispatcher) Dismiss(conversationID string) {
	d.recent.Delete("conv:" + conversationID)
}

// Dispatch raises whatever ev warrants under the current settings. ok is
// false when nothing was raised.
func (d *Dispatcher) Dispatch(ev Event) (Result, bool) {
	d.mu.Lock()
	s := d.settings
	focus := d.focus
	d.mu.Unlock()

	if !ShouldNotify(ev, s, focus) {
		return Result{}, false
	}

	n := Build(ev, s)
	if v, found := d.recent.Get(n.Tag); found {
		n.Count = v.(int) + 1
		if !s.MessagePreview && ev.Kind != EventCall {
			n.Body = fmt.Sprintf("%d new messages", n.Count)
		}
	}
	d.recent.SetDefault(n.Tag, n.Count)

	d.mu.Lock()
	d.count++
	d.mu.Unlock()

	res := Result{Notification: n}
	if s.Sound {
		if err := d.alerter.PlaySound(ev.Kind); err != nil {
			d.logger.Warn("sound failed", zap.Error(err))
		} else {
			res.Sound = true
		}
	}
	if s.Vibration {
		if err := d.alerter.Vibrate(ev.Kind); err != nil {
			d.logger.Warn("vibration failed", zap.Error(err))
		} else {
			res.Vibration = true
		}
	}
	if s.Desktop && s.Permission == PermissionGranted {
		if err := d.alerter.Show(n); err != nil {
			d.logger.Warn("platform alert failed", zap.Error(err), zap.String("tag", n.Tag))
		} else {
			res.Shown = true
		}
	}

	d.logger.Debug("notification dispatched",
		zap.Stringer("kind", ev.Kind),
		zap.String("tag", n.Tag),
		zap.Int("count", n.Count),
		zap.Bool("shown", res.Shown))
	return res, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
