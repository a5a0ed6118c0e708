package chirp

import (
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

const notificationBodyLimit = 100

// Notification is a rendered desktop notification.
type Notification struct {
	Title     string
	Body      string
	ChannelID string
	Tag       string
}

// Notifier delivers rendered notifications to the platform surface.
type Notifier interface {
	Notify(n Notification)
}

// ChannelNamer resolves a channel id to a display name. Unknown channels may
// return the empty string.
type ChannelNamer interface {
	ChannelName(channelID string) string
}

// notifySource is the event feed the router binds to. Only the notifying
// message variant is observed; the silent variant never reaches the router.
type notifySource interface {
	OnMessage(func(MessageRecord)) func()
}

// RouterConfig wires a NotificationRouter's dependencies.
type RouterConfig struct {
	Session  *Session
	Notifier Notifier
	Namer    ChannelNamer
	Logger   *zap.Logger

	// Visible reports whether the app surface currently has the user's
	// attention. Notifications are suppressed while it returns true.
	Visible func() bool
}

// NotificationRouter decides, per incoming message, whether a desktop
// notification fires. Suppression rules, in order: app visible, message is
// the viewer's own, then the viewer's mention-only preference.
type NotificationRouter struct {
	cfg RouterConfig
	log *zap.Logger

	mu       sync.Mutex
	disposer func()
}

// NewNotificationRouter builds a router. Notifier is required for anything
// to fire; the other dependencies are optional.
func NewNotificationRouter(cfg RouterConfig) *NotificationRouter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &NotificationRouter{cfg: cfg, log: cfg.Logger}
}

// Bind subscribes the router to live message delivery. Rebinding replaces
// the previous subscription, so at most one is ever live regardless of how
// many times setup code runs.
func (r *NotificationRouter) Bind(source notifySource) func() {
	r.Unbind()

	d := source.OnMessage(r.HandleIncoming)

	r.mu.Lock()
	r.disposer = d
	r.mu.Unlock()

	return r.Unbind
}

// Unbind removes the live subscription, if any.
func (r *NotificationRouter) Unbind() {
	r.mu.Lock()
	d := r.disposer
	r.disposer = nil
	r.mu.Unlock()
	if d != nil {
		d()
	}
}

// HandleIncoming applies the suppression rules to one delivered message and
// fires a notification when none apply.
func (r *NotificationRouter) HandleIncoming(rec MessageRecord) {
	if r.cfg.Notifier == nil {
		return
	}
	if r.cfg.Visible != nil && r.cfg.Visible() {
		return
	}

	var viewerID int64
	if r.cfg.Session != nil {
		viewerID = r.cfg.Session.UserID()
	}
	if viewerID != 0 && rec.UserID == viewerID {
		return
	}

	msg := NormalizeMessage(&rec, viewerID)
	if r.cfg.Session != nil && r.cfg.Session.MentionOnly() && !msg.Mentions(viewerID) {
		return
	}

	n := r.render(msg)
	r.log.Debug("notification fired",
		zap.String("channel", n.ChannelID), zap.String("tag", n.Tag))
	r.cfg.Notifier.Notify(n)
}

func (r *NotificationRouter) render(msg Message) Notification {
	channelName := ""
	if r.cfg.Namer != nil {
		channelName = r.cfg.Namer.ChannelName(msg.ChannelID)
	}
	if channelName == "" {
		channelName = msg.ChannelID
	}

	body := ""
	if len(msg.Body) > 0 {
		body = msg.Body[0]
	}
	if len(body) > notificationBodyLimit {
		body = body[:notificationBodyLimit]
	}

	return Notification{
		Title:     fmt.Sprintf("%s in #%s", msg.Author, channelName),
		Body:      body,
		ChannelID: msg.ChannelID,
		Tag:       "channel-" + msg.ChannelID,
	}
}

// ChannelIndex is a thread-safe id-to-name map that satisfies ChannelNamer.
type ChannelIndex struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewChannelIndex returns an empty index.
func NewChannelIndex() *ChannelIndex {
	return &ChannelIndex{names: make(map[string]string)}
}

// Update records or refreshes one channel's name.
func (ci *ChannelIndex) Update(ch ChannelRecord) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.names[strconv.FormatInt(ch.ID, 10)] = ch.Name
}

// Remove drops one channel from the index.
func (ci *ChannelIndex) Remove(channelID string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	delete(ci.names, channelID)
}

// ChannelName resolves a channel id to its known name, or empty.
func (ci *ChannelIndex) ChannelName(channelID string) string {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return ci.names[channelID]
}
