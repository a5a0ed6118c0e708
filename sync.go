package chirp

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertKind classifies user-facing alerts raised by the synchronizer.
type AlertKind string

const (
	AlertError AlertKind = "error"
	AlertInfo  AlertKind = "info"
)

// Alerter surfaces user-facing alerts. A nil Alerter drops them.
type Alerter interface {
	Alert(kind AlertKind, message string)
}

// Viewport abstracts the scrollable transcript surface. Positions are
// measured in the viewport's own units from the top of the content.
type Viewport interface {
	ScrollHeight() int
	ScrollTo(position int)
}

const (
	// DefaultPageSize is the history page size.
	DefaultPageSize = 50
	// DefaultBackfillDelay throttles consecutive older-history loads.
	DefaultBackfillDelay = 300 * time.Millisecond

	// scrollThreshold bounds both the near-top trigger and the
	// near-bottom anchor test.
	scrollThreshold = 100
)

// liveSource is the event feed the synchronizer binds to for live delivery.
type liveSource interface {
	OnMessage(func(MessageRecord)) func()
	OnMessageSilent(func(MessageRecord)) func()
}

// SyncConfig wires a ChannelSync's dependencies.
type SyncConfig struct {
	Session  *Session
	History  HistoryFetcher
	Sender   MessageSender
	Cache    *MessageCache
	Viewport Viewport
	Alerter  Alerter
	Logger   *zap.Logger

	PageSize      int
	BackfillDelay time.Duration
}

func (c *SyncConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.BackfillDelay == 0 {
		c.BackfillDelay = DefaultBackfillDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ChannelSync maintains one channel's transcript: ascending by send time,
// append-only at the tail, backfilled at the head, with no duplicate ids.
// It merges paginated history with live delivery and mirrors the transcript
// into the cache.
type ChannelSync struct {
	cfg SyncConfig
	log *zap.Logger

	mu         sync.Mutex
	channelID  string
	numericID  int64
	epoch      uint64
	transcript []Message
	seen       map[int64]struct{}
	page       int
	hasMore    bool
	loading    bool
	atBottom   bool

	disposers []func()
}

// NewChannelSync builds a synchronizer. History is required; the rest of the
// dependencies are optional and degrade gracefully when absent.
func NewChannelSync(cfg SyncConfig) *ChannelSync {
	cfg.defaults()
	return &ChannelSync{
		cfg:      cfg,
		log:      cfg.Logger,
		seen:     make(map[int64]struct{}),
		atBottom: true,
	}
}

// ============================================================================
// Accessors
// ============================================================================

// ChannelID returns the active channel id, or empty when none is open.
func (s *ChannelSync) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// Messages returns a copy of the transcript in display order.
func (s *ChannelSync) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// HasMore reports whether older history remains unfetched.
func (s *ChannelSync) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// IsLoading reports whether a history request is in flight or the backfill
// throttle is active.
func (s *ChannelSync) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Page returns the last fetched history page number.
func (s *ChannelSync) Page() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// AtBottom reports whether the viewport is anchored near the newest message.
func (s *ChannelSync) AtBottom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atBottom
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open switches the synchronizer to a channel: the previous transcript is
// cleared, cached messages paint immediately, and fresh history is fetched.
// A non-numeric channel id clears state and issues no request.
func (s *ChannelSync) Open(ctx context.Context, channelID string) error {
	numeric, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		s.log.Warn("ignoring non-numeric channel id", zap.String("channel", channelID))
		s.Clear()
		return nil
	}

	s.mu.Lock()
	s.resetLocked()
	s.channelID = channelID
	s.numericID = numeric
	s.mu.Unlock()

	s.RestoreFromCache()
	return s.LoadInitial(ctx)
}

// Clear drops all transcript state and detaches from the current channel.
func (s *ChannelSync) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *ChannelSync) resetLocked() {
	s.epoch++
	s.channelID = ""
	s.numericID = 0
	s.transcript = nil
	s.seen = make(map[int64]struct{})
	s.page = 0
	s.hasMore = false
	s.loading = false
	s.atBottom = true
}

// RestoreFromCache paints the cached transcript, if any, without touching
// pagination state. Live appends still apply on top. Reports whether a
// usable cache hit occurred.
func (s *ChannelSync) RestoreFromCache() bool {
	if s.cfg.Cache == nil {
		return false
	}
	s.mu.Lock()
	channelID := s.channelID
	s.mu.Unlock()
	if channelID == "" {
		return false
	}
	cached := s.cfg.Cache.Get(channelID)
	if len(cached) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelID != channelID || len(s.transcript) > 0 {
		return false
	}
	s.transcript = append(s.transcript, cached...)
	for i := range s.transcript {
		s.seen[s.transcript[i].ID] = struct{}{}
	}
	s.log.Debug("restored transcript from cache",
		zap.String("channel", channelID), zap.Int("messages", len(cached)))
	return true
}

// ============================================================================
// History
// ============================================================================

// LoadInitial fetches the newest history page and replaces the transcript
// with it. On failure the transcript, cached paint included, is left
// unchanged.
func (s *ChannelSync) LoadInitial(ctx context.Context) error {
	s.mu.Lock()
	if s.channelID == "" {
		s.mu.Unlock()
		return nil
	}
	epoch := s.epoch
	numericID := s.numericID
	channelID := s.channelID
	s.loading = true
	s.mu.Unlock()

	page, err := s.cfg.History.History(ctx, numericID, 1, s.cfg.PageSize)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("initial history load failed",
			zap.String("channel", channelID), zap.Error(err))
		s.alert(AlertError, "Failed to load messages")
		return err
	}

	viewerID := s.viewerID()
	s.transcript = normalizePage(page, viewerID)
	s.seen = make(map[int64]struct{}, len(s.transcript))
	for i := range s.transcript {
		s.seen[s.transcript[i].ID] = struct{}{}
	}
	s.page = page.Meta.CurrentPage
	s.hasMore = page.Meta.HasMore()
	snapshot := append([]Message(nil), s.transcript...)
	s.mu.Unlock()

	s.cachePut(channelID, snapshot)
	s.scrollToBottom()
	return nil
}

// LoadOlder fetches the next older history page and prepends it. At most one
// request is in flight at a time; extra calls while loading are no-ops. The
// request fires only after BackfillDelay, smoothing bursts of scroll-driven
// triggers.
func (s *ChannelSync) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.channelID == "" || s.loading || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	epoch := s.epoch
	numericID := s.numericID
	channelID := s.channelID
	nextPage := s.page + 1
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.epoch == epoch {
			s.loading = false
		}
		s.mu.Unlock()
	}

	prevHeight := 0
	if s.cfg.Viewport != nil {
		prevHeight = s.cfg.Viewport.ScrollHeight()
	}

	select {
	case <-time.After(s.cfg.BackfillDelay):
	case <-ctx.Done():
		release()
		return ctx.Err()
	}

	page, err := s.cfg.History.History(ctx, numericID, nextPage, s.cfg.PageSize)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("older history load failed",
			zap.String("channel", channelID), zap.Error(err))
		s.alert(AlertError, "Failed to load older messages")
		return err
	}

	older := normalizePage(page, s.viewerID())
	fresh := older[:0]
	for i := range older {
		if _, dup := s.seen[older[i].ID]; dup {
			continue
		}
		s.seen[older[i].ID] = struct{}{}
		fresh = append(fresh, older[i])
	}
	if len(fresh) > 0 {
		s.transcript = append(append([]Message(nil), fresh...), s.transcript...)
	}
	s.page = page.Meta.CurrentPage
	s.hasMore = len(page.Data) > 0 && page.Meta.HasMore()
	s.mu.Unlock()

	if s.cfg.Viewport != nil && len(fresh) > 0 {
		s.cfg.Viewport.ScrollTo(s.cfg.Viewport.ScrollHeight() - prevHeight)
	}
	return nil
}

// ============================================================================
// Live delivery
// ============================================================================

// AppendLive merges one live-delivered record into the transcript. Records
// for other channels and duplicate ids are ignored. The insert keeps the
// transcript ascending even when delivery is slightly out of order.
func (s *ChannelSync) AppendLive(rec MessageRecord) {
	s.mu.Lock()
	channelID := strconv.FormatInt(rec.ChannelID, 10)
	if s.channelID == "" || s.channelID != channelID {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[rec.ID]; dup {
		s.mu.Unlock()
		return
	}
	msg := NormalizeMessage(&rec, s.viewerID())
	s.seen[msg.ID] = struct{}{}

	n := len(s.transcript)
	if n == 0 || !msg.SentAt.Before(s.transcript[n-1].SentAt) {
		s.transcript = append(s.transcript, msg)
	} else {
		at := sort.Search(n, func(i int) bool {
			return s.transcript[i].SentAt.After(msg.SentAt)
		})
		s.transcript = append(s.transcript, Message{})
		copy(s.transcript[at+1:], s.transcript[at:])
		s.transcript[at] = msg
	}
	snapshot := append([]Message(nil), s.transcript...)
	anchored := s.atBottom
	s.mu.Unlock()

	s.cachePut(channelID, snapshot)
	if anchored {
		s.scrollToBottom()
	}
}

// Bind subscribes the synchronizer to live message delivery, both the
// notifying and silent variants. A second Bind replaces the first; at most
// one subscription is live per synchronizer.
func (s *ChannelSync) Bind(source liveSource) func() {
	s.Unbind()

	d1 := source.OnMessage(s.AppendLive)
	d2 := source.OnMessageSilent(s.AppendLive)

	s.mu.Lock()
	s.disposers = []func(){d1, d2}
	s.mu.Unlock()

	return s.Unbind
}

// Unbind removes the live subscription, if any. Safe to call repeatedly.
func (s *ChannelSync) Unbind() {
	s.mu.Lock()
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()
	for _, d := range disposers {
		d()
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send submits a message without optimistic insertion: the message appears
// in the transcript only when the server delivers it back. On failure the
// transcript is untouched and an alert is raised.
func (s *ChannelSync) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	numericID := s.numericID
	channelID := s.channelID
	s.mu.Unlock()
	if channelID == "" {
		return nil
	}

	_, err := s.cfg.Sender.Send(ctx, numericID, text)
	if err != nil {
		s.log.Warn("send failed", zap.String("channel", channelID), zap.Error(err))
		s.alert(AlertError, "Failed to send message")
		return err
	}
	if s.AtBottom() {
		s.scrollToBottom()
	}
	return nil
}

// ============================================================================
// Scroll tracking
// ============================================================================

// OnScroll feeds a viewport scroll sample: position is the scroll offset and
// containerHeight the visible extent. Crossing near the top starts an older
// load; the bottom anchor flag follows the distance from the newest message.
func (s *ChannelSync) OnScroll(ctx context.Context, position, containerHeight int) {
	total := 0
	if s.cfg.Viewport != nil {
		total = s.cfg.Viewport.ScrollHeight()
	}

	s.mu.Lock()
	s.atBottom = total-position-containerHeight < scrollThreshold
	trigger := position < scrollThreshold && s.hasMore && !s.loading
	s.mu.Unlock()

	if trigger {
		go func() { _ = s.LoadOlder(ctx) }()
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (s *ChannelSync) viewerID() int64 {
	if s.cfg.Session == nil {
		return 0
	}
	return s.cfg.Session.UserID()
}

func (s *ChannelSync) alert(kind AlertKind, message string) {
	if s.cfg.Alerter == nil {
		return
	}
	if kind != AlertError && s.cfg.Session != nil && !s.cfg.Session.AllowsToasts() {
		return
	}
	s.cfg.Alerter.Alert(kind, message)
}

func (s *ChannelSync) cachePut(channelID string, messages []Message) {
	if s.cfg.Cache == nil {
		return
	}
	s.cfg.Cache.Put(channelID, messages)
}

func (s *ChannelSync) scrollToBottom() {
	if s.cfg.Viewport == nil {
		return
	}
	s.cfg.Viewport.ScrollTo(s.cfg.Viewport.ScrollHeight())
}
