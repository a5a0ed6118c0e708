package chirp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Kinds
// ============================================================================

// Server push event kinds.
const (
	EventMessageNew        = "message:new"
	EventMessageNewSilent  = "message:new:silent"
	EventChannelCreated    = "channel:created"
	EventChannelDeleted    = "channel:deleted"
	EventChannelInvite     = "channel:invite"
	EventChannelKick       = "channel:kick"
	EventChannelRevoke     = "channel:revoke"
	EventChannelMembers    = "channel:members"
	EventUserTyping        = "user:typing"
	EventUserStoppedTyping = "user:stopped-typing"
	EventUserStatusChanged = "user:status-changed"
)

// Client command kinds.
const (
	CommandChannelJoin    = "channel:join"
	CommandChannelLeave   = "channel:leave"
	CommandMessageSend    = "message:send"
	CommandLoadHistory    = "message:load-history"
	CommandUserTyping     = "user:typing"
	CommandUserStopTyping = "user:stopped-typing"
	CommandStatusUpdate   = "user:status-update"
	CommandListMembers    = "channel:list-members"
)

// Envelope is the wire format for all realtime traffic.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server message.
type Command struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(event string, payload json.RawMessage)

type handlerEntry struct {
	id uint64
	fn EventHandler
}

// eventDispatcher invokes handlers synchronously, in registration order.
// Registration returns a disposer that removes exactly that handler.
type eventDispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]handlerEntry

	onConnected    []handlerEntry
	onDisconnected []handlerEntry
	onReconnecting []handlerEntry
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]handlerEntry),
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], handlerEntry{id: id, fn: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.handlers[event]
		for i, e := range entries {
			if e.id == id {
				d.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	entries := append([]handlerEntry(nil), d.handlers[env.Event]...)
	d.mu.Unlock()

	for _, e := range entries {
		e.fn(env.Event, env.Payload)
	}
}

func (d *eventDispatcher) onMeta(list *[]handlerEntry, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	*list = append(*list, handlerEntry{id: id, fn: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := *list
		for i, e := range entries {
			if e.id == id {
				*list = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (d *eventDispatcher) emitMeta(list *[]handlerEntry, payload json.RawMessage) {
	d.mu.Lock()
	entries := append([]handlerEntry(nil), *list...)
	d.mu.Unlock()
	for _, e := range entries {
		e.fn("", payload)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the session's live duplex connection. One authenticated
// session owns at most one live connection: Connect tears down any prior one
// before dialing.
//
// Delivery ordering is not preserved across a reconnect; consumers that need
// a gap-free transcript must re-request history after reopening a channel.
type RealtimeClient struct {
	wsURL  func(token string) string
	config *RealtimeConfig
	log    *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	token            string
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector
}

// On registers a generic handler for a named event kind and returns a
// disposer that removes it. Handlers for the same kind run in registration
// order; each registered handler sees every event of that kind at least once.
func (rt *RealtimeClient) On(event string, h EventHandler) func() {
	return rt.dispatcher.on(event, h)
}

// OnMessage registers a handler for message:new events.
func (rt *RealtimeClient) OnMessage(h func(MessageRecord)) func() {
	return onDecodedInto(rt, EventMessageNew, h)
}

// OnMessageSilent registers a handler for message:new:silent events. The
// silent variant bypasses the global notification path.
func (rt *RealtimeClient) OnMessageSilent(h func(MessageRecord)) func() {
	return onDecodedInto(rt, EventMessageNewSilent, h)
}

// OnChannelCreated registers a handler for channel:created events.
func (rt *RealtimeClient) OnChannelCreated(h func(ChannelRecord)) func() {
	return onDecodedInto(rt, EventChannelCreated, h)
}

// OnChannelDeleted registers a handler for channel:deleted events. The
// payload is the deleted channel's identifier.
func (rt *RealtimeClient) OnChannelDeleted(h func(channelID string)) func() {
	return rt.On(EventChannelDeleted, func(_ string, payload json.RawMessage) {
		var id string
		if json.Unmarshal(payload, &id) == nil {
			h(id)
		}
	})
}

// OnChannelInvite registers a handler for channel:invite events.
func (rt *RealtimeClient) OnChannelInvite(h func(ChannelInviteEvent)) func() {
	return onDecodedInto(rt, EventChannelInvite, h)
}

// OnChannelKick registers a handler for channel:kick events.
func (rt *RealtimeClient) OnChannelKick(h func(ChannelKickEvent)) func() {
	return onDecodedInto(rt, EventChannelKick, h)
}

// OnChannelRevoke registers a handler for channel:revoke events.
func (rt *RealtimeClient) OnChannelRevoke(h func(ChannelKickEvent)) func() {
	return onDecodedInto(rt, EventChannelRevoke, h)
}

// OnChannelMembers registers a handler for channel:members events.
func (rt *RealtimeClient) OnChannelMembers(h func(ChannelMembersEvent)) func() {
	return onDecodedInto(rt, EventChannelMembers, h)
}

// OnTyping registers a handler for user:typing events.
func (rt *RealtimeClient) OnTyping(h func(TypingEvent)) func() {
	return onDecodedInto(rt, EventUserTyping, h)
}

// OnStoppedTyping registers a handler for user:stopped-typing events.
func (rt *RealtimeClient) OnStoppedTyping(h func(TypingEvent)) func() {
	return onDecodedInto(rt, EventUserStoppedTyping, h)
}

// OnStatusChanged registers a handler for user:status-changed events.
func (rt *RealtimeClient) OnStatusChanged(h func(StatusEvent)) func() {
	return onDecodedInto(rt, EventUserStatusChanged, h)
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) func() {
	return rt.dispatcher.onMeta(&rt.dispatcher.onConnected, func(string, json.RawMessage) { h() })
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) func() {
	return rt.dispatcher.onMeta(&rt.dispatcher.onDisconnected, func(_ string, payload json.RawMessage) {
		var reason string
		_ = json.Unmarshal(payload, &reason)
		h(reason)
	})
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int)) func() {
	return rt.dispatcher.onMeta(&rt.dispatcher.onReconnecting, func(_ string, payload json.RawMessage) {
		var attempt int
		_ = json.Unmarshal(payload, &attempt)
		h(attempt)
	})
}

func onDecodedInto[T any](rt *RealtimeClient, event string, h func(T)) func() {
	return rt.On(event, func(_ string, payload json.RawMessage) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			rt.log.Debug("dropping malformed event payload",
				zap.String("event", event), zap.Error(err))
			return
		}
		h(v)
	})
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// IsConnected reports whether the connection is currently live. The value is
// volatile: it may change immediately after the call returns.
func (rt *RealtimeClient) IsConnected() bool {
	return rt.State() == StateConnected
}

// Connect establishes the websocket connection, tearing down any existing
// one first so that at most one connection is live per session.
func (rt *RealtimeClient) Connect(ctx context.Context, token string) error {
	rt.teardown(false)

	rt.mu.Lock()
	rt.state = StateConnecting
	rt.token = token
	rt.intentionalClose = false
	rt.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rt.wsURL(token), nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.log.Info("realtime connected")
	rt.dispatcher.emitMeta(&rt.dispatcher.onConnected, nil)

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection. Safe to call repeatedly and
// while disconnected.
func (rt *RealtimeClient) Disconnect() {
	rt.teardown(true)
}

func (rt *RealtimeClient) teardown(intentional bool) {
	rt.mu.Lock()
	if intentional {
		rt.intentionalClose = true
	}
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	wasConnected := rt.state == StateConnected
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if intentional && wasConnected {
		reason, _ := json.Marshal("client disconnect")
		rt.dispatcher.emitMeta(&rt.dispatcher.onDisconnected, reason)
	}
}

// ============================================================================
// Emission
// ============================================================================

// Send emits a raw command. Fire-and-forget: there is no request/response
// correlation at this layer.
func (rt *RealtimeClient) Send(ctx context.Context, cmd *Command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// JoinChannel subscribes the session to a channel's live events.
func (rt *RealtimeClient) JoinChannel(ctx context.Context, channelID string) error {
	return rt.Send(ctx, &Command{
		Event:   CommandChannelJoin,
		Payload: map[string]string{"channelId": channelID},
	})
}

// LeaveChannel unsubscribes the session from a channel's live events.
func (rt *RealtimeClient) LeaveChannel(ctx context.Context, channelID string) error {
	return rt.Send(ctx, &Command{
		Event:   CommandChannelLeave,
		Payload: map[string]string{"channelId": channelID},
	})
}

// SendMessage emits a message over the socket path. mentioned carries the
// nicknames referenced by @mention, if any.
func (rt *RealtimeClient) SendMessage(ctx context.Context, channelID, text string, mentioned []string) error {
	payload := map[string]any{"channelId": channelID, "text": text}
	if len(mentioned) > 0 {
		payload["mentionedUsers"] = mentioned
	}
	return rt.Send(ctx, &Command{Event: CommandMessageSend, Payload: payload})
}

// LoadHistory requests a history slice over the socket path.
func (rt *RealtimeClient) LoadHistory(ctx context.Context, channelID string, offset, limit int) error {
	return rt.Send(ctx, &Command{
		Event:   CommandLoadHistory,
		Payload: map[string]any{"channelId": channelID, "offset": offset, "limit": limit},
	})
}

// UpdateTyping broadcasts the viewer's in-progress draft.
func (rt *RealtimeClient) UpdateTyping(ctx context.Context, channelID, text string) error {
	return rt.Send(ctx, &Command{
		Event:   CommandUserTyping,
		Payload: map[string]string{"channelId": channelID, "text": text},
	})
}

// StopTyping clears the viewer's typing indicator.
func (rt *RealtimeClient) StopTyping(ctx context.Context, channelID string) error {
	return rt.Send(ctx, &Command{
		Event:   CommandUserStopTyping,
		Payload: map[string]string{"channelId": channelID},
	})
}

// UpdateStatus broadcasts the viewer's presence status.
func (rt *RealtimeClient) UpdateStatus(ctx context.Context, status UserStatus) error {
	return rt.Send(ctx, &Command{
		Event:   CommandStatusUpdate,
		Payload: map[string]string{"status": string(status)},
	})
}

// ListMembers requests a channel's member list; the response arrives as a
// channel:members event.
func (rt *RealtimeClient) ListMembers(ctx context.Context, channelID string) error {
	return rt.Send(ctx, &Command{
		Event:   CommandListMembers,
		Payload: map[string]string{"channelId": channelID},
	})
}

// ============================================================================
// Read loop and reconnect
// ============================================================================

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			stale := rt.conn != conn
			rt.mu.Unlock()
			if intentional || stale {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.log.Warn("realtime connection lost", zap.Error(err))
			reason, _ := json.Marshal(err.Error())
			rt.dispatcher.emitMeta(&rt.dispatcher.onDisconnected, reason)

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			rt.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				rt.log.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// scheduleReconnect retries with increasing delay until an attempt succeeds
// or the attempt budget is exhausted, after which the client stays in the
// terminal disconnected state until Connect is called again.
func (rt *RealtimeClient) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	token := rt.token
	rt.mu.Unlock()

	attempt, _ := json.Marshal(rt.recon.attempt)
	rt.dispatcher.emitMeta(&rt.dispatcher.onReconnecting, attempt)
	rt.log.Info("reconnecting", zap.Duration("delay", delay))

	time.Sleep(delay)

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.mu.Unlock()

	if err := rt.Connect(context.Background(), token); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
			return
		}
		rt.log.Error("reconnect attempts exhausted", zap.Error(err))
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
	}
}
