package chirp

import (
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Member is one channel participant with live presence attached.
type Member struct {
	UserID   int64
	Nickname string
	Status   UserStatus
	Typing   bool
	Draft    string
}

// rosterSource is the event feed a Roster binds to.
type rosterSource interface {
	OnTyping(func(TypingEvent)) func()
	OnStoppedTyping(func(TypingEvent)) func()
	OnStatusChanged(func(StatusEvent)) func()
	OnChannelMembers(func(ChannelMembersEvent)) func()
}

// Roster tracks the member list of one channel: who is present, their
// status, and who is typing what. Typing drafts make previews possible but
// are never part of the transcript.
type Roster struct {
	log *zap.Logger

	mu        sync.Mutex
	channelID string
	members   map[int64]*Member
	disposers []func()
}

// NewRoster returns a roster for the given channel. A nil logger disables
// logging.
func NewRoster(channelID string, log *zap.Logger) *Roster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Roster{
		log:       log,
		channelID: channelID,
		members:   make(map[int64]*Member),
	}
}

// ChannelID returns the channel this roster tracks.
func (r *Roster) ChannelID() string {
	return r.channelID
}

// SetMembers replaces the member list, preserving typing state for members
// that remain.
func (r *Roster) SetMembers(records []ChannelMemberRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[int64]*Member, len(records))
	for _, rec := range records {
		m := &Member{
			UserID:   rec.UserID,
			Nickname: rec.Nickname,
			Status:   rec.Status,
		}
		if prev, ok := r.members[rec.UserID]; ok {
			m.Typing = prev.Typing
			m.Draft = prev.Draft
		}
		if m.Status == "" {
			m.Status = StatusOffline
		}
		next[rec.UserID] = m
	}
	r.members = next
}

// Members returns the member list sorted by nickname.
func (r *Roster) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out
}

// Typing returns the members currently typing, sorted by nickname.
func (r *Roster) Typing() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Member
	for _, m := range r.members {
		if m.Typing {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nickname < out[j].Nickname })
	return out
}

// Bind subscribes the roster to typing, presence, and membership events.
// Rebinding replaces the previous subscription.
func (r *Roster) Bind(source rosterSource) func() {
	r.Unbind()

	ds := []func(){
		source.OnTyping(r.handleTyping),
		source.OnStoppedTyping(r.handleStoppedTyping),
		source.OnStatusChanged(r.handleStatus),
		source.OnChannelMembers(r.handleMembers),
	}

	r.mu.Lock()
	r.disposers = ds
	r.mu.Unlock()

	return r.Unbind
}

// Unbind removes the live subscriptions, if any.
func (r *Roster) Unbind() {
	r.mu.Lock()
	ds := r.disposers
	r.disposers = nil
	r.mu.Unlock()
	for _, d := range ds {
		d()
	}
}

func (r *Roster) handleTyping(ev TypingEvent) {
	if ev.ChannelID != r.channelID {
		return
	}
	userID, err := strconv.ParseInt(ev.UserID, 10, 64)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok {
		// Typing from someone the member list has not caught up with yet.
		m = &Member{UserID: userID, Nickname: ev.Nickname, Status: StatusOnline}
		r.members[userID] = m
	}
	m.Typing = true
	m.Draft = ev.Text
}

func (r *Roster) handleStoppedTyping(ev TypingEvent) {
	if ev.ChannelID != r.channelID {
		return
	}
	userID, err := strconv.ParseInt(ev.UserID, 10, 64)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[userID]; ok {
		m.Typing = false
		m.Draft = ""
	}
}

func (r *Roster) handleStatus(ev StatusEvent) {
	userID, err := strconv.ParseInt(ev.UserID, 10, 64)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[userID]; ok {
		m.Status = ev.Status
		if ev.Status == StatusOffline {
			m.Typing = false
			m.Draft = ""
		}
	}
}

func (r *Roster) handleMembers(ev ChannelMembersEvent) {
	if ev.ChannelID != r.channelID {
		return
	}
	r.SetMembers(ev.Members)
}
