package chirp

import (
	"sort"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error response.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return strconv.Itoa(e.Status) + ": " + e.Message
	}
	return e.Message
}

// UserStatus is a user's presence status.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusDND     UserStatus = "DND"
	StatusOffline UserStatus = "offline"
)

// ============================================================================
// Wire Types
// ============================================================================

// UserRecord is the wire shape of a user, as embedded in auth responses,
// message records, and push events.
//
// NotifyOnMentionOnly is optional on older server versions; use MentionOnly
// to resolve it with its default instead of reading the pointer directly.
type UserRecord struct {
	ID                  int64      `json:"id"`
	Nickname            string     `json:"nickname"`
	Email               string     `json:"email"`
	Firstname           string     `json:"firstname,omitempty"`
	Lastname            string     `json:"lastname,omitempty"`
	Status              UserStatus `json:"status"`
	NotifyOnMentionOnly *bool      `json:"notifyOnMentionOnly,omitempty"`
}

// MentionOnly resolves the optional mention-only preference. Absent means off.
func (u *UserRecord) MentionOnly() bool {
	return u.NotifyOnMentionOnly != nil && *u.NotifyOnMentionOnly
}

// StatusOrDefault resolves the optional status field. Absent means online.
func (u *UserRecord) StatusOrDefault() UserStatus {
	if u.Status == "" {
		return StatusOnline
	}
	return u.Status
}

// MessageRecord is the wire shape of one stored message. The REST history
// endpoint and the message:new / message:new:silent push events share it.
type MessageRecord struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"userId"`
	ChannelID        int64      `json:"channelId"`
	Text             string     `json:"text"`
	SendAt           string     `json:"sendAt"`
	User             UserRecord `json:"user"`
	MentionedUserIDs []int64    `json:"mentionedUserIds,omitempty"`
}

// PaginationMeta describes one page of the history endpoint.
type PaginationMeta struct {
	Total       int `json:"total"`
	PerPage     int `json:"perPage"`
	CurrentPage int `json:"currentPage"`
	LastPage    int `json:"lastPage"`
}

// HasMore reports whether pages older than the current one remain.
func (m PaginationMeta) HasMore() bool {
	return m.CurrentPage < m.LastPage
}

// MessagePage is the history endpoint response. Data is ordered newest-first
// within the page.
type MessagePage struct {
	Meta PaginationMeta  `json:"meta"`
	Data []MessageRecord `json:"data"`
}

// ChannelRecord is the wire shape of a channel.
type ChannelRecord struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	AdminID      int64  `json:"adminId"`
	IsPrivate    bool   `json:"isPrivate"`
	LastActivity string `json:"lastActivity,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// ChannelMemberRecord is the wire shape of one channel member.
type ChannelMemberRecord struct {
	UserID   int64      `json:"userId"`
	Nickname string     `json:"nickname"`
	Status   UserStatus `json:"status"`
	JoinedAt string     `json:"joinedAt,omitempty"`
}

// InviteRecord is one pending channel invitation.
type InviteRecord struct {
	ID           int64  `json:"id"`
	ChannelID    int64  `json:"channelId"`
	ChannelName  string `json:"channelName"`
	FromUserID   int64  `json:"fromUserId"`
	FromNickname string `json:"fromNickname"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
}

// TypingEvent is the user:typing / user:stopped-typing push payload. The push
// path carries string identifiers for these events.
type TypingEvent struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
	Nickname  string `json:"nickname,omitempty"`
	Text      string `json:"text,omitempty"`
}

// StatusEvent is the user:status-changed push payload.
type StatusEvent struct {
	UserID string     `json:"userId"`
	Status UserStatus `json:"status"`
}

// ChannelMembersEvent is the channel:members push payload.
type ChannelMembersEvent struct {
	ChannelID string                `json:"channelId"`
	Members   []ChannelMemberRecord `json:"members"`
}

// ChannelInviteEvent is the channel:invite push payload.
type ChannelInviteEvent struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
}

// ChannelKickEvent is the channel:kick / channel:revoke push payload.
type ChannelKickEvent struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// ============================================================================
// Auth Types
// ============================================================================

// RegisterRequest is the register endpoint payload.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Nickname  string `json:"nickname"`
	Firstname string `json:"firstname,omitempty"`
	Lastname  string `json:"lastname,omitempty"`
}

// LoginRequest is the login endpoint payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is the register/login response.
type AuthResponse struct {
	Message string     `json:"message"`
	User    UserRecord `json:"user"`
	Token   string     `json:"token"`
}

// UserResponse is the me endpoint response.
type UserResponse struct {
	User UserRecord `json:"user"`
}

// ============================================================================
// Canonical Message
// ============================================================================

// Message is the canonical in-memory representation of one transcript entry.
// Every wire shape passes through NormalizeMessage exactly once; nothing else
// in the client reads raw records. Messages are never mutated after creation.
type Message struct {
	ID               int64     `json:"id"`
	Author           string    `json:"author"`
	Body             []string  `json:"body"`
	Timestamp        string    `json:"timestamp"`
	SentAt           time.Time `json:"sentAt"`
	IsOwn            bool      `json:"isOwn"`
	ChannelID        string    `json:"channelId"`
	MentionedUserIDs []int64   `json:"mentionedUserIds,omitempty"`
}

// Mentions reports whether the message mentions the given user.
func (m *Message) Mentions(userID int64) bool {
	for _, id := range m.MentionedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// NormalizeMessage maps a wire record to the canonical Message. viewerID is
// the active session's user id and determines IsOwn.
func NormalizeMessage(rec *MessageRecord, viewerID int64) Message {
	sentAt, err := time.Parse(time.RFC3339, rec.SendAt)
	if err != nil {
		sentAt = time.Time{}
	}
	var mentions []int64
	if len(rec.MentionedUserIDs) > 0 {
		mentions = append(mentions, rec.MentionedUserIDs...)
		sort.Slice(mentions, func(i, j int) bool { return mentions[i] < mentions[j] })
	}
	return Message{
		ID:               rec.ID,
		Author:           rec.User.Nickname,
		Body:             []string{rec.Text},
		Timestamp:        formatStamp(sentAt),
		SentAt:           sentAt,
		IsOwn:            viewerID != 0 && rec.UserID == viewerID,
		ChannelID:        strconv.FormatInt(rec.ChannelID, 10),
		MentionedUserIDs: mentions,
	}
}

// normalizePage maps and reverses one history page. Wire order is newest-first
// within a page; the result is oldest-first, ready for transcript insertion.
func normalizePage(page *MessagePage, viewerID int64) []Message {
	out := make([]Message, 0, len(page.Data))
	for i := len(page.Data) - 1; i >= 0; i-- {
		out = append(out, NormalizeMessage(&page.Data[i], viewerID))
	}
	return out
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("03:04 PM")
}
