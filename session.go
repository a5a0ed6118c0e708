package chirp

import "sync"

// Session holds the authenticated viewer's identity and presence for one
// client lifetime. Components receive the session explicitly instead of
// reading ambient globals, so two sessions can coexist in one process.
type Session struct {
	mu          sync.RWMutex
	user        *UserRecord
	token       string
	status      UserStatus
	mentionOnly bool
}

// NewSession returns an empty, unauthenticated session.
func NewSession() *Session {
	return &Session{status: StatusOnline}
}

// Begin installs the authenticated user and token, seeding presence
// preferences from the user record.
func (s *Session) Begin(user *UserRecord, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	s.token = token
	if user != nil {
		s.status = user.StatusOrDefault()
		s.mentionOnly = user.MentionOnly()
	}
}

// End clears the session back to its unauthenticated state.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.token = ""
	s.status = StatusOnline
	s.mentionOnly = false
}

// User returns the authenticated user, or nil.
func (s *Session) User() *UserRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// UserID returns the authenticated user's id, or zero when signed out.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return 0
	}
	return s.user.ID
}

// Nickname returns the authenticated user's nickname, or empty.
func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return ""
	}
	return s.user.Nickname
}

// Token returns the session's bearer token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Status returns the viewer's presence status.
func (s *Session) Status() UserStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the viewer's presence status.
func (s *Session) SetStatus(status UserStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// MentionOnly reports whether the viewer wants notifications only for
// messages that mention them.
func (s *Session) MentionOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mentionOnly
}

// SetMentionOnly updates the mention-only notification preference.
func (s *Session) SetMentionOnly(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentionOnly = v
}

// AllowsToasts reports whether in-app toasts should be shown. Do-not-disturb
// silences them; the status does not affect transcript delivery.
func (s *Session) AllowsToasts() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status != StatusDND
}
