package chirp

import (
	"testing"
	"time"
)

func TestNormalizeMessage(t *testing.T) {
	rec := MessageRecord{
		ID:               5,
		UserID:           42,
		ChannelID:        7,
		Text:             "hello",
		SendAt:           "2024-03-01T12:30:00Z",
		User:             UserRecord{ID: 42, Nickname: "alice"},
		MentionedUserIDs: []int64{9, 3},
	}

	t.Run("viewer's own message", func(t *testing.T) {
		msg := NormalizeMessage(&rec, 42)
		if !msg.IsOwn {
			t.Error("expected IsOwn")
		}
		if msg.ChannelID != "7" {
			t.Errorf("expected string channel id, got %q", msg.ChannelID)
		}
		if msg.Author != "alice" {
			t.Errorf("unexpected author %q", msg.Author)
		}
		want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
		if !msg.SentAt.Equal(want) {
			t.Errorf("unexpected time %v", msg.SentAt)
		}
		if len(msg.MentionedUserIDs) != 2 || msg.MentionedUserIDs[0] != 3 {
			t.Errorf("expected sorted mentions, got %v", msg.MentionedUserIDs)
		}
	})

	t.Run("another user's message", func(t *testing.T) {
		if NormalizeMessage(&rec, 1).IsOwn {
			t.Error("expected not own")
		}
	})

	t.Run("unauthenticated viewer never owns", func(t *testing.T) {
		anon := rec
		anon.UserID = 0
		if NormalizeMessage(&anon, 0).IsOwn {
			t.Error("expected not own for zero viewer id")
		}
	})

	t.Run("bad timestamp degrades", func(t *testing.T) {
		bad := rec
		bad.SendAt = "yesterday"
		msg := NormalizeMessage(&bad, 42)
		if !msg.SentAt.IsZero() {
			t.Errorf("expected zero time, got %v", msg.SentAt)
		}
		if msg.Timestamp != "" {
			t.Errorf("expected empty stamp, got %q", msg.Timestamp)
		}
	})
}

func TestNormalizePageReversal(t *testing.T) {
	page := &MessagePage{
		Meta: PaginationMeta{Total: 3, PerPage: 50, CurrentPage: 1, LastPage: 1},
		Data: []MessageRecord{
			{ID: 3, ChannelID: 7, SendAt: "2024-03-01T12:03:00Z"},
			{ID: 2, ChannelID: 7, SendAt: "2024-03-01T12:02:00Z"},
			{ID: 1, ChannelID: 7, SendAt: "2024-03-01T12:01:00Z"},
		},
	}

	msgs := normalizePage(page, 0)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []int64{1, 2, 3} {
		if msgs[i].ID != want {
			t.Errorf("index %d: expected id %d, got %d", i, want, msgs[i].ID)
		}
	}
}

func TestUserRecordResolvers(t *testing.T) {
	tru := true

	t.Run("mention only defaults false", func(t *testing.T) {
		u := UserRecord{}
		if u.MentionOnly() {
			t.Error("expected false default")
		}
		u.NotifyOnMentionOnly = &tru
		if !u.MentionOnly() {
			t.Error("expected explicit true")
		}
	})

	t.Run("status defaults online", func(t *testing.T) {
		u := UserRecord{}
		if u.StatusOrDefault() != StatusOnline {
			t.Errorf("expected online default, got %q", u.StatusOrDefault())
		}
		u.Status = StatusDND
		if u.StatusOrDefault() != StatusDND {
			t.Errorf("expected dnd, got %q", u.StatusOrDefault())
		}
	})
}
