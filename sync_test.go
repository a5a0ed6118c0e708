package chirp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var syncBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func historyRecord(id, channelID int64) MessageRecord {
	return MessageRecord{
		ID:        id,
		UserID:    id%3 + 1,
		ChannelID: channelID,
		Text:      fmt.Sprintf("message %d", id),
		SendAt:    syncBase.Add(time.Duration(id) * time.Minute).Format(time.RFC3339),
		User:      UserRecord{ID: id%3 + 1, Nickname: fmt.Sprintf("user%d", id%3+1)},
	}
}

// fakeHistory serves pages of a fixed transcript, newest first within each
// page, the way the server does.
type fakeHistory struct {
	mu      sync.Mutex
	total   int64
	calls   int
	lastReq struct {
		channelID int64
		page      int
	}
	err   error
	block chan struct{}
}

func (f *fakeHistory) History(ctx context.Context, channelID int64, page, limit int) (*MessagePage, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq.channelID = channelID
	f.lastReq.page = page
	block := f.block
	err := f.err
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}

	var data []MessageRecord
	for rank := int64(page-1) * int64(limit); rank < int64(page)*int64(limit); rank++ {
		id := f.total - rank
		if id < 1 {
			break
		}
		data = append(data, historyRecord(id, channelID))
	}
	lastPage := int((f.total + int64(limit) - 1) / int64(limit))
	return &MessagePage{
		Meta: PaginationMeta{
			Total:       int(f.total),
			PerPage:     limit,
			CurrentPage: page,
			LastPage:    lastPage,
		},
		Data: data,
	}, nil
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSender struct {
	err  error
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, channelID int64, text string) (*MessageRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, text)
	rec := historyRecord(999, channelID)
	rec.Text = text
	return &rec, nil
}

// fakeViewport replays a scripted sequence of scroll heights; the final
// height is sticky once the script runs out.
type fakeViewport struct {
	mu       sync.Mutex
	heights  []int
	scrolled []int
}

func (v *fakeViewport) ScrollHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.heights) == 0 {
		return 0
	}
	h := v.heights[0]
	if len(v.heights) > 1 {
		v.heights = v.heights[1:]
	}
	return h
}

func (v *fakeViewport) ScrollTo(position int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scrolled = append(v.scrolled, position)
}

func (v *fakeViewport) lastScroll() (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.scrolled) == 0 {
		return 0, false
	}
	return v.scrolled[len(v.scrolled)-1], true
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) Alert(kind AlertKind, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, message)
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func sessionForViewer(id int64) *Session {
	s := NewSession()
	s.Begin(&UserRecord{ID: id, Nickname: "viewer"}, "tok")
	return s
}

func assertAscendingNoDups(t *testing.T, msgs []Message) {
	t.Helper()
	seen := make(map[int64]bool, len(msgs))
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate id %d at index %d", m.ID, i)
		}
		seen[m.ID] = true
		if i > 0 && msgs[i].SentAt.Before(msgs[i-1].SentAt) {
			t.Fatalf("out of order at index %d: %v before %v", i, msgs[i].SentAt, msgs[i-1].SentAt)
		}
	}
}

func TestChannelSyncInitialLoad(t *testing.T) {
	history := &fakeHistory{total: 120}
	cache := NewMessageCache(NewMemoryKV(), nil)
	s := NewChannelSync(SyncConfig{
		Session:       sessionForViewer(1),
		History:       history,
		Cache:         cache,
		BackfillDelay: time.Millisecond,
	})

	if err := s.Open(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}

	msgs := s.Messages()
	if len(msgs) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(msgs))
	}
	assertAscendingNoDups(t, msgs)
	if msgs[0].ID != 71 || msgs[49].ID != 120 {
		t.Errorf("expected ids 71..120, got %d..%d", msgs[0].ID, msgs[49].ID)
	}
	if !s.HasMore() {
		t.Error("expected more history")
	}
	if s.Page() != 1 {
		t.Errorf("expected page 1, got %d", s.Page())
	}
	if got := cache.Get("7"); len(got) != 50 {
		t.Errorf("expected 50 cached messages, got %d", len(got))
	}
	if history.lastReq.channelID != 7 || history.lastReq.page != 1 {
		t.Errorf("unexpected request: %+v", history.lastReq)
	}
}

func TestChannelSyncLoadOlderChain(t *testing.T) {
	history := &fakeHistory{total: 120}
	s := NewChannelSync(SyncConfig{
		Session:       sessionForViewer(1),
		History:       history,
		BackfillDelay: time.Millisecond,
	})

	ctx := context.Background()
	if err := s.Open(ctx, "7"); err != nil {
		t.Fatal(err)
	}

	for s.HasMore() {
		if err := s.LoadOlder(ctx); err != nil {
			t.Fatal(err)
		}
	}

	msgs := s.Messages()
	if len(msgs) != 120 {
		t.Fatalf("expected full transcript of 120, got %d", len(msgs))
	}
	assertAscendingNoDups(t, msgs)
	if msgs[0].ID != 1 {
		t.Errorf("expected oldest id 1, got %d", msgs[0].ID)
	}
	if s.HasMore() {
		t.Error("expected history exhausted")
	}
	if history.callCount() != 3 {
		t.Errorf("expected 3 fetches, got %d", history.callCount())
	}
}

func TestChannelSyncLoadOlderSingleFlight(t *testing.T) {
	history := &fakeHistory{total: 120, block: make(chan struct{})}
	s := NewChannelSync(SyncConfig{
		History:       history,
		BackfillDelay: time.Millisecond,
	})

	ctx := context.Background()
	go func() { _ = s.Open(ctx, "7") }()
	for history.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(history.block)
	for s.IsLoading() {
		time.Sleep(time.Millisecond)
	}

	history.mu.Lock()
	history.block = make(chan struct{})
	history.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.LoadOlder(ctx)
		}()
	}
	time.Sleep(10 * time.Millisecond)

	history.mu.Lock()
	close(history.block)
	history.block = nil
	history.mu.Unlock()
	wg.Wait()

	// One initial fetch plus exactly one older fetch.
	if history.callCount() != 2 {
		t.Errorf("expected 2 fetches, got %d", history.callCount())
	}
}

func TestChannelSyncNonNumericChannel(t *testing.T) {
	history := &fakeHistory{total: 120}
	s := NewChannelSync(SyncConfig{History: history})

	if err := s.Open(context.Background(), "abc"); err != nil {
		t.Fatal(err)
	}
	if history.callCount() != 0 {
		t.Errorf("expected no fetch, got %d", history.callCount())
	}
	if s.ChannelID() != "" {
		t.Errorf("expected cleared channel, got %q", s.ChannelID())
	}
	if len(s.Messages()) != 0 {
		t.Error("expected empty transcript")
	}
}

func TestChannelSyncStaleResponseDiscarded(t *testing.T) {
	history := &fakeHistory{total: 120, block: make(chan struct{})}
	s := NewChannelSync(SyncConfig{History: history})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- s.Open(ctx, "7") }()
	for history.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	// The channel closes while the response is in flight.
	s.Clear()
	close(history.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if len(s.Messages()) != 0 {
		t.Errorf("expected stale response discarded, got %d messages", len(s.Messages()))
	}
	if s.HasMore() || s.Page() != 0 {
		t.Error("expected pagination state untouched")
	}
}

func TestChannelSyncInitialLoadFailure(t *testing.T) {
	history := &fakeHistory{total: 120}
	cache := NewMessageCache(NewMemoryKV(), nil)
	alerter := &fakeAlerter{}

	cached := make([]Message, 0, 3)
	for _, rec := range []int64{10, 11, 12} {
		r := historyRecord(rec, 7)
		cached = append(cached, NormalizeMessage(&r, 1))
	}
	cache.Put("7", cached)

	history.err = errors.New("boom")
	s := NewChannelSync(SyncConfig{
		History: history,
		Cache:   cache,
		Alerter: alerter,
	})

	if err := s.Open(context.Background(), "7"); err == nil {
		t.Fatal("expected error")
	}

	// The cached paint survives the failed refresh.
	if got := len(s.Messages()); got != 3 {
		t.Errorf("expected cached transcript intact, got %d messages", got)
	}
	if alerter.count() != 1 {
		t.Errorf("expected 1 alert, got %d", alerter.count())
	}
}

func TestChannelSyncSinglePageExhaustsHistory(t *testing.T) {
	history := &fakeHistory{total: 50}
	s := NewChannelSync(SyncConfig{
		History:       history,
		BackfillDelay: time.Millisecond,
	})

	ctx := context.Background()
	if err := s.Open(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if s.HasMore() {
		t.Fatal("expected single page to exhaust history")
	}
	if err := s.LoadOlder(ctx); err != nil {
		t.Fatal(err)
	}
	if history.callCount() != 1 {
		t.Errorf("expected no fetch past the last page, got %d", history.callCount())
	}
}

func TestChannelSyncAppendLive(t *testing.T) {
	history := &fakeHistory{total: 5}
	s := NewChannelSync(SyncConfig{
		Session: sessionForViewer(2),
		History: history,
	})

	ctx := context.Background()
	if err := s.Open(ctx, "7"); err != nil {
		t.Fatal(err)
	}

	t.Run("appends new message", func(t *testing.T) {
		s.AppendLive(historyRecord(6, 7))
		msgs := s.Messages()
		if len(msgs) != 6 || msgs[5].ID != 6 {
			t.Fatalf("expected appended id 6, got %v", msgs)
		}
	})

	t.Run("ignores duplicate id", func(t *testing.T) {
		s.AppendLive(historyRecord(6, 7))
		if len(s.Messages()) != 6 {
			t.Error("expected duplicate dropped")
		}
	})

	t.Run("ignores other channels", func(t *testing.T) {
		s.AppendLive(historyRecord(7, 8))
		if len(s.Messages()) != 6 {
			t.Error("expected foreign channel record dropped")
		}
	})

	t.Run("inserts out-of-order delivery in order", func(t *testing.T) {
		late := historyRecord(0, 7)
		late.ID = 100
		late.SendAt = syncBase.Add(30 * time.Second).Format(time.RFC3339)
		s.AppendLive(late)
		msgs := s.Messages()
		assertAscendingNoDups(t, msgs)
		if msgs[0].ID != 100 {
			t.Errorf("expected late message first, got id %d", msgs[0].ID)
		}
	})

	t.Run("marks own messages", func(t *testing.T) {
		rec := historyRecord(200, 7)
		rec.UserID = 2
		s.AppendLive(rec)
		msgs := s.Messages()
		if !msgs[len(msgs)-1].IsOwn {
			t.Error("expected viewer's message marked as own")
		}
	})
}

func TestChannelSyncSend(t *testing.T) {
	t.Run("success does not touch transcript", func(t *testing.T) {
		sender := &fakeSender{}
		s := NewChannelSync(SyncConfig{
			History: &fakeHistory{total: 5},
			Sender:  sender,
		})
		ctx := context.Background()
		if err := s.Open(ctx, "7"); err != nil {
			t.Fatal(err)
		}
		before := len(s.Messages())

		if err := s.Send(ctx, "hello"); err != nil {
			t.Fatal(err)
		}
		if len(sender.sent) != 1 || sender.sent[0] != "hello" {
			t.Fatalf("unexpected sends: %v", sender.sent)
		}
		if len(s.Messages()) != before {
			t.Error("expected no optimistic insert")
		}
	})

	t.Run("failure alerts and leaves transcript alone", func(t *testing.T) {
		alerter := &fakeAlerter{}
		s := NewChannelSync(SyncConfig{
			History: &fakeHistory{total: 5},
			Sender:  &fakeSender{err: errors.New("rejected")},
			Alerter: alerter,
		})
		ctx := context.Background()
		if err := s.Open(ctx, "7"); err != nil {
			t.Fatal(err)
		}
		before := len(s.Messages())

		if err := s.Send(ctx, "hello"); err == nil {
			t.Fatal("expected error")
		}
		if len(s.Messages()) != before {
			t.Error("expected transcript unchanged")
		}
		if alerter.count() != 1 {
			t.Errorf("expected 1 alert, got %d", alerter.count())
		}
	})
}

func TestChannelSyncScrollTracking(t *testing.T) {
	history := &fakeHistory{total: 120}
	viewport := &fakeViewport{heights: []int{2000}}
	s := NewChannelSync(SyncConfig{
		History:       history,
		Viewport:      viewport,
		BackfillDelay: time.Millisecond,
	})

	ctx := context.Background()
	if err := s.Open(ctx, "7"); err != nil {
		t.Fatal(err)
	}

	t.Run("bottom anchor follows distance", func(t *testing.T) {
		s.OnScroll(ctx, 1200, 750)
		if !s.AtBottom() {
			t.Error("expected anchored at bottom within threshold")
		}
		s.OnScroll(ctx, 500, 750)
		if s.AtBottom() {
			t.Error("expected anchor released far from bottom")
		}
	})

	t.Run("near top triggers older load", func(t *testing.T) {
		before := history.callCount()
		s.OnScroll(ctx, 50, 750)
		deadline := time.Now().Add(time.Second)
		for history.callCount() == before {
			if time.Now().After(deadline) {
				t.Fatal("expected older load to start")
			}
			time.Sleep(time.Millisecond)
		}
	})
}

func TestChannelSyncScrollRestoreAfterBackfill(t *testing.T) {
	history := &fakeHistory{total: 120}
	// Heights seen in order: initial scroll-to-bottom, the capture before
	// the older page lands, then the grown content afterwards.
	viewport := &fakeViewport{heights: []int{2000, 2000, 3500}}
	s := NewChannelSync(SyncConfig{
		History:       history,
		Viewport:      viewport,
		BackfillDelay: time.Millisecond,
	})

	ctx := context.Background()
	if err := s.Open(ctx, "7"); err != nil {
		t.Fatal(err)
	}

	// The prepended page grows the content; the view keeps its place.
	if err := s.LoadOlder(ctx); err != nil {
		t.Fatal(err)
	}

	pos, ok := viewport.lastScroll()
	if !ok {
		t.Fatal("expected a scroll restore")
	}
	if pos != 3500-2000 {
		t.Errorf("expected restore to height delta 1500, got %d", pos)
	}
}

func TestChannelSyncBindReplacesSubscription(t *testing.T) {
	var registered atomic.Int32
	src := &fakeLiveSource{registered: &registered}
	s := NewChannelSync(SyncConfig{History: &fakeHistory{total: 5}})

	s.Bind(src)
	s.Bind(src)
	if got := registered.Load(); got != 2 {
		t.Fatalf("expected 2 live handlers after rebind, got %d", got)
	}

	s.Unbind()
	if got := registered.Load(); got != 0 {
		t.Errorf("expected all handlers disposed, got %d", got)
	}
}

type fakeLiveSource struct {
	registered *atomic.Int32
}

func (f *fakeLiveSource) OnMessage(h func(MessageRecord)) func() {
	f.registered.Add(1)
	return func() { f.registered.Add(-1) }
}

func (f *fakeLiveSource) OnMessageSilent(h func(MessageRecord)) func() {
	f.registered.Add(1)
	return func() { f.registered.Add(-1) }
}
