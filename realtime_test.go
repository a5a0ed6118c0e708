package chirp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestEventDispatcherOrderAndDisposal(t *testing.T) {
	d := newEventDispatcher()

	var order []string
	d.on("x", func(string, json.RawMessage) { order = append(order, "first") })
	disposeSecond := d.on("x", func(string, json.RawMessage) { order = append(order, "second") })
	d.on("x", func(string, json.RawMessage) { order = append(order, "third") })

	d.dispatch(Envelope{Event: "x"})
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected registration order, got %v", order)
	}

	t.Run("disposer removes exactly one handler", func(t *testing.T) {
		order = nil
		disposeSecond()
		d.dispatch(Envelope{Event: "x"})
		if len(order) != 2 || order[0] != "first" || order[1] != "third" {
			t.Fatalf("expected remaining handlers in order, got %v", order)
		}
	})

	t.Run("double dispose is a no-op", func(t *testing.T) {
		order = nil
		disposeSecond()
		d.dispatch(Envelope{Event: "x"})
		if len(order) != 2 {
			t.Fatalf("expected 2 invocations, got %v", order)
		}
	})

	t.Run("unknown event dispatches nothing", func(t *testing.T) {
		order = nil
		d.dispatch(Envelope{Event: "y"})
		if len(order) != 0 {
			t.Fatalf("expected no invocations, got %v", order)
		}
	})
}

func TestReconnectorBackoff(t *testing.T) {
	cfg := &RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    500 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
	r := newReconnector(cfg)

	t.Run("delays grow toward the cap", func(t *testing.T) {
		d1 := r.nextDelay()
		d2 := r.nextDelay()
		d3 := r.nextDelay()
		if d1 < 100*time.Millisecond || d1 > 150*time.Millisecond {
			t.Errorf("first delay out of range: %v", d1)
		}
		if d2 < 200*time.Millisecond {
			t.Errorf("second delay should exceed the first: %v vs %v", d2, d1)
		}
		if d3 > 500*time.Millisecond {
			t.Errorf("delay exceeds cap: %v", d3)
		}
	})

	t.Run("attempt budget", func(t *testing.T) {
		if r.shouldReconnect() {
			t.Error("expected budget exhausted after 3 attempts")
		}
		r.reset()
		if !r.shouldReconnect() {
			t.Error("expected budget restored after reset")
		}
	})

	t.Run("long uptime resets the attempt counter", func(t *testing.T) {
		r.reset()
		r.nextDelay()
		r.nextDelay()
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		d := r.nextDelay()
		if d > 150*time.Millisecond {
			t.Errorf("expected base delay after long uptime, got %v", d)
		}
	})
}

// chatServer is a minimal websocket endpoint: it acknowledges a join command
// by pushing one message:new event.
func chatServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Event != CommandChannelJoin {
			t.Errorf("unexpected command: %s", data)
			return
		}
		if cmd.RequestID == "" {
			t.Error("expected a request id on the command")
		}

		rec := MessageRecord{
			ID:        501,
			UserID:    1,
			ChannelID: 7,
			Text:      "welcome",
			SendAt:    time.Now().UTC().Format(time.RFC3339),
			User:      UserRecord{ID: 1, Nickname: "alice"},
		}
		payload, _ := json.Marshal(rec)
		frame, _ := json.Marshal(Envelope{Event: EventMessageNew, Payload: payload})
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}

		// Hold the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))
}

func TestRealtimeClientRoundTrip(t *testing.T) {
	srv := chatServer(t, "tok")
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	rt := client.Realtime(nil)

	received := make(chan MessageRecord, 1)
	defer rt.OnMessage(func(rec MessageRecord) { received <- rec })()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rt.Connect(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	defer rt.Disconnect()

	if !rt.IsConnected() {
		t.Fatal("expected connected state")
	}
	if err := rt.JoinChannel(ctx, "7"); err != nil {
		t.Fatal(err)
	}

	select {
	case rec := <-received:
		if rec.ID != 501 || rec.Text != "welcome" {
			t.Errorf("unexpected record: %+v", rec)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for pushed message")
	}
}

func TestRealtimeClientConnectReplacesConnection(t *testing.T) {
	srv := chatServer(t, "tok")
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	rt := client.Realtime(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rt.Connect(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	first := rt.conn

	if err := rt.Connect(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	defer rt.Disconnect()

	if rt.conn == first {
		t.Error("expected a fresh connection after reconnect")
	}
	if !rt.IsConnected() {
		t.Error("expected connected state")
	}
}

func TestRealtimeClientSendWhileDisconnected(t *testing.T) {
	client := NewClient()
	rt := client.Realtime(nil)

	err := rt.JoinChannel(context.Background(), "7")
	if err == nil {
		t.Fatal("expected error while disconnected")
	}

	// Disconnect on a never-connected client is a no-op.
	rt.Disconnect()
	rt.Disconnect()
	if rt.State() != StateDisconnected {
		t.Errorf("unexpected state %q", rt.State())
	}
}

func TestRealtimeClientDialFailure(t *testing.T) {
	client := NewClient(WithBaseURL("http://127.0.0.1:1"))
	rt := client.Realtime(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rt.Connect(ctx, "tok"); err == nil {
		t.Fatal("expected dial failure")
	}
	if rt.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %q", rt.State())
	}
}
