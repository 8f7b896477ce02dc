package modwatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/modwatch/reload"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHub_BroadcastToSubscriber(t *testing.T) {
	hub := NewHub(quiet())
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration happens server-side just after the handshake.
	waitFor(t, time.Second, func() bool { return hub.Count() == 1 }, "subscriber never registered")

	rep := &reload.Report{ID: "scan-1", Reloaded: 2}
	if err := hub.Send(context.Background(), rep); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type string        `json:"type"`
		Data reload.Report `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != "scan_report" {
		t.Errorf("type: %q", env.Type)
	}
	if env.Data.ID != "scan-1" || env.Data.Reloaded != 2 {
		t.Errorf("data: %+v", env.Data)
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub := NewHub(quiet())
	defer hub.Close()

	// Register a subscriber by hand with a tiny buffer and no write loop,
	// so the second broadcast overflows deterministically.
	registered := make(chan *subscriber, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := &subscriber{conn: conn, ch: make(chan []byte, 1), done: make(chan struct{})}
		hub.mu.Lock()
		hub.subs[sub] = struct{}{}
		hub.mu.Unlock()
		registered <- sub
		<-sub.done
		conn.Close()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var sub *subscriber
	select {
	case sub = <-registered:
	case <-time.After(time.Second):
		t.Fatal("subscriber never registered")
	}
	if hub.Count() != 1 {
		t.Fatalf("count = %d, want 1", hub.Count())
	}

	rep := &reload.Report{ID: "scan-1"}
	if err := hub.Send(context.Background(), rep); err != nil {
		t.Fatal(err)
	}
	if hub.Count() != 1 {
		t.Fatal("first send should fit the buffer")
	}
	if err := hub.Send(context.Background(), rep); err != nil {
		t.Fatal(err)
	}
	if hub.Count() != 0 {
		t.Fatalf("count = %d, want 0 after overflow", hub.Count())
	}
	select {
	case <-sub.done:
	default:
		t.Error("dropped subscriber should have done closed")
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub(quiet())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return hub.Count() == 1 }, "subscriber never registered")

	if err := hub.Close(); err != nil {
		t.Fatal(err)
	}
	if hub.Count() != 0 {
		t.Errorf("count = %d, want 0", hub.Count())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read should fail after hub close")
	}

	// A late subscriber is refused.
	late, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("late dial: %v", err)
	}
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Error("closed hub should disconnect new subscribers")
	}
	if hub.Count() != 0 {
		t.Errorf("count = %d after late dial", hub.Count())
	}
}
