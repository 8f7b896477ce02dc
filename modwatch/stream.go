package modwatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/modwatch/reload"
	"github.com/hazyhaar/modwatch/report"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

// Hub broadcasts scan reports to WebSocket subscribers. It is a report
// sink: every report the router fans out reaches every connected client
// as the shared envelope. A subscriber that cannot keep up is dropped,
// never waited on.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn *websocket.Conn
	ch   chan []byte
	// done tells the write loop to finish. ch itself is never closed, so
	// a concurrent broadcast can never hit a closed channel.
	done chan struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and serves the subscription until the
// client disconnects or the hub drops it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("stream: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		ch:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Info("stream: subscriber connected", "remote", conn.RemoteAddr().String(), "subscribers", n)
	go h.writeLoop(sub)
	h.readLoop(sub)
}

// Send implements the report sink: marshal once, fan out non-blocking.
func (h *Hub) Send(_ context.Context, r *reload.Report) error {
	msg, err := report.MarshalEnvelope(r)
	if err != nil {
		return err
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			h.drop(sub, "slow subscriber")
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	return nil
}

// drop removes a subscriber once; later calls for the same one are no-ops.
func (h *Hub) drop(sub *subscriber, reason string) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	h.mu.Unlock()

	close(sub.done)
	h.logger.Info("stream: subscriber dropped", "remote", sub.conn.RemoteAddr().String(), "reason", reason)
}

// readLoop discards inbound frames; its job is pong handling and noticing
// the disconnect.
func (h *Hub) readLoop(sub *subscriber) {
	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.drop(sub, "disconnected")
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg := <-sub.ch:
			sub.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(sub, "write failed")
				return
			}
		case <-sub.done:
			sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(streamWriteWait))
			return
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(streamWriteWait)); err != nil {
				h.drop(sub, "ping failed")
				return
			}
		}
	}
}
