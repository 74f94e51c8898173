package callserver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================
// WATCHER HUB
// Fan-out of call events to /ws/call/{call_id} clients
// ============================================

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamEvent is a JSON frame sent to watchers.
type StreamEvent struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Status string `json:"status,omitempty"`
}

// WatcherHub tracks the websocket clients following each call.
type WatcherHub struct {
	audioInterval time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	watchers  map[string]map[*watcher]struct{}
	lastAudio map[string]time.Time
}

type watcher struct {
	callID    string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcherHub creates a hub. Audio notices for one call are sent at most
// once per audioInterval.
func NewWatcherHub(audioInterval time.Duration, logger *slog.Logger) *WatcherHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatcherHub{
		audioInterval: audioInterval,
		logger:        logger.With("component", "watcher_hub"),
		watchers:      make(map[string]map[*watcher]struct{}),
		lastAudio:     make(map[string]time.Time),
	}
}

// Serve registers conn as a watcher of callID, sends initial, and blocks
// until the client goes away or the call ends. live is consulted once the
// watcher is registered; when it reports false the call ended before
// registration and the watcher is closed after initial is flushed.
func (h *WatcherHub) Serve(callID string, conn *websocket.Conn, initial *StreamEvent, live func() bool) {
	w := &watcher{
		callID: callID,
		conn:   conn,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			w.send <- data
		}
	}

	h.mu.Lock()
	set, ok := h.watchers[callID]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[callID] = set
	}
	set[w] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("watcher connected", "call_id", callID)

	if live != nil && !live() {
		h.logger.Debug("call ended before watcher registered", "call_id", callID)
		w.close()
	}

	go w.writePump(h.logger)
	w.readPump()

	h.remove(w)
	w.close()
	h.logger.Info("watcher disconnected", "call_id", callID)
}

// Broadcast sends ev to every watcher of callID. Slow watchers miss events.
func (h *WatcherHub) Broadcast(callID string, ev StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode stream event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for w := range h.watchers[callID] {
		select {
		case w.send <- data:
		default:
			h.logger.Warn("watcher buffer full, dropping event", "call_id", callID, "type", ev.Type)
		}
	}
}

// NotifyAudio tells watchers that call audio is flowing, rate limited per
// call.
func (h *WatcherHub) NotifyAudio(callID string) {
	now := time.Now()
	h.mu.Lock()
	if last, ok := h.lastAudio[callID]; ok && now.Sub(last) < h.audioInterval {
		h.mu.Unlock()
		return
	}
	h.lastAudio[callID] = now
	h.mu.Unlock()

	h.Broadcast(callID, StreamEvent{Type: "audio", CallID: callID})
}

// EndCall closes every watcher of callID with a normal closure after
// flushing queued events.
func (h *WatcherHub) EndCall(callID string) {
	h.mu.Lock()
	set := h.watchers[callID]
	delete(h.watchers, callID)
	delete(h.lastAudio, callID)
	h.mu.Unlock()

	for w := range set {
		w.close()
	}
}

// Count returns the number of watchers following callID.
func (h *WatcherHub) Count(callID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[callID])
}

// Close disconnects all watchers.
func (h *WatcherHub) Close() {
	h.mu.Lock()
	all := h.watchers
	h.watchers = make(map[string]map[*watcher]struct{})
	h.lastAudio = make(map[string]time.Time)
	h.mu.Unlock()

	for _, set := range all {
		for w := range set {
			w.close()
		}
	}
}

func (h *WatcherHub) remove(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.watchers[w.callID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.watchers, w.callID)
		}
	}
}

func (w *watcher) close() {
	w.closeOnce.Do(func() { close(w.done) })
}

// readPump discards client frames; it exists to notice disconnects and
// answer pings.
func (w *watcher) readPump() {
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *watcher) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case msg := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("watcher write failed", "call_id", w.callID, "error", err)
				return
			}

		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-w.done:
			for {
				select {
				case msg := <-w.send:
					_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = w.conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
						time.Now().Add(writeWait),
					)
					return
				}
			}
		}
	}
}
