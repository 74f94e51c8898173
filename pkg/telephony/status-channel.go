package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================
// STATUS CHANNEL
// Push stream of call events from the call service
// ============================================

// DefaultConnectTimeout bounds the websocket handshake.
const DefaultConnectTimeout = 15 * time.Second

// ChannelEventKind classifies events emitted by a StatusChannel.
type ChannelEventKind int

const (
	ChannelOpened ChannelEventKind = iota
	ChannelMessage
	ChannelClosed
	ChannelFailed
)

func (k ChannelEventKind) String() string {
	switch k {
	case ChannelOpened:
		return "opened"
	case ChannelMessage:
		return "message"
	case ChannelClosed:
		return "closed"
	case ChannelFailed:
		return "failed"
	default:
		return fmt.Sprintf("ChannelEventKind(%d)", int(k))
	}
}

// StreamMessage is one JSON record received on the stream.
type StreamMessage struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// IsAudio reports whether the message signals active audio.
func (m StreamMessage) IsAudio() bool {
	return m.Type == "audio"
}

// ChannelEvent is emitted for every change on a stream connection.
type ChannelEvent struct {
	Kind    ChannelEventKind
	CallID  string
	Message StreamMessage
	Reason  string
	Err     error
}

// StreamEndpoint resolves the stream URL for a call.
type StreamEndpoint interface {
	StreamURL(callID string) (string, error)
}

// StatusChannelConfig configures a StatusChannel.
type StatusChannelConfig struct {
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// StatusChannel owns at most one stream connection at a time. Connection
// problems are reported as events, never returned.
type StatusChannel struct {
	endpoint       StreamEndpoint
	handler        func(ChannelEvent)
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	current *streamConn
}

type streamConn struct {
	callID string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	closeOnce sync.Once
}

// NewStatusChannel creates a channel that reports events to handler. The
// handler is called from the connection goroutine and must not call back
// into Connect while holding locks the channel's callers hold.
func NewStatusChannel(endpoint StreamEndpoint, handler func(ChannelEvent), cfg StatusChannelConfig) *StatusChannel {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StatusChannel{
		endpoint:       endpoint,
		handler:        handler,
		dialer:         cfg.Dialer,
		connectTimeout: cfg.ConnectTimeout,
		logger:         cfg.Logger.With("component", "status_channel"),
	}
}

// Connect replaces any existing connection with one for callID. It returns
// immediately; the outcome arrives as an opened or failed event.
func (c *StatusChannel) Connect(callID string) {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &streamConn{callID: callID, ctx: ctx, cancel: cancel}

	c.mu.Lock()
	prev := c.current
	c.current = sc
	c.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	go c.run(sc)
}

// Disconnect closes the current connection without emitting an event. It is
// a no-op when nothing is connected.
func (c *StatusChannel) Disconnect() {
	c.mu.Lock()
	sc := c.current
	c.current = nil
	c.mu.Unlock()

	if sc != nil {
		sc.close()
		c.logger.Debug("stream disconnected", "call_id", sc.callID)
	}
}

// Active reports whether a connection attempt or live connection exists.
func (c *StatusChannel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && !c.current.isClosed()
}

func (c *StatusChannel) run(sc *streamConn) {
	target, err := c.endpoint.StreamURL(sc.callID)
	if err != nil {
		c.logger.Error("stream setup failed", "call_id", sc.callID, "error", err)
		c.emit(sc, ChannelEvent{Kind: ChannelFailed, Reason: StreamSetupFailedMessage, Err: err})
		return
	}

	dialCtx, cancel := context.WithTimeout(sc.ctx, c.connectTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, target, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if sc.isClosed() {
			return
		}
		c.logger.Warn("stream connect failed", "call_id", sc.callID, "url", target, "error", err)
		c.emit(sc, ChannelEvent{Kind: ChannelFailed, Reason: ConnectionFailedMessage, Err: err})
		return
	}

	if !sc.attach(conn) {
		_ = conn.Close()
		return
	}

	c.logger.Info("stream opened", "call_id", sc.callID)
	c.emit(sc, ChannelEvent{Kind: ChannelOpened})
	c.readLoop(sc, conn)
}

func (c *StatusChannel) readLoop(sc *streamConn, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if sc.isClosed() {
				return
			}
			reason := "stream closed"
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = fmt.Sprintf("stream closed (%d)", closeErr.Code)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("stream closed by server", "call_id", sc.callID)
			} else {
				c.logger.Warn("stream read failed", "call_id", sc.callID, "error", err)
			}
			c.emit(sc, ChannelEvent{Kind: ChannelClosed, Reason: reason, Err: err})
			sc.close()
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed stream message", "call_id", sc.callID, "error", err)
			continue
		}
		msg.Raw = append(json.RawMessage(nil), data...)
		c.emit(sc, ChannelEvent{Kind: ChannelMessage, Message: msg})
	}
}

func (c *StatusChannel) emit(sc *streamConn, ev ChannelEvent) {
	if sc.isClosed() || c.handler == nil {
		return
	}
	ev.CallID = sc.callID
	c.handler(ev)
}

func (sc *streamConn) attach(conn *websocket.Conn) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return false
	}
	sc.conn = conn
	return true
}

func (sc *streamConn) isClosed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closed
}

func (sc *streamConn) close() {
	sc.closeOnce.Do(func() {
		sc.mu.Lock()
		sc.closed = true
		conn := sc.conn
		sc.mu.Unlock()

		sc.cancel()
		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		}
	})
}
