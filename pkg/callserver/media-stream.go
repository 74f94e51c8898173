package callserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================
// PROVIDER MEDIA STREAM
// Real-time call audio pushed by the provider once the call is answered
// ============================================

// mediaMessage is one frame of the provider's media stream protocol.
type mediaMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Start     *struct {
		CallSID   string `json:"callSid"`
		StreamSID string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// handleMediaStream receives the provider's stream for a call. Audio frames
// become audio notices for watchers; the call ends when the stream stops or
// the connection drops.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")

	if _, err := s.store.Get(r.Context(), callID); err != nil {
		s.logger.Warn("media stream for unknown call", "call_id", callID, "error", err)
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("media stream upgrade failed", "call_id", callID, "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("media stream connected", "call_id", callID)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	stopped := false
	for !stopped {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("media stream read error", "call_id", callID, "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed media frame", "call_id", callID, "error", err)
			continue
		}
		stopped = s.handleMediaMessage(r.Context(), callID, &msg)
	}

	// The request context may already be cancelled once the client is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.finishCall(ctx, callID)
}

// handleMediaMessage applies one frame and reports whether the stream ended.
func (s *Server) handleMediaMessage(ctx context.Context, callID string, msg *mediaMessage) bool {
	switch msg.Event {
	case "connected":
		s.logger.Debug("media stream handshake", "call_id", callID)

	case "start":
		streamSID := msg.StreamSID
		if msg.Start != nil && msg.Start.StreamSID != "" {
			streamSID = msg.Start.StreamSID
		}
		rec, err := s.store.Update(ctx, callID, func(rec *CallRecord) {
			rec.StreamSID = streamSID
			if msg.Start != nil && rec.TwilioSID == "" {
				rec.TwilioSID = msg.Start.CallSID
			}
			if !rec.Ended() {
				rec.Status = StatusConnected
			}
		})
		if err != nil {
			s.logger.Error("failed to record stream start", "call_id", callID, "error", err)
			return false
		}
		s.logger.Info("media stream started", "call_id", callID, "stream_sid", streamSID)
		s.hub.Broadcast(callID, StreamEvent{Type: "status", CallID: callID, Status: rec.Status})

	case "media":
		s.hub.NotifyAudio(callID)

	case "mark":
		// playback acknowledgements; no outbound audio is sent

	case "stop":
		s.logger.Info("media stream stopped", "call_id", callID)
		return true

	default:
		s.logger.Debug("unknown media event", "call_id", callID, "event", msg.Event)
	}
	return false
}
