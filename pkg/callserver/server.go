package callserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/birddigital/voicecall-sync/pkg/telephony"
)

// ============================================
// CALL SERVICE
// HTTP endpoints for call control, provider webhooks and streaming
// ============================================

// Server is the call service: it places calls through a Dialer, keeps their
// records in a CallStore and streams their progress to watchers.
type Server struct {
	cfg      Config
	store    CallStore
	dialer   Dialer
	hub      *WatcherHub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	newCallID func() string
}

// NewServer creates a call service.
func NewServer(cfg Config, store CallStore, dialer Dialer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "call_server")
	return &Server{
		cfg:    cfg,
		store:  store,
		dialer: dialer,
		hub:    NewWatcherHub(cfg.AudioNoticeInterval, logger),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		newCallID: uuid.NewString,
	}
}

// Hub exposes the watcher hub.
func (s *Server) Hub() *WatcherHub {
	return s.hub
}

// RegisterRoutes registers every endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /initiate-call", s.handleInitiateCall)
	mux.HandleFunc("GET /call/{call_id}/status", s.handleCallStatus)
	mux.HandleFunc("POST /call/{call_id}/hangup", s.handleHangup)
	mux.HandleFunc("POST /webhook/twilio/{call_id}", s.handleTwilioWebhook)
	mux.HandleFunc("GET /ws/call/{call_id}", s.handleCallStream)
	mux.HandleFunc("GET /ws/media/{call_id}", s.handleMediaStream)
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return withCORS(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("call service listening", "addr", srv.Addr, "public_url", s.cfg.ServerURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ============================================
// HTTP HANDLERS
// ============================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type initiateCallRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type initiateCallResponse struct {
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type callStatusResponse struct {
	PhoneNumber string `json:"phone_number"`
	TwilioSID   string `json:"twilio_sid"`
	Status      string `json:"status"`
}

func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !telephony.ValidatePhoneNumber(req.PhoneNumber) {
		writeDetail(w, http.StatusBadRequest, "Phone number must include country code")
		return
	}
	number := telephony.NormalizePhoneNumber(req.PhoneNumber)

	now := time.Now()
	rec := &CallRecord{
		CallID:      s.newCallID(),
		PhoneNumber: number,
		Status:      StatusDialing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(r.Context(), rec); err != nil {
		s.logger.Error("failed to register call", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to initiate call")
		return
	}

	webhookURL := strings.TrimRight(s.cfg.ServerURL, "/") + "/webhook/twilio/" + url.PathEscape(rec.CallID)
	sid, err := s.dialer.PlaceCall(r.Context(), number, webhookURL)
	if err != nil {
		s.logger.Error("failed to place call", "call_id", rec.CallID, "error", err)
		if delErr := s.store.Delete(context.WithoutCancel(r.Context()), rec.CallID); delErr != nil {
			s.logger.Warn("failed to discard call record", "call_id", rec.CallID, "error", delErr)
		}
		writeDetail(w, http.StatusInternalServerError, "Failed to initiate call")
		return
	}

	if _, err := s.store.Update(r.Context(), rec.CallID, func(c *CallRecord) { c.TwilioSID = sid }); err != nil {
		s.logger.Warn("failed to record provider sid", "call_id", rec.CallID, "error", err)
	}

	s.logger.Info("call initiated", "call_id", rec.CallID, "call_sid", sid)
	writeJSON(w, http.StatusOK, initiateCallResponse{
		CallID:  rec.CallID,
		Status:  StatusDialing,
		Message: "Call initiated successfully",
	})
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("call_id"))
	if errors.Is(err, ErrCallNotFound) {
		writeDetail(w, http.StatusNotFound, "Call not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load call", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to load call")
		return
	}
	writeJSON(w, http.StatusOK, callStatusResponse{
		PhoneNumber: rec.PhoneNumber,
		TwilioSID:   rec.TwilioSID,
		Status:      rec.Status,
	})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	rec, err := s.store.Get(r.Context(), callID)
	if errors.Is(err, ErrCallNotFound) {
		writeDetail(w, http.StatusNotFound, "Call not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load call", "call_id", callID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to load call")
		return
	}

	if !rec.Ended() && rec.TwilioSID != "" {
		if err := s.dialer.Hangup(r.Context(), rec.TwilioSID); err != nil {
			s.logger.Error("failed to end call with provider", "call_id", callID, "error", err)
			writeDetail(w, http.StatusBadGateway, "Failed to end call")
			return
		}
	}

	s.finishCall(r.Context(), callID)
	writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": StatusEnded})
}

// handleTwilioWebhook answers the provider's request for call instructions:
// connect the call audio to our media stream endpoint.
func (s *Server) handleTwilioWebhook(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")

	rec, err := s.store.Update(r.Context(), callID, func(c *CallRecord) {
		if !c.Ended() {
			c.Status = StatusConnected
		}
	})
	if errors.Is(err, ErrCallNotFound) {
		s.logger.Warn("webhook for unknown call", "call_id", callID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "call not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to update call", "call_id", callID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to update call")
		return
	}

	s.logger.Info("call answered", "call_id", callID, "call_sid", r.FormValue("CallSid"))
	s.hub.Broadcast(callID, StreamEvent{Type: "status", CallID: callID, Status: rec.Status})

	streamURL := fmt.Sprintf("wss://%s/ws/media/%s", s.cfg.ServerHost, url.PathEscape(callID))
	body, err := StreamTwiML(streamURL, s.cfg.StreamPauseSeconds)
	if err != nil {
		s.logger.Error("failed to render TwiML", "call_id", callID, "error", err)
		http.Error(w, "Failed to generate TwiML", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleCallStream streams status and audio notices for a call until it
// ends.
func (s *Server) handleCallStream(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("call stream upgrade failed", "call_id", callID, "error", err)
		return
	}

	rec, err := s.store.Get(r.Context(), callID)
	if err != nil {
		if !errors.Is(err, ErrCallNotFound) {
			s.logger.Error("failed to load call", "call_id", callID, "error", err)
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Call not found"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
		return
	}

	if rec.Ended() {
		data, _ := json.Marshal(StreamEvent{Type: "status", CallID: callID, Status: rec.Status})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
		return
	}

	s.hub.Serve(callID, conn, &StreamEvent{Type: "status", CallID: callID, Status: rec.Status}, func() bool {
		return s.callLive(r.Context(), callID)
	})
}

// callLive reports whether callID is still known and not ended.
func (s *Server) callLive(ctx context.Context, callID string) bool {
	rec, err := s.store.Get(ctx, callID)
	return err == nil && !rec.Ended()
}

// finishCall marks the call ended and closes its watchers.
func (s *Server) finishCall(ctx context.Context, callID string) {
	rec, err := s.store.Update(ctx, callID, func(c *CallRecord) {
		c.Status = StatusEnded
	})
	if err != nil && !errors.Is(err, ErrCallNotFound) {
		s.logger.Error("failed to mark call ended", "call_id", callID, "error", err)
	}
	if rec != nil {
		s.hub.Broadcast(callID, StreamEvent{Type: "status", CallID: callID, Status: rec.Status})
	}
	s.hub.EndCall(callID)
	s.logger.Info("call ended", "call_id", callID)
}

// ============================================
// RESPONSE HELPERS
// ============================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// withCORS allows any origin, matching the browser UI's expectations.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
