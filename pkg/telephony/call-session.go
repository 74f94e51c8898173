package telephony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/birddigital/voicecall-sync/pkg/callapi"
)

// ============================================
// CALL SESSION
// One outbound call, reconciled from the push stream and status polling
// ============================================

// CallService is the subset of the call service a session needs.
// *callapi.Client implements it.
type CallService interface {
	InitiateCall(ctx context.Context, phoneNumber string) (*callapi.InitiateCallResponse, error)
	StatusFetcher
	StreamEndpoint
}

// CallTerminator is optionally implemented by a CallService that can hang up
// a call server-side when the user ends it.
type CallTerminator interface {
	HangupCall(ctx context.Context, callID string) error
}

// AudioActivityPolicy decides how non-audio stream messages affect
// State.AudioActive.
type AudioActivityPolicy int

const (
	// AudioSticky keeps audio active from stream open until the call ends.
	AudioSticky AudioActivityPolicy = iota
	// AudioPerMessage clears audio activity on every non-audio message.
	AudioPerMessage
)

// ParseAudioActivityPolicy accepts "sticky" and "per-message".
func ParseAudioActivityPolicy(s string) AudioActivityPolicy {
	switch s {
	case "per-message", "per_message", "permessage":
		return AudioPerMessage
	default:
		return AudioSticky
	}
}

// SessionConfig configures a CallSession. Zero values select defaults.
type SessionConfig struct {
	PollInterval    time.Duration
	ConnectTimeout  time.Duration
	InitiateTimeout time.Duration
	HangupTimeout   time.Duration
	AudioPolicy     AudioActivityPolicy
	AudioFactory    AudioFactory
	Dialer          *websocket.Dialer
	Clock           Clock
	Logger          *slog.Logger
}

// CallSession owns the lifecycle of one call at a time:
// idle -> dialing -> connecting -> connected -> ended | error, with Reset
// returning to idle from anywhere. Every transition runs under one lock, so
// stream events, poll results and user commands are applied one at a time.
type CallSession struct {
	service CallService
	cfg     SessionConfig
	clock   Clock
	logger  *slog.Logger

	channel *StatusChannel
	poller  *StatusPoller
	audio   *ResourceHandle[AudioDevice]

	mu             sync.Mutex
	state          State
	gen            uint64
	cancelInitiate context.CancelFunc
	subs           map[int]chan State
	nextSub        int
	closed         bool
}

// NewCallSession creates an idle session backed by service.
func NewCallSession(service CallService, cfg SessionConfig) *CallSession {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InitiateTimeout <= 0 {
		cfg.InitiateTimeout = 30 * time.Second
	}
	if cfg.HangupTimeout <= 0 {
		cfg.HangupTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AudioFactory == nil {
		cfg.AudioFactory = NewAudioMonitorFactory(cfg.Clock)
	}

	s := &CallSession{
		service: service,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "call_session"),
		state:   State{Status: StatusIdle},
		subs:    make(map[int]chan State),
	}
	s.audio = NewResourceHandle[AudioDevice]("audio device", s.logger)
	s.channel = NewStatusChannel(service, s.handleChannelEvent, StatusChannelConfig{
		Dialer:         cfg.Dialer,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         cfg.Logger,
	})
	s.poller = NewStatusPoller(service, s.handlePollEvent, StatusPollerConfig{
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	return s
}

// Snapshot returns the current state.
func (s *CallSession) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe delivers a snapshot after every transition, starting with the
// current state. Deliveries to a full buffer are dropped. The returned func
// cancels the subscription and closes the channel.
func (s *CallSession) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.state.Clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Start begins a new call to phoneNumber, first tearing down whatever the
// previous call still holds. An invalid number fails synchronously without
// any network traffic. Otherwise the session enters dialing and initiation
// continues in the background.
func (s *CallSession) Start(phoneNumber string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.releaseLocked()
	s.gen++
	now := s.clock.Now()

	if !ValidatePhoneNumber(phoneNumber) {
		s.state = State{
			PhoneNumber: phoneNumber,
			Status:      StatusError,
			EndTime:     &now,
			Error:       InvalidPhoneNumberMessage,
		}
		s.logger.Info("rejected phone number", "phone_number", phoneNumber)
		s.publishLocked()
		return
	}

	number := NormalizePhoneNumber(phoneNumber)
	s.state = State{
		PhoneNumber: number,
		Status:      StatusDialing,
		StartTime:   &now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InitiateTimeout)
	s.cancelInitiate = cancel
	s.publishLocked()

	s.logger.Info("dialing", "phone_number", number)
	go s.initiate(ctx, s.gen, number)
}

func (s *CallSession) initiate(ctx context.Context, gen uint64, number string) {
	resp, err := s.service.InitiateCall(ctx, number)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && (resp == nil || resp.CallID == "") {
		err = errors.New("initiate call: empty response")
	}

	if gen != s.gen || s.state.Status != StatusDialing {
		if err == nil {
			// The service placed a call nobody is tracking any more.
			s.logger.Warn("call initiated after session moved on, hanging up", "call_id", resp.CallID)
			if term, ok := s.service.(CallTerminator); ok {
				go s.hangup(term, resp.CallID)
			}
		}
		return
	}
	if s.cancelInitiate != nil {
		s.cancelInitiate()
		s.cancelInitiate = nil
	}

	if err != nil {
		s.logger.Error("call initiation failed", "phone_number", number, "error", err)
		s.terminateLocked(StatusError, InitiateFailedMessage)
		return
	}

	s.state.CallID = resp.CallID
	s.state.Status = StatusConnecting
	s.logger.Info("call initiated", "call_id", resp.CallID)

	s.poller.Start(resp.CallID, s.cfg.PollInterval)
	s.channel.Connect(resp.CallID)
	s.publishLocked()
}

// End finishes the call from the user's side. It is a no-op when the
// session is idle or already terminal.
func (s *CallSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status == StatusIdle || s.state.Status.IsTerminal() {
		return
	}
	callID := s.state.CallID
	s.terminateLocked(StatusEnded, "")

	if term, ok := s.service.(CallTerminator); ok && callID != "" {
		go s.hangup(term, callID)
	}
}

func (s *CallSession) hangup(term CallTerminator, callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HangupTimeout)
	defer cancel()
	if err := term.HangupCall(ctx, callID); err != nil {
		s.logger.Warn("hangup request failed", "call_id", callID, "error", err)
	}
}

// Reset releases everything the session holds and returns it to idle.
func (s *CallSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// ResetIf resets only when pred accepts the current state, atomically.
func (s *CallSession) ResetIf(pred func(State) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !pred(s.state.Clone()) {
		return false
	}
	s.resetLocked()
	return true
}

// Close resets the session and ends all subscriptions. The session accepts
// no further calls.
func (s *CallSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.resetLocked()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *CallSession) resetLocked() {
	s.releaseLocked()
	s.gen++
	if s.state.Status == StatusIdle {
		return
	}
	s.state = State{Status: StatusIdle}
	s.publishLocked()
}

// ============================================
// EVENT HANDLING
// ============================================

func (s *CallSession) handleChannelEvent(ev ChannelEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptsLocked(ev.CallID) {
		s.logger.Debug("dropping stale stream event", "call_id", ev.CallID, "kind", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case ChannelOpened:
		s.advanceLocked(StatusConnected)
		s.audio.Acquire(s.cfg.AudioFactory)
		s.state.AudioActive = true
		s.publishLocked()

	case ChannelMessage:
		before := s.state.AudioActive
		if ev.Message.IsAudio() {
			s.state.AudioActive = true
			now := s.clock.Now()
			s.audio.With(func(d AudioDevice) {
				if obs, ok := d.(AudioFrameObserver); ok {
					obs.ObserveAudio(ev.Message, now)
				}
			})
		} else if s.cfg.AudioPolicy == AudioPerMessage {
			s.state.AudioActive = false
		}
		if before != s.state.AudioActive {
			s.publishLocked()
		}

	case ChannelClosed:
		s.logger.Info("stream closed, ending call", "call_id", ev.CallID, "reason", ev.Reason)
		s.terminateLocked(StatusEnded, "")

	case ChannelFailed:
		s.logger.Warn("stream failed", "call_id", ev.CallID, "reason", ev.Reason, "error", ev.Err)
		s.terminateLocked(StatusError, ev.Reason)
	}
}

func (s *CallSession) handlePollEvent(ev PollEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptsLocked(ev.CallID) {
		return
	}

	switch ev.Kind {
	case PollStatus:
		status, ok := ParseServiceStatus(ev.Status)
		if !ok {
			s.logger.Debug("ignoring unknown service status", "call_id", ev.CallID, "status", ev.Status)
			return
		}
		switch status {
		case StatusEnded:
			s.logger.Info("service reports call ended", "call_id", ev.CallID)
			s.terminateLocked(StatusEnded, "")
		case StatusError:
			s.logger.Warn("service reports call failed", "call_id", ev.CallID, "status", ev.Status)
			s.terminateLocked(StatusError, CallFailedMessage)
		default:
			if s.advanceLocked(status) {
				s.publishLocked()
			}
		}

	case PollGone:
		s.logger.Info("service no longer knows call, ending", "call_id", ev.CallID)
		s.terminateLocked(StatusEnded, "")

	case PollRejected:
		s.logger.Warn("status polling stopped", "call_id", ev.CallID, "error", ev.Err)
	}
}

// acceptsLocked reports whether an event for callID still applies: it must
// belong to the current call, and terminal sessions accept nothing.
func (s *CallSession) acceptsLocked(callID string) bool {
	return callID != "" && callID == s.state.CallID && !s.state.Status.IsTerminal()
}

// advanceLocked moves forward along the non-terminal lifecycle only.
func (s *CallSession) advanceLocked(status CallStatus) bool {
	if status.IsTerminal() || status.rank() <= s.state.Status.rank() {
		return false
	}
	s.state.Status = status
	return true
}

// terminateLocked is the single path into ended or error. It sets EndTime
// once and releases every resource.
func (s *CallSession) terminateLocked(status CallStatus, errMsg string) {
	if s.state.Status == StatusIdle || s.state.Status.IsTerminal() {
		return
	}

	now := s.clock.Now()
	s.state.Status = status
	if status == StatusError {
		s.state.Error = errMsg
	}
	if s.state.EndTime == nil {
		s.state.EndTime = &now
	}
	s.state.AudioActive = false
	s.releaseLocked()
	s.publishLocked()

	s.logger.Info("call finished", "call_id", s.state.CallID, "status", string(status), "duration", s.state.Duration(now))
}

func (s *CallSession) releaseLocked() {
	if s.cancelInitiate != nil {
		s.cancelInitiate()
		s.cancelInitiate = nil
	}
	s.channel.Disconnect()
	s.poller.Stop()
	s.audio.Release()
}

func (s *CallSession) publishLocked() {
	snap := s.state.Clone()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			s.logger.Warn("subscriber too slow, dropping state update", "status", string(snap.Status))
		}
	}
}

// ============================================
// TEST AND DIAGNOSTIC ACCESSORS
// ============================================

// AudioHeld reports whether an audio device is currently open.
func (s *CallSession) AudioHeld() bool {
	return s.audio.Held()
}

// Polling reports whether the status poller is running.
func (s *CallSession) Polling() bool {
	return s.poller.Running()
}

// Streaming reports whether a stream connection is open or being opened.
func (s *CallSession) Streaming() bool {
	return s.channel.Active()
}
