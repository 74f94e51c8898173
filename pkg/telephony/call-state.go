package telephony

import (
	"strings"
	"time"
)

// CallStatus is the lifecycle position of a call session.
type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusDialing    CallStatus = "dialing"
	StatusConnecting CallStatus = "connecting"
	StatusConnected  CallStatus = "connected"
	StatusEnded      CallStatus = "ended"
	StatusError      CallStatus = "error"
)

// Messages surfaced in State.Error.
const (
	InitiateFailedMessage    = "Failed to initiate call"
	ConnectionFailedMessage  = "Connection failed"
	StreamSetupFailedMessage = "WebSocket connection failed"
	CallFailedMessage        = "Call failed"
)

// IsTerminal reports whether the status can only be left through a reset.
func (s CallStatus) IsTerminal() bool {
	return s == StatusEnded || s == StatusError
}

func (s CallStatus) rank() int {
	switch s {
	case StatusDialing:
		return 1
	case StatusConnecting:
		return 2
	case StatusConnected:
		return 3
	case StatusEnded, StatusError:
		return 4
	default:
		return 0
	}
}

// ParseServiceStatus maps a status string reported by the call service onto
// the session lifecycle. The provider's own vocabulary is accepted too.
func ParseServiceStatus(raw string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dialing", "queued", "initiated":
		return StatusDialing, true
	case "connecting", "ringing":
		return StatusConnecting, true
	case "connected", "in-progress", "in_progress", "answered":
		return StatusConnected, true
	case "ended", "completed", "canceled", "cancelled":
		return StatusEnded, true
	case "failed", "error", "busy", "no-answer", "no_answer":
		return StatusError, true
	default:
		return "", false
	}
}

// State is a read-only view of a call session.
type State struct {
	CallID      string     `json:"call_id"`
	PhoneNumber string     `json:"phone_number"`
	Status      CallStatus `json:"status"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Error       string     `json:"error,omitempty"`
	AudioActive bool       `json:"is_audio_active"`
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	out := s
	out.StartTime = copyTime(s.StartTime)
	out.EndTime = copyTime(s.EndTime)
	return out
}

// Duration returns how long the call has lasted, measured to EndTime once
// the session has ended or to now otherwise.
func (s State) Duration(now time.Time) time.Duration {
	if s.StartTime == nil {
		return 0
	}
	if s.EndTime != nil {
		return s.EndTime.Sub(*s.StartTime)
	}
	return now.Sub(*s.StartTime)
}

// DisplayStatus is the label a UI shows for the current status.
func (s State) DisplayStatus() string {
	switch s.Status {
	case StatusDialing:
		return "Dialing..."
	case StatusConnecting:
		return "Connecting..."
	case StatusConnected:
		return "Connected"
	case StatusEnded:
		return "Call Ended"
	case StatusError:
		return "Call Failed"
	default:
		return "Ready"
	}
}
