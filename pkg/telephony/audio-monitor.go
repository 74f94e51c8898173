package telephony

import (
	"context"
	"sync"
	"time"
)

// ============================================
// AUDIO DEVICE
// ============================================

// AudioDevice is the opaque playback/capture resource held while a call is
// connected. The session only ever closes it.
type AudioDevice interface {
	Close() error
}

// AudioFrameObserver is implemented by devices that want to see audio
// messages as they arrive.
type AudioFrameObserver interface {
	ObserveAudio(msg StreamMessage, at time.Time)
}

// AudioFactory opens an audio device.
type AudioFactory func() (AudioDevice, error)

// AudioMetrics tracks audio activity for one connected call.
type AudioMetrics struct {
	FramesReceived int64         `json:"frames_received"`
	BytesReceived  int64         `json:"bytes_received"`
	AverageGap     time.Duration `json:"average_gap"`
	MaxGap         time.Duration `json:"max_gap"`

	OpenedAt     time.Time  `json:"opened_at"`
	FirstFrameAt *time.Time `json:"first_frame_at,omitempty"`
	LastFrameAt  *time.Time `json:"last_frame_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// AudioMonitor is the default AudioDevice: it does no audio processing and
// only records frame activity until closed.
type AudioMonitor struct {
	clock  Clock
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	metrics AudioMetrics
	closed  bool
}

// NewAudioMonitor opens a monitor.
func NewAudioMonitor(clock Clock) *AudioMonitor {
	if clock == nil {
		clock = SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AudioMonitor{
		clock:   clock,
		ctx:     ctx,
		cancel:  cancel,
		metrics: AudioMetrics{OpenedAt: clock.Now()},
	}
}

// NewAudioMonitorFactory returns an AudioFactory producing monitors.
func NewAudioMonitorFactory(clock Clock) AudioFactory {
	return func() (AudioDevice, error) {
		return NewAudioMonitor(clock), nil
	}
}

// ObserveAudio records one audio frame.
func (m *AudioMonitor) ObserveAudio(msg StreamMessage, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if m.metrics.LastFrameAt != nil {
		m.updateGap(at.Sub(*m.metrics.LastFrameAt))
	} else {
		first := at
		m.metrics.FirstFrameAt = &first
	}
	last := at
	m.metrics.LastFrameAt = &last
	m.metrics.FramesReceived++
	m.metrics.BytesReceived += int64(len(msg.Raw))
}

// updateGap keeps an exponential moving average (alpha = 0.1) of the time
// between frames.
func (m *AudioMonitor) updateGap(gap time.Duration) {
	if gap < 0 {
		return
	}
	if m.metrics.AverageGap == 0 {
		m.metrics.AverageGap = gap
	} else {
		m.metrics.AverageGap = (m.metrics.AverageGap*9 + gap) / 10
	}
	if gap > m.metrics.MaxGap {
		m.metrics.MaxGap = gap
	}
}

// Metrics returns a copy of the current metrics.
func (m *AudioMonitor) Metrics() AudioMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.metrics
	out.FirstFrameAt = copyTime(m.metrics.FirstFrameAt)
	out.LastFrameAt = copyTime(m.metrics.LastFrameAt)
	out.ClosedAt = copyTime(m.metrics.ClosedAt)
	return out
}

// Done is closed once the monitor has been closed.
func (m *AudioMonitor) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Closed reports whether Close has been called.
func (m *AudioMonitor) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close stops the monitor. Repeated calls are no-ops.
func (m *AudioMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	now := m.clock.Now()
	m.metrics.ClosedAt = &now
	m.cancel()
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
