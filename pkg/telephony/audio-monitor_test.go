package telephony

import (
	"testing"
	"time"
)

func TestAudioMonitorMetrics(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Time{})
	m := NewAudioMonitor(clock)
	start := clock.Now()

	frame := StreamMessage{Type: "audio", Raw: []byte(`{"type":"audio"}`)}
	m.ObserveAudio(frame, start.Add(100*time.Millisecond))
	m.ObserveAudio(frame, start.Add(120*time.Millisecond))
	m.ObserveAudio(frame, start.Add(220*time.Millisecond))

	got := m.Metrics()
	if got.FramesReceived != 3 {
		t.Fatalf("FramesReceived = %d, want 3", got.FramesReceived)
	}
	if got.BytesReceived != int64(3*len(frame.Raw)) {
		t.Fatalf("BytesReceived = %d, want %d", got.BytesReceived, 3*len(frame.Raw))
	}
	if got.MaxGap != 100*time.Millisecond {
		t.Fatalf("MaxGap = %v, want 100ms", got.MaxGap)
	}
	if want := (20*time.Millisecond*9 + 100*time.Millisecond) / 10; got.AverageGap != want {
		t.Fatalf("AverageGap = %v, want %v", got.AverageGap, want)
	}
	if got.FirstFrameAt == nil || !got.FirstFrameAt.Equal(start.Add(100*time.Millisecond)) {
		t.Fatalf("FirstFrameAt = %v", got.FirstFrameAt)
	}

	*got.LastFrameAt = time.Time{}
	if m.Metrics().LastFrameAt.IsZero() {
		t.Fatal("Metrics returned shared memory")
	}
}

func TestAudioMonitorClose(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Time{})
	m := NewAudioMonitor(clock)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}

	m.ObserveAudio(StreamMessage{Type: "audio"}, clock.Now())
	if got := m.Metrics(); got.FramesReceived != 0 || got.ClosedAt == nil {
		t.Fatalf("metrics after close = %+v", got)
	}
}

func TestManualClockOrdering(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Time{})
	var order []int
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	clock.AfterFunc(time.Second, func() {
		order = append(order, 1)
		clock.AfterFunc(500*time.Millisecond, func() { order = append(order, 15) })
	})
	stopped := clock.AfterFunc(time.Second, func() { order = append(order, 99) })
	if !stopped.Stop() {
		t.Fatal("Stop() = false for pending timer")
	}

	clock.Advance(3 * time.Second)

	want := []int{1, 15, 2}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if stopped.Stop() {
		t.Fatal("Stop() = true for stopped timer")
	}
}
