package telephony

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type channelRecorder struct {
	events chan ChannelEvent
}

func newChannelRecorder() *channelRecorder {
	return &channelRecorder{events: make(chan ChannelEvent, 32)}
}

func (r *channelRecorder) record(ev ChannelEvent) {
	r.events <- ev
}

func (r *channelRecorder) next(t *testing.T) ChannelEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for channel event")
		return ChannelEvent{}
	}
}

func (r *channelRecorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStatusChannelLifecycle(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	rec := newChannelRecorder()
	ch := NewStatusChannel(&fakeService{stream: ss.baseURL()}, rec.record, StatusChannelConfig{Logger: quietLogger()})

	ch.Connect("abc123")
	conn := ss.accept(t)

	if path := <-ss.paths; path != "/ws/call/abc123" {
		t.Fatalf("path = %q, want /ws/call/abc123", path)
	}
	if ev := rec.next(t); ev.Kind != ChannelOpened || ev.CallID != "abc123" {
		t.Fatalf("event = %+v, want opened", ev)
	}

	writeJSON(t, conn, `{"type":"audio"}`)
	writeJSON(t, conn, `not json`)
	writeJSON(t, conn, `{"type":"status","status":"connected"}`)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	ev := rec.next(t)
	if ev.Kind != ChannelMessage || !ev.Message.IsAudio() {
		t.Fatalf("event = %+v, want audio message", ev)
	}
	ev = rec.next(t)
	if ev.Kind != ChannelMessage || ev.Message.Type != "status" || ev.Message.Status != "connected" {
		t.Fatalf("event = %+v, want status message", ev)
	}

	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatal(err)
	}
	if ev := rec.next(t); ev.Kind != ChannelClosed {
		t.Fatalf("event = %+v, want closed", ev)
	}
	rec.expectNone(t)

	ch.Disconnect()
	ch.Disconnect()
}

func TestStatusChannelConnectFailure(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	url := ss.baseURL()
	ss.srv.Close()

	rec := newChannelRecorder()
	ch := NewStatusChannel(&fakeService{stream: url}, rec.record, StatusChannelConfig{Logger: quietLogger()})
	ch.Connect("abc123")

	ev := rec.next(t)
	if ev.Kind != ChannelFailed || ev.Reason != ConnectionFailedMessage {
		t.Fatalf("event = %+v, want failed with %q", ev, ConnectionFailedMessage)
	}
}

func TestStatusChannelEndpointFailure(t *testing.T) {
	t.Parallel()

	rec := newChannelRecorder()
	ch := NewStatusChannel(&fakeService{}, rec.record, StatusChannelConfig{Logger: quietLogger()})
	ch.Connect("abc123")

	ev := rec.next(t)
	if ev.Kind != ChannelFailed || ev.Reason != StreamSetupFailedMessage {
		t.Fatalf("event = %+v, want failed with %q", ev, StreamSetupFailedMessage)
	}
}

func TestStatusChannelDisconnectIsSilent(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	rec := newChannelRecorder()
	ch := NewStatusChannel(&fakeService{stream: ss.baseURL()}, rec.record, StatusChannelConfig{Logger: quietLogger()})

	ch.Disconnect()

	ch.Connect("abc123")
	conn := ss.accept(t)
	if ev := rec.next(t); ev.Kind != ChannelOpened {
		t.Fatalf("event = %+v, want opened", ev)
	}

	ch.Disconnect()
	expectClosedByClient(t, conn)
	rec.expectNone(t)
	if ch.Active() {
		t.Fatal("Active() = true after Disconnect")
	}
}

func TestStatusChannelReconnectReplacesConnection(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	rec := newChannelRecorder()
	ch := NewStatusChannel(&fakeService{stream: ss.baseURL()}, rec.record, StatusChannelConfig{Logger: quietLogger()})

	ch.Connect("first")
	first := ss.accept(t)
	if ev := rec.next(t); ev.CallID != "first" {
		t.Fatalf("event = %+v, want opened for first", ev)
	}

	ch.Connect("second")
	expectClosedByClient(t, first)
	_ = ss.accept(t)
	if ev := rec.next(t); ev.Kind != ChannelOpened || ev.CallID != "second" {
		t.Fatalf("event = %+v, want opened for second", ev)
	}
	rec.expectNone(t)
	ch.Disconnect()
}
