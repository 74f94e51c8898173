package telephony

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/birddigital/voicecall-sync/pkg/callapi"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// streamServer accepts websocket connections on /ws/call/{id} and hands
// them to the test.
type streamServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	paths chan string
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ss := &streamServer{
		conns: make(chan *websocket.Conn, 8),
		paths: make(chan string, 8),
	}
	ss.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ss.paths <- r.URL.Path
		ss.conns <- conn
	}))
	t.Cleanup(ss.srv.Close)
	return ss
}

func (ss *streamServer) baseURL() string {
	return "ws" + strings.TrimPrefix(ss.srv.URL, "http")
}

func (ss *streamServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ss.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream connection")
		return nil
	}
}

func (ss *streamServer) expectNoConnection(t *testing.T) {
	t.Helper()
	select {
	case <-ss.conns:
		t.Fatal("unexpected stream connection")
	case <-time.After(100 * time.Millisecond):
	}
}

// expectClosedByClient waits for the client's close frame on conn.
func expectClosedByClient(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("read error = %v, want normal closure from client", err)
		}
		return
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write %s: %v", raw, err)
	}
}

// fakeService is an in-memory CallService.
type fakeService struct {
	stream string

	mu            sync.Mutex
	initiateCalls int
	initiateID    string
	initiateErr   error
	gate          chan struct{}
	ignoreCancel  bool
	emptyResponse bool
	statusCalls   int
	statusFn      func(callID string) (*callapi.CallStatus, error)
	hangups       []string
}

func (f *fakeService) InitiateCall(ctx context.Context, phoneNumber string) (*callapi.InitiateCallResponse, error) {
	f.mu.Lock()
	f.initiateCalls++
	gate, id, err := f.gate, f.initiateID, f.initiateErr
	ignoreCancel, empty := f.ignoreCancel, f.emptyResponse
	f.mu.Unlock()

	if gate != nil {
		if ignoreCancel {
			// The service commits the call regardless of the client giving up.
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}
	return &callapi.InitiateCallResponse{CallID: id, Status: "dialing", Message: "Call initiated successfully"}, nil
}

func (f *fakeService) GetCallStatus(ctx context.Context, callID string) (*callapi.CallStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()

	if fn == nil {
		return &callapi.CallStatus{Status: "connected"}, nil
	}
	return fn(callID)
}

func (f *fakeService) StreamURL(callID string) (string, error) {
	if f.stream == "" {
		return "", errors.New("no stream endpoint")
	}
	return f.stream + "/ws/call/" + callID, nil
}

func (f *fakeService) HangupCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

func (f *fakeService) setStatus(fn func(callID string) (*callapi.CallStatus, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusFn = fn
}

func (f *fakeService) counts() (initiate, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls, f.statusCalls
}

func (f *fakeService) hangupIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}

func waitForState(t *testing.T, s *CallSession, pred func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := s.Snapshot()
		if pred(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state; last = %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func statusIs(want CallStatus) func(State) bool {
	return func(st State) bool { return st.Status == want }
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
