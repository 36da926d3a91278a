package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/torosent/probefire/internal/session"
)

// Helper function to create a test WebSocket server
func createTestWSServer(handler func(*http.Request, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
}

// peer answers logon with logon and test requests with heartbeats.
func peer(_ *http.Request, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		parsed := gjson.ParseBytes(data)
		var reply Frame
		switch parsed.Get("type").String() {
		case FrameLogon:
			reply = Frame{Type: FrameLogon, Sender: parsed.Get("target").String()}
		case FrameTestRequest:
			reply = Frame{Type: FrameHeartbeat, TestReqID: parsed.Get("test_req_id").String()}
		case FrameLogout:
			return
		default:
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type recorder struct {
	mu       sync.Mutex
	logons   int
	logouts  int
	failures []error
	replies  []string
	logonCh  chan struct{}
	replyCh  chan string
	endCh    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		logonCh: make(chan struct{}, 1),
		replyCh: make(chan string, 16),
		endCh:   make(chan struct{}, 1),
	}
}

func (r *recorder) OnLogon() {
	r.mu.Lock()
	r.logons++
	r.mu.Unlock()
	r.logonCh <- struct{}{}
}

func (r *recorder) OnLogout() {
	r.mu.Lock()
	r.logouts++
	r.mu.Unlock()
	r.endCh <- struct{}{}
}

func (r *recorder) OnFailure(err error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
	r.endCh <- struct{}{}
}

func (r *recorder) OnProbeReply(id string, _ int64) {
	r.mu.Lock()
	r.replies = append(r.replies, id)
	r.mu.Unlock()
	r.replyCh <- id
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func newSession(t *testing.T, cfg Config, rec *recorder) *Session {
	t.Helper()
	f, err := NewFactory(cfg)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	s, err := f.NewSession("CLIENT_0001", "SERVER", 1, rec)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s.(*Session)
}

func TestNewFactoryRequiresURL(t *testing.T) {
	if _, err := NewFactory(Config{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestLogonProbeAndClose(t *testing.T) {
	server := createTestWSServer(peer)
	defer server.Close()

	rec := newRecorder()
	s := newSession(t, Config{URL: wsURL(server)}, rec)

	if err := s.SendProbe("early"); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("SendProbe before logon = %v, want ErrNotConnected", err)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	wait(t, rec.logonCh, "logon")
	if !s.IsConnected() {
		t.Fatal("expected session to be connected after logon")
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := s.SendProbe(id); err != nil {
			t.Fatalf("SendProbe(%s): %v", id, err)
		}
		if got := wait(t, rec.replyCh, "heartbeat"); got != id {
			t.Errorf("reply id = %q, want %q", got, id)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wait(t, rec.endCh, "logout")
	if s.IsConnected() {
		t.Error("session still connected after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.logons != 1 || rec.logouts != 1 || len(rec.failures) != 0 {
		t.Errorf("events logons=%d logouts=%d failures=%v", rec.logons, rec.logouts, rec.failures)
	}

	m := s.Metrics()
	// logon + 3 probes + logout
	if m.MessagesSent != 5 {
		t.Errorf("MessagesSent = %d, want 5", m.MessagesSent)
	}
	if m.MessagesReceived != 4 {
		t.Errorf("MessagesReceived = %d, want 4", m.MessagesReceived)
	}
	if m.BytesSent == 0 || m.BytesReceived == 0 {
		t.Errorf("expected byte counters to be set: %+v", m)
	}
}

func TestRejectedLogonFails(t *testing.T) {
	server := createTestWSServer(func(_ *http.Request, conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(Frame{Type: FrameReject, Text: "unknown comp id"})
		// Keep the connection open until the client closes it.
		_, _, _ = conn.ReadMessage()
	})
	defer server.Close()

	rec := newRecorder()
	s := newSession(t, Config{URL: wsURL(server)}, rec)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	wait(t, rec.endCh, "failure")
	_ = s.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.logons != 0 || rec.logouts != 0 {
		t.Errorf("unexpected logon/logout events: %d/%d", rec.logons, rec.logouts)
	}
	if len(rec.failures) != 1 || !errors.Is(rec.failures[0], ErrLogonRejected) {
		t.Fatalf("failures = %v, want one ErrLogonRejected", rec.failures)
	}
	if !strings.Contains(rec.failures[0].Error(), "unknown comp id") {
		t.Errorf("failure should carry peer text: %v", rec.failures[0])
	}
}

func TestPeerDisconnectAfterLogonIsLogout(t *testing.T) {
	server := createTestWSServer(func(_ *http.Request, conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(Frame{Type: FrameLogon})
		_ = conn.WriteJSON(Frame{Type: FrameLogout, Text: "end of day"})
	})
	defer server.Close()

	rec := newRecorder()
	s := newSession(t, Config{URL: wsURL(server)}, rec)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	wait(t, rec.logonCh, "logon")
	wait(t, rec.endCh, "logout")
	_ = s.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.logouts != 1 || len(rec.failures) != 0 {
		t.Errorf("logouts=%d failures=%v, want exactly one logout", rec.logouts, rec.failures)
	}
}

func TestPeerTestRequestIsAnswered(t *testing.T) {
	answered := make(chan string, 1)
	server := createTestWSServer(func(_ *http.Request, conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(Frame{Type: FrameLogon})
		_ = conn.WriteJSON(Frame{Type: FrameTestRequest, TestReqID: "srv-1"})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if gjson.GetBytes(data, "type").String() == FrameHeartbeat {
				answered <- gjson.GetBytes(data, "test_req_id").String()
				return
			}
		}
	})
	defer server.Close()

	rec := newRecorder()
	s := newSession(t, Config{URL: wsURL(server)}, rec)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	if got := wait(t, answered, "heartbeat answer"); got != "srv-1" {
		t.Errorf("answered id = %q, want srv-1", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.replies) != 0 {
		t.Errorf("peer-initiated probes must not be reported as replies: %v", rec.replies)
	}
}

func TestConnectSendsHeaders(t *testing.T) {
	got := make(chan http.Header, 1)
	server := createTestWSServer(func(r *http.Request, conn *websocket.Conn) {
		got <- r.Header.Clone()
		peer(r, conn)
	})
	defer server.Close()

	headers := http.Header{}
	headers.Set("X-Api-Key", "secret")
	rec := newRecorder()
	s := newSession(t, Config{URL: wsURL(server), Headers: headers, Propagate: true}, rec)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	h := wait(t, got, "handshake")
	if h.Get("X-Api-Key") != "secret" {
		t.Errorf("X-Api-Key = %q, want secret", h.Get("X-Api-Key"))
	}
	if headers.Get("Traceparent") != "" {
		t.Error("factory headers must not be mutated by propagation")
	}
}

func TestConnectFailure(t *testing.T) {
	rec := newRecorder()
	s := newSession(t, Config{URL: "ws://127.0.0.1:1", HandshakeTimeout: 200 * time.Millisecond}, rec)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if s.IsConnected() {
		t.Error("failed dial must not report connected")
	}
	if s.Metrics().Errors != 1 {
		t.Errorf("Errors = %d, want 1", s.Metrics().Errors)
	}
}

func TestConnectTwice(t *testing.T) {
	server := createTestWSServer(peer)
	defer server.Close()

	rec := newRecorder()
	s := newSession(t, Config{URL: wsURL(server)}, rec)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()
	if err := s.Connect(context.Background()); err == nil {
		t.Error("second Connect should fail")
	}
}
