// Package websocket is a session engine that speaks a small JSON session
// protocol over WebSocket. Each session is one connection: it logs on with a
// logon frame, probes with test_request frames and expects heartbeat frames
// echoing the probe id.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/session"
	"github.com/torosent/probefire/internal/tracing"
)

// Frame types.
const (
	FrameLogon       = "logon"
	FrameLogout      = "logout"
	FrameReject      = "reject"
	FrameTestRequest = "test_request"
	FrameHeartbeat   = "heartbeat"
)

// ErrLogonRejected is reported when the peer answers a logon with reject or
// logout.
var ErrLogonRejected = errors.New("logon rejected by peer")

// Frame is the wire format. Unknown fields are ignored on receive.
type Frame struct {
	Type      string `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Target    string `json:"target,omitempty"`
	TestReqID string `json:"test_req_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Config configures the WebSocket engine.
type Config struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	Propagate        bool // inject W3C trace context into the handshake
}

// Metrics captures per-connection traffic.
type Metrics struct {
	ConnectionDuration time.Duration
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	Errors             int64
}

// Factory dials one connection per session.
type Factory struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewFactory creates a new WebSocket engine with the given configuration.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket: url is required")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024 // 1MB default
	}

	return &Factory{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}, nil
}

// NewSession implements session.Factory.
func (f *Factory) NewSession(localID, peerID string, _ int, l session.Listener) (session.Session, error) {
	return &Session{
		factory:  f,
		localID:  localID,
		peerID:   peerID,
		listener: l,
	}, nil
}

// Session is one WebSocket connection.
type Session struct {
	factory  *Factory
	localID  string
	peerID   string
	listener session.Listener

	mu          sync.Mutex // serializes writes and guards conn
	conn        *websocket.Conn
	connectTime time.Time

	loggedOn   atomic.Bool
	closed     atomic.Bool
	endOnce    sync.Once
	readerDone chan struct{}

	messagesSent atomic.Int64
	messagesRecv atomic.Int64
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	errors       atomic.Int64
}

// Connect dials the peer and sends a logon frame. Logon completes when the
// peer's logon frame arrives.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("already connected")
	}
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}

	headers := s.factory.cfg.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if s.factory.cfg.Propagate {
		tracing.InjectHTTPHeaders(ctx, headers)
	}

	conn, resp, err := s.factory.dialer.DialContext(ctx, s.factory.cfg.URL, headers)
	if err != nil {
		s.errors.Add(1)
		if resp != nil {
			return fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(s.factory.cfg.MaxMessageSize)

	s.conn = conn
	s.connectTime = time.Now()
	s.readerDone = make(chan struct{})

	if err := s.writeLocked(Frame{Type: FrameLogon, Sender: s.localID, Target: s.peerID}); err != nil {
		_ = conn.Close()
		s.conn = nil
		return fmt.Errorf("send logon: %w", err)
	}

	go s.readLoop(conn, s.readerDone)
	return nil
}

// IsConnected reports whether logon completed and the connection is open.
func (s *Session) IsConnected() bool {
	return s.loggedOn.Load() && !s.closed.Load()
}

// SendProbe writes a test_request frame carrying id.
func (s *Session) SendProbe(id string) error {
	if !s.IsConnected() {
		return session.ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return session.ErrNotConnected
	}
	return s.writeLocked(Frame{Type: FrameTestRequest, TestReqID: id})
}

func (s *Session) writeLocked(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.factory.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("write message: %w", err)
	}
	s.messagesSent.Add(1)
	s.bytesSent.Add(int64(len(data)))
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.errors.Add(1)
				s.end(fmt.Errorf("read message: %w", err))
			}
			return
		}
		s.messagesRecv.Add(1)
		s.bytesRecv.Add(int64(len(data)))
		if !s.handle(data) {
			return
		}
	}
}

// handle dispatches one inbound frame. It returns false when the session
// ended.
func (s *Session) handle(data []byte) bool {
	parsed := gjson.ParseBytes(data)
	switch parsed.Get("type").String() {
	case FrameLogon:
		if s.loggedOn.CompareAndSwap(false, true) {
			s.listener.OnLogon()
		}
	case FrameHeartbeat:
		if id := parsed.Get("test_req_id").String(); id != "" {
			s.listener.OnProbeReply(id, metrics.Nanotime())
		}
	case FrameTestRequest:
		// Peer-initiated probe: answer it so the peer does not time us out.
		id := parsed.Get("test_req_id").String()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.writeLocked(Frame{Type: FrameHeartbeat, TestReqID: id})
		}
		s.mu.Unlock()
	case FrameReject, FrameLogout:
		text := parsed.Get("text").String()
		if text == "" {
			text = parsed.Get("type").String()
		}
		s.end(fmt.Errorf("%s -> %s: %w: %s", s.localID, s.peerID, ErrLogonRejected, text))
		return false
	}
	return true
}

// end reports the session's end exactly once: a logout if logon had
// completed, a failure otherwise.
func (s *Session) end(cause error) {
	s.endOnce.Do(func() {
		if s.loggedOn.Load() {
			s.listener.OnLogout()
			return
		}
		s.listener.OnFailure(cause)
	})
}

// Close sends a logout frame and closes the connection gracefully.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	conn := s.conn
	done := s.readerDone
	var err error
	if conn != nil {
		if s.loggedOn.Load() {
			_ = s.writeLocked(Frame{Type: FrameLogout, Sender: s.localID, Target: s.peerID})
		}
		// The peer may already have closed; the close frame is best effort.
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.factory.cfg.WriteTimeout),
		)
		err = conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	if s.loggedOn.Load() {
		s.endOnce.Do(s.listener.OnLogout)
	}
	return err
}

// Metrics returns the current traffic snapshot.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	connected := s.connectTime
	s.mu.Unlock()

	duration := time.Duration(0)
	if !connected.IsZero() {
		duration = time.Since(connected)
	}
	return Metrics{
		ConnectionDuration: duration,
		MessagesSent:       s.messagesSent.Load(),
		MessagesReceived:   s.messagesRecv.Load(),
		BytesSent:          s.bytesSent.Load(),
		BytesReceived:      s.bytesRecv.Load(),
		Errors:             s.errors.Load(),
	}
}
