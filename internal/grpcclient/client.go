// Package grpcclient is a session engine over gRPC. A session is one client
// connection; logon is a successful health check and each probe is a health
// check carrying the probe id in metadata.
package grpcclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/session"
	"github.com/torosent/probefire/internal/tracing"
)

// Metadata keys attached to every call.
const (
	ProbeIDKey   = "x-probe-id"
	SessionIDKey = "x-session-id"
)

// ErrNotServing is reported when the logon health check answers anything
// other than SERVING.
var ErrNotServing = errors.New("peer not serving")

// Metrics holds per-session call counters.
type Metrics struct {
	CallDuration time.Duration
	MessagesSent int64
	MessagesRecv int64
	BytesSent    int64
	BytesRecv    int64
	Errors       int64
	StatusCode   string
}

// Config holds configuration for the gRPC engine.
type Config struct {
	Target string
	// Service is the health service name checked at logon and on every probe.
	// Empty checks the server as a whole.
	Service   string
	Metadata  map[string]string
	Timeout   time.Duration
	UseTLS    bool
	Insecure  bool
	Propagate bool
	// DialOptions are appended after the transport credentials.
	DialOptions []grpc.DialOption
}

// Factory builds one client connection per session.
type Factory struct {
	cfg Config
	md  metadata.MD
}

// NewFactory validates cfg and applies defaults.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Target == "" {
		return nil, errors.New("grpc: target is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Factory{cfg: cfg, md: metadata.New(cfg.Metadata)}, nil
}

// NewSession implements session.Factory.
func (f *Factory) NewSession(localID, peerID string, _ int, l session.Listener) (session.Session, error) {
	md := f.md.Copy()
	md.Set(SessionIDKey, localID)
	return &Session{
		factory:    f,
		localID:    localID,
		peerID:     peerID,
		listener:   l,
		md:         md,
		lastStatus: "UNSET",
	}, nil
}

// Dial establishes a gRPC connection based on configuration
func Dial(cfg Config) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if cfg.UseTLS {
		if cfg.Insecure {
			// Use TLS but skip certificate verification
			creds := credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})
			opts = append(opts, grpc.WithTransportCredentials(creds))
		} else {
			// Use TLS with proper certificate verification
			creds := credentials.NewClientTLSFromCert(nil, "")
			opts = append(opts, grpc.WithTransportCredentials(creds))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, cfg.DialOptions...)

	// grpc.NewClient is non-blocking and doesn't take a context for dialing itself
	return grpc.NewClient(cfg.Target, opts...)
}

// Session is one gRPC client connection.
type Session struct {
	factory  *Factory
	localID  string
	peerID   string
	listener session.Listener
	md       metadata.MD

	mu         sync.Mutex
	conn       *grpc.ClientConn
	client     healthpb.HealthClient
	ctx        context.Context
	cancel     context.CancelFunc
	connected  time.Time
	lastStatus string

	loggedOn atomic.Bool
	closed   atomic.Bool
	endOnce  sync.Once
	inflight sync.WaitGroup

	sent      atomic.Int64
	recv      atomic.Int64
	bytesSent atomic.Int64
	bytesRecv atomic.Int64
	errs      atomic.Int64
}

// Connect creates the client connection and starts the logon health check.
// Logon completes asynchronously.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("client already connected")
	}
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}

	conn, err := Dial(s.factory.cfg)
	if err != nil {
		s.errs.Add(1)
		return fmt.Errorf("grpc dial %s: %w", s.factory.cfg.Target, err)
	}
	s.conn = conn
	s.client = healthpb.NewHealthClient(conn)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Logon outlives Connect's ctx but keeps its trace.
	logonCtx := s.ctx
	if s.factory.cfg.Propagate {
		md := s.md.Copy()
		tracing.InjectGRPCMetadata(ctx, md)
		logonCtx = metadata.NewOutgoingContext(logonCtx, md)
	} else {
		logonCtx = metadata.NewOutgoingContext(logonCtx, s.md)
	}

	s.inflight.Add(1)
	go s.logon(logonCtx)
	return nil
}

func (s *Session) logon(ctx context.Context) {
	defer s.inflight.Done()
	resp, err := s.check(ctx)
	switch {
	case s.closed.Load():
		return
	case err != nil:
		s.end(fmt.Errorf("%s -> %s logon: %w", s.localID, s.peerID, err))
	case resp.GetStatus() != healthpb.HealthCheckResponse_SERVING:
		s.end(fmt.Errorf("%s -> %s: %w: %s", s.localID, s.peerID, ErrNotServing, resp.GetStatus()))
	default:
		if s.loggedOn.CompareAndSwap(false, true) {
			s.mu.Lock()
			s.connected = time.Now()
			s.mu.Unlock()
			s.listener.OnLogon()
		}
	}
}

// check issues one health check and updates the counters.
func (s *Session) check(ctx context.Context) (*healthpb.HealthCheckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.factory.cfg.Timeout)
	defer cancel()

	req := &healthpb.HealthCheckRequest{Service: s.factory.cfg.Service}
	s.sent.Add(1)
	s.bytesSent.Add(int64(proto.Size(req)))

	resp, err := s.client.Check(ctx, req)

	s.mu.Lock()
	s.lastStatus = status.Code(err).String()
	s.mu.Unlock()
	if err != nil {
		s.errs.Add(1)
		return nil, err
	}
	s.recv.Add(1)
	s.bytesRecv.Add(int64(proto.Size(resp)))
	return resp, nil
}

// IsConnected reports whether logon succeeded and the session is open.
func (s *Session) IsConnected() bool {
	return s.loggedOn.Load() && !s.closed.Load()
}

// SendProbe starts a health check tagged with id. The reply is reported
// through the listener when it arrives; failed calls are dropped and left to
// the probe timeout.
func (s *Session) SendProbe(id string) error {
	if !s.IsConnected() {
		return session.ErrNotConnected
	}
	s.mu.Lock()
	// Checked under mu so no probe is added once Close waits on inflight.
	if s.conn == nil || s.closed.Load() {
		s.mu.Unlock()
		return session.ErrNotConnected
	}
	md := s.md.Copy()
	md.Set(ProbeIDKey, id)
	ctx := s.ctx
	s.inflight.Add(1)
	s.mu.Unlock()

	if s.factory.cfg.Propagate {
		tracing.InjectGRPCMetadata(ctx, md)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	go func() {
		defer s.inflight.Done()
		if _, err := s.check(ctx); err != nil {
			if status.Code(err) == codes.Unavailable && !s.closed.Load() {
				s.end(fmt.Errorf("%s -> %s: %w", s.localID, s.peerID, err))
			}
			return
		}
		s.listener.OnProbeReply(id, metrics.Nanotime())
	}()
	return nil
}

// end reports the session's end once: a logout after logon, a failure
// before it.
func (s *Session) end(cause error) {
	s.endOnce.Do(func() {
		if s.loggedOn.Load() {
			s.listener.OnLogout()
			return
		}
		s.listener.OnFailure(cause)
	})
}

// Close cancels outstanding calls and closes the connection.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	conn := s.conn
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	s.inflight.Wait()
	err := conn.Close()
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	if s.loggedOn.Load() {
		s.endOnce.Do(s.listener.OnLogout)
	}
	return err
}

// Metrics returns the current metrics (thread-safe)
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	lastStatus := s.lastStatus
	connected := s.connected
	s.mu.Unlock()

	var d time.Duration
	if !connected.IsZero() {
		d = time.Since(connected)
	}
	return Metrics{
		CallDuration: d,
		MessagesSent: s.sent.Load(),
		MessagesRecv: s.recv.Load(),
		BytesSent:    s.bytesSent.Load(),
		BytesRecv:    s.bytesRecv.Load(),
		Errors:       s.errs.Load(),
		StatusCode:   lastStatus,
	}
}
