// Package loopback is an in-process protocol engine. Each session talks to a
// simulated counterparty that answers probes after a configurable latency,
// which makes it possible to exercise a full run without a network peer.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/session"
)

var (
	// ErrLogonRejected is reported when the simulated peer refuses a logon.
	ErrLogonRejected = errors.New("logon rejected by peer")
	// ErrSendFailed is returned for simulated send failures.
	ErrSendFailed = errors.New("simulated send failure")
)

// Config shapes the simulated counterparty.
type Config struct {
	Latency            time.Duration // base reply latency
	Jitter             time.Duration // uniform extra latency in [0, Jitter)
	LossRate           float64       // fraction of probes never answered
	SendFailureRate    float64       // fraction of sends that fail
	SendDelay          time.Duration // time each send blocks before returning
	ConnectDelay       time.Duration // time until logon completes
	ConnectFailureRate float64       // fraction of logons rejected
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var issues []string
	if c.Latency < 0 || c.Jitter < 0 || c.ConnectDelay < 0 || c.SendDelay < 0 {
		issues = append(issues, "durations must not be negative")
	}
	for name, v := range map[string]float64{
		"loss_rate":            c.LossRate,
		"send_failure_rate":    c.SendFailureRate,
		"connect_failure_rate": c.ConnectFailureRate,
	} {
		if v < 0 || v > 1 {
			issues = append(issues, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("loopback config: %v", issues)
	}
	return nil
}

// Factory builds loopback sessions.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and returns a session factory.
func NewFactory(cfg Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Factory{cfg: cfg}, nil
}

// NewSession implements session.Factory.
func (f *Factory) NewSession(localID, peerID string, ordinal int, l session.Listener) (session.Session, error) {
	return &Session{
		cfg:      f.cfg,
		localID:  localID,
		peerID:   peerID,
		listener: l,
	}, nil
}

// Session is one simulated protocol session.
type Session struct {
	cfg      Config
	localID  string
	peerID   string
	listener session.Listener

	mu        sync.Mutex
	connected bool
	closed    bool
	logonTmr  *time.Timer
}

// Connect schedules logon after ConnectDelay.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.logonTmr = time.AfterFunc(s.cfg.ConnectDelay, s.completeLogon)
	return nil
}

func (s *Session) completeLogon() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if chance(s.cfg.ConnectFailureRate) {
		s.mu.Unlock()
		s.listener.OnFailure(fmt.Errorf("%s -> %s: %w", s.localID, s.peerID, ErrLogonRejected))
		return
	}
	s.connected = true
	s.mu.Unlock()
	s.listener.OnLogon()
}

// IsConnected reports whether logon completed and the session is open.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// SendProbe schedules the peer's reply unless the probe is lost.
func (s *Session) SendProbe(id string) error {
	if !s.IsConnected() {
		return session.ErrNotConnected
	}
	if s.cfg.SendDelay > 0 {
		time.Sleep(s.cfg.SendDelay)
	}
	if chance(s.cfg.SendFailureRate) {
		return ErrSendFailed
	}
	if chance(s.cfg.LossRate) {
		return nil
	}
	delay := s.cfg.Latency
	if s.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(s.cfg.Jitter)))
	}
	time.AfterFunc(delay, func() {
		if s.IsConnected() {
			s.listener.OnProbeReply(id, metrics.Nanotime())
		}
	})
	return nil
}

// Close logs out. Replies still in flight are dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	wasConnected := s.connected && !s.closed
	s.closed = true
	s.connected = false
	if s.logonTmr != nil {
		s.logonTmr.Stop()
	}
	s.mu.Unlock()
	if wasConnected {
		s.listener.OnLogout()
	}
	return nil
}

func chance(p float64) bool {
	switch {
	case p <= 0:
		return false
	case p >= 1:
		return true
	default:
		return rand.Float64() < p
	}
}
