// Package session establishes and tracks the protocol sessions a load run
// sends probes over.
//
// Protocol engines plug in through [Factory] and [Session]. Each engine is
// handed the session's [Record] as its [Listener], so lifecycle events and
// probe replies land directly on the record that owns them.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Session is a live protocol session built by a Factory.
type Session interface {
	// Connect starts logon. It may return before the session is connected;
	// the orchestrator polls IsConnected afterwards.
	Connect(ctx context.Context) error
	IsConnected() bool
	// SendProbe sends a TestRequest-style probe carrying id.
	SendProbe(id string) error
	Close() error
}

// Listener receives lifecycle events and probe replies from an engine.
type Listener interface {
	OnLogon()
	OnLogout()
	OnFailure(err error)
	// OnProbeReply reports a reply carrying id received at atNanos on the
	// metrics.Nanotime clock.
	OnProbeReply(id string, atNanos int64)
}

// Factory builds engine sessions.
type Factory interface {
	NewSession(localID, peerID string, ordinal int, l Listener) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(localID, peerID string, ordinal int, l Listener) (Session, error)

// NewSession calls f.
func (f FactoryFunc) NewSession(localID, peerID string, ordinal int, l Listener) (Session, error) {
	return f(localID, peerID, ordinal, l)
}

// Correlator resolves a probe reply against the pending-probe index.
type Correlator interface {
	Complete(id string, receivedAtNanos int64) (time.Duration, bool)
}

// State is the lifecycle state of a session record.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrInvalidOptions wraps option validation failures.
	ErrInvalidOptions = errors.New("invalid session options")
	// ErrNotConnected is returned when a probe is sent on a session that is not connected.
	ErrNotConnected = errors.New("session not connected")
)

// ConnectTimeoutError reports a session that did not log on in time.
type ConnectTimeoutError struct {
	ID      string
	Timeout time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("session %s not connected after %s", e.ID, e.Timeout)
}

// SessionID formats the local id of the ordinal-th session.
func SessionID(base string, ordinal int) string {
	return fmt.Sprintf("%s_%04d", base, ordinal)
}
