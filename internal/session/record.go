package session

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/torosent/probefire/internal/clientmetrics"
	"github.com/torosent/probefire/internal/metrics"
)

// Record is the orchestrator's view of one session. It is the engine's
// Listener, so its state follows the engine's lifecycle callbacks.
type Record struct {
	id      string
	ordinal int
	state   atomic.Int32
	handle  Session
	lastErr atomic.Pointer[error]

	counters   *clientmetrics.SessionMetrics
	correlator Correlator
	log        zerolog.Logger
}

func newRecord(id string, ordinal int, correlator Correlator, log zerolog.Logger) *Record {
	r := &Record{
		id:         id,
		ordinal:    ordinal,
		counters:   clientmetrics.New(),
		correlator: correlator,
		log:        log.With().Str("session", id).Logger(),
	}
	r.state.Store(int32(StateConnecting))
	return r
}

// ID returns the session's local id.
func (r *Record) ID() string { return r.id }

// Ordinal returns the 1-based creation ordinal.
func (r *Record) Ordinal() int { return r.ordinal }

// State returns the current lifecycle state.
func (r *Record) State() State { return State(r.state.Load()) }

// Err returns the last failure reported for the session, if any.
func (r *Record) Err() error {
	if p := r.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// IsConnected reports whether the record is connected and the engine agrees.
func (r *Record) IsConnected() bool {
	return r.State() == StateConnected && r.handle != nil && r.handle.IsConnected()
}

// SendProbe sends a probe on the underlying session and counts the outcome.
func (r *Record) SendProbe(id string) error {
	if r.handle == nil || r.State() != StateConnected {
		r.counters.IncrementSendFailures()
		return ErrNotConnected
	}
	if err := r.handle.SendProbe(id); err != nil {
		r.counters.IncrementSendFailures()
		return err
	}
	r.counters.IncrementSent()
	return nil
}

// Counters exposes the session's traffic counters.
func (r *Record) Counters() *clientmetrics.SessionMetrics { return r.counters }

// Stats returns the per-session report row.
func (r *Record) Stats() metrics.SessionStats {
	snap := r.counters.Snapshot()
	return metrics.SessionStats{
		ID:           r.id,
		State:        r.State().String(),
		Sent:         snap.Sent,
		Received:     snap.Received,
		SendFailures: snap.SendFailures,
		AvgLatency:   snap.AvgLatency,
		P99Latency:   snap.P99Latency,
		Uptime:       snap.ConnectionDuration,
	}
}

// OnLogon marks the session connected. Failed sessions stay failed.
func (r *Record) OnLogon() {
	if r.transition(StateConnected) {
		r.counters.MarkConnected()
		r.log.Debug().Msg("logon")
	}
}

// OnLogout marks the session disconnected.
func (r *Record) OnLogout() {
	if r.transition(StateDisconnected) {
		r.counters.MarkDisconnected()
		r.log.Debug().Msg("logout")
	}
}

// OnFailure records err and marks the session failed.
func (r *Record) OnFailure(err error) {
	if err != nil {
		r.lastErr.Store(&err)
	}
	if r.transition(StateFailed) {
		r.counters.MarkDisconnected()
		r.log.Warn().Err(err).Msg("session failure")
	}
}

// OnProbeReply correlates a reply. Unknown, late and duplicate ids are ignored.
func (r *Record) OnProbeReply(id string, atNanos int64) {
	if r.correlator == nil {
		return
	}
	latency, ok := r.correlator.Complete(id, atNanos)
	if !ok {
		return
	}
	r.counters.RecordReply(latency)
}

// transition moves to next unless the record already failed or is already
// in next. It reports whether the state changed.
func (r *Record) transition(next State) bool {
	for {
		cur := State(r.state.Load())
		if cur == StateFailed || cur == next {
			return false
		}
		if r.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

func (r *Record) fail(err error) {
	r.lastErr.Store(&err)
	r.state.Store(int32(StateFailed))
	r.counters.MarkDisconnected()
}
