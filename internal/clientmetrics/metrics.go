package clientmetrics

import (
	"sync/atomic"
	"time"

	"github.com/torosent/probefire/internal/metrics"
)

// SessionMetrics tracks probe traffic for one protocol session.
type SessionMetrics struct {
	connectedAt  atomic.Int64 // unix nanos, 0 when not connected
	sent         atomic.Int64
	received     atomic.Int64
	sendFailures atomic.Int64
	latency      *metrics.LatencyHistogram
}

// New creates a new SessionMetrics instance.
func New() *SessionMetrics {
	return &SessionMetrics{latency: metrics.NewLatencyHistogram(metrics.SessionSigFigs)}
}

// MarkConnected records the logon time.
func (m *SessionMetrics) MarkConnected() {
	m.connectedAt.Store(time.Now().UnixNano())
}

// MarkDisconnected clears the logon time.
func (m *SessionMetrics) MarkDisconnected() {
	m.connectedAt.Store(0)
}

// IncrementSent counts a probe handed to the session.
func (m *SessionMetrics) IncrementSent() {
	m.sent.Add(1)
}

// IncrementSendFailures counts a probe the session failed to send.
func (m *SessionMetrics) IncrementSendFailures() {
	m.sendFailures.Add(1)
}

// RecordReply counts a matched reply and its latency.
func (m *SessionMetrics) RecordReply(latency time.Duration) {
	m.received.Add(1)
	m.latency.Record(latency)
}

// ResetCounters zeroes traffic counters but keeps the logon time.
func (m *SessionMetrics) ResetCounters() {
	m.sent.Store(0)
	m.received.Store(0)
	m.sendFailures.Store(0)
	m.latency.Reset()
}

// ConnectionDuration returns the duration since logon.
// Returns 0 if not connected.
func (m *SessionMetrics) ConnectionDuration() time.Duration {
	at := m.connectedAt.Load()
	if at == 0 {
		return 0
	}
	return time.Since(time.Unix(0, at))
}

// Sent returns the number of probes sent.
func (m *SessionMetrics) Sent() int64 { return m.sent.Load() }

// Received returns the number of matched replies.
func (m *SessionMetrics) Received() int64 { return m.received.Load() }

// SendFailures returns the number of failed sends.
func (m *SessionMetrics) SendFailures() int64 { return m.sendFailures.Load() }

// Snapshot is a point-in-time copy of the session counters.
type Snapshot struct {
	ConnectionDuration time.Duration
	Sent               int64
	Received           int64
	SendFailures       int64
	AvgLatency         time.Duration
	P99Latency         time.Duration
}

// Snapshot returns the current counters.
func (m *SessionMetrics) Snapshot() Snapshot {
	return Snapshot{
		ConnectionDuration: m.ConnectionDuration(),
		Sent:               m.sent.Load(),
		Received:           m.received.Load(),
		SendFailures:       m.sendFailures.Load(),
		AvgLatency:         m.latency.Mean(),
		P99Latency:         m.latency.Percentile(0.99),
	}
}
