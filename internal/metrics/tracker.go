package metrics

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNegativeTimeout is returned by NewTracker for a negative probe timeout.
var ErrNegativeTimeout = errors.New("probe timeout must not be negative")

const histShards = 32

// Tracker correlates probes with their replies. A probe is pending while its
// id is in the index; whichever of Complete, CheckTimeouts or Discard removes
// it decides its fate, so every probe is accounted for exactly once.
type Tracker struct {
	timeout int64
	cur     atomic.Pointer[window]
}

// window holds one measurement window. Reset swaps in a fresh window, so an
// operation racing the reset lands wholly in the old or the new one.
type window struct {
	pending      sync.Map // id -> *entry
	pendingCount atomic.Int64

	requests  atomic.Int64
	responses atomic.Int64
	timeouts  atomic.Int64

	minNanos atomic.Int64
	maxNanos atomic.Int64
	sumNanos atomic.Int64

	shards [histShards]*LatencyHistogram
}

const (
	entrySending int32 = iota
	entryPending
)

// entry is an indexed probe. The sweep leaves entries in entrySending alone:
// until the send returns, only a reply or Discard may claim them.
type entry struct {
	sentAt int64
	state  atomic.Int32
}

func newWindow() *window {
	w := &window{}
	for i := range w.shards {
		w.shards[i] = NewLatencyHistogram(GlobalSigFigs)
	}
	w.minNanos.Store(math.MaxInt64)
	return w
}

// NewTracker returns a tracker expiring probes older than timeout.
// A zero timeout disables expiry.
func NewTracker(timeout time.Duration) (*Tracker, error) {
	if timeout < 0 {
		return nil, ErrNegativeTimeout
	}
	t := &Tracker{timeout: int64(timeout)}
	t.cur.Store(newWindow())
	return t, nil
}

// Timeout returns the configured probe timeout.
func (t *Tracker) Timeout() time.Duration { return time.Duration(t.timeout) }

// RecordRequest registers a pending probe sent at sentAtNanos. Ids must be
// unique among in-flight probes; re-registering a pending id only moves its
// send instant and is not counted twice.
func (t *Tracker) RecordRequest(id string, sentAtNanos int64) {
	t.register(id, sentAtNanos, entryPending)
}

// Reserve registers a probe that is about to be sent. It matches replies at
// once but cannot expire until Confirm marks the send as done. A failed send
// is withdrawn with Discard.
func (t *Tracker) Reserve(id string, sentAtNanos int64) {
	t.register(id, sentAtNanos, entrySending)
}

// Confirm makes a reserved probe eligible for expiry. It returns false when
// the probe was already resolved or forgotten by Reset.
func (t *Tracker) Confirm(id string) bool {
	v, ok := t.cur.Load().pending.Load(id)
	if !ok {
		return false
	}
	return v.(*entry).state.CompareAndSwap(entrySending, entryPending)
}

func (t *Tracker) register(id string, sentAtNanos int64, state int32) {
	e := &entry{sentAt: sentAtNanos}
	e.state.Store(state)
	w := t.cur.Load()
	if _, loaded := w.pending.Swap(id, e); loaded {
		return
	}
	w.requests.Add(1)
	w.pendingCount.Add(1)
}

// RecordResponse resolves a pending probe. It returns false for unknown,
// already completed or expired ids and changes nothing in that case.
func (t *Tracker) RecordResponse(id string, receivedAtNanos int64) bool {
	_, ok := t.Complete(id, receivedAtNanos)
	return ok
}

// Complete is RecordResponse that also returns the measured latency.
func (t *Tracker) Complete(id string, receivedAtNanos int64) (time.Duration, bool) {
	w := t.cur.Load()
	v, ok := w.pending.LoadAndDelete(id)
	if !ok {
		return 0, false
	}
	w.pendingCount.Add(-1)

	latency := receivedAtNanos - v.(*entry).sentAt
	if latency < 0 {
		latency = 0
	}
	w.responses.Add(1)
	w.sumNanos.Add(latency)
	storeMin(&w.minNanos, latency)
	storeMax(&w.maxNanos, latency)
	w.shards[rand.IntN(histShards)].Record(time.Duration(latency))
	return time.Duration(latency), true
}

// Discard withdraws a pending probe whose send failed. The probe is removed
// from the request count so it is never reported as a timeout.
func (t *Tracker) Discard(id string) bool {
	w := t.cur.Load()
	if _, ok := w.pending.LoadAndDelete(id); !ok {
		return false
	}
	w.pendingCount.Add(-1)
	w.requests.Add(-1)
	return true
}

// CheckTimeouts expires every confirmed probe sent more than the timeout
// before nowNanos and returns how many were expired.
func (t *Tracker) CheckTimeouts(nowNanos int64) int {
	if t.timeout == 0 {
		return 0
	}
	w := t.cur.Load()
	expired := 0
	w.pending.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.state.Load() == entrySending || nowNanos-e.sentAt <= t.timeout {
			return true
		}
		// A reply that won the race already removed the entry.
		if w.pending.CompareAndDelete(key, value) {
			w.pendingCount.Add(-1)
			w.timeouts.Add(1)
			expired++
		}
		return true
	})
	return expired
}

// PendingCount returns the number of in-flight probes.
func (t *Tracker) PendingCount() int {
	return int(t.cur.Load().pendingCount.Load())
}

// Stats builds a snapshot over the given elapsed window.
func (t *Tracker) Stats(elapsed time.Duration) RunStats {
	w := t.cur.Load()
	s := RunStats{
		TotalRequests:  w.requests.Load(),
		TotalResponses: w.responses.Load(),
		Timeouts:       w.timeouts.Load(),
		Pending:        w.pendingCount.Load(),
		Duration:       elapsed,
	}
	if s.TotalResponses > 0 {
		s.MinLatency = time.Duration(w.minNanos.Load())
		s.MaxLatency = time.Duration(w.maxNanos.Load())
		s.AvgLatency = time.Duration(w.sumNanos.Load() / s.TotalResponses)

		merged := newHDR(GlobalSigFigs)
		for _, shard := range w.shards {
			shard.mergeInto(merged)
		}
		s.P50Latency = clamp(percentileFloor(merged, 0.50), s.MinLatency, s.MaxLatency)
		s.P95Latency = clamp(percentileFloor(merged, 0.95), s.MinLatency, s.MaxLatency)
		s.P99Latency = clamp(percentileFloor(merged, 0.99), s.MinLatency, s.MaxLatency)
	}
	s.Finalize()
	return s
}

// Reset starts a new measurement window. Probes pending at the reset are
// forgotten and their replies ignored as late; registrations racing the
// reset go to the old window and are forgotten too.
func (t *Tracker) Reset() {
	t.cur.Store(newWindow())
}

func storeMin(v *atomic.Int64, candidate int64) {
	for {
		cur := v.Load()
		if candidate >= cur || v.CompareAndSwap(cur, candidate) {
			return
		}
	}
}

func storeMax(v *atomic.Int64, candidate int64) {
	for {
		cur := v.Load()
		if candidate <= cur || v.CompareAndSwap(cur, candidate) {
			return
		}
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
