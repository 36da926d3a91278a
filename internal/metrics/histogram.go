package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// Latencies are tracked in microseconds from 1µs up to 60s.
	lowestTrackableMicros  = 1
	highestTrackableMicros = 60_000_000

	// GlobalSigFigs is the precision of run-wide histograms.
	GlobalSigFigs = 3
	// SessionSigFigs trades precision for memory on per-session histograms.
	SessionSigFigs = 2
)

// LatencyHistogram is a bounded-memory latency distribution with
// microsecond buckets. It is safe for concurrent use.
type LatencyHistogram struct {
	mu      sync.Mutex
	sigfigs int
	hist    *hdrhistogram.Histogram
}

// NewLatencyHistogram returns an empty histogram with the given number of
// significant figures (1-5).
func NewLatencyHistogram(sigfigs int) *LatencyHistogram {
	if sigfigs < 1 || sigfigs > 5 {
		sigfigs = GlobalSigFigs
	}
	return &LatencyHistogram{
		sigfigs: sigfigs,
		hist:    newHDR(sigfigs),
	}
}

func newHDR(sigfigs int) *hdrhistogram.Histogram {
	return hdrhistogram.New(lowestTrackableMicros, highestTrackableMicros, sigfigs)
}

func toMicros(d time.Duration) int64 {
	us := d.Microseconds()
	if us < lowestTrackableMicros {
		us = lowestTrackableMicros
	}
	if us > highestTrackableMicros {
		us = highestTrackableMicros
	}
	return us
}

// Record adds one latency sample. Out-of-range samples are clamped.
func (h *LatencyHistogram) Record(d time.Duration) {
	us := toMicros(d)
	h.mu.Lock()
	_ = h.hist.RecordValue(us)
	h.mu.Unlock()
}

// Count returns the number of recorded samples.
func (h *LatencyHistogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

// Percentile returns the bucket floor at which the cumulative count first
// reaches ceil(p * count). p is a fraction in (0, 1].
func (h *LatencyHistogram) Percentile(p float64) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return percentileFloor(h.hist, p)
}

// Mean returns the histogram mean. Bucketed, so only approximate.
func (h *LatencyHistogram) Mean() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hist.TotalCount() == 0 {
		return 0
	}
	return time.Duration(h.hist.Mean() * float64(time.Microsecond))
}

// Reset drops all samples.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	h.hist.Reset()
	h.mu.Unlock()
}

// mergeInto adds this histogram's samples to dst.
func (h *LatencyHistogram) mergeInto(dst *hdrhistogram.Histogram) {
	h.mu.Lock()
	dst.Merge(h.hist)
	h.mu.Unlock()
}

func percentileFloor(hist *hdrhistogram.Histogram, p float64) time.Duration {
	total := hist.TotalCount()
	if total == 0 || p <= 0 {
		return 0
	}
	if p > 1 {
		p = 1
	}
	target := int64(math.Ceil(p * float64(total)))
	if target < 1 {
		target = 1
	}
	var cumulative int64
	for _, bar := range hist.Distribution() {
		if bar.Count == 0 {
			continue
		}
		cumulative += bar.Count
		if cumulative >= target {
			return time.Duration(bar.From) * time.Microsecond
		}
	}
	return time.Duration(hist.Max()) * time.Microsecond
}
