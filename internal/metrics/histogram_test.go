package metrics_test

import (
	"testing"
	"time"

	"github.com/torosent/probefire/internal/metrics"
)

func TestLatencyHistogramPercentileFloor(t *testing.T) {
	h := metrics.NewLatencyHistogram(metrics.GlobalSigFigs)
	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}
	if h.Count() != 100 {
		t.Fatalf("expected 100 samples, got %d", h.Count())
	}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0.50, 50 * time.Millisecond},
		{0.95, 95 * time.Millisecond},
		{0.99, 99 * time.Millisecond},
		{1.00, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		got := h.Percentile(tt.p)
		// Bucket floors at 3 significant figures stay within 0.1%.
		if got > tt.want || got < tt.want-tt.want/1000 {
			t.Errorf("p%.0f: expected about %s, got %s", tt.p*100, tt.want, got)
		}
	}
}

func TestLatencyHistogramEmpty(t *testing.T) {
	h := metrics.NewLatencyHistogram(metrics.SessionSigFigs)
	if got := h.Percentile(0.99); got != 0 {
		t.Fatalf("expected 0 on empty histogram, got %s", got)
	}
	if got := h.Mean(); got != 0 {
		t.Fatalf("expected 0 mean on empty histogram, got %s", got)
	}
}

func TestLatencyHistogramClampsOutOfRange(t *testing.T) {
	h := metrics.NewLatencyHistogram(metrics.GlobalSigFigs)
	h.Record(0)
	h.Record(2 * time.Minute)
	if h.Count() != 2 {
		t.Fatalf("out-of-range samples must still be counted, got %d", h.Count())
	}
	if got := h.Percentile(1); got < 59*time.Second {
		t.Fatalf("expected max clamped near 60s, got %s", got)
	}
}

func TestLatencyHistogramReset(t *testing.T) {
	h := metrics.NewLatencyHistogram(metrics.GlobalSigFigs)
	h.Record(time.Millisecond)
	h.Reset()
	if h.Count() != 0 {
		t.Fatalf("expected empty histogram after reset, got %d", h.Count())
	}
}
