package output

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/torosent/probefire/internal/metrics"
)

type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func TestProgressLine(t *testing.T) {
	line := ProgressLine(metrics.RunStats{
		TotalRequests:  120,
		TotalResponses: 118,
		Timeouts:       1,
		Pending:        1,
		RequestsPerSec: 60,
		P99LatencyMs:   2.5,
		Connections:    metrics.ConnectionStats{Total: 4, Active: 3},
	})
	for _, want := range []string{"Sent: 120", "Answered: 118", "Timeouts: 1", "Pending: 1", "RPS: 60.0", "P99: 2.50ms", "Sessions: 3/4"} {
		if !strings.Contains(line, want) {
			t.Errorf("progress line %q missing %q", line, want)
		}
	}
}

func TestProgressReporterStopWithoutStart(t *testing.T) {
	reporter := NewProgressReporter(func() metrics.RunStats { return metrics.RunStats{} }, 100*time.Millisecond, nil)
	if reporter == nil {
		t.Fatal("Expected non-nil reporter")
	}
	reporter.Stop()
}

func TestProgressReporterWritesUpdates(t *testing.T) {
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	stats := func() metrics.RunStats {
		once.Do(calls.Done)
		return metrics.RunStats{TotalRequests: 7}
	}

	var buf syncBuffer
	reporter := NewProgressReporter(stats, 10*time.Millisecond, &buf)
	reporter.Start()
	reporter.Start() // no-op

	calls.Wait()
	time.Sleep(20 * time.Millisecond)
	reporter.Stop()
	reporter.Stop()

	if out := buf.String(); !strings.Contains(out, "Sent: 7") {
		t.Errorf("Expected 'Sent: 7' in progress output, got %q", out)
	}
}
