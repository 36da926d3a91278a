package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/probefire/internal/metrics"
)

// StatsFunc returns the current snapshot of a run.
type StatsFunc func() metrics.RunStats

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	stats    StatsFunc
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(stats StatsFunc, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		stats:    stats,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	p.ticker.Stop()
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, "\r"+ProgressLine(p.stats()))
		case <-p.done:
			fmt.Fprintln(p.writer)
			return
		}
	}
}

// ProgressLine renders a one-line summary of stats.
func ProgressLine(stats metrics.RunStats) string {
	return fmt.Sprintf("Sent: %d | Answered: %d | Timeouts: %d | Pending: %d | RPS: %.1f | P99: %.2fms | Sessions: %d/%d",
		stats.TotalRequests,
		stats.TotalResponses,
		stats.Timeouts,
		stats.Pending,
		stats.RequestsPerSec,
		stats.P99LatencyMs,
		stats.Connections.Active,
		stats.Connections.Total,
	)
}
