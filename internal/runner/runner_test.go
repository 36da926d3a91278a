package runner_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/probefire/internal/loopback"
	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/ratelimit"
	"github.com/torosent/probefire/internal/runner"
	"github.com/torosent/probefire/internal/session"
)

// newHarness connects sessions against a loopback peer and returns the
// tracker and orchestrator a driver needs.
func newHarness(t *testing.T, cfg loopback.Config, sessions int, timeout time.Duration) (*metrics.Tracker, *session.Orchestrator) {
	t.Helper()
	tracker, err := metrics.NewTracker(timeout)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	factory, err := loopback.NewFactory(cfg)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	orch, err := session.NewOrchestrator(factory, session.Options{
		PoolSize:       4,
		ConnectTimeout: 200 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
		ShutdownGrace:  time.Second,
		Correlator:     tracker,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })
	if _, err := orch.CreateSessions(context.Background(), "BENCH", "PEER", sessions); err != nil {
		t.Fatalf("CreateSessions: %v", err)
	}
	return tracker, orch
}

func TestNewRejectsInvalidRate(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{}, 1, time.Second)
	_, err := runner.New(tracker, orch, runner.Options{Rate: 0})
	if !errors.Is(err, runner.ErrInvalidOptions) || !errors.Is(err, ratelimit.ErrInvalidRate) {
		t.Fatalf("expected invalid rate error, got %v", err)
	}
	if _, err := runner.New(tracker, orch, runner.Options{Rate: 10, Duration: -time.Second}); !errors.Is(err, runner.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for negative duration, got %v", err)
	}
	if _, err := runner.New(nil, orch, runner.Options{Rate: 10}); !errors.Is(err, runner.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for nil tracker, got %v", err)
	}
}

func TestRunCompletesAndReports(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{Latency: 2 * time.Millisecond}, 3, time.Second)
	d, err := runner.New(tracker, orch, runner.Options{
		Rate:            200,
		Duration:        300 * time.Millisecond,
		IncludeSessions: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.FinalReport(); !errors.Is(err, runner.ErrNotReported) {
		t.Fatalf("expected ErrNotReported before run, got %v", err)
	}

	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != runner.StateReported {
		t.Fatalf("expected reported state, got %s", d.State())
	}
	// 200/s over 300ms is 60 probes.
	if stats.TotalRequests < 40 || stats.TotalRequests > 75 {
		t.Fatalf("expected about 60 probes, got %d", stats.TotalRequests)
	}
	if stats.TotalResponses != stats.TotalRequests || stats.Timeouts != 0 || stats.Pending != 0 {
		t.Fatalf("expected every probe answered: %+v", stats)
	}
	if stats.MinLatency < 2*time.Millisecond {
		t.Fatalf("latency below simulated floor: %s", stats.MinLatency)
	}
	if stats.Connections.Successful != 3 || stats.Connections.SuccessRate != 100 {
		t.Fatalf("unexpected connection stats: %+v", stats.Connections)
	}
	if len(stats.Sessions) != 3 {
		t.Fatalf("expected 3 session rows, got %d", len(stats.Sessions))
	}
	var sent int64
	for _, row := range stats.Sessions {
		sent += row.Sent
	}
	if sent != stats.TotalRequests {
		t.Fatalf("per-session sent %d != total requests %d", sent, stats.TotalRequests)
	}
	if stats.Duration < 300*time.Millisecond {
		t.Fatalf("expected measured window >= 300ms, got %s", stats.Duration)
	}
}

func TestLostProbesTimeOutDuringDrain(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{LossRate: 1}, 2, 50*time.Millisecond)
	d, _ := runner.New(tracker, orch, runner.Options{
		Rate:          100,
		Duration:      100 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalRequests == 0 {
		t.Fatal("expected probes to be sent")
	}
	if stats.Timeouts != stats.TotalRequests || stats.Pending != 0 || stats.TotalResponses != 0 {
		t.Fatalf("expected every probe to time out: %+v", stats)
	}
	if stats.TimeoutRate != 1 {
		t.Fatalf("expected timeout rate 1, got %v", stats.TimeoutRate)
	}
}

func TestStopIsIdempotentAndSkipsDrain(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{Latency: time.Millisecond}, 2, 0)
	d, _ := runner.New(tracker, orch, runner.Options{Rate: 100, ShutdownGrace: time.Second})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(context.Background()); !errors.Is(err, runner.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	d.Stop()
	d.Stop()
	if time.Since(start) > time.Second {
		t.Fatalf("Stop took %s", time.Since(start))
	}
	if d.State() != runner.StateReported {
		t.Fatalf("expected reported after Stop, got %s", d.State())
	}
	stats, err := d.FinalReport()
	if err != nil {
		t.Fatalf("FinalReport: %v", err)
	}
	if stats.TotalRequests == 0 {
		t.Fatal("expected probes before stop")
	}
	select {
	case <-d.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

func TestStopBeforeStart(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{}, 1, time.Second)
	d, _ := runner.New(tracker, orch, runner.Options{Rate: 10})
	d.Stop()
	if d.State() != runner.StateReported {
		t.Fatalf("expected reported, got %s", d.State())
	}
	if _, err := d.FinalReport(); err != nil {
		t.Fatalf("FinalReport: %v", err)
	}
	if err := d.Start(context.Background()); !errors.Is(err, runner.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestContextCancellationStopsRun(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{}, 1, time.Second)
	d, _ := runner.New(tracker, orch, runner.Options{Rate: 50})
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = d.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on context cancellation")
	}
	if d.State() != runner.StateReported {
		t.Fatalf("expected reported, got %s", d.State())
	}
}

func TestNoConnectedSessionsSkipsTicks(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{ConnectFailureRate: 1}, 2, time.Second)
	d, _ := runner.New(tracker, orch, runner.Options{Rate: 200, Duration: 100 * time.Millisecond})
	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalRequests != 0 {
		t.Fatalf("expected no probes without sessions, got %d", stats.TotalRequests)
	}
	if d.Skipped() == 0 {
		t.Fatal("expected skipped ticks")
	}
	if stats.Connections.Failed != 2 || stats.Connections.SuccessRate != 0 {
		t.Fatalf("unexpected connection stats: %+v", stats.Connections)
	}
}

func TestSendFailuresAreWithdrawn(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{SendFailureRate: 1}, 1, 20*time.Millisecond)
	d, _ := runner.New(tracker, orch, runner.Options{Rate: 100, Duration: 100 * time.Millisecond})
	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalRequests != 0 || stats.Timeouts != 0 {
		t.Fatalf("failed sends must not count as requests or timeouts: %+v", stats)
	}
	if stats.SendFailures == 0 {
		t.Fatal("expected send failures")
	}
}

// A send that blocks past the probe timeout and then fails is a send
// failure only, even though sweeps ran while it was blocked.
func TestSlowFailedSendIsNotAlsoATimeout(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{SendFailureRate: 1, SendDelay: 60 * time.Millisecond}, 1, 20*time.Millisecond)
	d, _ := runner.New(tracker, orch, runner.Options{
		Rate:          50,
		Duration:      150 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.SendFailures == 0 {
		t.Fatal("expected send failures")
	}
	if stats.Timeouts != 0 {
		t.Fatalf("failed sends were also expired: %+v", stats)
	}
	if stats.TotalRequests != stats.TotalResponses+stats.Timeouts+stats.Pending {
		t.Fatalf("accounting identity broken: %+v", stats)
	}
}

// Warm-up ends while workers are still dispatching; the measured window
// must still balance.
func TestWarmupResetKeepsAccountingBalanced(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{Latency: 2 * time.Millisecond}, 4, time.Second)
	d, _ := runner.New(tracker, orch, runner.Options{
		Rate:     2000,
		Warmup:   50 * time.Millisecond,
		Duration: 100 * time.Millisecond,
	})
	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalRequests != stats.TotalResponses+stats.Timeouts+stats.Pending {
		t.Fatalf("requests %d != responses+timeouts+pending (%d+%d+%d)",
			stats.TotalRequests, stats.TotalResponses, stats.Timeouts, stats.Pending)
	}
	if stats.ResponseRate > 1 {
		t.Fatalf("response rate above 1: %v", stats.ResponseRate)
	}
}

func TestWarmupResetsCounters(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{}, 1, time.Second)
	d, _ := runner.New(tracker, orch, runner.Options{
		Rate:     100,
		Warmup:   150 * time.Millisecond,
		Duration: 100 * time.Millisecond,
	})
	stats, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Only the 100ms measured window counts: about 10 probes, not 25.
	if stats.TotalRequests > 16 {
		t.Fatalf("warmup probes leaked into the report: %d", stats.TotalRequests)
	}
	if stats.Duration >= 200*time.Millisecond {
		t.Fatalf("measured window includes warmup: %s", stats.Duration)
	}
}

func TestLiveStatsCallback(t *testing.T) {
	tracker, orch := newHarness(t, loopback.Config{}, 1, time.Second)
	var calls atomic.Int64
	d, _ := runner.New(tracker, orch, runner.Options{
		Rate:           50,
		Duration:       150 * time.Millisecond,
		ReportInterval: 20 * time.Millisecond,
		OnLiveStats:    func(metrics.RunStats) { calls.Add(1) },
	})
	live := d.LiveStats()
	if live.TotalRequests != 0 {
		t.Fatalf("expected empty live stats before start, got %+v", live)
	}
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected periodic live stats, got %d calls", calls.Load())
	}
}

func TestProbeIDsCarrySessionID(t *testing.T) {
	id := runner.NewProbeID("BENCH_0001")
	if len(id) != len("BENCH_0001-")+26 || id[:11] != "BENCH_0001-" {
		t.Fatalf("unexpected probe id %q", id)
	}
	if runner.NewProbeID("X") == runner.NewProbeID("X") {
		t.Fatal("probe ids must be unique")
	}
}
