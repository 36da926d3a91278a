package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torosent/probefire/internal/loopback"
	"github.com/torosent/probefire/internal/runner"
	"github.com/torosent/probefire/internal/service"
	"github.com/torosent/probefire/internal/session"
)

type finishLog struct {
	mu       sync.Mutex
	statuses map[string]service.Status
}

func (f *finishLog) record(id string, s service.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
}

func (f *finishLog) get(id string) service.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func newService(t *testing.T, cfg loopback.Config) (*service.Service, *finishLog) {
	t.Helper()
	engine, err := loopback.NewFactory(cfg)
	require.NoError(t, err)
	log := &finishLog{statuses: map[string]service.Status{}}
	svc, err := service.New(service.Options{
		Engine: engine,
		Session: session.Options{
			PoolSize:       4,
			ConnectTimeout: 200 * time.Millisecond,
			PollInterval:   2 * time.Millisecond,
			ShutdownGrace:  time.Second,
		},
		Driver: runner.Options{
			SweepInterval:  10 * time.Millisecond,
			ReportInterval: 50 * time.Millisecond,
			ShutdownGrace:  time.Second,
		},
		OnFinish: log.record,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, log
}

func waitDone(t *testing.T, svc *service.Service, id string) {
	t.Helper()
	done, err := svc.Done(id)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s did not finish", id)
	}
}

func TestStartRequestDefaults(t *testing.T) {
	req := service.StartRequest{}.WithDefaults()
	assert.Equal(t, "BENCHMARK_CLIENT", req.BaseID)
	assert.Equal(t, "FIX_SERVER", req.PeerID)
	assert.Equal(t, 10, req.Sessions)
	assert.Equal(t, float64(1000), req.Rate)
	assert.Equal(t, 60, req.DurationSeconds)
	assert.Equal(t, 5000, req.TimeoutMillis)
	assert.Equal(t, 0, req.WarmupSeconds)
	assert.NoError(t, req.Validate())
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	svc, _ := newService(t, loopback.Config{})
	_, err := svc.Start(context.Background(), service.StartRequest{Sessions: -1, Rate: -5})
	require.ErrorIs(t, err, service.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "sessions")
	assert.Contains(t, err.Error(), "rate")
	assert.Empty(t, svc.List())
}

func TestRunCompletes(t *testing.T) {
	svc, log := newService(t, loopback.Config{Latency: time.Millisecond})
	id, err := svc.Start(context.Background(), service.StartRequest{
		Sessions:        3,
		Rate:            200,
		DurationSeconds: 1,
		IncludeSessions: true,
	})
	require.NoError(t, err)

	_, err = svc.FinalReport(id)
	require.ErrorIs(t, err, runner.ErrNotReported)

	waitDone(t, svc, id)

	status, err := svc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, service.StatusCompleted, status.Status)
	assert.NotNil(t, status.EndTime)
	assert.Equal(t, 3, status.TotalSessions)
	assert.Equal(t, 100.0, status.ConnectionSuccessRate)
	assert.Empty(t, status.Error)

	report, err := svc.FinalReport(id)
	require.NoError(t, err)
	assert.Greater(t, report.TotalRequests, int64(100))
	assert.Equal(t, report.TotalRequests, report.TotalResponses)
	assert.Len(t, report.Sessions, 3)
	assert.Equal(t, service.StatusCompleted, log.get(id))
}

func TestStopRunningRun(t *testing.T) {
	svc, log := newService(t, loopback.Config{Latency: time.Millisecond})
	id, err := svc.Start(context.Background(), service.StartRequest{Sessions: 2, Rate: 100, DurationSeconds: 60})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := svc.Status(id)
		return st.Status == service.StatusRunning && st.ProbesSent > 0
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Stop(id))
	waitDone(t, svc, id)

	status, err := svc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, service.StatusStopped, status.Status)
	assert.Equal(t, service.StatusStopped, log.get(id))

	report, err := svc.FinalReport(id)
	require.NoError(t, err)
	assert.Positive(t, report.TotalRequests)

	// Stopping a finished run is a no-op.
	assert.NoError(t, svc.Stop(id))
}

func TestStopWhileConnecting(t *testing.T) {
	svc, _ := newService(t, loopback.Config{ConnectDelay: time.Hour})
	id, err := svc.Start(context.Background(), service.StartRequest{Sessions: 2, Rate: 100})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := svc.Status(id)
		return st.Status == service.StatusConnecting
	}, time.Second, time.Millisecond)

	require.NoError(t, svc.Stop(id))
	waitDone(t, svc, id)

	status, _ := svc.Status(id)
	assert.Equal(t, service.StatusStopped, status.Status)
	_, err = svc.FinalReport(id)
	assert.NoError(t, err)
}

func TestRunFailsWithoutSessions(t *testing.T) {
	svc, _ := newService(t, loopback.Config{ConnectFailureRate: 1})
	id, err := svc.Start(context.Background(), service.StartRequest{Sessions: 2, Rate: 100, DurationSeconds: 1})
	require.NoError(t, err)
	waitDone(t, svc, id)

	status, err := svc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, service.StatusFailed, status.Status)
	assert.Contains(t, status.Error, service.ErrNoSessions.Error())

	report, err := svc.FinalReport(id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Connections.Failed)
	assert.Zero(t, report.TotalRequests)
}

func TestUnknownRun(t *testing.T) {
	svc, _ := newService(t, loopback.Config{})
	for _, err := range []error{
		svc.Stop("missing"),
		func() error { _, err := svc.Status("missing"); return err }(),
		func() error { _, err := svc.LiveStats("missing"); return err }(),
		func() error { _, err := svc.FinalReport("missing"); return err }(),
	} {
		assert.True(t, errors.Is(err, service.ErrRunNotFound), "got %v", err)
	}
}

func TestListAndSnapshots(t *testing.T) {
	svc, _ := newService(t, loopback.Config{})
	first, err := svc.Start(context.Background(), service.StartRequest{Sessions: 1, Rate: 10, DurationSeconds: 60})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := svc.Start(context.Background(), service.StartRequest{Sessions: 1, Rate: 10, DurationSeconds: 60})
	require.NoError(t, err)

	list := svc.List()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)

	snaps := svc.RunSnapshots()
	assert.Len(t, snaps, 2)
}

func TestShutdownStopsRunsAndRejectsNewOnes(t *testing.T) {
	svc, _ := newService(t, loopback.Config{})
	id, err := svc.Start(context.Background(), service.StartRequest{Sessions: 1, Rate: 50, DurationSeconds: 60})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	status, _ := svc.Status(id)
	assert.True(t, status.Status.Terminal(), "status %s", status.Status)

	_, err = svc.Start(context.Background(), service.StartRequest{})
	assert.ErrorIs(t, err, service.ErrShuttingDown)
}
