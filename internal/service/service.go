package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/observability"
	"github.com/torosent/probefire/internal/runner"
	"github.com/torosent/probefire/internal/session"
)

var (
	// ErrRunNotFound is returned for unknown handles.
	ErrRunNotFound = errors.New("run not found")
	// ErrNoSessions marks a run in which no session connected.
	ErrNoSessions = errors.New("no session connected")
	// ErrShuttingDown rejects new runs once Shutdown started.
	ErrShuttingDown = errors.New("service is shutting down")
)

// Status is the externally visible run lifecycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConnecting Status = "CONNECTING"
	StatusRunning    Status = "RUNNING"
	StatusDraining   Status = "DRAINING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusStopped    Status = "STOPPED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// TaskStatus is the status view of one run.
type TaskStatus struct {
	ID                    string       `json:"id"`
	Status                Status       `json:"status"`
	StartTime             time.Time    `json:"start_time"`
	EndTime               *time.Time   `json:"end_time,omitempty"`
	TotalSessions         int          `json:"total_sessions"`
	ActiveSessions        int64        `json:"active_sessions"`
	ProbesSent            int64        `json:"probes_sent"`
	ProbesAnswered        int64        `json:"probes_answered"`
	PendingProbes         int64        `json:"pending_probes"`
	ConnectionSuccessRate float64      `json:"connection_success_rate"`
	Error                 string       `json:"error,omitempty"`
	Request               StartRequest `json:"request"`
}

// Options configure the Service. Session and Driver are templates: the
// request supplies rate, duration, warmup and probe timeout.
type Options struct {
	Engine   session.Factory
	Session  session.Options
	Driver   runner.Options
	Logger   *zerolog.Logger
	OnFinish func(id string, status Status)
}

// Service runs benchmark tasks in the background.
type Service struct {
	opt Options
	log *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	runs    map[string]*run
	closing bool
	wg      sync.WaitGroup
}

type run struct {
	id      string
	req     StartRequest
	started time.Time

	tracker *metrics.Tracker
	orch    *session.Orchestrator
	driver  *runner.Driver
	cancel  context.CancelFunc

	stopRequested atomic.Bool
	done          chan struct{}

	mu     sync.Mutex
	status Status
	ended  time.Time
	err    error
}

// New builds a Service around a protocol engine.
func New(opt Options) (*Service, error) {
	if opt.Engine == nil {
		return nil, fmt.Errorf("%w: engine is required", ErrInvalidRequest)
	}
	if opt.Logger == nil {
		opt.Logger = observability.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opt:    opt,
		log:    opt.Logger,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}, nil
}

// Start validates req, registers a run and executes it in the background.
// Configuration errors are returned synchronously.
func (s *Service) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	tracker, err := metrics.NewTracker(req.timeout())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	sopt := s.opt.Session
	sopt.Correlator = tracker
	sopt.Logger = s.opt.Logger
	orch, err := session.NewOrchestrator(s.opt.Engine, sopt)
	if err != nil {
		return "", err
	}

	dopt := s.opt.Driver
	dopt.Rate = req.Rate
	dopt.Duration = req.duration()
	dopt.Warmup = req.warmup()
	dopt.IncludeSessions = req.IncludeSessions
	dopt.RunID = id
	dopt.Logger = s.opt.Logger
	driver, err := runner.New(tracker, orch, dopt)
	if err != nil {
		_ = orch.Shutdown(context.Background())
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	r := &run{
		id:      id,
		req:     req,
		started: time.Now(),
		tracker: tracker,
		orch:    orch,
		driver:  driver,
		status:  StatusPending,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = orch.Shutdown(context.Background())
		return "", ErrShuttingDown
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	r.cancel = cancel
	s.runs[id] = r
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info().Str("run", id).Int("sessions", req.Sessions).Float64("rate", req.Rate).Msg("run accepted")
	go s.execute(runCtx, r)
	return id, nil
}

func (s *Service) execute(ctx context.Context, r *run) {
	defer s.wg.Done()
	defer close(r.done)
	defer r.cancel()
	log := s.log.With().Str("run", r.id).Logger()

	r.setStatus(StatusConnecting, nil)
	outcomes, err := r.orch.CreateSessions(ctx, r.req.BaseID, r.req.PeerID, r.req.Sessions)

	switch {
	case r.stopRequested.Load():
		r.driver.Stop()
		s.finish(r, StatusStopped, nil, log)
		return
	case err != nil:
		r.driver.Stop()
		s.finish(r, StatusFailed, err, log)
		return
	}

	connected := 0
	for _, o := range outcomes {
		if o.Connected {
			connected++
		}
	}
	log.Info().Int("connected", connected).Int("requested", r.req.Sessions).Msg("sessions established")
	if connected == 0 {
		r.driver.Stop()
		s.finish(r, StatusFailed, ErrNoSessions, log)
		return
	}

	r.setStatus(StatusRunning, nil)
	if err := r.driver.Start(ctx); err != nil {
		// Stop raced with Start and already reported the driver.
		s.finish(r, StatusStopped, nil, log)
		return
	}
	r.driver.Wait()

	if r.stopRequested.Load() {
		s.finish(r, StatusStopped, nil, log)
		return
	}
	s.finish(r, StatusCompleted, nil, log)
}

func (s *Service) finish(r *run, status Status, err error, log zerolog.Logger) {
	grace := s.opt.Session.ShutdownGrace
	if grace <= 0 {
		grace = session.DefaultOptions().ShutdownGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if cerr := r.orch.Shutdown(ctx); cerr != nil {
		log.Warn().Err(cerr).Msg("session shutdown reported errors")
	}

	r.setStatus(status, err)
	ev := log.Info()
	if status == StatusFailed {
		ev = log.Error().Err(err)
	}
	ev.Str("status", string(status)).Msg("run finished")
	if s.opt.OnFinish != nil {
		s.opt.OnFinish(r.id, status)
	}
}

func (r *run) setStatus(status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = status
	r.err = err
	if status.Terminal() {
		r.ended = time.Now()
	}
}

func (r *run) currentStatus() Status {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()
	if status == StatusRunning && r.driver.State() == runner.StateDraining {
		return StatusDraining
	}
	return status
}

func (s *Service) lookup(id string) (*run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

// Stop ends a run without draining. Stopping a finished run is a no-op.
func (s *Service) Stop(id string) error {
	r, err := s.lookup(id)
	if err != nil {
		return err
	}
	if r.currentStatus().Terminal() {
		return nil
	}
	r.stopRequested.Store(true)
	r.cancel()
	r.driver.Stop()
	return nil
}

// LiveStats returns the current snapshot of a run in any state.
func (s *Service) LiveStats(id string) (metrics.RunStats, error) {
	r, err := s.lookup(id)
	if err != nil {
		return metrics.RunStats{}, err
	}
	return r.driver.LiveStats(), nil
}

// FinalReport returns the report once the run's driver has reported.
func (s *Service) FinalReport(id string) (metrics.RunStats, error) {
	r, err := s.lookup(id)
	if err != nil {
		return metrics.RunStats{}, err
	}
	return r.driver.FinalReport()
}

// Status returns the status view of a run.
func (s *Service) Status(id string) (TaskStatus, error) {
	r, err := s.lookup(id)
	if err != nil {
		return TaskStatus{}, err
	}
	return r.view(), nil
}

// List returns every known run, oldest first.
func (s *Service) List() []TaskStatus {
	s.mu.RLock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Done is closed when the run reached a terminal status.
func (s *Service) Done(id string) (<-chan struct{}, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.done, nil
}

// RunSnapshots implements observability.RunSource.
func (s *Service) RunSnapshots() []observability.RunSnapshot {
	views := s.List()
	out := make([]observability.RunSnapshot, 0, len(views))
	for _, v := range views {
		r, err := s.lookup(v.ID)
		if err != nil {
			continue
		}
		out = append(out, observability.RunSnapshot{
			ID:     v.ID,
			Status: string(v.Status),
			Stats:  r.driver.LiveStats(),
		})
	}
	return out
}

func (r *run) view() TaskStatus {
	status := r.currentStatus()
	stats := r.driver.LiveStats()

	r.mu.Lock()
	defer r.mu.Unlock()
	v := TaskStatus{
		ID:                    r.id,
		Status:                status,
		StartTime:             r.started,
		TotalSessions:         r.req.Sessions,
		ActiveSessions:        int64(r.orch.ActiveCount()),
		ProbesSent:            stats.TotalRequests,
		ProbesAnswered:        stats.TotalResponses,
		PendingProbes:         stats.Pending,
		ConnectionSuccessRate: r.orch.ConnectionSuccessRate(),
		Request:               r.req,
	}
	if !r.ended.IsZero() {
		end := r.ended
		v.EndTime = &end
	}
	if r.err != nil {
		v.Error = r.err.Error()
	}
	return v
}

// Shutdown stops every active run and waits for them to finish or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Stop(id)
		}()
	}
	wg.Wait()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
