package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/ratelimit"
	"github.com/torosent/probefire/internal/session"
	"github.com/torosent/probefire/internal/tracing"
)

var (
	// ErrNotReported is returned by FinalReport before the run has finished.
	ErrNotReported = errors.New("run has not been reported yet")
	// ErrAlreadyStarted is returned when Start is called on a used driver.
	ErrAlreadyStarted = errors.New("driver already started")
)

// State is the driver lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateReported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateReported:
		return "reported"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ProbeTracker is the pending-probe index the driver feeds.
type ProbeTracker interface {
	Reserve(id string, sentAtNanos int64)
	Confirm(id string) bool
	Discard(id string) bool
	CheckTimeouts(nowNanos int64) int
	PendingCount() int
	Stats(elapsed time.Duration) metrics.RunStats
	Timeout() time.Duration
	Reset()
}

// Sessions is the session pool the driver sends over.
type Sessions interface {
	PickConnected(rng *rand.Rand) *session.Record
	Summary() metrics.ConnectionStats
	SessionStats() []metrics.SessionStats
	SendFailures() int64
	ResetCounters()
}

// Driver runs one load run. A Driver is single-use.
type Driver struct {
	tracker  ProbeTracker
	sessions Sessions
	limiter  *ratelimit.Limiter
	opt      Options

	state   atomic.Int32
	skipped atomic.Int64

	measureStart atomic.Int64 // Nanotime of the measured window start, 0 before Start
	measureEnd   atomic.Int64 // Nanotime sending stopped, 0 while sending

	mu     sync.Mutex
	cancel context.CancelFunc

	stopCh       chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
	finalizeOnce sync.Once
	final        atomic.Pointer[metrics.RunStats]
}

// New validates opts and builds a driver.
func New(tracker ProbeTracker, sessions Sessions, opt Options) (*Driver, error) {
	if tracker == nil || sessions == nil {
		return nil, fmt.Errorf("%w: tracker and sessions are required", ErrInvalidOptions)
	}
	if err := opt.normalize(); err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(opt.Rate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return &Driver{
		tracker:  tracker,
		sessions: sessions,
		limiter:  limiter,
		opt:      opt,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State { return State(d.state.Load()) }

// Done is closed once the driver reaches Reported.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Skipped returns how many permits found no connected session.
func (d *Driver) Skipped() int64 { return d.skipped.Load() }

// Start launches the run in the background.
func (d *Driver) Start(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	d.measureStart.Store(metrics.Nanotime())
	go d.run(runCtx)
	return nil
}

// Run starts the run and blocks until it is reported.
func (d *Driver) Run(ctx context.Context) (metrics.RunStats, error) {
	if err := d.Start(ctx); err != nil {
		return metrics.RunStats{}, err
	}
	<-d.done
	return d.FinalReport()
}

// Wait blocks until the run is reported.
func (d *Driver) Wait() { <-d.done }

// Stop ends the run without draining. It is idempotent and returns within
// the shutdown grace period; once it returns the driver is Reported.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	if d.State() == StateIdle {
		d.finalize("stopped")
		return
	}
	timer := time.NewTimer(d.opt.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-d.done:
	case <-timer.C:
		d.opt.Logger.Warn().Str("run", d.opt.RunID).Msg("run did not stop within grace period, forcing report")
		d.finalize("forced")
	}
}

// LiveStats returns a snapshot of the run so far. Valid in any state.
func (d *Driver) LiveStats() metrics.RunStats {
	if p := d.final.Load(); p != nil {
		return *p
	}
	return d.snapshot()
}

// FinalReport returns the report stored when the run reached Reported.
func (d *Driver) FinalReport() (metrics.RunStats, error) {
	p := d.final.Load()
	if p == nil {
		return metrics.RunStats{}, ErrNotReported
	}
	return *p, nil
}

func (d *Driver) elapsed() time.Duration {
	start := d.measureStart.Load()
	if start == 0 {
		return 0
	}
	end := d.measureEnd.Load()
	if end == 0 {
		end = metrics.Nanotime()
	}
	return time.Duration(end - start)
}

func (d *Driver) snapshot() metrics.RunStats {
	s := d.tracker.Stats(d.elapsed())
	s.SendFailures = d.sessions.SendFailures()
	s.Connections = d.sessions.Summary()
	if d.opt.IncludeSessions {
		s.Sessions = d.sessions.SessionStats()
	}
	s.Finalize()
	return s
}

func (d *Driver) run(ctx context.Context) {
	ctx, span := tracing.StartRunSpan(ctx, d.opt.Tracer, d.opt.RunID, d.opt.Rate)
	log := d.opt.Logger.With().Str("run", d.opt.RunID).Logger()
	log.Info().
		Float64("rate", d.opt.Rate).
		Dur("duration", d.opt.Duration).
		Dur("warmup", d.opt.Warmup).
		Msg("run started")

	timersCtx, stopTimers := context.WithCancel(ctx)
	defer stopTimers()
	go d.runTimers(timersCtx)

	sendCtx, stopSending := context.WithCancel(ctx)
	sendDone := d.startSending(sendCtx)

	interrupted := !d.waitPhase(ctx, d.opt.Warmup, func() {
		d.tracker.Reset()
		d.sessions.ResetCounters()
		d.measureStart.Store(metrics.Nanotime())
		log.Info().Msg("warmup finished, counters reset")
	})
	if !interrupted {
		interrupted = !d.waitPhase(ctx, d.opt.Duration, nil)
	}

	d.measureEnd.Store(metrics.Nanotime())
	stopSending()
	<-sendDone

	reason := "completed"
	if interrupted {
		reason = "stopped"
	} else if d.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		log.Info().Int("pending", d.tracker.PendingCount()).Msg("draining")
		d.drain(ctx)
	}
	d.tracker.CheckTimeouts(metrics.Nanotime())
	stopTimers()

	d.finalize(reason)
	final, _ := d.FinalReport()
	tracing.EndSpan(span, nil)
	log.Info().
		Str("reason", reason).
		Int64("requests", final.TotalRequests).
		Int64("responses", final.TotalResponses).
		Int64("timeouts", final.Timeouts).
		Int64("skipped", d.skipped.Load()).
		Float64("p99_ms", final.P99LatencyMs).
		Msg("run reported")
}

// waitPhase waits for length (0 means no phase when onElapsed is set, and
// forever otherwise). It returns false when the run was stopped or
// cancelled first.
func (d *Driver) waitPhase(ctx context.Context, length time.Duration, onElapsed func()) bool {
	var elapsed <-chan time.Time
	if length > 0 {
		timer := time.NewTimer(length)
		defer timer.Stop()
		elapsed = timer.C
	} else if onElapsed != nil {
		return true
	}
	select {
	case <-elapsed:
		if onElapsed != nil {
			onElapsed()
		}
		return true
	case <-d.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// startSending runs the scheduler and the dispatch workers; the returned
// channel closes when all of them have exited.
func (d *Driver) startSending(ctx context.Context) <-chan struct{} {
	permits := make(chan struct{}, d.opt.Workers)

	// Scheduler: a single poller turns due permits into work so the limiter
	// cursor is the only pacing decision.
	go func() {
		defer close(permits)
		idle := time.NewTimer(d.opt.IdleSleep)
		defer idle.Stop()
		for {
			for d.limiter.TryAcquire() {
				select {
				case permits <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
			idle.Reset(d.opt.IdleSleep)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
		}
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(d.opt.Workers)
	seed := uint64(time.Now().UnixNano())
	for i := 0; i < d.opt.Workers; i++ {
		rng := rand.New(rand.NewPCG(seed, uint64(i)))
		go func() {
			defer wg.Done()
			for range permits {
				if ctx.Err() != nil {
					return
				}
				d.dispatch(rng)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (d *Driver) dispatch(rng *rand.Rand) {
	rec := d.sessions.PickConnected(rng)
	// The session may have dropped between selection and send.
	if rec == nil || !rec.IsConnected() {
		d.skipped.Add(1)
		return
	}
	id := d.opt.NewProbeID(rec.ID())
	// Register before sending so a fast reply always finds its probe. The
	// reservation cannot expire while the send blocks, so a failed send is
	// only ever counted as a send failure.
	d.tracker.Reserve(id, metrics.Nanotime())
	if err := rec.SendProbe(id); err != nil {
		d.tracker.Discard(id)
		d.opt.Logger.Debug().Str("session", rec.ID()).Err(err).Msg("probe send failed")
		return
	}
	d.tracker.Confirm(id)
}

func (d *Driver) runTimers(ctx context.Context) {
	sweep := time.NewTicker(d.opt.SweepInterval)
	defer sweep.Stop()
	report := time.NewTicker(d.opt.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := d.tracker.CheckTimeouts(metrics.Nanotime()); n > 0 {
				d.opt.Logger.Debug().Str("run", d.opt.RunID).Int("expired", n).Msg("probes timed out")
			}
		case <-report.C:
			s := d.snapshot()
			d.opt.Logger.Info().
				Str("run", d.opt.RunID).
				Str("phase", d.State().String()).
				Int64("requests", s.TotalRequests).
				Int64("responses", s.TotalResponses).
				Int64("timeouts", s.Timeouts).
				Int64("pending", s.Pending).
				Float64("avg_ms", s.AvgLatencyMs).
				Float64("p99_ms", s.P99LatencyMs).
				Int64("active_sessions", s.Connections.Active).
				Msg("live stats")
			if d.opt.OnLiveStats != nil {
				d.opt.OnLiveStats(s)
			}
		}
	}
}

// drain waits until no probe is pending or the drain deadline passes. The
// deadline is the probe timeout, or the shutdown grace without one.
func (d *Driver) drain(ctx context.Context) {
	limit := d.tracker.Timeout()
	if limit <= 0 {
		limit = d.opt.ShutdownGrace
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	poll := time.NewTicker(d.opt.DrainPoll)
	defer poll.Stop()

	for d.tracker.PendingCount() > 0 {
		select {
		case <-deadline.C:
			return
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}
}

func (d *Driver) finalize(reason string) {
	d.finalizeOnce.Do(func() {
		d.measureEnd.CompareAndSwap(0, metrics.Nanotime())
		stats := d.snapshot()
		d.final.Store(&stats)
		d.state.Store(int32(StateReported))
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
		if reason == "forced" {
			d.opt.Logger.Warn().Str("run", d.opt.RunID).Msg("report finalized before run loop exited")
		}
		close(d.done)
	})
}
