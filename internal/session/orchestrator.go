package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/pool"
	"github.com/torosent/probefire/internal/tracing"
)

// Outcome is the result of one session establishment attempt.
type Outcome struct {
	ID        string
	Ordinal   int
	Connected bool
	Err       error
	Elapsed   time.Duration
}

// Orchestrator creates sessions on a bounded pool and keeps their records.
type Orchestrator struct {
	factory Factory
	opts    Options
	pool    *pool.Pool
	limiter *rate.Limiter

	mu      sync.Mutex
	byID    map[string]*Record
	records atomic.Pointer[[]*Record]

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64

	reasonsMu sync.Mutex
	reasons   map[string]int

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewOrchestrator validates opts and prepares the connection pool.
func NewOrchestrator(factory Factory, opts Options) (*Orchestrator, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: factory is required", ErrInvalidOptions)
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	p, err := pool.New(opts.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	o := &Orchestrator{
		factory: factory,
		opts:    opts,
		pool:    p,
		byID:    make(map[string]*Record),
		reasons: make(map[string]int),
	}
	if opts.ConnectRate > 0 {
		burst := int(opts.ConnectRate)
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(opts.ConnectRate), burst)
	}
	empty := []*Record{}
	o.records.Store(&empty)
	return o, nil
}

// CreateSession establishes one session and waits until it is connected,
// failed or timed out. Every call counts exactly one attempt and exactly one
// success or failure.
func (o *Orchestrator) CreateSession(ctx context.Context, baseID, peerID string, ordinal int) Outcome {
	start := time.Now()
	id := SessionID(baseID, ordinal)
	o.total.Add(1)

	ctx, span := tracing.StartSessionSpan(ctx, o.opts.Tracer, o.opts.Transport, id)
	rec := newRecord(id, ordinal, o.opts.Correlator, *o.opts.Logger)

	err := o.establish(ctx, rec, peerID)
	tracing.EndSpan(span, err)

	out := Outcome{ID: id, Ordinal: ordinal, Connected: err == nil, Err: err, Elapsed: time.Since(start)}
	if err != nil {
		rec.fail(err)
		o.failed.Add(1)
		o.reasonsMu.Lock()
		o.reasons[metrics.ErrorLabel(err)]++
		o.reasonsMu.Unlock()
		o.opts.Logger.Warn().Str("session", id).Err(err).Dur("elapsed", out.Elapsed).Msg("session failed")
		return out
	}
	o.successful.Add(1)
	o.opts.Logger.Debug().Str("session", id).Dur("elapsed", out.Elapsed).Msg("session connected")
	return out
}

func (o *Orchestrator) establish(ctx context.Context, rec *Record, peerID string) error {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			o.register(rec)
			return err
		}
	}

	handle, err := o.factory.NewSession(rec.id, peerID, rec.ordinal, rec)
	if err != nil {
		o.register(rec)
		return fmt.Errorf("create session: %w", err)
	}
	rec.handle = handle
	o.register(rec)

	if err := handle.Connect(ctx); err != nil {
		_ = handle.Close()
		return fmt.Errorf("connect: %w", err)
	}

	if err := o.awaitConnected(ctx, rec); err != nil {
		_ = handle.Close()
		return err
	}
	return nil
}

func (o *Orchestrator) awaitConnected(ctx context.Context, rec *Record) error {
	deadline := time.NewTimer(o.opts.ConnectTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	// Only the engine's OnLogon callback moves the record to connected; the
	// handle reporting connected without it is not enough.
	for {
		if rec.IsConnected() {
			return nil
		}
		if rec.State() == StateFailed {
			return rec.failureOr(errors.New("session failed during logon"))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &ConnectTimeoutError{ID: rec.id, Timeout: o.opts.ConnectTimeout}
		case <-ticker.C:
		}
	}
}

func (r *Record) failureOr(fallback error) error {
	if err := r.Err(); err != nil {
		return err
	}
	return fallback
}

func (o *Orchestrator) register(rec *Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.byID[rec.id]; exists {
		return
	}
	o.byID[rec.id] = rec
	cur := *o.records.Load()
	next := make([]*Record, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, rec)
	o.records.Store(&next)
}

// CreateSessions establishes count sessions with ordinals 1..count on the
// pool and waits for all of them. The error is non-nil only when the pool
// stopped accepting work; outcomes gathered so far are still returned.
func (o *Orchestrator) CreateSessions(ctx context.Context, baseID, peerID string, count int) ([]Outcome, error) {
	if count <= 0 {
		return nil, nil
	}
	outcomes := make([]Outcome, count)
	var wg sync.WaitGroup
	var submitErr error
	submitted := 0
	for i := 1; i <= count; i++ {
		ordinal := i
		wg.Add(1)
		err := o.pool.Go(ctx, func(taskCtx context.Context) {
			defer wg.Done()
			attemptCtx, cancel := context.WithCancel(ctx)
			stop := context.AfterFunc(taskCtx, cancel)
			defer func() {
				stop()
				cancel()
			}()
			outcomes[ordinal-1] = o.CreateSession(attemptCtx, baseID, peerID, ordinal)
		})
		if err != nil {
			wg.Done()
			submitErr = fmt.Errorf("submit session %d: %w", ordinal, err)
			break
		}
		submitted++
	}
	wg.Wait()

	o.opts.Logger.Info().
		Int("requested", count).
		Int64("connected", o.successful.Load()).
		Int64("failed", o.failed.Load()).
		Msg("session creation finished")
	return outcomes[:submitted], submitErr
}

// Session returns the record with the given id.
func (o *Orchestrator) Session(id string) (*Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.byID[id]
	return r, ok
}

// Sessions returns every record in registration order.
func (o *Orchestrator) Sessions() []*Record {
	return *o.records.Load()
}

// PickConnected returns a uniformly chosen connected record, or nil.
func (o *Orchestrator) PickConnected(rng *rand.Rand) *Record {
	var chosen *Record
	seen := 0
	for _, r := range *o.records.Load() {
		if !r.IsConnected() {
			continue
		}
		seen++
		if rng.IntN(seen) == 0 {
			chosen = r
		}
	}
	return chosen
}

// ActiveCount returns the number of currently connected sessions.
func (o *Orchestrator) ActiveCount() int {
	n := 0
	for _, r := range *o.records.Load() {
		if r.IsConnected() {
			n++
		}
	}
	return n
}

// ConnectionSuccessRate returns successful/total attempts as a percentage,
// 0 before any attempt.
func (o *Orchestrator) ConnectionSuccessRate() float64 {
	return metrics.Percent(o.successful.Load(), o.total.Load())
}

// Summary returns connection establishment stats.
func (o *Orchestrator) Summary() metrics.ConnectionStats {
	cs := metrics.ConnectionStats{
		Total:      o.total.Load(),
		Successful: o.successful.Load(),
		Failed:     o.failed.Load(),
		Active:     int64(o.ActiveCount()),
	}
	cs.SuccessRate = metrics.Percent(cs.Successful, cs.Total)
	o.reasonsMu.Lock()
	if len(o.reasons) > 0 {
		cs.FailureReasons = make(map[string]int, len(o.reasons))
		for k, v := range o.reasons {
			cs.FailureReasons[k] = v
		}
	}
	o.reasonsMu.Unlock()
	return cs
}

// SessionStats returns per-session rows ordered by ordinal.
func (o *Orchestrator) SessionStats() []metrics.SessionStats {
	recs := *o.records.Load()
	sorted := make([]*Record, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ordinal < sorted[j].ordinal })
	rows := make([]metrics.SessionStats, 0, len(sorted))
	for _, r := range sorted {
		rows = append(rows, r.Stats())
	}
	return rows
}

// SendFailures sums failed sends across sessions.
func (o *Orchestrator) SendFailures() int64 {
	var n int64
	for _, r := range *o.records.Load() {
		n += r.counters.SendFailures()
	}
	return n
}

// ResetCounters zeroes per-session traffic counters. Connection
// establishment counts are kept.
func (o *Orchestrator) ResetCounters() {
	for _, r := range *o.records.Load() {
		r.counters.ResetCounters()
	}
}

// Shutdown closes every session best-effort and stops the pool. A failing
// Close never prevents the others. Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		recs := *o.records.Load()
		var (
			errMu sync.Mutex
			errs  []error
			wg    sync.WaitGroup
		)
		for _, r := range recs {
			if r.handle == nil {
				continue
			}
			wg.Add(1)
			go func(r *Record) {
				defer wg.Done()
				if err := r.handle.Close(); err != nil {
					errMu.Lock()
					errs = append(errs, fmt.Errorf("close %s: %w", r.id, err))
					errMu.Unlock()
				}
				r.OnLogout()
			}(r)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		var waitErr error
		grace := time.NewTimer(o.opts.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = fmt.Errorf("session close: %w", ctx.Err())
		case <-grace.C:
			waitErr = errors.New("session close did not finish within grace period")
		}

		poolErr := o.pool.Shutdown(o.opts.ShutdownGrace)
		errMu.Lock()
		all := append(append([]error(nil), errs...), waitErr, poolErr)
		errMu.Unlock()
		o.shutdownErr = errors.Join(all...)
		o.opts.Logger.Info().Int("sessions", len(recs)).Err(o.shutdownErr).Msg("sessions shut down")
	})
	return o.shutdownErr
}
