package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned when work is submitted after Shutdown.
	ErrClosed = errors.New("pool is closed")
	// ErrForcedShutdown is returned when tasks outlived the shutdown grace.
	ErrForcedShutdown = errors.New("pool shutdown forced after grace period")
)

// Task is a unit of work run on the pool. The context is cancelled when the
// pool is shut down forcefully.
type Task func(ctx context.Context)

// Pool runs tasks on at most Size goroutines at a time.
type Pool struct {
	size    int
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	freed   chan struct{}
	closing chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
	err    error
}

// New creates a pool running up to size tasks concurrently.
func New(size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.SetLimit(size)
	return &Pool{
		size:    size,
		ctx:     ctx,
		cancel:  cancel,
		group:   g,
		freed:   make(chan struct{}, size),
		closing: make(chan struct{}),
	}, nil
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return p.size }

// Go submits a task, waiting while every worker is busy. It returns ErrClosed
// once Shutdown has started, or ctx.Err() if ctx ends while waiting.
func (p *Pool) Go(ctx context.Context, task Task) error {
	run := func() error {
		defer func() {
			select {
			case p.freed <- struct{}{}:
			default:
			}
		}()
		task(p.ctx)
		return nil
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		started := p.group.TryGo(run)
		p.mu.Unlock()
		if started {
			return nil
		}
		select {
		case <-p.freed:
		case <-p.closing:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops accepting tasks and waits up to grace for running ones.
// After the grace period the task context is cancelled and Shutdown waits
// up to another grace period for tasks to observe it; tasks that ignore
// their context are abandoned. Safe to call more than once.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.closing)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			_ = p.group.Wait()
			close(done)
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			p.cancel()
			p.err = ErrForcedShutdown
			timer.Reset(grace)
			select {
			case <-done:
			case <-timer.C:
			}
		}
		p.cancel()
	})
	return p.err
}
