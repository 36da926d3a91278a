package ratelimit_test

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/probefire/internal/ratelimit"
)

type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(1_000_000_000)
	return c
}

func (c *fakeClock) now() int64 { return c.nanos.Load() }
func (c *fakeClock) advance(d time.Duration) { c.nanos.Add(int64(d)) }

func TestNewRejectsInvalidRates(t *testing.T) {
	for _, r := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := ratelimit.New(r); !errors.Is(err, ratelimit.ErrInvalidRate) {
			t.Fatalf("rate %v: expected ErrInvalidRate, got %v", r, err)
		}
	}
}

func TestInterval(t *testing.T) {
	l, err := ratelimit.New(1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Interval() != time.Millisecond {
		t.Fatalf("expected 1ms interval, got %s", l.Interval())
	}
	if l.Rate() != 1000 {
		t.Fatalf("expected rate 1000, got %v", l.Rate())
	}
}

func TestFirstAcquireSucceedsThenSpacing(t *testing.T) {
	clock := newFakeClock()
	l, _ := ratelimit.New(10, ratelimit.WithClock(clock.now))

	if !l.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if l.TryAcquire() {
		t.Fatal("second immediate acquire should fail")
	}
	clock.advance(99 * time.Millisecond)
	if l.TryAcquire() {
		t.Fatal("acquire before interval elapsed should fail")
	}
	clock.advance(time.Millisecond)
	if !l.TryAcquire() {
		t.Fatal("acquire at interval boundary should succeed")
	}
}

func TestLatePollerCatchesUp(t *testing.T) {
	clock := newFakeClock()
	l, _ := ratelimit.New(100, ratelimit.WithClock(clock.now))
	if !l.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	// Poll 50ms late: 5 permits came due.
	clock.advance(50 * time.Millisecond)
	granted := 0
	for l.TryAcquire() {
		granted++
	}
	if granted != 5 {
		t.Fatalf("expected 5 due permits, got %d", granted)
	}
}

func TestPermitCountOverWindow(t *testing.T) {
	clock := newFakeClock()
	l, _ := ratelimit.New(1000, ratelimit.WithClock(clock.now))

	granted := 0
	// 1s window polled every 3ms.
	for elapsed := time.Duration(0); elapsed < time.Second; elapsed += 3 * time.Millisecond {
		for l.TryAcquire() {
			granted++
		}
		clock.advance(3 * time.Millisecond)
	}
	if granted < 990 || granted > 1001 {
		t.Fatalf("expected about 1000 permits in 1s, got %d", granted)
	}
}

func TestResetReanchors(t *testing.T) {
	clock := newFakeClock()
	l, _ := ratelimit.New(1, ratelimit.WithClock(clock.now))
	if !l.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	clock.advance(10 * time.Second)
	l.Reset()
	if !l.TryAcquire() {
		t.Fatal("acquire after reset should succeed")
	}
	if l.TryAcquire() {
		t.Fatal("reset must drop accumulated permits")
	}
}

func TestConcurrentAcquireNeverOvergrants(t *testing.T) {
	clock := newFakeClock()
	l, _ := ratelimit.New(1000, ratelimit.WithClock(clock.now))
	if !l.TryAcquire() {
		t.Fatal("anchor acquire failed")
	}
	clock.advance(100 * time.Millisecond)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if l.TryAcquire() {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if got := granted.Load(); got != 100 {
		t.Fatalf("expected exactly 100 permits, got %d", got)
	}
}

func TestRealClockRate(t *testing.T) {
	l, _ := ratelimit.New(200)
	deadline := time.Now().Add(250 * time.Millisecond)
	granted := 0
	for time.Now().Before(deadline) {
		if l.TryAcquire() {
			granted++
		}
		time.Sleep(500 * time.Microsecond)
	}
	// 200/s over 250ms is 50 permits, allow slack for scheduling.
	if granted < 35 || granted > 53 {
		t.Fatalf("expected roughly 50 permits, got %d", granted)
	}
}
