// Package runner drives a time-boxed probe load run.
//
// A [Driver] composes a [metrics.Tracker], a set of sessions and a
// precise rate limiter:
//
//	d, err := runner.New(tracker, orchestrator, runner.Options{
//		Rate:     1000,
//		Duration: time.Minute,
//	})
//	stats, err := d.Run(ctx)
//
// # Lifecycle
//
// The driver moves Idle → Running → Draining → Reported. While running, a
// scheduler goroutine turns due limiter permits into work for a small set of
// workers; each worker picks a connected session, registers the probe with
// the tracker at the send-attempt instant and sends it. When the duration
// elapses sending stops and the driver waits for in-flight probes until they
// are answered or the drain deadline passes, then stores the final report.
//
// [Driver.Stop] skips draining and moves straight to Reported. It is
// idempotent and bounded by the shutdown grace period.
//
// # Timers
//
// A sweep retires expired probes every SweepInterval and a live snapshot is
// published every ReportInterval.
package runner
