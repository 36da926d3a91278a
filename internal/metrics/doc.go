// Package metrics correlates probes with replies and aggregates latency
// statistics for a load run.
//
// # Tracker
//
// The central [Tracker] keeps the index of in-flight probes and the run-wide
// counters:
//
//	tracker, _ := metrics.NewTracker(5 * time.Second)
//	tracker.Reserve(id, metrics.Nanotime())
//	if err := send(id); err != nil {
//		tracker.Discard(id)
//	} else {
//		tracker.Confirm(id)
//	}
//
//	// From the reply path
//	tracker.RecordResponse(id, metrics.Nanotime())
//
//	// Periodically
//	tracker.CheckTimeouts(metrics.Nanotime())
//
//	stats := tracker.Stats(elapsed)
//
// Removing an id from the index is the only way a probe leaves the pending
// state, so a reply racing the timeout sweep is counted exactly once. A
// reserved probe is skipped by the sweep until Confirm, so a send that blocks
// past the timeout and then fails is withdrawn, not expired.
//
// # Statistics
//
// [RunStats] carries request, response and timeout totals, min/max/avg and
// p50/p95/p99 latency, response and timeout rates, connection stats and
// optional per-session detail. Percentiles are read from an HdrHistogram
// with microsecond buckets and report the bucket floor.
//
// # Thread Safety
//
// The Tracker is lock-free on the request and reply paths apart from
// sharded histogram locks. It is safe to use from many goroutines.
package metrics
