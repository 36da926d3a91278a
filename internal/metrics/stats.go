package metrics

import "time"

// RunStats is a read-only snapshot of a run. Rates are fractions in [0, 1].
type RunStats struct {
	TotalRequests   int64         `json:"total_requests"`
	TotalResponses  int64         `json:"total_responses"`
	Timeouts        int64         `json:"timeouts"`
	Pending         int64         `json:"pending"`
	SendFailures    int64         `json:"send_failures"`
	MinLatency      time.Duration `json:"-"`
	MaxLatency      time.Duration `json:"-"`
	AvgLatency      time.Duration `json:"-"`
	P50Latency      time.Duration `json:"-"`
	P95Latency      time.Duration `json:"-"`
	P99Latency      time.Duration `json:"-"`
	ResponseRate    float64       `json:"response_rate"`
	TimeoutRate     float64       `json:"timeout_rate"`
	Duration        time.Duration `json:"-"`
	RequestsPerSec  float64       `json:"requests_per_sec"`
	ResponsesPerSec float64       `json:"responses_per_sec"`

	Connections ConnectionStats `json:"connections"`
	Sessions    []SessionStats  `json:"sessions,omitempty"`

	// JSON-friendly millisecond fields.
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	DurationMs   float64 `json:"duration_ms"`
}

// ConnectionStats summarizes session establishment.
type ConnectionStats struct {
	Total          int64          `json:"total"`
	Successful     int64          `json:"successful"`
	Failed         int64          `json:"failed"`
	Active         int64          `json:"active"`
	SuccessRate    float64        `json:"success_rate"` // percent, 0..100
	FailureReasons map[string]int `json:"failure_reasons,omitempty"`
}

// SessionStats is the per-session slice of a report.
type SessionStats struct {
	ID           string        `json:"id"`
	State        string        `json:"state"`
	Sent         int64         `json:"sent"`
	Received     int64         `json:"received"`
	SendFailures int64         `json:"send_failures"`
	ResponseRate float64       `json:"response_rate"`
	AvgLatency   time.Duration `json:"-"`
	P99Latency   time.Duration `json:"-"`
	Uptime       time.Duration `json:"-"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	UptimeMs     float64 `json:"uptime_ms"`
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Ratio returns num/den, or 0 when den is 0.
func Ratio(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Percent returns num/den*100, or 0 when den is 0.
func Percent(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	if num == den {
		return 100
	}
	return float64(num) * 100 / float64(den)
}

// Finalize recomputes the derived fields after Duration, connection or
// session data have been filled in.
func (s *RunStats) Finalize() {
	s.ResponseRate = Ratio(s.TotalResponses, s.TotalRequests)
	s.TimeoutRate = Ratio(s.Timeouts, s.TotalRequests)
	s.Connections.SuccessRate = Percent(s.Connections.Successful, s.Connections.Total)
	if s.Duration > 0 {
		secs := s.Duration.Seconds()
		s.RequestsPerSec = float64(s.TotalRequests) / secs
		s.ResponsesPerSec = float64(s.TotalResponses) / secs
	} else {
		s.RequestsPerSec = 0
		s.ResponsesPerSec = 0
	}

	s.MinLatencyMs = Millis(s.MinLatency)
	s.MaxLatencyMs = Millis(s.MaxLatency)
	s.AvgLatencyMs = Millis(s.AvgLatency)
	s.P50LatencyMs = Millis(s.P50Latency)
	s.P95LatencyMs = Millis(s.P95Latency)
	s.P99LatencyMs = Millis(s.P99Latency)
	s.DurationMs = Millis(s.Duration)

	for i := range s.Sessions {
		s.Sessions[i].finalize()
	}
}

func (s *SessionStats) finalize() {
	s.ResponseRate = Ratio(s.Received, s.Sent)
	s.AvgLatencyMs = Millis(s.AvgLatency)
	s.P99LatencyMs = Millis(s.P99Latency)
	s.UptimeMs = Millis(s.Uptime)
}
