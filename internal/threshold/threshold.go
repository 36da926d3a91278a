package threshold

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/torosent/probefire/internal/metrics"
)

// Threshold represents a performance assertion that can pass or fail.
type Threshold struct {
	Metric    string  // e.g., "probe_latency", "probe_timeouts"
	Aggregate string  // e.g., "p95", "p99", "avg", "max", "rate"
	Operator  string  // e.g., "<", "<=", ">", ">=", "=="
	Value     float64 // The threshold value to compare against
	Raw       string  // Original threshold string for display
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// Evaluator evaluates thresholds against a run report.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Evaluate checks all thresholds against the provided stats.
func (e *Evaluator) Evaluate(stats metrics.RunStats) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}

	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		result := e.evaluateOne(t, stats)
		results = append(results, result)
	}
	return results
}

func (e *Evaluator) evaluateOne(t Threshold, stats metrics.RunStats) Result {
	actual, err := extractMetricValue(t, stats)
	if err != nil {
		return Result{
			Threshold: t,
			Actual:    0,
			Pass:      false,
			Message:   fmt.Sprintf("error: %v", err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}

	message := fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value)
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   message,
	}
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

// Supported metrics and their aggregates.
var supported = map[string][]string{
	"probe_latency":  {"p50", "p95", "p99", "avg", "min", "max"},
	"probe_timeouts": {"rate", "count"},
	"probes":         {"rate", "count"},
	"replies":        {"rate", "count"},
	"send_failures":  {"count"},
	"connections":    {"rate", "count", "failed"},
}

var thresholdPattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
// - "probe_latency:p95 < 50"       (latency percentile in ms)
// - "probe_latency:avg < 20"       (average latency in ms)
// - "probe_timeouts:rate < 0.01"   (timed-out share of sent probes)
// - "probe_timeouts:count < 10"    (timed-out probes)
// - "probes:rate > 900"            (probes sent per second)
// - "replies:rate > 900"           (replies per second)
// - "send_failures:count == 0"     (probes a session could not send)
// - "connections:rate >= 100"      (connected sessions in percent)
// - "connections:failed == 0"      (sessions that never connected)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	matches := thresholdPattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: metric:aggregate operator value, e.g., 'probe_latency:p95 < 50')", s)
	}

	metric := matches[1]
	aggregate := matches[2]
	operator := matches[3]
	valueStr := matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	aggregates, ok := supported[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: %s)", metric, strings.Join(metricNames(), ", "))
	}
	if !slices.Contains(aggregates, aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", aggregate, metric, strings.Join(aggregates, ", "))
	}
	if !isValidOperator(operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", operator)
	}

	return Threshold{
		Metric:    metric,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errors []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errors = append(errors, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errors, "; "))
	}

	return result, nil
}

func metricNames() []string {
	names := make([]string, 0, len(supported))
	for name := range supported {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func isValidOperator(operator string) bool {
	return slices.Contains([]string{"<", "<=", ">", ">=", "=="}, operator)
}

func extractMetricValue(t Threshold, stats metrics.RunStats) (float64, error) {
	switch t.Metric {
	case "probe_latency":
		return extractLatencyMetric(t.Aggregate, stats)
	case "probe_timeouts":
		return countOrRate(t, stats.Timeouts, stats.TimeoutRate)
	case "probes":
		return countOrRate(t, stats.TotalRequests, stats.RequestsPerSec)
	case "replies":
		return countOrRate(t, stats.TotalResponses, stats.ResponsesPerSec)
	case "send_failures":
		if t.Aggregate != "count" {
			return 0, fmt.Errorf("unsupported aggregate %q for send_failures (use 'count')", t.Aggregate)
		}
		return float64(stats.SendFailures), nil
	case "connections":
		if t.Aggregate == "failed" {
			return float64(stats.Connections.Failed), nil
		}
		return countOrRate(t, stats.Connections.Successful, stats.Connections.SuccessRate)
	default:
		return 0, fmt.Errorf("unknown metric: %s", t.Metric)
	}
}

func extractLatencyMetric(aggregate string, stats metrics.RunStats) (float64, error) {
	switch aggregate {
	case "p50":
		return stats.P50LatencyMs, nil
	case "p95":
		return stats.P95LatencyMs, nil
	case "p99":
		return stats.P99LatencyMs, nil
	case "avg":
		return stats.AvgLatencyMs, nil
	case "min":
		return stats.MinLatencyMs, nil
	case "max":
		return stats.MaxLatencyMs, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for probe_latency", aggregate)
	}
}

func countOrRate(t Threshold, count int64, rate float64) (float64, error) {
	switch t.Aggregate {
	case "count":
		return float64(count), nil
	case "rate":
		return rate, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q for %s (use 'count' or 'rate')", t.Aggregate, t.Metric)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Handle floating point comparison with small epsilon
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
