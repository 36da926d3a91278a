package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torosent/probefire/internal/metrics"
)

func sampleStats() metrics.RunStats {
	s := metrics.RunStats{
		TotalRequests:  100,
		TotalResponses: 95,
		Timeouts:       4,
		Pending:        1,
		SendFailures:   2,
		MinLatency:     time.Millisecond,
		MaxLatency:     20 * time.Millisecond,
		AvgLatency:     3 * time.Millisecond,
		P50Latency:     2 * time.Millisecond,
		P95Latency:     9 * time.Millisecond,
		P99Latency:     15 * time.Millisecond,
		Duration:       2 * time.Second,
		Connections: metrics.ConnectionStats{
			Total:      3,
			Successful: 2,
			Failed:     1,
			Active:     2,
			FailureReasons: map[string]int{
				"connect timeout": 1,
			},
		},
		Sessions: []metrics.SessionStats{
			{ID: "BENCHMARK_CLIENT_0001", State: "connected", Sent: 60, Received: 58, AvgLatency: 3 * time.Millisecond},
			{ID: "BENCHMARK_CLIENT_0002", State: "connected", Sent: 40, Received: 37},
		},
	}
	s.Finalize()
	return s
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, sampleStats())

	output := buf.String()
	for _, want := range []string{
		"Probes Sent:       100",
		"Answered:          95 (95.00%)",
		"Timed Out:         4 (4.00%)",
		"Probes/sec:        50.00",
		"P99:             15ms",
		"Connected:       2 (66.7%)",
		"Connection Failures:",
		"connect timeout: 1",
		"Session Breakdown:",
		"BENCHMARK_CLIENT_0001",
		"96.7%",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("report missing %q:\n%s", want, output)
		}
	}
}

func TestPrintReportWithoutSessions(t *testing.T) {
	stats := sampleStats()
	stats.Sessions = nil
	stats.Connections.FailureReasons = nil

	var buf bytes.Buffer
	PrintReport(&buf, stats)
	output := buf.String()
	if strings.Contains(output, "Session Breakdown") {
		t.Error("session table must be omitted without session rows")
	}
	if strings.Contains(output, "Connection Failures") {
		t.Error("failure section must be omitted without failures")
	}
}

func TestPrintJSONReport(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSONReport(&buf, sampleStats()); err != nil {
		t.Fatalf("PrintJSONReport failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["total_requests"] != float64(100) {
		t.Errorf("total_requests = %v", decoded["total_requests"])
	}
	if decoded["p99_latency_ms"] != float64(15) {
		t.Errorf("p99_latency_ms = %v", decoded["p99_latency_ms"])
	}
	conns, _ := decoded["connections"].(map[string]any)
	if conns["failed"] != float64(1) {
		t.Errorf("connections.failed = %v", conns["failed"])
	}
	if sessions, _ := decoded["sessions"].([]any); len(sessions) != 2 {
		t.Errorf("sessions = %v", decoded["sessions"])
	}
}

func TestPrintYAMLReport(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintYAMLReport(&buf, sampleStats()); err != nil {
		t.Fatalf("PrintYAMLReport failed: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "total_requests: 100\n") {
		t.Errorf("expected block-style key, got:\n%s", output)
	}
	if strings.Contains(output, "{") {
		t.Errorf("expected no flow mappings, got:\n%s", output)
	}

	var decoded struct {
		Timeouts    int64 `yaml:"timeouts"`
		Connections struct {
			Successful int64 `yaml:"successful"`
		} `yaml:"connections"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid YAML: %v", err)
	}
	if decoded.Timeouts != 4 || decoded.Connections.Successful != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
}
