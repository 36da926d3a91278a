package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/torosent/probefire/internal/config"
	"github.com/torosent/probefire/internal/grpcclient"
	"github.com/torosent/probefire/internal/loopback"
	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/websocket"
)

func loopbackArgs(extra ...string) []string {
	args := []string{
		"--sessions", "2",
		"--rate", "200",
		"--duration", "300ms",
		"--probe-timeout", "500ms",
		"--sweep-interval", "50ms",
		"--connect-timeout", "2s",
		"--log-level", "error",
	}
	return append(args, extra...)
}

func TestMakeHeaders(t *testing.T) {
	input := map[string]string{
		"Authorization": "Bearer token",
		"x-custom":      "value",
	}
	got := makeHeaders(input)
	if got.Get("Authorization") != "Bearer token" {
		t.Errorf("Authorization = %q, want Bearer token", got.Get("Authorization"))
	}
	if got.Get("X-Custom") != "value" {
		t.Errorf("X-Custom = %q, want value", got.Get("X-Custom"))
	}
	if len(makeHeaders(nil)) != 0 {
		t.Error("expected empty header for nil map")
	}
}

func TestNewEngine(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(any) bool
		wantErr bool
	}{
		{
			name:   "loopback",
			mutate: func(c *config.Config) {},
			check:  func(f any) bool { _, ok := f.(*loopback.Factory); return ok },
		},
		{
			name: "websocket",
			mutate: func(c *config.Config) {
				c.Transport = config.TransportWebSocket
				c.WebSocket.URL = "ws://localhost:9000/fix"
			},
			check: func(f any) bool { _, ok := f.(*websocket.Factory); return ok },
		},
		{
			name: "grpc",
			mutate: func(c *config.Config) {
				c.Transport = config.TransportGRPC
				c.GRPC.Target = "localhost:50051"
			},
			check: func(f any) bool { _, ok := f.(*grpcclient.Factory); return ok },
		},
		{
			name:    "websocket without url",
			mutate:  func(c *config.Config) { c.Transport = config.TransportWebSocket },
			wantErr: true,
		},
		{
			name:    "loopback with bad rate",
			mutate:  func(c *config.Config) { c.Loopback.LossRate = 2 },
			wantErr: true,
		},
		{
			name:    "unknown transport",
			mutate:  func(c *config.Config) { c.Transport = "fix-over-carrier-pigeon" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			f, err := newEngine(cfg, false)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if f != nil {
					t.Errorf("expected nil factory on error, got %T", f)
				}
				return
			}
			if err != nil {
				t.Fatalf("newEngine failed: %v", err)
			}
			if !tt.check(f) {
				t.Errorf("unexpected factory type %T", f)
			}
		})
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &stdout, &stderr); err != nil {
		t.Fatalf("help should not fail, got %v", err)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--sessions", "0"}, &stdout, &stderr)
	var verr config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRunInvalidThreshold(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), loopbackArgs("--threshold", "bogus"), &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "threshold") {
		t.Fatalf("expected threshold parse error, got %v", err)
	}
}

func TestRunLoopbackJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), loopbackArgs("--output", "json", "--include-sessions"), &stdout, &stderr)
	if err != nil {
		t.Fatalf("run failed: %v (stderr: %s)", err, stderr.String())
	}

	var report metrics.RunStats
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, stdout.String())
	}
	if report.TotalRequests == 0 {
		t.Error("expected probes to be sent")
	}
	if report.TotalResponses+report.Timeouts+report.Pending > report.TotalRequests {
		t.Errorf("accounting overflow: %+v", report)
	}
	if report.Connections.Successful != 2 {
		t.Errorf("connected sessions = %d, want 2", report.Connections.Successful)
	}
	if len(report.Sessions) != 2 {
		t.Errorf("session rows = %d, want 2", len(report.Sessions))
	}
}

func TestRunLoopbackText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), loopbackArgs(), &stdout, &stderr); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "Sessions") {
		t.Errorf("text report missing sessions section:\n%s", stdout.String())
	}
}

func TestRunThresholds(t *testing.T) {
	t.Run("passing", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), loopbackArgs("--threshold", "connections:failed == 0"), &stdout, &stderr)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if !strings.Contains(stdout.String(), "Thresholds:") {
			t.Errorf("missing threshold section:\n%s", stdout.String())
		}
	})

	t.Run("failing", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), loopbackArgs("--output", "yaml", "--threshold", "probes:count < 1"), &stdout, &stderr)
		if !errors.Is(err, errThresholdsFailed) {
			t.Fatalf("expected errThresholdsFailed, got %v", err)
		}
		if !strings.Contains(stdout.String(), "total_requests:") {
			t.Errorf("expected YAML report before failing:\n%s", stdout.String())
		}
	})
}

func TestRunNoSessionConnected(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), loopbackArgs("--output", "json", "--loopback-connect-failure", "1"), &stdout, &stderr)
	if !errors.Is(err, errNoSessions) {
		t.Fatalf("expected errNoSessions, got %v", err)
	}

	var report metrics.RunStats
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, stdout.String())
	}
	if report.Connections.Failed != 2 || report.TotalRequests != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	args := loopbackArgs("--duration", "0", "--output", "json")
	done := make(chan error, 1)
	go func() { done <- run(ctx, args, &stdout, &stderr) }()

	err := <-done
	if err != nil && !errors.Is(err, errNoSessions) && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error: %v", err)
	}
}
