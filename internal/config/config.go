// Package config loads probefire settings from flags, an optional config
// file and defaults, and validates the result.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Transport string

const (
	TransportLoopback  Transport = "loopback"
	TransportWebSocket Transport = "websocket"
	TransportGRPC      Transport = "grpc"
)

type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
	OutputYAML OutputFormat = "yaml"
)

// Defaults for a run started without explicit settings.
const (
	DefaultBaseID          = "BENCHMARK_CLIENT"
	DefaultPeerID          = "FIX_SERVER"
	DefaultSessions        = 10
	DefaultRate            = 1000
	DefaultDuration        = 60 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultConnectTimeout  = 30 * time.Second
	DefaultConnectPoolSize = 50
	DefaultWorkers         = 4
)

type Config struct {
	BaseID          string          `mapstructure:"base_id"`
	PeerID          string          `mapstructure:"peer_id"`
	Sessions        int             `mapstructure:"sessions"`
	Rate            float64         `mapstructure:"rate"`
	Duration        time.Duration   `mapstructure:"duration"`
	Warmup          time.Duration   `mapstructure:"warmup"`
	ProbeTimeout    time.Duration   `mapstructure:"probe_timeout"`
	ConnectTimeout  time.Duration   `mapstructure:"connect_timeout"`
	ConnectPoolSize int             `mapstructure:"connect_pool_size"`
	ConnectRate     float64         `mapstructure:"connect_rate"`
	Workers         int             `mapstructure:"workers"`
	SweepInterval   time.Duration   `mapstructure:"sweep_interval"`
	ReportInterval  time.Duration   `mapstructure:"report_interval"`
	ShutdownGrace   time.Duration   `mapstructure:"shutdown_grace"`
	Transport       Transport       `mapstructure:"transport"`
	Loopback        LoopbackConfig  `mapstructure:"loopback"`
	WebSocket       WebSocketConfig `mapstructure:"websocket"`
	GRPC            GRPCConfig      `mapstructure:"grpc"`
	Output          OutputFormat    `mapstructure:"output"`
	Dashboard       bool            `mapstructure:"dashboard"`
	IncludeSessions bool            `mapstructure:"include_sessions"`
	Thresholds      []string        `mapstructure:"thresholds"`
	LogLevel        string          `mapstructure:"log_level"`
	LogFormat       string          `mapstructure:"log_format"`
	Listen          string          `mapstructure:"listen"`
	Tracing         TracingConfig   `mapstructure:"tracing"`
	ConfigFile      string          `mapstructure:"-"`
}

// LoopbackConfig shapes the in-process peer.
type LoopbackConfig struct {
	Latency            time.Duration `mapstructure:"latency"`
	Jitter             time.Duration `mapstructure:"jitter"`
	LossRate           float64       `mapstructure:"loss_rate"`
	SendFailureRate    float64       `mapstructure:"send_failure_rate"`
	SendDelay          time.Duration `mapstructure:"send_delay"`
	ConnectDelay       time.Duration `mapstructure:"connect_delay"`
	ConnectFailureRate float64       `mapstructure:"connect_failure_rate"`
}

type WebSocketConfig struct {
	URL              string            `mapstructure:"url"`
	Headers          map[string]string `mapstructure:"headers"`
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
}

type GRPCConfig struct {
	Target   string            `mapstructure:"target"`   // host:port of the peer
	Service  string            `mapstructure:"service"`  // health service name probed ("" = server)
	Metadata map[string]string `mapstructure:"metadata"` // sent with every call
	Timeout  time.Duration     `mapstructure:"timeout"`  // per-probe deadline
	TLS      bool              `mapstructure:"tls"`
	Insecure bool              `mapstructure:"insecure"` // skip TLS verification
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"` // grpc or http
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"propagate"`
}

// Enabled reports whether an exporter endpoint is configured directly or
// through OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate defaults to true when tracing is enabled.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate == nil {
		return true
	}
	return *t.Propagate
}

// Default returns a Config populated with run defaults.
func Default() Config {
	return Config{
		BaseID:          DefaultBaseID,
		PeerID:          DefaultPeerID,
		Sessions:        DefaultSessions,
		Rate:            DefaultRate,
		Duration:        DefaultDuration,
		ProbeTimeout:    DefaultProbeTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
		ConnectPoolSize: DefaultConnectPoolSize,
		Workers:         DefaultWorkers,
		SweepInterval:   time.Second,
		ReportInterval:  5 * time.Second,
		ShutdownGrace:   5 * time.Second,
		Transport:       TransportLoopback,
		Loopback:        LoopbackConfig{Latency: time.Millisecond},
		WebSocket:       WebSocketConfig{HandshakeTimeout: 10 * time.Second},
		GRPC:            GRPCConfig{Timeout: DefaultProbeTimeout},
		Output:          OutputText,
		LogLevel:        "info",
		LogFormat:       "console",
		Tracing:         TracingConfig{Protocol: "grpc", SampleRate: 1},
	}
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string
	var warnings []string

	if strings.TrimSpace(c.BaseID) == "" {
		issues = append(issues, "base_id is required")
	}
	if strings.TrimSpace(c.PeerID) == "" {
		issues = append(issues, "peer_id is required")
	}
	if c.Sessions < 1 {
		issues = append(issues, "sessions must be >= 1")
	}
	if c.Rate <= 0 {
		issues = append(issues, "rate must be > 0")
	}

	if c.Rate > 10000 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High probe rate configured (%.0f/s). Ensure you have authorization to test the target system.", c.Rate))
	}
	if c.Sessions > 500 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High session count configured (%d). Ensure you have authorization to test the target system.", c.Sessions))
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, w)
	}

	for name, d := range map[string]time.Duration{
		"duration":        c.Duration,
		"warmup":          c.Warmup,
		"probe_timeout":   c.ProbeTimeout,
		"connect_timeout": c.ConnectTimeout,
		"sweep_interval":  c.SweepInterval,
		"report_interval": c.ReportInterval,
		"shutdown_grace":  c.ShutdownGrace,
	} {
		if d < 0 {
			issues = append(issues, fmt.Sprintf("%s must be >= 0", name))
		}
	}
	if c.ConnectPoolSize < 0 {
		issues = append(issues, "connect_pool_size must be >= 0")
	}
	if c.ConnectRate < 0 {
		issues = append(issues, "connect_rate must be >= 0")
	}
	if c.Workers < 0 {
		issues = append(issues, "workers must be >= 0")
	}

	switch c.Output {
	case "", OutputText, OutputJSON, OutputYAML:
	default:
		issues = append(issues, fmt.Sprintf("output: must be 'text', 'json', or 'yaml', got %q", c.Output))
	}
	if c.Dashboard && (c.Output == OutputJSON || c.Output == OutputYAML) {
		issues = append(issues, "dashboard and structured output are mutually exclusive")
	}

	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			issues = append(issues, fmt.Sprintf("log_level: %v", err))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		issues = append(issues, fmt.Sprintf("log_format: must be 'console' or 'json', got %q", c.LogFormat))
	}

	issues = append(issues, validateTransport(c)...)

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		issues = append(issues, "tracing: sample_rate must be between 0 and 1")
	}

	if c.Transport == TransportGRPC && c.GRPC.Insecure {
		fmt.Fprintln(os.Stderr, "WARNING: gRPC TLS verification is DISABLED (insecure: true). This should ONLY be used in development/testing environments. Man-in-the-middle attacks are possible.")
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateTransport(c Config) []string {
	var issues []string
	switch c.Transport {
	case "", TransportLoopback:
		lb := c.Loopback
		if lb.Latency < 0 || lb.Jitter < 0 || lb.SendDelay < 0 || lb.ConnectDelay < 0 {
			issues = append(issues, "loopback: durations must be >= 0")
		}
		for name, v := range map[string]float64{
			"loss_rate":            lb.LossRate,
			"send_failure_rate":    lb.SendFailureRate,
			"connect_failure_rate": lb.ConnectFailureRate,
		} {
			if v < 0 || v > 1 {
				issues = append(issues, fmt.Sprintf("loopback: %s must be between 0 and 1", name))
			}
		}
	case TransportWebSocket:
		url := strings.TrimSpace(c.WebSocket.URL)
		if url == "" {
			issues = append(issues, "websocket: url is required")
		} else if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			issues = append(issues, "websocket: url must start with ws:// or wss://")
		}
		if c.WebSocket.HandshakeTimeout < 0 {
			issues = append(issues, "websocket: handshake_timeout must be >= 0")
		}
	case TransportGRPC:
		if strings.TrimSpace(c.GRPC.Target) == "" {
			issues = append(issues, "grpc: target is required")
		}
		if c.GRPC.Timeout < 0 {
			issues = append(issues, "grpc: timeout must be >= 0")
		}
	default:
		issues = append(issues, fmt.Sprintf("transport: must be 'loopback', 'websocket', or 'grpc', got %q", c.Transport))
	}
	return issues
}
