package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "probefire",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Session flags
	flags.String("base-id", DefaultBaseID, "Local session id prefix; sessions are named <base-id>_0001 ...")
	flags.String("peer-id", DefaultPeerID, "Counterparty id every session logs on to")
	flags.IntP("sessions", "s", DefaultSessions, "Number of sessions to open")
	flags.Duration("connect-timeout", DefaultConnectTimeout, "Per-session logon deadline")
	flags.Int("connect-pool-size", DefaultConnectPoolSize, "Maximum concurrent logon attempts")
	flags.Float64("connect-rate", 0, "Logon attempts per second (0 means unpaced)")

	// Load control flags
	flags.Float64P("rate", "r", DefaultRate, "Probes per second across all sessions")
	flags.DurationP("duration", "d", DefaultDuration, "Measured run length (0 runs until interrupted)")
	flags.Duration("warmup", 0, "Probe for this long before the measured window starts")
	flags.Duration("probe-timeout", DefaultProbeTimeout, "Time after which an unanswered probe counts as a timeout (0 disables)")
	flags.IntP("workers", "w", DefaultWorkers, "Number of send workers")
	flags.Duration("sweep-interval", time.Second, "Interval between timeout sweeps")
	flags.Duration("report-interval", 5*time.Second, "Interval between live reports")
	flags.Duration("shutdown-grace", 5*time.Second, "Max time to wait for in-flight work when stopping")

	// Transport flags
	flags.String("transport", string(TransportLoopback), "Session transport: 'loopback', 'websocket', or 'grpc'")
	flags.Duration("loopback-latency", time.Millisecond, "Loopback reply latency")
	flags.Duration("loopback-jitter", 0, "Loopback extra random latency")
	flags.Float64("loopback-loss", 0, "Fraction of loopback probes never answered")
	flags.Float64("loopback-send-failure", 0, "Fraction of loopback sends that fail")
	flags.Duration("loopback-send-delay", 0, "Time each loopback send blocks")
	flags.Duration("loopback-connect-delay", 0, "Loopback logon delay")
	flags.Float64("loopback-connect-failure", 0, "Fraction of loopback logons rejected")
	flags.String("ws-url", "", "WebSocket peer URL (ws:// or wss://)")
	flags.StringToString("ws-header", nil, "WebSocket handshake header key=value pairs")
	flags.Duration("ws-handshake-timeout", 10*time.Second, "WebSocket handshake timeout")
	flags.String("grpc-target", "", "gRPC peer address (host:port)")
	flags.String("grpc-service", "", "Health service name probed on the gRPC peer")
	flags.StringToString("grpc-metadata", nil, "gRPC metadata key=value pairs")
	flags.Duration("grpc-timeout", DefaultProbeTimeout, "gRPC per-probe deadline")
	flags.Bool("grpc-tls", false, "Use TLS for gRPC connection")
	flags.Bool("grpc-insecure", false, "Skip TLS verification for gRPC")

	// Output flags
	flags.StringP("output", "o", string(OutputText), "Report format: 'text', 'json', or 'yaml'")
	flags.Bool("dashboard", false, "Show live terminal dashboard with metrics")
	flags.Bool("include-sessions", false, "Include per-session rows in the report")
	flags.StringSlice("threshold", nil, "Pass/fail thresholds (repeatable, e.g., 'probe_latency:p95 < 50')")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "console", "Log format: 'console' or 'json'")
	flags.String("listen", "", "Serve the control API on this address instead of running once")
	flags.String("config", "", "Path to configuration file (JSON, YAML or TOML)")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.String("tracing-service-name", "", "Service name reported on spans")
	flags.Float64("tracing-sample-rate", 1, "Span sample rate between 0 and 1")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")
	flags.Bool("tracing-propagate", true, "Inject W3C trace context into outgoing handshakes and calls")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	strs := map[string]*string{
		"base-id":              &cfg.BaseID,
		"peer-id":              &cfg.PeerID,
		"ws-url":               &cfg.WebSocket.URL,
		"grpc-target":          &cfg.GRPC.Target,
		"grpc-service":         &cfg.GRPC.Service,
		"log-level":            &cfg.LogLevel,
		"log-format":           &cfg.LogFormat,
		"listen":               &cfg.Listen,
		"tracing-endpoint":     &cfg.Tracing.Endpoint,
		"tracing-protocol":     &cfg.Tracing.Protocol,
		"tracing-service-name": &cfg.Tracing.ServiceName,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = strings.TrimSpace(val)
	}

	ints := map[string]*int{
		"sessions":          &cfg.Sessions,
		"connect-pool-size": &cfg.ConnectPoolSize,
		"workers":           &cfg.Workers,
	}
	for name, dst := range ints {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetInt(name)
		if err != nil {
			return err
		}
		*dst = val
	}

	floats := map[string]*float64{
		"rate":                     &cfg.Rate,
		"connect-rate":             &cfg.ConnectRate,
		"loopback-loss":            &cfg.Loopback.LossRate,
		"loopback-send-failure":    &cfg.Loopback.SendFailureRate,
		"loopback-connect-failure": &cfg.Loopback.ConnectFailureRate,
		"tracing-sample-rate":      &cfg.Tracing.SampleRate,
	}
	for name, dst := range floats {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetFloat64(name)
		if err != nil {
			return err
		}
		*dst = val
	}

	durations := map[string]*time.Duration{
		"duration":               &cfg.Duration,
		"warmup":                 &cfg.Warmup,
		"probe-timeout":          &cfg.ProbeTimeout,
		"connect-timeout":        &cfg.ConnectTimeout,
		"sweep-interval":         &cfg.SweepInterval,
		"report-interval":        &cfg.ReportInterval,
		"shutdown-grace":         &cfg.ShutdownGrace,
		"loopback-latency":       &cfg.Loopback.Latency,
		"loopback-jitter":        &cfg.Loopback.Jitter,
		"loopback-send-delay":    &cfg.Loopback.SendDelay,
		"loopback-connect-delay": &cfg.Loopback.ConnectDelay,
		"ws-handshake-timeout":   &cfg.WebSocket.HandshakeTimeout,
		"grpc-timeout":           &cfg.GRPC.Timeout,
	}
	for name, dst := range durations {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetDuration(name)
		if err != nil {
			return err
		}
		*dst = val
	}

	bools := map[string]*bool{
		"dashboard":        &cfg.Dashboard,
		"include-sessions": &cfg.IncludeSessions,
		"grpc-tls":         &cfg.GRPC.TLS,
		"grpc-insecure":    &cfg.GRPC.Insecure,
		"tracing-insecure": &cfg.Tracing.Insecure,
	}
	for name, dst := range bools {
		if !fs.Changed(name) {
			continue
		}
		val, err := fs.GetBool(name)
		if err != nil {
			return err
		}
		*dst = val
	}
	if fs.Changed("tracing-propagate") {
		val, err := fs.GetBool("tracing-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = &val
	}

	if fs.Changed("transport") {
		val, err := fs.GetString("transport")
		if err != nil {
			return err
		}
		cfg.Transport = Transport(val)
	}
	if fs.Changed("output") {
		val, err := fs.GetString("output")
		if err != nil {
			return err
		}
		cfg.Output = OutputFormat(val)
	}

	if fs.Changed("ws-header") {
		val, err := fs.GetStringToString("ws-header")
		if err != nil {
			return err
		}
		cfg.WebSocket.Headers = val
	}
	if fs.Changed("grpc-metadata") {
		val, err := fs.GetStringToString("grpc-metadata")
		if err != nil {
			return err
		}
		cfg.GRPC.Metadata = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}

	return nil
}
