package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and an optional configuration file.
// Flags override file values, file values override defaults.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(&cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(&cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.BaseID = strings.TrimSpace(cfg.BaseID)
	cfg.PeerID = strings.TrimSpace(cfg.PeerID)
	cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(string(cfg.Transport))))
	cfg.Output = OutputFormat(strings.ToLower(strings.TrimSpace(string(cfg.Output))))

	return &cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, raw map[string]interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	settings, err := toStringKeyMap(raw)
	if err != nil {
		return err
	}

	if raw, ok := lookupSetting(settings, "base_id", "baseid"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("base_id: %w", err)
		}
		cfg.BaseID = val
	}
	if raw, ok := lookupSetting(settings, "peer_id", "peerid"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("peer_id: %w", err)
		}
		cfg.PeerID = val
	}

	if raw, ok := lookupSetting(settings, "sessions"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("sessions: %w", err)
		}
		cfg.Sessions = val
	}
	if raw, ok := lookupSetting(settings, "rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		cfg.Rate = val
	}
	if raw, ok := lookupSetting(settings, "connect_rate", "connectrate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("connect_rate: %w", err)
		}
		cfg.ConnectRate = val
	}
	if raw, ok := lookupSetting(settings, "connect_pool_size", "connectpoolsize"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("connect_pool_size: %w", err)
		}
		cfg.ConnectPoolSize = val
	}
	if raw, ok := lookupSetting(settings, "workers"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("workers: %w", err)
		}
		cfg.Workers = val
	}

	durations := []struct {
		keys []string
		unit time.Duration
		dst  *time.Duration
	}{
		{[]string{"duration"}, time.Second, &cfg.Duration},
		{[]string{"warmup"}, time.Second, &cfg.Warmup},
		{[]string{"probe_timeout", "probetimeout", "timeout"}, time.Millisecond, &cfg.ProbeTimeout},
		{[]string{"connect_timeout", "connecttimeout"}, time.Millisecond, &cfg.ConnectTimeout},
		{[]string{"sweep_interval", "sweepinterval"}, time.Millisecond, &cfg.SweepInterval},
		{[]string{"report_interval", "reportinterval"}, time.Millisecond, &cfg.ReportInterval},
		{[]string{"shutdown_grace", "shutdowngrace"}, time.Millisecond, &cfg.ShutdownGrace},
	}
	for _, d := range durations {
		if raw, ok := lookupSetting(settings, d.keys...); ok {
			val, err := asDuration(raw, d.unit)
			if err != nil {
				return fmt.Errorf("%s: %w", d.keys[0], err)
			}
			*d.dst = val
		}
	}

	if raw, ok := lookupSetting(settings, "transport", "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		if val != "" {
			cfg.Transport = Transport(val)
		}
	}
	if raw, ok := lookupSetting(settings, "loopback"); ok {
		if err := applyLoopbackSettings(&cfg.Loopback, raw); err != nil {
			return fmt.Errorf("loopback: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "websocket"); ok {
		if err := applyWebSocketSettings(&cfg.WebSocket, raw); err != nil {
			return fmt.Errorf("websocket: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "grpc"); ok {
		if err := applyGRPCSettings(&cfg.GRPC, raw); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
	}
	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := applyTracingSettings(&cfg.Tracing, raw); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "output"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		if val != "" {
			cfg.Output = OutputFormat(val)
		}
	}
	if raw, ok := lookupSetting(settings, "dashboard"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		cfg.Dashboard = val
	}
	if raw, ok := lookupSetting(settings, "include_sessions", "includesessions"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("include_sessions: %w", err)
		}
		cfg.IncludeSessions = val
	}
	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = val
	}
	if raw, ok := lookupSetting(settings, "log_level", "loglevel"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		cfg.LogLevel = val
	}
	if raw, ok := lookupSetting(settings, "log_format", "logformat"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_format: %w", err)
		}
		cfg.LogFormat = val
	}
	if raw, ok := lookupSetting(settings, "listen"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		cfg.Listen = strings.TrimSpace(val)
	}

	return nil
}

func applyLoopbackSettings(lb *LoopbackConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"latency", &lb.Latency},
		{"jitter", &lb.Jitter},
		{"send_delay", &lb.SendDelay},
		{"connect_delay", &lb.ConnectDelay},
	} {
		if raw, ok := lookupSetting(settings, d.key); ok {
			val, err := asDuration(raw, time.Millisecond)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = val
		}
	}
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"loss_rate", &lb.LossRate},
		{"send_failure_rate", &lb.SendFailureRate},
		{"connect_failure_rate", &lb.ConnectFailureRate},
	} {
		if raw, ok := lookupSetting(settings, f.key); ok {
			val, err := asFloat64(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = val
		}
	}
	return nil
}

func applyWebSocketSettings(ws *WebSocketConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(settings, "url"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("url: %w", err)
		}
		ws.URL = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "headers"); ok {
		val, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		ws.Headers = val
	}
	if raw, ok := lookupSetting(settings, "handshake_timeout", "handshaketimeout"); ok {
		val, err := asDuration(raw, time.Millisecond)
		if err != nil {
			return fmt.Errorf("handshake_timeout: %w", err)
		}
		ws.HandshakeTimeout = val
	}
	return nil
}

func applyGRPCSettings(g *GRPCConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(settings, "target"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		g.Target = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "service"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("service: %w", err)
		}
		g.Service = val
	}
	if raw, ok := lookupSetting(settings, "metadata"); ok {
		val, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		g.Metadata = val
	}
	if raw, ok := lookupSetting(settings, "timeout"); ok {
		val, err := asDuration(raw, time.Millisecond)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		g.Timeout = val
	}
	if raw, ok := lookupSetting(settings, "tls"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		g.TLS = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		g.Insecure = val
	}
	return nil
}

func applyTracingSettings(t *TracingConfig, value interface{}) error {
	settings, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	for _, s := range []struct {
		key string
		dst *string
	}{
		{"endpoint", &t.Endpoint},
		{"protocol", &t.Protocol},
		{"service_name", &t.ServiceName},
	} {
		if raw, ok := lookupSetting(settings, s.key); ok {
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", s.key, err)
			}
			*s.dst = strings.TrimSpace(val)
		}
	}
	if raw, ok := lookupSetting(settings, "sample_rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		t.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		t.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		t.Propagate = &val
	}
	return nil
}
