package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/probefire/internal/api"
	"github.com/torosent/probefire/internal/config"
	"github.com/torosent/probefire/internal/dashboard"
	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/observability"
	"github.com/torosent/probefire/internal/output"
	"github.com/torosent/probefire/internal/runner"
	"github.com/torosent/probefire/internal/service"
	"github.com/torosent/probefire/internal/session"
	"github.com/torosent/probefire/internal/threshold"
	"github.com/torosent/probefire/internal/tracing"
)

const progressInterval = time.Second

var (
	errNoSessions       = errors.New("no session connected")
	errThresholdsFailed = errors.New("thresholds failed")
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	loaded, err := config.NewLoader().Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	cfg := *loaded
	if err := cfg.Validate(); err != nil {
		return err
	}

	parsed, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	engine, err := newEngine(cfg, provider.ShouldPropagate())
	if err != nil {
		return err
	}

	if cfg.Listen != "" {
		return serve(ctx, cfg, engine, log, provider.Tracer())
	}
	return runOnce(ctx, cfg, engine, parsed, log, provider.Tracer(), stdout)
}

// runOnce connects the sessions, drives one run and prints its report.
func runOnce(ctx context.Context, cfg config.Config, engine session.Factory, thresholds []threshold.Threshold,
	log *zerolog.Logger, tracer trace.Tracer, stdout io.Writer) error {
	tracker, err := metrics.NewTracker(cfg.ProbeTimeout)
	if err != nil {
		return err
	}
	sopt := sessionOptions(cfg, log, tracer)
	sopt.Correlator = tracker
	orch, err := session.NewOrchestrator(engine, sopt)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sopt.ShutdownGrace)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("session shutdown reported errors")
		}
	}()

	driver, err := runner.New(tracker, orch, driverOptions(cfg, log, tracer))
	if err != nil {
		return err
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	outcomes, err := orch.CreateSessions(runCtx, cfg.BaseID, cfg.PeerID, cfg.Sessions)
	if err != nil {
		return fmt.Errorf("create sessions: %w", err)
	}
	connected := 0
	for _, o := range outcomes {
		if o.Connected {
			connected++
		}
	}
	log.Info().Int("connected", connected).Int("requested", cfg.Sessions).Msg("sessions established")
	if connected == 0 {
		driver.Stop()
		report, _ := driver.FinalReport()
		if err := printReport(stdout, cfg.Output, report); err != nil {
			return err
		}
		return errNoSessions
	}

	if cfg.Dashboard {
		dash, err := dashboard.New(driver.LiveStats, dashboardConfig(cfg), stopRun)
		if err != nil {
			return err
		}
		dash.Start()
		defer dash.Stop()
	} else if cfg.Output == config.OutputText {
		progress := output.NewProgressReporter(driver.LiveStats, progressInterval, stdout)
		progress.Start()
		defer progress.Stop()
	}

	report, err := driver.Run(runCtx)
	if err != nil {
		return err
	}
	if err := printReport(stdout, cfg.Output, report); err != nil {
		return err
	}

	if len(thresholds) == 0 {
		return nil
	}
	results := threshold.NewEvaluator(thresholds).Evaluate(report)
	if cfg.Output == config.OutputText {
		fmt.Fprintln(stdout, "\nThresholds:")
		for _, r := range results {
			fmt.Fprintf(stdout, "  %s\n", r.Message)
		}
	}
	for _, r := range results {
		ev := log.Info()
		if !r.Pass {
			ev = log.Warn()
		}
		ev.Str("threshold", r.Threshold.Raw).Float64("actual", r.Actual).Bool("pass", r.Pass).Msg("threshold evaluated")
	}
	if !threshold.Passed(results) {
		return errThresholdsFailed
	}
	return nil
}

// serve runs the control API until ctx is cancelled, then stops every run.
func serve(ctx context.Context, cfg config.Config, engine session.Factory, log *zerolog.Logger, tracer trace.Tracer) error {
	var m *observability.Metrics
	svc, err := service.New(service.Options{
		Engine:  engine,
		Session: sessionOptions(cfg, log, tracer),
		Driver:  driverOptions(cfg, log, tracer),
		Logger:  log,
		OnFinish: func(_ string, status service.Status) {
			m.RunsFinished.WithLabelValues(string(status)).Inc()
		},
	})
	if err != nil {
		return err
	}
	m = observability.NewMetrics(svc)

	serveErr := api.New(svc, m.Registry(), log).ListenAndServe(ctx, cfg.Listen)

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = session.DefaultOptions().ShutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return errors.Join(serveErr, svc.Shutdown(shutdownCtx))
}

func printReport(w io.Writer, format config.OutputFormat, report metrics.RunStats) error {
	switch format {
	case config.OutputJSON:
		return output.PrintJSONReport(w, report)
	case config.OutputYAML:
		return output.PrintYAMLReport(w, report)
	default:
		output.PrintReport(w, report)
		return nil
	}
}

func sessionOptions(cfg config.Config, log *zerolog.Logger, tracer trace.Tracer) session.Options {
	opt := session.DefaultOptions()
	if cfg.ConnectPoolSize > 0 {
		opt.PoolSize = cfg.ConnectPoolSize
	}
	if cfg.ConnectTimeout > 0 {
		opt.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ShutdownGrace > 0 {
		opt.ShutdownGrace = cfg.ShutdownGrace
	}
	opt.ConnectRate = cfg.ConnectRate
	opt.Transport = string(cfg.Transport)
	opt.Logger = log
	opt.Tracer = tracer
	return opt
}

func driverOptions(cfg config.Config, log *zerolog.Logger, tracer trace.Tracer) runner.Options {
	opt := runner.DefaultOptions()
	opt.Rate = cfg.Rate
	opt.Duration = cfg.Duration
	opt.Warmup = cfg.Warmup
	opt.IncludeSessions = cfg.IncludeSessions
	if cfg.Workers > 0 {
		opt.Workers = cfg.Workers
	}
	if cfg.SweepInterval > 0 {
		opt.SweepInterval = cfg.SweepInterval
	}
	if cfg.ReportInterval > 0 {
		opt.ReportInterval = cfg.ReportInterval
	}
	if cfg.ShutdownGrace > 0 {
		opt.ShutdownGrace = cfg.ShutdownGrace
	}
	opt.RunID = cfg.BaseID
	opt.Logger = log
	opt.Tracer = tracer
	return opt
}

func dashboardConfig(cfg config.Config) dashboard.RunConfig {
	target := ""
	switch cfg.Transport {
	case config.TransportWebSocket:
		target = cfg.WebSocket.URL
	case config.TransportGRPC:
		target = cfg.GRPC.Target
	}
	return dashboard.RunConfig{
		BaseID:       cfg.BaseID,
		PeerID:       cfg.PeerID,
		Target:       target,
		Transport:    string(cfg.Transport),
		Sessions:     cfg.Sessions,
		Rate:         cfg.Rate,
		Duration:     cfg.Duration,
		Warmup:       cfg.Warmup,
		ProbeTimeout: cfg.ProbeTimeout,
		ConfigFile:   cfg.ConfigFile,
	}
}
