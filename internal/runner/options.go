package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/probefire/internal/metrics"
)

// ErrInvalidOptions wraps option validation failures.
var ErrInvalidOptions = errors.New("invalid driver options")

// Options configure the Driver.
type Options struct {
	Rate           float64       // probes per second across all sessions (required)
	Duration       time.Duration // measured window (0 means until Stop)
	Warmup         time.Duration // probes sent before counters are reset (0 disables)
	Workers        int           // dispatch goroutines
	SweepInterval  time.Duration // timeout sweep cadence
	ReportInterval time.Duration // live snapshot cadence
	IdleSleep      time.Duration // scheduler pause between limiter polls
	DrainPoll      time.Duration // pending-count polling cadence while draining
	ShutdownGrace  time.Duration // bound for Stop and for draining without a probe timeout

	IncludeSessions bool // add per-session rows to reports

	RunID       string
	NewProbeID  func(sessionID string) string
	OnLiveStats func(metrics.RunStats)
	Logger      *zerolog.Logger
	Tracer      trace.Tracer
}

// DefaultOptions returns the stock driver settings without a rate.
func DefaultOptions() Options {
	return Options{
		Workers:        4,
		SweepInterval:  time.Second,
		ReportInterval: 5 * time.Second,
		IdleSleep:      time.Millisecond,
		DrainPoll:      10 * time.Millisecond,
		ShutdownGrace:  5 * time.Second,
	}
}

// NewProbeID returns "<sessionID>-<ULID>".
func NewProbeID(sessionID string) string {
	return sessionID + "-" + ulid.Make().String()
}

func (o *Options) normalize() error {
	if o.Duration < 0 || o.Warmup < 0 || o.Workers < 0 || o.SweepInterval < 0 ||
		o.ReportInterval < 0 || o.IdleSleep < 0 || o.DrainPoll < 0 || o.ShutdownGrace < 0 {
		return fmt.Errorf("%w: durations and worker count must not be negative", ErrInvalidOptions)
	}
	def := DefaultOptions()
	if o.Workers == 0 {
		o.Workers = def.Workers
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = def.SweepInterval
	}
	if o.ReportInterval == 0 {
		o.ReportInterval = def.ReportInterval
	}
	if o.IdleSleep == 0 {
		o.IdleSleep = def.IdleSleep
	}
	if o.DrainPoll == 0 {
		o.DrainPoll = def.DrainPoll
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	if o.NewProbeID == nil {
		o.NewProbeID = NewProbeID
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("probefire")
	}
	return nil
}
