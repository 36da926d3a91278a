package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configure the Orchestrator.
type Options struct {
	PoolSize       int           // concurrent session establishments
	ConnectTimeout time.Duration // deadline for a session to report connected
	PollInterval   time.Duration // IsConnected polling cadence
	ConnectRate    float64       // session starts per second (0 means unlimited)
	ShutdownGrace  time.Duration // how long Shutdown waits before cancelling
	Transport      string        // label used in spans and logs
	Correlator     Correlator    // resolves probe replies (required for latency accounting)
	Logger         *zerolog.Logger
	Tracer         trace.Tracer
}

// DefaultOptions returns the stock orchestrator settings.
func DefaultOptions() Options {
	return Options{
		PoolSize:       50,
		ConnectTimeout: 30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		ShutdownGrace:  10 * time.Second,
		Transport:      "session",
	}
}

func (o *Options) normalize() error {
	def := DefaultOptions()
	if o.PoolSize < 0 || o.ConnectTimeout < 0 || o.PollInterval < 0 || o.ShutdownGrace < 0 || o.ConnectRate < 0 {
		return fmt.Errorf("%w: negative value in %+v", ErrInvalidOptions, *o)
	}
	if o.PoolSize == 0 {
		o.PoolSize = def.PoolSize
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = def.PollInterval
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	if o.Transport == "" {
		o.Transport = def.Transport
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
