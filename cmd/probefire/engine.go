package main

import (
	"fmt"
	"net/http"

	"github.com/torosent/probefire/internal/config"
	"github.com/torosent/probefire/internal/grpcclient"
	"github.com/torosent/probefire/internal/loopback"
	"github.com/torosent/probefire/internal/session"
	"github.com/torosent/probefire/internal/websocket"
)

// makeHeaders converts a map[string]string to http.Header
func makeHeaders(headers map[string]string) http.Header {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// newEngine builds the session factory for the configured transport.
func newEngine(cfg config.Config, propagate bool) (session.Factory, error) {
	var (
		factory session.Factory
		err     error
	)
	switch cfg.Transport {
	case config.TransportLoopback, "":
		lb := cfg.Loopback
		var f *loopback.Factory
		f, err = loopback.NewFactory(loopback.Config{
			Latency:            lb.Latency,
			Jitter:             lb.Jitter,
			LossRate:           lb.LossRate,
			SendFailureRate:    lb.SendFailureRate,
			SendDelay:          lb.SendDelay,
			ConnectDelay:       lb.ConnectDelay,
			ConnectFailureRate: lb.ConnectFailureRate,
		})
		factory = f
	case config.TransportWebSocket:
		var f *websocket.Factory
		f, err = websocket.NewFactory(websocket.Config{
			URL:              cfg.WebSocket.URL,
			Headers:          makeHeaders(cfg.WebSocket.Headers),
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
			Propagate:        propagate,
		})
		factory = f
	case config.TransportGRPC:
		var f *grpcclient.Factory
		f, err = grpcclient.NewFactory(grpcclient.Config{
			Target:    cfg.GRPC.Target,
			Service:   cfg.GRPC.Service,
			Metadata:  cfg.GRPC.Metadata,
			Timeout:   cfg.GRPC.Timeout,
			UseTLS:    cfg.GRPC.TLS,
			Insecure:  cfg.GRPC.Insecure,
			Propagate: propagate,
		})
		factory = f
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("%s engine: %w", cfg.Transport, err)
	}
	return factory, nil
}
