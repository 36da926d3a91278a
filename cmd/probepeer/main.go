// Command probepeer is a sample counterparty for manual probefire runs. It
// serves either the WebSocket session protocol or the gRPC health service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/torosent/probefire/internal/observability"
	ws "github.com/torosent/probefire/internal/websocket"
)

type serverMode string

const (
	modeWebSocket serverMode = "websocket"
	modeGRPC      serverMode = "grpc"
)

type peerConfig struct {
	mode     serverMode
	addr     string
	path     string
	service  string
	delay    time.Duration
	rejectID string
}

func main() {
	cfg := peerConfig{}
	fs := pflag.NewFlagSet("probepeer", pflag.ContinueOnError)
	mode := fs.String("mode", string(modeWebSocket), "Server mode: websocket or grpc")
	fs.StringVar(&cfg.addr, "addr", ":9000", "Listen address")
	fs.StringVar(&cfg.path, "path", "/fix", "WebSocket endpoint path")
	fs.StringVar(&cfg.service, "service", "", "Health service name reported as SERVING (grpc mode)")
	fs.DurationVar(&cfg.delay, "delay", 0, "Delay before each heartbeat (websocket mode)")
	fs.StringVar(&cfg.rejectID, "reject", "", "Reject logons from this sender id (websocket mode)")
	level := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	cfg.mode = serverMode(*mode)

	log := observability.NewLogger(*level, "console", os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cfg.mode {
	case modeWebSocket:
		err = runWebSocketServer(ctx, cfg, log)
	case modeGRPC:
		err = runGRPCServer(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown mode %q", cfg.mode)
	}
	if err != nil {
		log.Error().Err(err).Msg("peer stopped")
		os.Exit(1)
	}
}

func runWebSocketServer(ctx context.Context, cfg peerConfig, log *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.path, newSessionHandler(cfg, log))
	srv := &http.Server{Addr: cfg.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.addr).Str("path", cfg.path).Msg("websocket peer listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newSessionHandler answers logon with logon and each test_request with a
// heartbeat carrying the same id.
func newSessionHandler(cfg peerConfig, log *zerolog.Logger) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		go serveSession(conn, cfg, log)
	})
}

func serveSession(conn *websocket.Conn, cfg peerConfig, log *zerolog.Logger) {
	defer conn.Close()
	var sender string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Str("sender", sender).Err(err).Msg("session closed")
			return
		}
		frame := gjson.ParseBytes(data)
		var reply ws.Frame
		switch frame.Get("type").String() {
		case ws.FrameLogon:
			sender = frame.Get("sender").String()
			if cfg.rejectID != "" && sender == cfg.rejectID {
				_ = conn.WriteJSON(ws.Frame{Type: ws.FrameReject, Text: "sender not allowed"})
				log.Info().Str("sender", sender).Msg("logon rejected")
				return
			}
			reply = ws.Frame{Type: ws.FrameLogon, Sender: frame.Get("target").String(), Target: sender}
			log.Info().Str("sender", sender).Msg("logon")
		case ws.FrameTestRequest:
			if cfg.delay > 0 {
				time.Sleep(cfg.delay)
			}
			reply = ws.Frame{Type: ws.FrameHeartbeat, TestReqID: frame.Get("test_req_id").String()}
		case ws.FrameLogout:
			_ = conn.WriteJSON(ws.Frame{Type: ws.FrameLogout})
			log.Info().Str("sender", sender).Msg("logout")
			return
		default:
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func runGRPCServer(ctx context.Context, cfg peerConfig, log *zerolog.Logger) error {
	lis, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return err
	}
	srv, hs := newGRPCServer(cfg.service)
	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
	}()

	log.Info().Str("addr", cfg.addr).Str("service", cfg.service).Msg("grpc peer listening")
	return srv.Serve(lis)
}

func newGRPCServer(service string) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	if service != "" {
		hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs
}
