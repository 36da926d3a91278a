// Package api exposes the run registry over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/torosent/probefire/internal/metrics"
	"github.com/torosent/probefire/internal/observability"
	"github.com/torosent/probefire/internal/runner"
	"github.com/torosent/probefire/internal/service"
)

// Runs is the part of service.Service the handlers use.
type Runs interface {
	Start(ctx context.Context, req service.StartRequest) (string, error)
	Stop(id string) error
	Status(id string) (service.TaskStatus, error)
	LiveStats(id string) (metrics.RunStats, error)
	FinalReport(id string) (metrics.RunStats, error)
	List() []service.TaskStatus
}

type StartResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

type StopResponse struct {
	Stopped bool   `json:"stopped"`
	Message string `json:"message"`
}

type StatusResponse struct {
	Success bool                `json:"success"`
	Status  *service.TaskStatus `json:"status,omitempty"`
	Message string              `json:"message,omitempty"`
}

type ReportResponse struct {
	Success bool              `json:"success"`
	Final   bool              `json:"final"`
	Report  *metrics.RunStats `json:"report,omitempty"`
	Message string            `json:"message,omitempty"`
}

type TaskListResponse struct {
	Tasks []service.TaskStatus `json:"tasks"`
}

type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Server serves the control API and /metrics.
type Server struct {
	runs     Runs
	gatherer prometheus.Gatherer
	log      *zerolog.Logger
}

// New returns a Server. A nil gatherer disables /metrics.
func New(runs Runs, gatherer prometheus.Gatherer, log *zerolog.Logger) *Server {
	if log == nil {
		log = observability.Nop()
	}
	return &Server{runs: runs, gatherer: gatherer, log: log}
}

// Register mounts the routes on router.
func (s *Server) Register(router gin.IRouter) {
	g := router.Group("/api/benchmark")
	g.POST("/start", s.start)
	g.POST("/stop/:id", s.stop)
	g.GET("/status/:id", s.status)
	g.GET("/report/:id", s.report)
	g.GET("/tasks", s.tasks)
	g.GET("/health", s.health)

	if s.gatherer != nil {
		h := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{DisableCompression: true})
		router.GET("/metrics", gin.WrapH(h))
	}
}

// Handler builds a gin engine with recovery and request logging.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.Register(r)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		s.log.Debug().
			Str("method", ctx.Request.Method).
			Str("path", ctx.FullPath()).
			Int("status", ctx.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) start(ctx *gin.Context) {
	var req service.StartRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, StartResponse{Message: "invalid request body: " + err.Error()})
			return
		}
	}
	id, err := s.runs.Start(ctx.Request.Context(), req)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidRequest) {
			code = http.StatusBadRequest
		} else if errors.Is(err, service.ErrShuttingDown) {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, StartResponse{Message: "failed to start benchmark: " + err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, StartResponse{Success: true, TaskID: id, Message: "benchmark started"})
}

func (s *Server) stop(ctx *gin.Context) {
	if err := s.runs.Stop(ctx.Param("id")); err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			ctx.JSON(http.StatusNotFound, StopResponse{Message: "task not found"})
			return
		}
		ctx.JSON(http.StatusInternalServerError, StopResponse{Message: err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, StopResponse{Stopped: true, Message: "benchmark stopped"})
}

func (s *Server) status(ctx *gin.Context) {
	st, err := s.runs.Status(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, StatusResponse{Message: "task not found"})
		return
	}
	ctx.JSON(http.StatusOK, StatusResponse{Success: true, Status: &st})
}

// report serves the final report, or the live snapshot with ?live=true.
// A run that has not been reported yet answers 409.
func (s *Server) report(ctx *gin.Context) {
	id := ctx.Param("id")
	if ctx.Query("live") == "true" {
		stats, err := s.runs.LiveStats(id)
		if err != nil {
			ctx.JSON(http.StatusNotFound, ReportResponse{Message: "task not found"})
			return
		}
		ctx.JSON(http.StatusOK, ReportResponse{Success: true, Report: &stats})
		return
	}

	stats, err := s.runs.FinalReport(id)
	switch {
	case errors.Is(err, service.ErrRunNotFound):
		ctx.JSON(http.StatusNotFound, ReportResponse{Message: "task not found"})
	case errors.Is(err, runner.ErrNotReported):
		ctx.JSON(http.StatusConflict, ReportResponse{Message: "run still in progress; use ?live=true for a snapshot"})
	case err != nil:
		ctx.JSON(http.StatusInternalServerError, ReportResponse{Message: err.Error()})
	default:
		ctx.JSON(http.StatusOK, ReportResponse{Success: true, Final: true, Report: &stats})
	}
}

func (s *Server) tasks(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, TaskListResponse{Tasks: s.runs.List()})
}

func (s *Server) health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, HealthResponse{Healthy: true, Status: "UP", Version: observability.Version})
}
