package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRequest wraps StartRequest validation failures.
var ErrInvalidRequest = errors.New("invalid start request")

// StartRequest describes one run. Zero fields take the defaults below.
type StartRequest struct {
	BaseID          string  `json:"base_id"`
	PeerID          string  `json:"peer_id"`
	Sessions        int     `json:"sessions"`
	Rate            float64 `json:"rate"`
	DurationSeconds int     `json:"duration_seconds"`
	TimeoutMillis   int     `json:"timeout_millis"`
	WarmupSeconds   int     `json:"warmup_seconds"`
	IncludeSessions bool    `json:"include_sessions"`
}

const (
	defaultBaseID        = "BENCHMARK_CLIENT"
	defaultPeerID        = "FIX_SERVER"
	defaultSessions      = 10
	defaultRate          = 1000
	defaultDuration      = 60
	defaultTimeoutMillis = 5000
)

// WithDefaults fills zero fields.
func (r StartRequest) WithDefaults() StartRequest {
	r.BaseID = strings.TrimSpace(r.BaseID)
	r.PeerID = strings.TrimSpace(r.PeerID)
	if r.BaseID == "" {
		r.BaseID = defaultBaseID
	}
	if r.PeerID == "" {
		r.PeerID = defaultPeerID
	}
	if r.Sessions == 0 {
		r.Sessions = defaultSessions
	}
	if r.Rate == 0 {
		r.Rate = defaultRate
	}
	if r.DurationSeconds == 0 {
		r.DurationSeconds = defaultDuration
	}
	if r.TimeoutMillis == 0 {
		r.TimeoutMillis = defaultTimeoutMillis
	}
	return r
}

// Validate rejects negative or nonsensical values.
func (r StartRequest) Validate() error {
	var issues []string
	if r.Sessions < 1 {
		issues = append(issues, "sessions must be >= 1")
	}
	if r.Rate <= 0 {
		issues = append(issues, "rate must be > 0")
	}
	if r.DurationSeconds < 0 {
		issues = append(issues, "duration_seconds must be >= 0")
	}
	if r.TimeoutMillis < 0 {
		issues = append(issues, "timeout_millis must be >= 0")
	}
	if r.WarmupSeconds < 0 {
		issues = append(issues, "warmup_seconds must be >= 0")
	}
	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(issues, "; "))
	}
	return nil
}

func (r StartRequest) duration() time.Duration { return time.Duration(r.DurationSeconds) * time.Second }
func (r StartRequest) warmup() time.Duration   { return time.Duration(r.WarmupSeconds) * time.Second }
func (r StartRequest) timeout() time.Duration  { return time.Duration(r.TimeoutMillis) * time.Millisecond }
