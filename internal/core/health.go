package core

import "context"

// Version is the schedmq release reported by health checks and metrics.
const Version = "0.1.0"

// Pinger is implemented by stores that can report backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the admin API health document.
type HealthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Running       bool          `json:"running"`
	Backend       BackendHealth `json:"backend"`
}

// BackendHealth describes the store the scheduler coordinates through.
type BackendHealth struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}
