// Package api serves the admin HTTP surface of a worker process: pushing
// executions, listing tasks and reporting health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	Push(ctx context.Context, taskID string, opts scheduler.PushOptions) (*core.Execution, error)
	Running() bool
	Registrations() []string
	Bindings() []string
}

// PushRequest is the body of POST /v1/tasks/{taskID}/executions.
type PushRequest struct {
	Data    string            `json:"data"`
	DelayMs int64             `json:"delay_ms"`
	Retry   *core.RetryPolicy `json:"retry,omitempty"`
}

// TaskHandler serves task endpoints.
type TaskHandler struct {
	sched Scheduler
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(sched Scheduler) *TaskHandler {
	return &TaskHandler{sched: sched}
}

// Push handles POST /v1/tasks/{taskID}/executions.
func (h *TaskHandler) Push(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	req, err := decodePushRequest(r.Body)
	if err != nil {
		HandleError(w, err)
		return
	}

	exec, err := h.sched.Push(r.Context(), taskID, scheduler.PushOptions{
		Data:  req.Data,
		Delay: time.Duration(req.DelayMs) * time.Millisecond,
		Retry: req.Retry,
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v1/tasks/%s/executions/%s", taskID, exec.ExecID))
	WriteJSON(w, http.StatusCreated, map[string]any{"execution": exec})
}

func decodePushRequest(body io.Reader) (*PushRequest, error) {
	var req PushRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return nil, core.NewInvalidRequestError("Invalid request body: "+err.Error(), nil)
	}
	if req.DelayMs < 0 {
		return nil, core.NewInvalidRequestError("delay_ms must not be negative.", map[string]any{"delay_ms": req.DelayMs})
	}
	if req.Retry != nil && req.Retry.Enabled && req.Retry.TimeoutMs <= 0 {
		return nil, core.NewInvalidRequestError("retry.timeout_ms must be positive when retry is enabled.",
			map[string]any{"timeout_ms": req.Retry.TimeoutMs})
	}
	return &req, nil
}

// List handles GET /v1/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"registered": nonNil(h.sched.Registrations()),
		"bound":      nonNil(h.sched.Bindings()),
	})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// SystemHandler serves health endpoints.
type SystemHandler struct {
	sched     Scheduler
	store     core.Pinger
	storeType string
	started   time.Time
}

// NewSystemHandler creates a SystemHandler. store may be nil when the
// backend cannot report liveness.
func NewSystemHandler(sched Scheduler, store core.Pinger, storeType string) *SystemHandler {
	return &SystemHandler{sched: sched, store: store, storeType: storeType, started: time.Now()}
}

// Health handles GET /v1/health. It returns 503 unless the scheduler runs
// and the store answers.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := core.HealthResponse{
		Status:        "ok",
		Version:       core.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Running:       h.sched.Running(),
		Backend:       core.BackendHealth{Type: h.storeType, Status: "ok"},
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		start := time.Now()
		err := h.store.Ping(ctx)
		resp.Backend.LatencyMs = time.Since(start).Milliseconds()
		if err != nil {
			resp.Backend.Status = "error"
			resp.Backend.Error = err.Error()
		}
	}

	status := http.StatusOK
	if !resp.Running || resp.Backend.Status != "ok" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}
