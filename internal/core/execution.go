package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TimeFormat is the timestamp layout used in stored execution bodies.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime formats a time as a millisecond-precision UTC timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time formatted with TimeFormat.
func NowFormatted() string {
	return FormatTime(time.Now())
}

// RetryPolicy opts an execution into timeout-based redelivery.
type RetryPolicy struct {
	Enabled   bool  `json:"enabled"`
	TimeoutMs int64 `json:"timeout_ms"`
}

// Active reports whether the policy requires Timeout Index bookkeeping.
func (p *RetryPolicy) Active() bool {
	return p != nil && p.Enabled && p.TimeoutMs > 0
}

// Timeout returns the redelivery interval.
func (p *RetryPolicy) Timeout() time.Duration {
	if p == nil {
		return 0
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// NewRetryPolicy returns an enabled policy with the given redelivery interval.
func NewRetryPolicy(timeout time.Duration) *RetryPolicy {
	return &RetryPolicy{Enabled: true, TimeoutMs: timeout.Milliseconds()}
}

// Execution is one unit of work delivered to a bound handler.
type Execution struct {
	TaskID      string       `json:"task_id"`
	ExecID      string       `json:"exec_id"`
	Data        string       `json:"data,omitempty"`
	Retry       *RetryPolicy `json:"retry,omitempty"`
	ScheduledAt string       `json:"scheduled_at,omitempty"`
	CreatedAt   string       `json:"created_at,omitempty"`
}

// Deadline returns the Timeout Index deadline for an execution handed to
// the store at now. The second result is false for fire-and-forget executions.
func (e *Execution) Deadline(now time.Time) (time.Time, bool) {
	if !e.Retry.Active() {
		return time.Time{}, false
	}
	return now.Add(e.Retry.Timeout()), true
}

// IsTick reports whether the execution was produced by a cron tick.
func (e *Execution) IsTick() bool {
	return len(e.ExecID) > len(tickPrefix) && e.ExecID[:len(tickPrefix)] == tickPrefix
}

// Encode serializes the execution for storage.
func (e *Execution) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode execution %s: %w", e.ExecID, err)
	}
	return data, nil
}

// DecodeExecution parses a stored execution body.
func DecodeExecution(data []byte) (*Execution, error) {
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	if e.TaskID == "" || e.ExecID == "" {
		return nil, fmt.Errorf("decode execution: missing task_id or exec_id")
	}
	return &e, nil
}

const tickPrefix = "sched:"

// TickExecID returns the deterministic execution id of a cron tick. It doubles
// as the tick lock key.
func TickExecID(taskID string, fire time.Time) string {
	return tickPrefix + taskID + ":" + strconv.FormatInt(fire.UnixMilli(), 10)
}
