package core

// Execution lifecycle event types.
const (
	EventEnqueued     = "execution.enqueued"
	EventScheduled    = "execution.scheduled"
	EventDelivered    = "execution.delivered"
	EventAcknowledged = "execution.acknowledged"
	EventFailed       = "execution.failed"
	EventReaped       = "execution.reaped"
)

// ExecutionEvent describes one step in an execution's lifecycle.
type ExecutionEvent struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	ExecID    string `json:"exec_id"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// NewExecutionEvent builds an event for exec stamped with the current time.
func NewExecutionEvent(eventType string, exec *Execution) *ExecutionEvent {
	return &ExecutionEvent{
		Type:      eventType,
		TaskID:    exec.TaskID,
		ExecID:    exec.ExecID,
		Timestamp: NowFormatted(),
	}
}

// EventPublisher publishes execution events. Publishing is best effort.
type EventPublisher interface {
	PublishExecutionEvent(event *ExecutionEvent) error
}
