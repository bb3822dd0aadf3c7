package domain

import (
	"time"
)

// EventType is a closed enum; unrecognised strings map to
// EventTypeUnknown explicitly instead of falling through silently.
type EventType string

const (
	EventTypeUnknown       EventType = "unknown"
	EventTypeRunCreated    EventType = "run_created"
	EventTypeRunStarted    EventType = "run_started"
	EventTypeRunSuspended  EventType = "run_suspended"
	EventTypeRunResumed    EventType = "run_resumed"
	EventTypeRunCompleted  EventType = "run_completed"
	EventTypeRunFailed     EventType = "run_failed"
	EventTypeRunCancelled  EventType = "run_cancelled"
	EventTypeNodeScheduled EventType = "node_scheduled"
	EventTypeNodeCompleted EventType = "node_completed"
	EventTypeNodeFailed    EventType = "node_failed"
	EventTypeNodeRetrying  EventType = "node_retrying"
	EventTypeCompensation  EventType = "compensation"
	EventTypeSignal        EventType = "signal"
)

func ParseEventType(s string) EventType {
	switch EventType(s) {
	case EventTypeRunCreated, EventTypeRunStarted, EventTypeRunSuspended,
		EventTypeRunResumed, EventTypeRunCompleted, EventTypeRunFailed,
		EventTypeRunCancelled, EventTypeNodeScheduled, EventTypeNodeCompleted,
		EventTypeNodeFailed, EventTypeNodeRetrying, EventTypeCompensation,
		EventTypeSignal:
		return EventType(s)
	default:
		return EventTypeUnknown
	}
}

// ExecutionEvent is one entry in a run's append-only history. Sequence is
// assigned by the history store and is the durable ordering for replay.
type ExecutionEvent struct {
	EventID   string                 `json:"event_id"`
	RunID     string                 `json:"run_id"`
	Type      EventType              `json:"type"`
	Sequence  uint64                 `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type RunUpdatedEvent struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	ChangedBy string    `json:"changed_by,omitempty"`
}

type NodeResultEvent struct {
	Result     NodeResult `json:"result"`
	ReceivedAt time.Time  `json:"received_at"`
}

type RunCompletedEvent struct {
	RunID         string                 `json:"run_id"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	ExecutionPath []string               `json:"execution_path"`
	CompletedAt   time.Time              `json:"completed_at"`
	Duration      time.Duration          `json:"duration"`
}

type RunFailedEvent struct {
	RunID      string    `json:"run_id"`
	Reason     string    `json:"reason"`
	FailedNode string    `json:"failed_node,omitempty"`
	FailedAt   time.Time `json:"failed_at"`
}
