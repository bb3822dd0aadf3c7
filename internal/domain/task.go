package domain

import (
	"fmt"
	"time"
)

type CommunicationType string

const (
	CommunicationGRPC      CommunicationType = "grpc"
	CommunicationHTTP      CommunicationType = "http"
	CommunicationInProcess CommunicationType = "inprocess"
)

type ExecutorInfo struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Communication CommunicationType      `json:"communication"`
	Endpoint      string                 `json:"endpoint"`
	Timeout       time.Duration          `json:"timeout,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type ExecutorHealthInfo struct {
	ExecutorID    string    `json:"executor_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ExecutionToken binds a result report to one (run, node, attempt)
// dispatch. Minted once per attempt; a superseded attempt's token is
// invalid the moment a newer attempt is dispatched.
type ExecutionToken struct {
	Value     string    `json:"value"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id"`
	Attempt   int       `json:"attempt"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t ExecutionToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

type TaskKind string

const (
	TaskKindExecute    TaskKind = "execute"
	TaskKindCompensate TaskKind = "compensate"
)

// TaskEnvelope is the transport-agnostic payload handed to a dispatcher.
// Wire encoding is the dispatcher's concern; the envelope carries the
// fields every transport must deliver.
type TaskEnvelope struct {
	RunID          string                 `json:"run_id"`
	NodeID         string                 `json:"node_id"`
	NodeType       string                 `json:"node_type"`
	Kind           TaskKind               `json:"kind"`
	Attempt        int                    `json:"attempt"`
	Token          string                 `json:"token"`
	Context        map[string]interface{} `json:"context,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Signature      string                 `json:"signature"`
	Timeout        time.Duration          `json:"timeout,omitempty"`
}

// IdempotencyKey identifies at most one applied result.
func IdempotencyKey(runID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, nodeID, attempt)
}

// NodeResult is an executor's report for one dispatched attempt. Delivery
// is at-least-once on every transport; application is deduplicated by the
// (RunID, NodeID, Attempt) triple.
type NodeResult struct {
	RunID        string                 `json:"run_id"`
	NodeID       string                 `json:"node_id"`
	Attempt      int                    `json:"attempt"`
	Token        string                 `json:"token"`
	Kind         TaskKind               `json:"kind,omitempty"`
	Success      bool                   `json:"success"`
	Output       map[string]interface{} `json:"output,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ReportedAt   time.Time              `json:"reported_at"`
}
