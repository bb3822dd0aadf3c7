package domain

import (
	"time"
)

type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

type NodeStatus string

const (
	NodeStatusPending       NodeStatus = "pending"
	NodeStatusRunning       NodeStatus = "running"
	NodeStatusWaitingRetry  NodeStatus = "waiting_retry"
	NodeStatusWaitingSignal NodeStatus = "waiting_signal"
	NodeStatusCompleted     NodeStatus = "completed"
	NodeStatusFailed        NodeStatus = "failed"
)

func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}

type NodeExecution struct {
	NodeID      string                 `json:"node_id"`
	Status      NodeStatus             `json:"status"`
	Attempt     int                    `json:"attempt"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
}

// WorkflowRun is one execution instance of a definition. It is mutated
// exclusively through its methods, which the run manager invokes while
// holding the per-run lock; the planner and dispatcher only read it.
type WorkflowRun struct {
	ID             string                    `json:"id"`
	TenantID       string                    `json:"tenant_id"`
	DefinitionID   string                    `json:"definition_id"`
	Status         RunStatus                 `json:"status"`
	StatusReason   string                    `json:"status_reason,omitempty"`
	Variables      map[string]interface{}    `json:"variables,omitempty"`
	NodeExecutions map[string]*NodeExecution `json:"node_executions"`
	ExecutionPath  []string                  `json:"execution_path"`
	WaitingNodeID  string                    `json:"waiting_node_id,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	StartedAt      *time.Time                `json:"started_at,omitempty"`
	CompletedAt    *time.Time                `json:"completed_at,omitempty"`
}

func NewWorkflowRun(id, tenantID, definitionID string, inputs map[string]interface{}) *WorkflowRun {
	variables := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		variables[k] = v
	}
	return &WorkflowRun{
		ID:             id,
		TenantID:       tenantID,
		DefinitionID:   definitionID,
		Status:         RunStatusCreated,
		Variables:      variables,
		NodeExecutions: make(map[string]*NodeExecution),
		CreatedAt:      time.Now(),
	}
}

func (r *WorkflowRun) Execution(nodeID string) *NodeExecution {
	if exec, ok := r.NodeExecutions[nodeID]; ok {
		return exec
	}
	exec := &NodeExecution{NodeID: nodeID, Status: NodeStatusPending}
	r.NodeExecutions[nodeID] = exec
	return exec
}

func (r *WorkflowRun) Start() error {
	if r.Status != RunStatusCreated {
		return NewConflictError("run cannot start", map[string]interface{}{
			"run_id": r.ID, "status": r.Status,
		})
	}
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
	return nil
}

// MarkNodeRunning records a dispatch attempt. The attempt counter advances
// here; tokens minted for earlier attempts become invalid.
func (r *WorkflowRun) MarkNodeRunning(nodeID string, attempt int) error {
	if r.Status != RunStatusRunning {
		return NewConflictError("run is not running", map[string]interface{}{
			"run_id": r.ID, "status": r.Status, "node_id": nodeID,
		})
	}
	exec := r.Execution(nodeID)
	now := time.Now()
	exec.Status = NodeStatusRunning
	exec.Attempt = attempt
	exec.StartedAt = &now
	return nil
}

// CompleteNode applies a successful node result: advances the execution,
// stores the output, and appends the node to the execution path.
func (r *WorkflowRun) CompleteNode(nodeID string, output map[string]interface{}) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	exec := r.Execution(nodeID)
	if exec.Status == NodeStatusCompleted {
		return NewConflictError("node already completed", map[string]interface{}{
			"run_id": r.ID, "node_id": nodeID,
		})
	}
	now := time.Now()
	exec.Status = NodeStatusCompleted
	exec.Output = output
	exec.CompletedAt = &now
	exec.LastError = ""
	r.ExecutionPath = append(r.ExecutionPath, nodeID)
	return nil
}

func (r *WorkflowRun) FailNode(nodeID, reason string) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	exec := r.Execution(nodeID)
	now := time.Now()
	exec.Status = NodeStatusFailed
	exec.CompletedAt = &now
	exec.LastError = reason
	return nil
}

func (r *WorkflowRun) MarkNodeWaitingRetry(nodeID, reason string) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	exec := r.Execution(nodeID)
	exec.Status = NodeStatusWaitingRetry
	exec.LastError = reason
	return nil
}

func (r *WorkflowRun) Suspend(reason, waitingNodeID string) error {
	if r.Status != RunStatusRunning {
		return NewConflictError("only a running run can be suspended", map[string]interface{}{
			"run_id": r.ID, "status": r.Status,
		})
	}
	r.Status = RunStatusSuspended
	r.StatusReason = reason
	r.WaitingNodeID = waitingNodeID
	if waitingNodeID != "" {
		r.Execution(waitingNodeID).Status = NodeStatusWaitingSignal
	}
	return nil
}

func (r *WorkflowRun) Resume() error {
	if r.Status != RunStatusSuspended {
		return NewConflictError("only a suspended run can be resumed", map[string]interface{}{
			"run_id": r.ID, "status": r.Status,
		})
	}
	r.Status = RunStatusRunning
	r.StatusReason = ""
	r.WaitingNodeID = ""
	return nil
}

func (r *WorkflowRun) Complete() error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	now := time.Now()
	r.Status = RunStatusCompleted
	r.CompletedAt = &now
	return nil
}

func (r *WorkflowRun) Fail(reason string) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	now := time.Now()
	r.Status = RunStatusFailed
	r.StatusReason = reason
	r.CompletedAt = &now
	return nil
}

func (r *WorkflowRun) Cancel(reason string) error {
	if r.Status.Terminal() {
		return ErrRunTerminal
	}
	now := time.Now()
	r.Status = RunStatusCancelled
	r.StatusReason = reason
	r.CompletedAt = &now
	return nil
}

// CompletedNodes returns the node ids on the execution path, in
// completion order.
func (r *WorkflowRun) CompletedNodes() []string {
	path := make([]string, len(r.ExecutionPath))
	copy(path, r.ExecutionPath)
	return path
}
