package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/internal/domain"
	"github.com/cadenza-io/cadenza/internal/ports"
)

// retryScheduler re-dispatches a node after its backoff delay elapses.
type retryScheduler interface {
	ScheduleRetry(runID, nodeID string, attempt int, delay time.Duration)
}

// compensationStarter begins the saga walk for a failing run. The run
// moves to FAILED only after the walk finishes.
type compensationStarter interface {
	StartCompensation(runID, reason string)
	ResolveCompensation(result domain.NodeResult) bool
}

// RunManager is the single ingress for every mutation of run state. All
// result application is idempotent: the history ledger is consulted
// before any state changes, and the per-run lock serialises concurrent
// appliers.
type RunManager struct {
	definitions ports.DefinitionRegistry
	runs        ports.RunRepository
	history     ports.ExecutionHistory
	events      ports.EventManager
	tokens      ports.TokenIssuer
	logger      *slog.Logger

	retries      retryScheduler
	compensation compensationStarter
}

func NewRunManager(
	definitions ports.DefinitionRegistry,
	runs ports.RunRepository,
	history ports.ExecutionHistory,
	events ports.EventManager,
	tokens ports.TokenIssuer,
	logger *slog.Logger,
) *RunManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunManager{
		definitions: definitions,
		runs:        runs,
		history:     history,
		events:      events,
		tokens:      tokens,
		logger:      logger.With("component", "run-manager"),
	}
}

// bind wires the orchestrator-owned collaborators after construction;
// the manager and orchestrator reference each other.
func (m *RunManager) bind(retries retryScheduler, compensation compensationStarter) {
	m.retries = retries
	m.compensation = compensation
}

func (m *RunManager) CreateRun(ctx context.Context, tenantID, definitionID string, inputs map[string]interface{}) (*domain.WorkflowRun, error) {
	def, err := m.definitions.GetDefinition(ctx, definitionID, tenantID)
	if err != nil {
		return nil, err
	}

	resolved, err := def.ResolveInputs(inputs)
	if err != nil {
		return nil, err
	}

	run := domain.NewWorkflowRun(uuid.NewString(), tenantID, def.ID, resolved)
	if err := m.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	m.appendHistory(ctx, run.ID, domain.EventTypeRunCreated, "run created", map[string]interface{}{
		"definition_id": def.ID,
		"tenant_id":     tenantID,
	})

	m.logger.Info("run created",
		"run_id", run.ID,
		"definition_id", def.ID,
		"tenant_id", tenantID)
	return run, nil
}

func (m *RunManager) StartRun(ctx context.Context, runID string) error {
	err := m.runs.WithLock(ctx, runID, func(run *domain.WorkflowRun) error {
		return run.Start()
	})
	if err != nil {
		return err
	}

	m.appendHistory(ctx, runID, domain.EventTypeRunStarted, "run started", nil)
	m.publishRunUpdated(runID, domain.RunStatusRunning, "start")
	return nil
}

func (m *RunManager) SuspendRun(ctx context.Context, runID, reason, waitingNodeID string) error {
	err := m.runs.WithLock(ctx, runID, func(run *domain.WorkflowRun) error {
		return run.Suspend(reason, waitingNodeID)
	})
	if err != nil {
		return err
	}

	m.appendHistory(ctx, runID, domain.EventTypeRunSuspended, reason, map[string]interface{}{
		"waiting_node_id": waitingNodeID,
	})
	m.publishRunUpdated(runID, domain.RunStatusSuspended, "suspend")
	return nil
}

// ResumeRun re-enters RUNNING, merging the carried data into the run's
// variables so downstream guards and contexts observe it.
func (m *RunManager) ResumeRun(ctx context.Context, runID string, mergeData map[string]interface{}, humanTaskID string) error {
	err := m.runs.WithLock(ctx, runID, func(run *domain.WorkflowRun) error {
		waitingNodeID := run.WaitingNodeID
		if err := run.Resume(); err != nil {
			return err
		}
		if waitingNodeID != "" {
			if exec, ok := run.NodeExecutions[waitingNodeID]; ok && exec.Status == domain.NodeStatusWaitingSignal {
				exec.Status = domain.NodeStatusPending
			}
		}
		merged, err := MergeVariables(run.Variables, mergeData)
		if err != nil {
			return err
		}
		run.Variables = merged
		return nil
	})
	if err != nil {
		return err
	}

	m.appendHistory(ctx, runID, domain.EventTypeRunResumed, "run resumed", map[string]interface{}{
		"human_task_id": humanTaskID,
	})
	m.publishRunUpdated(runID, domain.RunStatusRunning, "resume")
	return nil
}

// CancelRun moves the run straight to CANCELLED. In-flight dispatched
// tasks are not aborted at the transport; their late results are detected
// against the terminal status and dropped.
func (m *RunManager) CancelRun(ctx context.Context, runID, reason string) error {
	err := m.runs.WithLock(ctx, runID, func(run *domain.WorkflowRun) error {
		return run.Cancel(reason)
	})
	if err != nil {
		return err
	}

	m.appendHistory(ctx, runID, domain.EventTypeRunCancelled, reason, nil)
	m.publishRunUpdated(runID, domain.RunStatusCancelled, "cancel")
	return nil
}

// Signal delivers a named signal to a run. A suspended run waiting on the
// target node resumes with the payload merged into its variables.
func (m *RunManager) Signal(ctx context.Context, runID, name, targetNodeID string, payload map[string]interface{}) error {
	m.appendHistory(ctx, runID, domain.EventTypeSignal, name, map[string]interface{}{
		"target_node_id": targetNodeID,
		"payload":        payload,
	})

	var resumed bool
	err := m.runs.WithLock(ctx, runID, func(run *domain.WorkflowRun) error {
		if run.Status != domain.RunStatusSuspended {
			return domain.NewConflictError("signal target run is not suspended", map[string]interface{}{
				"run_id": runID, "status": run.Status, "signal": name,
			})
		}
		if targetNodeID != "" && run.WaitingNodeID != "" && run.WaitingNodeID != targetNodeID {
			return domain.NewConflictError("run is waiting on a different node", map[string]interface{}{
				"run_id": runID, "waiting_node_id": run.WaitingNodeID, "target_node_id": targetNodeID,
			})
		}

		waitingNodeID := run.WaitingNodeID
		if err := run.Resume(); err != nil {
			return err
		}
		if waitingNodeID != "" {
			if exec, ok := run.NodeExecutions[waitingNodeID]; ok && exec.Status == domain.NodeStatusWaitingSignal {
				exec.Status = domain.NodeStatusPending
			}
		}
		merged, err := MergeVariables(run.Variables, payload)
		if err != nil {
			return err
		}
		run.Variables = merged
		resumed = true
		return nil
	})
	if err != nil {
		return err
	}

	if resumed {
		m.publishRunUpdated(runID, domain.RunStatusRunning, "signal:"+name)
	}
	return nil
}

// HandleNodeResult applies one executor result. It tolerates at-least-once
// delivery: the (run, node, attempt) triple is checked against the history
// ledger first and duplicates are dropped silently. Compensation results
// are routed to the saga walker and never mutate node executions.
func (m *RunManager) HandleNodeResult(ctx context.Context, result domain.NodeResult) error {
	// Compensation shares the node's attempt number with the execute
	// result it undoes, so its ledger entries live under a distinct key.
	dedupNodeID := result.NodeID
	if result.Kind == domain.TaskKindCompensate {
		dedupNodeID += "#compensation"
	}

	processed, err := m.history.IsNodeResultProcessed(ctx, result.RunID, dedupNodeID, result.Attempt)
	if err != nil {
		return err
	}
	if processed {
		m.logger.Debug("duplicate node result dropped",
			"run_id", result.RunID,
			"node_id", result.NodeID,
			"attempt", result.Attempt)
		return nil
	}

	if err := m.tokens.Verify(result.Token, result.RunID, result.NodeID, result.Attempt); err != nil {
		m.logger.Warn("node result rejected: invalid execution token",
			"run_id", result.RunID,
			"node_id", result.NodeID,
			"attempt", result.Attempt,
			"error", err)
		return err
	}

	if result.Kind == domain.TaskKindCompensate {
		return m.handleCompensationResult(ctx, result, dedupNodeID)
	}

	// The mark is an atomic test-and-set, so of any racing identical
	// deliveries exactly one proceeds past this point.
	already, err := m.history.MarkNodeResultProcessed(ctx, result.RunID, result.NodeID, result.Attempt)
	if err != nil {
		return err
	}
	if already {
		m.logger.Debug("duplicate node result dropped",
			"run_id", result.RunID,
			"node_id", result.NodeID,
			"attempt", result.Attempt)
		return nil
	}

	eventType := domain.EventTypeNodeCompleted
	message := "node completed"
	if !result.Success {
		eventType = domain.EventTypeNodeFailed
		message = result.ErrorMessage
	}
	m.appendHistory(ctx, result.RunID, eventType, message, map[string]interface{}{
		"node_id":    result.NodeID,
		"attempt":    result.Attempt,
		"error_code": result.ErrorCode,
	})

	if result.Success {
		return m.applyNodeSuccess(ctx, result)
	}
	return m.applyNodeFailure(ctx, result)
}

func (m *RunManager) applyNodeSuccess(ctx context.Context, result domain.NodeResult) error {
	err := m.runs.WithLock(ctx, result.RunID, func(run *domain.WorkflowRun) error {
		if run.Status.Terminal() {
			m.logger.Info("late node result dropped: run already terminal",
				"run_id", run.ID,
				"node_id", result.NodeID,
				"status", run.Status)
			return nil
		}
		if superseded(run, result) {
			m.logger.Info("superseded attempt result dropped",
				"run_id", run.ID,
				"node_id", result.NodeID,
				"attempt", result.Attempt)
			return nil
		}
		if err := run.CompleteNode(result.NodeID, result.Output); err != nil {
			return err
		}
		merged, err := MergeVariables(run.Variables, result.Output)
		if err != nil {
			return err
		}
		run.Variables = merged
		return nil
	})
	if err != nil {
		return err
	}

	m.publishRunUpdated(result.RunID, domain.RunStatusRunning, result.NodeID)
	return nil
}

// applyNodeFailure classifies the failure under the node's retry policy:
// retryable with attempts remaining schedules a backoff retry; otherwise
// the node fails, and a critical node failure takes the run down through
// compensation. Non-critical failures are tolerated: downstream nodes are
// skipped and the run continues.
func (m *RunManager) applyNodeFailure(ctx context.Context, result domain.NodeResult) error {
	run, err := m.runs.FindByID(ctx, result.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		m.logger.Info("late node failure dropped: run already terminal",
			"run_id", run.ID,
			"node_id", result.NodeID,
			"status", run.Status)
		return nil
	}
	if superseded(run, result) {
		m.logger.Info("superseded attempt failure dropped",
			"run_id", run.ID,
			"node_id", result.NodeID,
			"attempt", result.Attempt)
		return nil
	}

	def, err := m.definitions.GetDefinition(ctx, run.DefinitionID, run.TenantID)
	if err != nil {
		return err
	}
	node, ok := def.Node(result.NodeID)
	if !ok {
		return domain.NewNotFoundError("node", result.NodeID)
	}

	policy := def.RetryPolicyFor(result.NodeID)
	if policy != nil && policy.IsRetryable(result.ErrorCode, result.Attempt) {
		return m.scheduleRetry(ctx, result, policy)
	}

	err = m.runs.WithLock(ctx, result.RunID, func(run *domain.WorkflowRun) error {
		if run.Status.Terminal() {
			return nil
		}
		return run.FailNode(result.NodeID, result.ErrorMessage)
	})
	if err != nil {
		return err
	}

	if !node.Critical {
		m.logger.Warn("non-critical node failed, run continues",
			"run_id", result.RunID,
			"node_id", result.NodeID,
			"error_code", result.ErrorCode)
		m.publishRunUpdated(result.RunID, domain.RunStatusRunning, result.NodeID)
		return nil
	}

	reason := result.ErrorMessage
	if reason == "" {
		reason = "critical node failed: " + result.NodeID
	}

	if def.Compensation != nil && def.Compensation.Enabled && len(run.ExecutionPath) > 0 {
		m.logger.Info("critical node failed, starting compensation",
			"run_id", result.RunID,
			"node_id", result.NodeID,
			"strategy", def.Compensation.Strategy)
		m.compensation.StartCompensation(result.RunID, reason)
		return nil
	}

	return m.FailRun(ctx, result.RunID, reason, result.NodeID)
}

func (m *RunManager) scheduleRetry(ctx context.Context, result domain.NodeResult, policy *domain.RetryPolicy) error {
	err := m.runs.WithLock(ctx, result.RunID, func(run *domain.WorkflowRun) error {
		if run.Status.Terminal() {
			return nil
		}
		return run.MarkNodeWaitingRetry(result.NodeID, result.ErrorMessage)
	})
	if err != nil {
		return err
	}

	nextAttempt := result.Attempt + 1
	delay := policy.DelayFor(nextAttempt)

	m.appendHistory(ctx, result.RunID, domain.EventTypeNodeRetrying, result.ErrorMessage, map[string]interface{}{
		"node_id":      result.NodeID,
		"next_attempt": nextAttempt,
		"delay":        delay.String(),
		"error_code":   result.ErrorCode,
	})

	m.logger.Info("node retry scheduled",
		"run_id", result.RunID,
		"node_id", result.NodeID,
		"next_attempt", nextAttempt,
		"delay", delay)

	m.retries.ScheduleRetry(result.RunID, result.NodeID, nextAttempt, delay)
	return nil
}

func (m *RunManager) handleCompensationResult(ctx context.Context, result domain.NodeResult, dedupNodeID string) error {
	already, err := m.history.MarkNodeResultProcessed(ctx, result.RunID, dedupNodeID, result.Attempt)
	if err != nil {
		return err
	}
	if already {
		m.logger.Debug("duplicate compensation result dropped",
			"run_id", result.RunID,
			"node_id", result.NodeID,
			"attempt", result.Attempt)
		return nil
	}

	m.appendHistory(ctx, result.RunID, domain.EventTypeCompensation, result.ErrorMessage, map[string]interface{}{
		"node_id": result.NodeID,
		"success": result.Success,
	})

	if !m.compensation.ResolveCompensation(result) {
		m.logger.Debug("compensation result had no waiter",
			"run_id", result.RunID,
			"node_id", result.NodeID)
	}
	return nil
}

// CompleteRun finalises a run the planner judged complete.
func (m *RunManager) CompleteRun(ctx context.Context, runID string) error {
	var completed domain.RunCompletedEvent
	err := m.runs.WithLock(ctx, runID, func(run *domain.WorkflowRun) error {
		if run.Status.Terminal() {
			return nil
		}
		if err := run.Complete(); err != nil {
			return err
		}
		completed = domain.RunCompletedEvent{
			RunID:         run.ID,
			Variables:     run.Variables,
			ExecutionPath: run.CompletedNodes(),
			CompletedAt:   *run.CompletedAt,
		}
		if run.StartedAt != nil {
			completed.Duration = run.CompletedAt.Sub(*run.StartedAt)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if completed.RunID == "" {
		return nil
	}

	m.appendHistory(ctx, runID, domain.EventTypeRunCompleted, "run completed", nil)
	if err := m.events.PublishRunCompleted(completed); err != nil {
		m.logger.Error("failed to publish run completed", "run_id", runID, "error", err)
	}
	m.publishRunUpdated(runID, domain.RunStatusCompleted, "complete")

	m.logger.Info("run completed",
		"run_id", runID,
		"nodes_executed", len(completed.ExecutionPath),
		"duration", completed.Duration)
	return nil
}

// FailRun moves a run to terminal FAILED with a human-readable reason.
func (m *RunManager) FailRun(ctx context.Context, runID, reason, failedNode string) error {
	err := m.runs.WithLock(ctx, runID, func(run *domain.WorkflowRun) error {
		if run.Status.Terminal() {
			return nil
		}
		return run.Fail(reason)
	})
	if err != nil {
		return err
	}

	m.appendHistory(ctx, runID, domain.EventTypeRunFailed, reason, map[string]interface{}{
		"failed_node": failedNode,
	})
	if err := m.events.PublishRunFailed(domain.RunFailedEvent{
		RunID:      runID,
		Reason:     reason,
		FailedNode: failedNode,
		FailedAt:   time.Now(),
	}); err != nil {
		m.logger.Error("failed to publish run failed", "run_id", runID, "error", err)
	}
	m.publishRunUpdated(runID, domain.RunStatusFailed, "fail")

	m.logger.Info("run failed", "run_id", runID, "reason", reason, "failed_node", failedNode)
	return nil
}

// superseded reports whether the node has already moved past the attempt
// the result claims. An old attempt carries a token that verifies for its
// own attempt number, so staleness is judged against the current one.
func superseded(run *domain.WorkflowRun, result domain.NodeResult) bool {
	exec, ok := run.NodeExecutions[result.NodeID]
	return ok && result.Attempt < exec.Attempt
}

func (m *RunManager) appendHistory(ctx context.Context, runID string, eventType domain.EventType, message string, metadata map[string]interface{}) {
	if _, err := m.history.Append(ctx, runID, eventType, message, metadata); err != nil {
		m.logger.Error("failed to append history event",
			"run_id", runID,
			"event_type", eventType,
			"error", err)
	}
}

func (m *RunManager) publishRunUpdated(runID string, status domain.RunStatus, changedBy string) {
	err := m.events.PublishRunUpdated(domain.RunUpdatedEvent{
		RunID:     runID,
		Status:    status,
		UpdatedAt: time.Now(),
		ChangedBy: changedBy,
	})
	if err != nil {
		m.logger.Error("failed to publish run updated", "run_id", runID, "error", err)
	}
}
