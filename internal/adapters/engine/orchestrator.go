package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-io/cadenza/internal/domain"
	"github.com/cadenza-io/cadenza/internal/ports"
)

type taskSender interface {
	Dispatch(ctx context.Context, task domain.TaskEnvelope, executor domain.ExecutorInfo) error
}

type envelopeSigner interface {
	Sign(task domain.TaskEnvelope) string
}

// Orchestrator is the drive loop: it reacts to run-updated and
// node-result events, replans, selects executors, and dispatches ready
// nodes. It never blocks on network I/O while a run lock is held; locks
// cover only the claim (load, mark running, persist) and the actual send
// happens after release.
type Orchestrator struct {
	manager     *RunManager
	planner     *Planner
	definitions ports.DefinitionRegistry
	runs        ports.RunRepository
	registry    ports.ExecutorRegistry
	sender      taskSender
	tokens      ports.TokenIssuer
	signer      envelopeSigner
	events      ports.EventManager
	compensator *Compensator
	logger      *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	replans  sync.Map
	inflight sync.Map
}

func NewOrchestrator(
	manager *RunManager,
	planner *Planner,
	definitions ports.DefinitionRegistry,
	runs ports.RunRepository,
	registry ports.ExecutorRegistry,
	sender taskSender,
	tokens ports.TokenIssuer,
	signer envelopeSigner,
	events ports.EventManager,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		manager:     manager,
		planner:     planner,
		definitions: definitions,
		runs:        runs,
		registry:    registry,
		sender:      sender,
		tokens:      tokens,
		signer:      signer,
		events:      events,
		logger:      logger.With("component", "orchestrator"),
	}
	o.compensator = NewCompensator(manager, definitions, runs, o, logger)
	manager.bind(o, o.compensator)
	return o
}

func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	if err := o.events.OnRunUpdated(o.onRunUpdated); err != nil {
		return err
	}
	if err := o.events.OnNodeResult(o.onNodeResult); err != nil {
		return err
	}

	o.logger.Debug("orchestrator started")
	return nil
}

func (o *Orchestrator) Stop() error {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Debug("orchestrator stopped")
	return nil
}

func (o *Orchestrator) onRunUpdated(event *domain.RunUpdatedEvent) {
	if event.Status.Terminal() {
		return
	}
	runID := event.RunID

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.replan(runID)
	}()
}

func (o *Orchestrator) onNodeResult(event *domain.NodeResultEvent) {
	result := event.Result

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if err := o.manager.HandleNodeResult(o.ctx, result); err != nil {
			o.logger.Error("failed to handle node result",
				"run_id", result.RunID,
				"node_id", result.NodeID,
				"attempt", result.Attempt,
				"error", err)
		}
		o.releaseInflight(result.RunID, result.NodeID, result.Attempt)
	}()
}

// replan collapses concurrent triggers for the same run: one planning
// pass runs at a time, and triggers arriving meanwhile set a dirty flag
// that reruns the pass once the current one finishes.
func (o *Orchestrator) replan(runID string) {
	state, loaded := o.replans.LoadOrStore(runID, &replanState{})
	rs := state.(*replanState)

	rs.mu.Lock()
	if loaded && rs.active {
		rs.dirty = true
		rs.mu.Unlock()
		return
	}
	rs.active = true
	rs.mu.Unlock()

	for {
		o.replanOnce(runID)

		rs.mu.Lock()
		if !rs.dirty {
			rs.active = false
			rs.mu.Unlock()
			return
		}
		rs.dirty = false
		rs.mu.Unlock()
	}
}

type replanState struct {
	mu     sync.Mutex
	active bool
	dirty  bool
}

func (o *Orchestrator) replanOnce(runID string) {
	run, err := o.runs.FindByID(o.ctx, runID)
	if err != nil {
		o.logger.Error("replan failed to load run", "run_id", runID, "error", err)
		return
	}
	if run.Status != domain.RunStatusRunning {
		return
	}

	def, err := o.definitions.GetDefinition(o.ctx, run.DefinitionID, run.TenantID)
	if err != nil {
		o.logger.Error("replan failed to load definition",
			"run_id", runID,
			"definition_id", run.DefinitionID,
			"error", err)
		return
	}

	plan := o.planner.Plan(run, def)

	if plan.Complete {
		if err := o.manager.CompleteRun(o.ctx, runID); err != nil {
			o.logger.Error("failed to complete run", "run_id", runID, "error", err)
		}
		return
	}

	if len(plan.ReadyNodes) == 0 {
		return
	}

	o.logger.Debug("dispatching ready nodes",
		"run_id", runID,
		"ready_count", len(plan.ReadyNodes))

	// Combine-all: the cycle returns only after every dispatch for this
	// pass has been issued. Completions arrive independently.
	var cycle sync.WaitGroup
	for _, node := range plan.ReadyNodes {
		cycle.Add(1)
		go func(node domain.NodeDefinition) {
			defer cycle.Done()
			o.dispatchNode(runID, def, node, domain.NodeStatusPending)
		}(node)
	}
	cycle.Wait()
}

// dispatchNode claims a node (under the run lock), then selects an
// executor and sends the task outside the lock. expectStatus guards
// against double dispatch from overlapping planning cycles.
func (o *Orchestrator) dispatchNode(runID string, def *domain.WorkflowDefinition, node domain.NodeDefinition, expectStatus domain.NodeStatus) {
	var attempt int
	var variables map[string]interface{}
	claimed := false

	err := o.runs.WithLock(o.ctx, runID, func(run *domain.WorkflowRun) error {
		if run.Status != domain.RunStatusRunning {
			return nil
		}
		status := nodeStatus(run, node.ID)
		if status != expectStatus {
			return nil
		}
		attempt = run.Execution(node.ID).Attempt + 1
		if err := run.MarkNodeRunning(node.ID, attempt); err != nil {
			return err
		}
		variables = make(map[string]interface{}, len(run.Variables))
		for k, v := range run.Variables {
			variables[k] = v
		}
		claimed = true
		return nil
	})
	if err != nil {
		o.logger.Error("failed to claim node for dispatch",
			"run_id", runID,
			"node_id", node.ID,
			"error", err)
		return
	}
	if !claimed {
		return
	}

	o.sendTask(runID, def, node, attempt, variables, domain.TaskKindExecute)
}

func (o *Orchestrator) sendTask(runID string, def *domain.WorkflowDefinition, node domain.NodeDefinition, attempt int, variables map[string]interface{}, kind domain.TaskKind) {
	token, err := o.tokens.Mint(runID, node.ID, attempt)
	if err != nil {
		o.logger.Error("failed to mint execution token",
			"run_id", runID,
			"node_id", node.ID,
			"error", err)
		o.failDispatch(runID, node.ID, attempt, "", kind, err)
		return
	}

	taskContext, err := MergeVariables(variables, node.Config)
	if err != nil {
		o.failDispatch(runID, node.ID, attempt, token.Value, kind, err)
		return
	}

	task := domain.TaskEnvelope{
		RunID:          runID,
		NodeID:         node.ID,
		NodeType:       node.Type,
		Kind:           kind,
		Attempt:        attempt,
		Token:          token.Value,
		Context:        taskContext,
		IdempotencyKey: domain.IdempotencyKey(runID, node.ID, attempt),
		Timeout:        node.Timeout,
	}
	if kind == domain.TaskKindCompensate {
		task.IdempotencyKey += ":compensation"
	}
	task.Signature = o.signer.Sign(task)

	executor, err := o.registry.ExecutorForNode(node)
	if err != nil {
		o.failDispatch(runID, node.ID, attempt, token.Value, kind, err)
		return
	}
	o.inflight.Store(domain.IdempotencyKey(runID, node.ID, attempt), executor.ID)

	if err := o.sender.Dispatch(o.ctx, task, executor); err != nil {
		o.logger.Warn("dispatch failed, routing through node failure path",
			"run_id", runID,
			"node_id", node.ID,
			"attempt", attempt,
			"executor_id", executor.ID,
			"error", err)
		o.releaseInflight(runID, node.ID, attempt)
		o.failDispatch(runID, node.ID, attempt, token.Value, kind, err)
		return
	}

	o.logger.Debug("task dispatched",
		"run_id", runID,
		"node_id", node.ID,
		"attempt", attempt,
		"kind", kind,
		"executor_id", executor.ID)
}

// failDispatch feeds a dispatch failure into the regular result path, so
// the node's retry policy governs it like any execution error. For a
// compensation task the synthesized failure resolves the saga waiter.
func (o *Orchestrator) failDispatch(runID, nodeID string, attempt int, token string, kind domain.TaskKind, cause error) {
	result := domain.NodeResult{
		RunID:        runID,
		NodeID:       nodeID,
		Attempt:      attempt,
		Token:        token,
		Kind:         kind,
		Success:      false,
		ErrorCode:    "DISPATCH_ERROR",
		ErrorMessage: cause.Error(),
		ReportedAt:   time.Now(),
	}
	if err := o.manager.HandleNodeResult(o.ctx, result); err != nil && !domain.IsTokenError(err) {
		o.logger.Error("failed to apply dispatch failure",
			"run_id", runID,
			"node_id", nodeID,
			"error", err)
	}
}

// ScheduleRetry arms a timer for the node's next attempt. The claim
// re-checks that the node is still waiting on a retry, so a cancellation
// or suspension landing during the delay wins.
func (o *Orchestrator) ScheduleRetry(runID, nodeID string, attempt int, delay time.Duration) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-o.ctx.Done():
			return
		case <-timer.C:
		}

		run, err := o.runs.FindByID(o.ctx, runID)
		if err != nil {
			o.logger.Error("retry failed to load run", "run_id", runID, "error", err)
			return
		}
		def, err := o.definitions.GetDefinition(o.ctx, run.DefinitionID, run.TenantID)
		if err != nil {
			o.logger.Error("retry failed to load definition", "run_id", runID, "error", err)
			return
		}
		node, ok := def.Node(nodeID)
		if !ok {
			o.logger.Error("retry target node missing from definition",
				"run_id", runID,
				"node_id", nodeID)
			return
		}

		claimed := false
		var variables map[string]interface{}
		err = o.runs.WithLock(o.ctx, runID, func(run *domain.WorkflowRun) error {
			if run.Status != domain.RunStatusRunning {
				return nil
			}
			if nodeStatus(run, nodeID) != domain.NodeStatusWaitingRetry {
				return nil
			}
			if err := run.MarkNodeRunning(nodeID, attempt); err != nil {
				return err
			}
			variables = make(map[string]interface{}, len(run.Variables))
			for k, v := range run.Variables {
				variables[k] = v
			}
			claimed = true
			return nil
		})
		if err != nil {
			o.logger.Error("failed to claim node for retry",
				"run_id", runID,
				"node_id", nodeID,
				"error", err)
			return
		}
		if !claimed {
			return
		}

		o.logger.Info("retrying node",
			"run_id", runID,
			"node_id", nodeID,
			"attempt", attempt)
		o.sendTask(runID, def, *node, attempt, variables, domain.TaskKindExecute)
	}()
}

func (o *Orchestrator) releaseInflight(runID, nodeID string, attempt int) {
	key := domain.IdempotencyKey(runID, nodeID, attempt)
	if executorID, ok := o.inflight.LoadAndDelete(key); ok {
		o.registry.ReleaseExecutor(executorID.(string))
	}
}
