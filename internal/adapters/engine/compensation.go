package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-io/cadenza/internal/domain"
	"github.com/cadenza-io/cadenza/internal/ports"
)

// DefaultCompensationTimeout bounds the saga walk when the policy does
// not set its own limit.
const DefaultCompensationTimeout = 5 * time.Minute

// Compensator performs the saga walk for a failing run: completed nodes
// are compensated in reverse execution order before the run is marked
// FAILED. Compensation tasks travel through the same dispatch path as
// execute tasks and report back as node results, which the run manager
// routes here via ResolveCompensation.
type Compensator struct {
	manager     *RunManager
	definitions ports.DefinitionRegistry
	runs        ports.RunRepository
	orch        *Orchestrator
	logger      *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan domain.NodeResult
}

func NewCompensator(
	manager *RunManager,
	definitions ports.DefinitionRegistry,
	runs ports.RunRepository,
	orch *Orchestrator,
	logger *slog.Logger,
) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{
		manager:     manager,
		definitions: definitions,
		runs:        runs,
		orch:        orch,
		logger:      logger.With("component", "compensator"),
		waiters:     make(map[string]chan domain.NodeResult),
	}
}

// StartCompensation kicks off the walk asynchronously; the caller is
// applying a node failure under other locks and must not wait for it.
func (c *Compensator) StartCompensation(runID, reason string) {
	c.orch.wg.Add(1)
	go func() {
		defer c.orch.wg.Done()
		c.walk(runID, reason)
	}()
}

func (c *Compensator) walk(runID, reason string) {
	run, err := c.runs.FindByID(c.orch.ctx, runID)
	if err != nil {
		c.logger.Error("compensation failed to load run", "run_id", runID, "error", err)
		return
	}
	def, err := c.definitions.GetDefinition(c.orch.ctx, run.DefinitionID, run.TenantID)
	if err != nil {
		c.logger.Error("compensation failed to load definition",
			"run_id", runID,
			"definition_id", run.DefinitionID,
			"error", err)
		return
	}

	policy := def.Compensation
	if policy == nil {
		policy = &domain.CompensationPolicy{Strategy: domain.CompensationSequential}
	}
	timeout := DefaultCompensationTimeout
	if policy.Timeout > 0 {
		timeout = policy.Timeout
	}
	ctx, cancel := context.WithTimeout(c.orch.ctx, timeout)
	defer cancel()

	path := make([]string, len(run.ExecutionPath))
	copy(path, run.ExecutionPath)

	c.logger.Info("compensation started",
		"run_id", runID,
		"nodes", len(path),
		"strategy", policy.Strategy,
		"timeout", timeout)

	var walkErr error
	if policy.Strategy == domain.CompensationParallel {
		walkErr = c.walkParallel(ctx, run, def, path)
	} else {
		walkErr = c.walkSequential(ctx, run, def, path, policy.FailOnError)
	}

	final := reason
	if walkErr != nil {
		final = reason + "; compensation failed: " + walkErr.Error()
	}

	// The walk may have outlived the orchestrator context; failing the
	// run must still go through.
	if err := c.manager.FailRun(context.Background(), runID, final, ""); err != nil {
		c.logger.Error("failed to fail run after compensation", "run_id", runID, "error", err)
	}
}

// walkSequential compensates in strict reverse execution order. With
// failOnError set the first failed compensation aborts the walk;
// otherwise failures are recorded and the walk continues.
func (c *Compensator) walkSequential(ctx context.Context, run *domain.WorkflowRun, def *domain.WorkflowDefinition, path []string, failOnError bool) error {
	var firstErr error
	for i := len(path) - 1; i >= 0; i-- {
		if err := c.compensateNode(ctx, run, def, path[i]); err != nil {
			c.logger.Error("node compensation failed",
				"run_id", run.ID,
				"node_id", path[i],
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			if failOnError {
				return firstErr
			}
		}
	}
	return firstErr
}

func (c *Compensator) walkParallel(ctx context.Context, run *domain.WorkflowRun, def *domain.WorkflowDefinition, path []string) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, nodeID := range path {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			if err := c.compensateNode(ctx, run, def, nodeID); err != nil {
				c.logger.Error("node compensation failed",
					"run_id", run.ID,
					"node_id", nodeID,
					"error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(nodeID)
	}
	wg.Wait()
	return firstErr
}

// compensateNode dispatches one compensation task and blocks until its
// result arrives or the walk deadline expires.
func (c *Compensator) compensateNode(ctx context.Context, run *domain.WorkflowRun, def *domain.WorkflowDefinition, nodeID string) error {
	node, ok := def.Node(nodeID)
	if !ok {
		c.logger.Warn("compensation target missing from definition",
			"run_id", run.ID,
			"node_id", nodeID)
		return nil
	}

	attempt := 1
	if exec, ok := run.NodeExecutions[nodeID]; ok && exec.Attempt > 0 {
		attempt = exec.Attempt
	}

	key := domain.IdempotencyKey(run.ID, nodeID, attempt) + ":compensation"
	ch := make(chan domain.NodeResult, 1)

	c.mu.Lock()
	c.waiters[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
	}()

	variables := make(map[string]interface{}, len(run.Variables))
	for k, v := range run.Variables {
		variables[k] = v
	}

	c.orch.sendTask(run.ID, def, *node, attempt, variables, domain.TaskKindCompensate)

	select {
	case <-ctx.Done():
		return domain.NewExecutionError("compensation timed out", map[string]interface{}{
			"run_id":  run.ID,
			"node_id": nodeID,
		})
	case result := <-ch:
		if !result.Success {
			return domain.NewExecutionError("compensation task failed", map[string]interface{}{
				"run_id":        run.ID,
				"node_id":       nodeID,
				"error_code":    result.ErrorCode,
				"error_message": result.ErrorMessage,
			})
		}
		c.logger.Debug("node compensated", "run_id", run.ID, "node_id", nodeID)
		return nil
	}
}

// ResolveCompensation hands an inbound compensation result to the waiter
// blocked in compensateNode. It reports whether a waiter existed; a
// missing waiter means a duplicate or a result arriving after the walk
// deadline.
func (c *Compensator) ResolveCompensation(result domain.NodeResult) bool {
	key := domain.IdempotencyKey(result.RunID, result.NodeID, result.Attempt) + ":compensation"

	c.mu.Lock()
	ch, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- result
	return true
}
