package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// ExecutorFunc is an embedded executor: it performs the work for a task
// envelope and returns the node result to report.
type ExecutorFunc func(ctx context.Context, task domain.TaskEnvelope) domain.NodeResult

// InProcessDispatcher runs executors embedded in the orchestrator
// process. Handlers are keyed by executor id; results are reported
// through the injected sink, the same ingress every remote transport
// uses, so at-least-once and dedup semantics stay identical.
type InProcessDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ExecutorFunc
	sink     func(result domain.NodeResult)
	priority int
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewInProcessDispatcher(priority int, sink func(result domain.NodeResult), logger *slog.Logger) *InProcessDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessDispatcher{
		handlers: make(map[string]ExecutorFunc),
		sink:     sink,
		priority: priority,
		logger:   logger.With("component", "dispatcher", "adapter", "inprocess"),
	}
}

func (d *InProcessDispatcher) RegisterHandler(executorID string, fn ExecutorFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[executorID] = fn
}

func (d *InProcessDispatcher) CommunicationType() domain.CommunicationType {
	return domain.CommunicationInProcess
}

func (d *InProcessDispatcher) Supports(executor domain.ExecutorInfo) bool {
	return executor.Communication == domain.CommunicationInProcess
}

func (d *InProcessDispatcher) Priority() int { return d.priority }

func (d *InProcessDispatcher) IsHealthy() bool { return true }

func (d *InProcessDispatcher) Dispatch(ctx context.Context, task domain.TaskEnvelope, executor domain.ExecutorInfo) error {
	d.mu.RLock()
	handler, ok := d.handlers[executor.ID]
	d.mu.RUnlock()

	if !ok {
		return domain.NewDispatchError("no in-process handler for executor", nil, map[string]interface{}{
			"executor_id": executor.ID,
		})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		result := handler(ctx, task)
		d.logger.Debug("in-process execution finished",
			"run_id", task.RunID,
			"node_id", task.NodeID,
			"attempt", task.Attempt,
			"success", result.Success)
		d.sink(result)
	}()

	return nil
}

// Wait blocks until all in-flight handler goroutines finish. Test helper.
func (d *InProcessDispatcher) Wait() {
	d.wg.Wait()
}
