package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/cadenza-io/cadenza/internal/domain"
	"github.com/cadenza-io/cadenza/internal/ports"
)

// Aggregator fans a dispatch call out to the first registered dispatcher
// that supports the target executor's communication type. Dispatchers are
// injected explicitly at construction; the priority sort happens once,
// lazily, and higher priority wins. No silent fallback: if nothing
// matches, the call fails with ErrNoDispatcher.
type Aggregator struct {
	dispatchers []ports.TaskDispatcher
	sortOnce    sync.Once
	logger      *slog.Logger
}

func NewAggregator(dispatchers []ports.TaskDispatcher, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		dispatchers: dispatchers,
		logger:      logger.With("component", "dispatch-aggregator"),
	}
}

func (a *Aggregator) sorted() []ports.TaskDispatcher {
	a.sortOnce.Do(func() {
		sort.SliceStable(a.dispatchers, func(i, j int) bool {
			return a.dispatchers[i].Priority() > a.dispatchers[j].Priority()
		})
		a.logger.Debug("dispatchers initialized", "count", len(a.dispatchers))
	})
	return a.dispatchers
}

func (a *Aggregator) Dispatch(ctx context.Context, task domain.TaskEnvelope, executor domain.ExecutorInfo) error {
	for _, dispatcher := range a.sorted() {
		if !dispatcher.Supports(executor) {
			continue
		}
		if !dispatcher.IsHealthy() {
			a.logger.Warn("skipping unhealthy dispatcher",
				"communication", dispatcher.CommunicationType(),
				"executor_id", executor.ID)
			continue
		}

		a.logger.Debug("dispatching task",
			"run_id", task.RunID,
			"node_id", task.NodeID,
			"attempt", task.Attempt,
			"kind", task.Kind,
			"executor_id", executor.ID,
			"communication", dispatcher.CommunicationType())
		return dispatcher.Dispatch(ctx, task, executor)
	}

	return domain.NewDispatchError("no suitable dispatcher for executor", domain.ErrNoDispatcher, map[string]interface{}{
		"executor_id":   executor.ID,
		"communication": executor.Communication,
	})
}
