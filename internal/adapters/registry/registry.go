package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cadenza-io/cadenza/internal/domain"
	"github.com/cadenza-io/cadenza/internal/ports"
)

const (
	DefaultHealthThreshold = 30 * time.Second
	DefaultSweepInterval   = 10 * time.Second
)

// Adapter tracks known executors and their heartbeat freshness. Health is
// purely heartbeat-derived: an executor is healthy iff its last heartbeat
// is within the threshold. A background sweep logs executors going stale;
// staleness itself is computed at read time, so selection is correct even
// between sweeps.
type Adapter struct {
	mu         sync.RWMutex
	executors  map[string]domain.ExecutorInfo
	heartbeats map[string]time.Time
	strategy   ports.SelectionStrategy
	threshold  time.Duration
	sweep      time.Duration
	logger     *slog.Logger
	clock      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Adapter)

func WithHealthThreshold(d time.Duration) Option {
	return func(a *Adapter) { a.threshold = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(a *Adapter) { a.sweep = d }
}

func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) { a.clock = clock }
}

func NewAdapter(strategy ports.SelectionStrategy, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		executors:  make(map[string]domain.ExecutorInfo),
		heartbeats: make(map[string]time.Time),
		strategy:   strategy,
		threshold:  DefaultHealthThreshold,
		sweep:      DefaultSweepInterval,
		logger:     logger.With("component", "executor-registry"),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.monitorHealth(ctx)
	a.logger.Debug("executor registry started",
		"health_threshold", a.threshold,
		"sweep_interval", a.sweep)
	return nil
}

func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) monitorHealth(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.logStale()
		}
	}
}

func (a *Adapter) logStale() {
	now := a.clock()

	a.mu.RLock()
	defer a.mu.RUnlock()

	for id, last := range a.heartbeats {
		if now.Sub(last) > a.threshold {
			a.logger.Warn("executor heartbeat stale",
				"executor_id", id,
				"last_heartbeat", last,
				"staleness", now.Sub(last))
		}
	}
}

func (a *Adapter) RegisterExecutor(ctx context.Context, info domain.ExecutorInfo) error {
	if info.ID == "" {
		return domain.NewValidationError("executor id cannot be empty", nil)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.executors[info.ID] = info
	a.heartbeats[info.ID] = a.clock()

	a.logger.Debug("executor registered",
		"executor_id", info.ID,
		"type", info.Type,
		"communication", info.Communication,
		"total_executors", len(a.executors))
	return nil
}

func (a *Adapter) DeregisterExecutor(ctx context.Context, executorID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.executors[executorID]; !exists {
		return domain.NewNotFoundError("executor", executorID)
	}
	delete(a.executors, executorID)
	delete(a.heartbeats, executorID)

	a.logger.Debug("executor deregistered", "executor_id", executorID)
	return nil
}

func (a *Adapter) Heartbeat(ctx context.Context, executorID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.executors[executorID]; !exists {
		return domain.NewNotFoundError("executor", executorID)
	}
	a.heartbeats[executorID] = a.clock()
	return nil
}

func (a *Adapter) GetExecutor(executorID string) (domain.ExecutorInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	info, exists := a.executors[executorID]
	return info, exists
}

func (a *Adapter) HealthyExecutors() []domain.ExecutorInfo {
	now := a.clock()

	a.mu.RLock()
	defer a.mu.RUnlock()

	healthy := make([]domain.ExecutorInfo, 0, len(a.executors))
	for id, info := range a.executors {
		if now.Sub(a.heartbeats[id]) <= a.threshold {
			healthy = append(healthy, info)
		}
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].ID < healthy[j].ID })
	return healthy
}

func (a *Adapter) HealthInfo() []domain.ExecutorHealthInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	infos := make([]domain.ExecutorHealthInfo, 0, len(a.heartbeats))
	for id, last := range a.heartbeats {
		infos = append(infos, domain.ExecutorHealthInfo{ExecutorID: id, LastHeartbeat: last})
	}
	return infos
}

// ExecutorForNode filters to healthy executors matching the node's
// executor type and delegates the pick to the selection strategy.
func (a *Adapter) ExecutorForNode(node domain.NodeDefinition) (domain.ExecutorInfo, error) {
	healthy := a.HealthyExecutors()

	candidates := healthy[:0:0]
	for _, info := range healthy {
		if node.ExecutorType == "" || info.Type == node.ExecutorType {
			candidates = append(candidates, info)
		}
	}

	if len(candidates) == 0 {
		return domain.ExecutorInfo{}, domain.NewDispatchError("no healthy executors for node", domain.ErrNoHealthyExecutors, map[string]interface{}{
			"node_id":       node.ID,
			"executor_type": node.ExecutorType,
		})
	}

	selected, err := a.strategy.Select(candidates, node)
	if err != nil {
		return domain.ExecutorInfo{}, err
	}

	a.logger.Debug("executor selected",
		"node_id", node.ID,
		"executor_id", selected.ID,
		"strategy", a.strategy.Name(),
		"candidates", len(candidates))
	return selected, nil
}

// ReleaseExecutor notifies the strategy that an in-flight task finished,
// so load-based strategies can decrement their counters.
func (a *Adapter) ReleaseExecutor(executorID string) {
	a.strategy.Release(executorID)
}
