package registry

import (
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// RoundRobinStrategy cycles over the candidate list with a shared atomic
// cursor. Candidates arrive sorted by id, so consecutive selections over a
// stable healthy set walk the ring in order.
type RoundRobinStrategy struct {
	counter uint64
	logger  *slog.Logger
}

func NewRoundRobinStrategy(logger *slog.Logger) *RoundRobinStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoundRobinStrategy{logger: logger.With("strategy", "round_robin")}
}

func (rr *RoundRobinStrategy) Name() string { return "round_robin" }

func (rr *RoundRobinStrategy) Select(executors []domain.ExecutorInfo, node domain.NodeDefinition) (domain.ExecutorInfo, error) {
	if len(executors) == 0 {
		return domain.ExecutorInfo{}, domain.ErrNoHealthyExecutors
	}

	index := (atomic.AddUint64(&rr.counter, 1) - 1) % uint64(len(executors))
	selected := executors[index]

	rr.logger.Debug("round robin selection",
		"selected_executor", selected.ID,
		"node_id", node.ID,
		"index", index)
	return selected, nil
}

func (rr *RoundRobinStrategy) Release(executorID string) {}

// RandomStrategy picks uniformly among candidates.
type RandomStrategy struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger *slog.Logger
}

func NewRandomStrategy(seed int64, logger *slog.Logger) *RandomStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &RandomStrategy{
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger.With("strategy", "random"),
	}
}

func (rs *RandomStrategy) Name() string { return "random" }

func (rs *RandomStrategy) Select(executors []domain.ExecutorInfo, node domain.NodeDefinition) (domain.ExecutorInfo, error) {
	if len(executors) == 0 {
		return domain.ExecutorInfo{}, domain.ErrNoHealthyExecutors
	}

	rs.mu.Lock()
	index := rs.rng.Intn(len(executors))
	rs.mu.Unlock()

	return executors[index], nil
}

func (rs *RandomStrategy) Release(executorID string) {}

// LeastLoadStrategy tracks an in-flight counter per executor, picks the
// minimum, and increments it on selection. Release decrements when the
// dispatched task completes.
type LeastLoadStrategy struct {
	mu       sync.Mutex
	inFlight map[string]int
	logger   *slog.Logger
}

func NewLeastLoadStrategy(logger *slog.Logger) *LeastLoadStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeastLoadStrategy{
		inFlight: make(map[string]int),
		logger:   logger.With("strategy", "least_load"),
	}
}

func (ll *LeastLoadStrategy) Name() string { return "least_load" }

func (ll *LeastLoadStrategy) Select(executors []domain.ExecutorInfo, node domain.NodeDefinition) (domain.ExecutorInfo, error) {
	if len(executors) == 0 {
		return domain.ExecutorInfo{}, domain.ErrNoHealthyExecutors
	}

	ll.mu.Lock()
	defer ll.mu.Unlock()

	selected := executors[0]
	minLoad := ll.inFlight[selected.ID]
	for _, candidate := range executors[1:] {
		if load := ll.inFlight[candidate.ID]; load < minLoad {
			selected = candidate
			minLoad = load
		}
	}
	ll.inFlight[selected.ID]++

	ll.logger.Debug("least load selection",
		"selected_executor", selected.ID,
		"node_id", node.ID,
		"in_flight", ll.inFlight[selected.ID])
	return selected, nil
}

func (ll *LeastLoadStrategy) Release(executorID string) {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	if ll.inFlight[executorID] > 0 {
		ll.inFlight[executorID]--
	}
}

// Load reports the current in-flight count for an executor.
func (ll *LeastLoadStrategy) Load(executorID string) int {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return ll.inFlight[executorID]
}
