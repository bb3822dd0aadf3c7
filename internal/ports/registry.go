package ports

import (
	"context"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// ExecutorRegistry tracks known executors and their heartbeat freshness.
// An executor is healthy iff its last heartbeat is within the staleness
// threshold.
type ExecutorRegistry interface {
	RegisterExecutor(ctx context.Context, info domain.ExecutorInfo) error
	DeregisterExecutor(ctx context.Context, executorID string) error
	Heartbeat(ctx context.Context, executorID string) error
	GetExecutor(executorID string) (domain.ExecutorInfo, bool)
	HealthyExecutors() []domain.ExecutorInfo
	ExecutorForNode(node domain.NodeDefinition) (domain.ExecutorInfo, error)
	ReleaseExecutor(executorID string)
}

// SelectionStrategy picks one executor from an already health-filtered
// list. Implementations share cursors/counters across concurrent planning
// cycles and must synchronise internally.
type SelectionStrategy interface {
	Name() string
	Select(executors []domain.ExecutorInfo, node domain.NodeDefinition) (domain.ExecutorInfo, error)
	Release(executorID string)
}
