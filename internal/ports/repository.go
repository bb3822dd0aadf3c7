package ports

import (
	"context"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// DefinitionRegistry stores validated workflow definitions. Read-only to
// the execution core; registration validates once, up front.
type DefinitionRegistry interface {
	Register(ctx context.Context, def *domain.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id, tenantID string) (*domain.WorkflowDefinition, error)
}

// RunRepository is the only mutation surface for run aggregates. WithLock
// serialises all mutations of one run: the callback runs with the per-run
// lock held and must confine itself to loading, mutating, and persisting
// the run; outbound I/O happens after release.
type RunRepository interface {
	Create(ctx context.Context, run *domain.WorkflowRun) error
	FindByID(ctx context.Context, id string) (*domain.WorkflowRun, error)
	Update(ctx context.Context, run *domain.WorkflowRun) error
	WithLock(ctx context.Context, id string, fn func(run *domain.WorkflowRun) error) error
}

// ExecutionHistory is the append-only per-run event log and the
// idempotency ledger for result application. MarkNodeResultProcessed is
// an atomic test-and-set: it reports whether the triple was already
// marked, so concurrent identical deliveries resolve to exactly one
// applier.
type ExecutionHistory interface {
	Append(ctx context.Context, runID string, eventType domain.EventType, message string, metadata map[string]interface{}) (*domain.ExecutionEvent, error)
	IsNodeResultProcessed(ctx context.Context, runID, nodeID string, attempt int) (bool, error)
	MarkNodeResultProcessed(ctx context.Context, runID, nodeID string, attempt int) (bool, error)
	Load(ctx context.Context, runID string) ([]domain.ExecutionEvent, error)
}
