package memory

import (
	"context"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// RunRepository keeps run aggregates in memory. Each run has its own
// mutex so concurrent fan-out on different runs never contends; WithLock
// holds the run's mutex only for the load→mutate→persist window.
type RunRepository struct {
	mu     sync.RWMutex
	runs   map[string][]byte
	locks  map[string]*sync.Mutex
	logger *slog.Logger
}

func NewRunRepository(logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRepository{
		runs:   make(map[string][]byte),
		locks:  make(map[string]*sync.Mutex),
		logger: logger.With("component", "run-repository", "adapter", "memory"),
	}
}

func (r *RunRepository) Create(ctx context.Context, run *domain.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return domain.NewConflictError("run already exists", map[string]interface{}{"run_id": run.ID})
	}

	data, err := json.Marshal(run)
	if err != nil {
		return domain.NewInternalError("failed to serialize run", err)
	}
	r.runs[run.ID] = data
	r.locks[run.ID] = &sync.Mutex{}

	r.logger.Debug("run created", "run_id", run.ID, "tenant_id", run.TenantID)
	return nil
}

func (r *RunRepository) FindByID(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	r.mu.RLock()
	data, exists := r.runs[id]
	r.mu.RUnlock()

	if !exists {
		return nil, domain.NewNotFoundError("run", id)
	}

	var run domain.WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, domain.NewInternalError("failed to deserialize run", err)
	}
	return &run, nil
}

func (r *RunRepository) Update(ctx context.Context, run *domain.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return domain.NewInternalError("failed to serialize run", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; !exists {
		return domain.NewNotFoundError("run", run.ID)
	}
	r.runs[run.ID] = data
	return nil
}

// WithLock serialises all mutations of one run. The callback receives a
// fresh copy of the aggregate; the mutated copy is persisted before the
// lock is released.
func (r *RunRepository) WithLock(ctx context.Context, id string, fn func(run *domain.WorkflowRun) error) error {
	r.mu.RLock()
	lock, exists := r.locks[id]
	r.mu.RUnlock()

	if !exists {
		return domain.NewNotFoundError("run", id)
	}

	lock.Lock()
	defer lock.Unlock()

	select {
	case <-ctx.Done():
		return domain.Error{
			Type:    domain.ErrorTypeConflict,
			Message: "run lock wait cancelled",
			Details: map[string]interface{}{"run_id": id},
			Err:     domain.ErrLockContention,
		}
	default:
	}

	run, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if err := fn(run); err != nil {
		return err
	}

	return r.Update(ctx, run)
}
