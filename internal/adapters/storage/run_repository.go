package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// RunRepository persists run aggregates in badger. The per-run locks are
// process-local: a single engine instance owns its database, so mutual
// exclusion between appliers does not need to live in storage.
type RunRepository struct {
	db     *badger.DB
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRunRepository(db *badger.DB, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRepository{
		db:     db,
		logger: logger.With("component", "run-repository", "adapter", "badger"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *RunRepository) Create(ctx context.Context, run *domain.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return domain.NewInternalError("failed to serialize run", err)
	}

	key := runKey(run.ID)
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return domain.NewConflictError("run already exists", map[string]interface{}{"run_id": run.ID})
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}

	r.logger.Debug("run created", "run_id", run.ID, "tenant_id", run.TenantID)
	return nil
}

func (r *RunRepository) FindByID(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	var data []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.NewNotFoundError("run", id)
			}
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
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

	key := runKey(run.ID)
	return r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.NewNotFoundError("run", run.ID)
			}
			return err
		}
		return txn.Set(key, data)
	})
}

// WithLock serialises all mutations of one run. The callback receives a
// freshly loaded aggregate; the mutated copy is persisted before the
// lock is released.
func (r *RunRepository) WithLock(ctx context.Context, id string, fn func(run *domain.WorkflowRun) error) error {
	r.mu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.mu.Unlock()

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
