package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// DefinitionRegistry is an in-memory store of validated definitions keyed
// by (tenant, id). Register runs full DAG validation; a definition that
// makes it in never needs re-validation on the execution path.
type DefinitionRegistry struct {
	mu          sync.RWMutex
	definitions map[string]*domain.WorkflowDefinition
	logger      *slog.Logger
}

func NewDefinitionRegistry(logger *slog.Logger) *DefinitionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefinitionRegistry{
		definitions: make(map[string]*domain.WorkflowDefinition),
		logger:      logger.With("component", "definition-registry", "adapter", "memory"),
	}
}

func definitionKey(tenantID, id string) string {
	return fmt.Sprintf("%s/%s", tenantID, id)
}

func (r *DefinitionRegistry) Register(ctx context.Context, def *domain.WorkflowDefinition) error {
	if def == nil {
		return domain.NewValidationError("definition cannot be nil", nil)
	}
	if err := def.Validate(); err != nil {
		r.logger.Debug("definition rejected",
			"definition_id", def.ID,
			"tenant_id", def.TenantID,
			"error", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[definitionKey(def.TenantID, def.ID)] = def

	r.logger.Debug("definition registered",
		"definition_id", def.ID,
		"tenant_id", def.TenantID,
		"version", def.Version,
		"nodes", len(def.Nodes))
	return nil
}

func (r *DefinitionRegistry) GetDefinition(ctx context.Context, id, tenantID string) (*domain.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.definitions[definitionKey(tenantID, id)]
	if !exists {
		return nil, domain.NewNotFoundError("definition", id)
	}
	return def, nil
}
