package definition

import (
	"context"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cadenza-io/cadenza/internal/domain"
	"github.com/cadenza-io/cadenza/internal/ports"
)

// Loader parses workflow definitions from YAML documents and registers
// them. Parsing and validation both happen here, once, so the execution
// core only ever sees definitions that already passed.
type Loader struct {
	registry ports.DefinitionRegistry
	logger   *slog.Logger
}

func NewLoader(registry ports.DefinitionRegistry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry: registry,
		logger:   logger.With("component", "definition-loader"),
	}
}

// definitionDoc is the YAML shape. Durations are strings in Go duration
// syntax ("30s", "5m"); conditions use variable/operator/value.
type definitionDoc struct {
	ID           string                 `yaml:"id"`
	TenantID     string                 `yaml:"tenant_id"`
	Name         string                 `yaml:"name"`
	Version      int                    `yaml:"version"`
	Nodes        []nodeDoc              `yaml:"nodes"`
	Inputs       map[string]inputDoc    `yaml:"inputs"`
	Outputs      map[string]outputDoc   `yaml:"outputs"`
	DefaultRetry *retryDoc              `yaml:"default_retry"`
	Compensation *compensationDoc       `yaml:"compensation"`
	Metadata     map[string]interface{} `yaml:"metadata"`
}

type nodeDoc struct {
	ID           string                 `yaml:"id"`
	Name         string                 `yaml:"name"`
	Type         string                 `yaml:"type"`
	ExecutorType string                 `yaml:"executor_type"`
	Config       map[string]interface{} `yaml:"config"`
	DependsOn    []string               `yaml:"depends_on"`
	Transitions  []transitionDoc        `yaml:"transitions"`
	Retry        *retryDoc              `yaml:"retry"`
	Timeout      string                 `yaml:"timeout"`
	Critical     bool                   `yaml:"critical"`
}

type transitionDoc struct {
	Target    string        `yaml:"target"`
	Kind      string        `yaml:"kind"`
	Condition *conditionDoc `yaml:"condition"`
}

type conditionDoc struct {
	Variable string      `yaml:"variable"`
	Operator string      `yaml:"operator"`
	Value    interface{} `yaml:"value"`
}

type retryDoc struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialDelay      string   `yaml:"initial_delay"`
	MaxDelay          string   `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	RetryableErrors   []string `yaml:"retryable_errors"`
}

type compensationDoc struct {
	Enabled     bool   `yaml:"enabled"`
	Strategy    string `yaml:"strategy"`
	Timeout     string `yaml:"timeout"`
	FailOnError bool   `yaml:"fail_on_error"`
}

type inputDoc struct {
	Type     string      `yaml:"type"`
	Required bool        `yaml:"required"`
	Default  interface{} `yaml:"default"`
}

type outputDoc struct {
	Type   string `yaml:"type"`
	Source string `yaml:"source"`
}

// LoadFile parses and registers the definition at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (*domain.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewValidationError("failed to read definition file", map[string]interface{}{
			"path": path, "error": err.Error(),
		})
	}
	return l.Load(ctx, data)
}

// Load parses and registers a definition from raw YAML.
func (l *Loader) Load(ctx context.Context, data []byte) (*domain.WorkflowDefinition, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := l.registry.Register(ctx, def); err != nil {
		return nil, err
	}

	l.logger.Info("definition loaded",
		"definition_id", def.ID,
		"tenant_id", def.TenantID,
		"version", def.Version,
		"nodes", len(def.Nodes))
	return def, nil
}

// Parse converts raw YAML into a validated definition without
// registering it.
func Parse(data []byte) (*domain.WorkflowDefinition, error) {
	var doc definitionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.NewValidationError("malformed definition document", map[string]interface{}{
			"error": err.Error(),
		})
	}

	nodes := make([]domain.NodeDefinition, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		node, err := n.toDomain()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	def, err := domain.NewWorkflowDefinition(doc.ID, doc.TenantID, doc.Name, doc.Version, nodes)
	if err != nil {
		return nil, err
	}

	if doc.DefaultRetry != nil {
		retry, err := doc.DefaultRetry.toDomain()
		if err != nil {
			return nil, err
		}
		def.DefaultRetry = retry
	}
	if doc.Compensation != nil {
		comp, err := doc.Compensation.toDomain()
		if err != nil {
			return nil, err
		}
		def.Compensation = comp
	}
	if len(doc.Inputs) > 0 {
		def.Inputs = make(map[string]domain.InputSpec, len(doc.Inputs))
		for k, v := range doc.Inputs {
			def.Inputs[k] = domain.InputSpec{Type: v.Type, Required: v.Required, Default: v.Default}
		}
	}
	if len(doc.Outputs) > 0 {
		def.Outputs = make(map[string]domain.OutputSpec, len(doc.Outputs))
		for k, v := range doc.Outputs {
			def.Outputs[k] = domain.OutputSpec{Type: v.Type, Source: v.Source}
		}
	}
	def.Metadata = doc.Metadata

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (n nodeDoc) toDomain() (domain.NodeDefinition, error) {
	node := domain.NodeDefinition{
		ID:           n.ID,
		Name:         n.Name,
		Type:         n.Type,
		ExecutorType: n.ExecutorType,
		Config:       n.Config,
		DependsOn:    n.DependsOn,
		Critical:     n.Critical,
	}

	timeout, err := parseDuration(n.Timeout, "timeout", n.ID)
	if err != nil {
		return node, err
	}
	node.Timeout = timeout

	if n.Retry != nil {
		retry, err := n.Retry.toDomain()
		if err != nil {
			return node, err
		}
		node.Retry = retry
	}

	for _, t := range n.Transitions {
		tr := domain.Transition{Target: t.Target}
		switch t.Kind {
		case "", string(domain.TransitionUnconditional):
			tr.Kind = domain.TransitionUnconditional
		case string(domain.TransitionConditional):
			tr.Kind = domain.TransitionConditional
		case string(domain.TransitionOnError):
			tr.Kind = domain.TransitionOnError
		default:
			return node, domain.NewValidationError("unknown transition kind", map[string]interface{}{
				"node_id": n.ID, "kind": t.Kind,
			})
		}
		if t.Condition != nil {
			tr.Condition = &domain.Condition{
				Variable: t.Condition.Variable,
				Operator: t.Condition.Operator,
				Value:    t.Condition.Value,
			}
		}
		if tr.Kind == domain.TransitionConditional && tr.Condition == nil {
			return node, domain.NewValidationError("conditional transition without condition", map[string]interface{}{
				"node_id": n.ID, "target": t.Target,
			})
		}
		node.Transitions = append(node.Transitions, tr)
	}

	return node, nil
}

func (r retryDoc) toDomain() (*domain.RetryPolicy, error) {
	initial, err := parseDuration(r.InitialDelay, "initial_delay", "")
	if err != nil {
		return nil, err
	}
	max, err := parseDuration(r.MaxDelay, "max_delay", "")
	if err != nil {
		return nil, err
	}
	return domain.NewRetryPolicy(r.MaxAttempts, initial, max, r.BackoffMultiplier, r.RetryableErrors...)
}

func (c compensationDoc) toDomain() (*domain.CompensationPolicy, error) {
	timeout, err := parseDuration(c.Timeout, "compensation timeout", "")
	if err != nil {
		return nil, err
	}

	strategy := domain.CompensationSequential
	switch c.Strategy {
	case "", string(domain.CompensationSequential):
	case string(domain.CompensationParallel):
		strategy = domain.CompensationParallel
	default:
		return nil, domain.NewValidationError("unknown compensation strategy", map[string]interface{}{
			"strategy": c.Strategy,
		})
	}

	return &domain.CompensationPolicy{
		Enabled:     c.Enabled,
		Strategy:    strategy,
		Timeout:     timeout,
		FailOnError: c.FailOnError,
	}, nil
}

func parseDuration(raw, field, nodeID string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, domain.NewValidationError("invalid duration", map[string]interface{}{
			"field": field, "node_id": nodeID, "value": raw,
		})
	}
	return d, nil
}
