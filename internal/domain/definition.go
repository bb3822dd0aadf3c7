package domain

import (
	"fmt"
	"sort"
	"time"
)

type TransitionKind string

const (
	TransitionUnconditional TransitionKind = "unconditional"
	TransitionConditional   TransitionKind = "conditional"
	TransitionOnError       TransitionKind = "error"
)

type Transition struct {
	Target    string         `json:"target"`
	Condition *Condition     `json:"condition,omitempty"`
	Kind      TransitionKind `json:"kind"`
}

// Condition is an equality/comparison guard evaluated against the run's
// variable map. Empty operator means equality.
type Condition struct {
	Variable string      `json:"variable"`
	Operator string      `json:"operator,omitempty"`
	Value    interface{} `json:"value"`
}

type NodeDefinition struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	ExecutorType string                 `json:"executor_type"`
	Config       map[string]interface{} `json:"config,omitempty"`
	DependsOn    []string               `json:"depends_on,omitempty"`
	Transitions  []Transition           `json:"transitions,omitempty"`
	Retry        *RetryPolicy           `json:"retry,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty"`
	Critical     bool                   `json:"critical"`
}

// WorkflowDefinition is an immutable DAG of nodes. Construct through
// NewWorkflowDefinition, which validates once at registration time;
// validation never runs inside the planning loop.
type WorkflowDefinition struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	Name         string                 `json:"name"`
	Version      int                    `json:"version"`
	Nodes        []NodeDefinition       `json:"nodes"`
	Inputs       map[string]InputSpec   `json:"inputs,omitempty"`
	Outputs      map[string]OutputSpec  `json:"outputs,omitempty"`
	DefaultRetry *RetryPolicy           `json:"default_retry,omitempty"`
	Compensation *CompensationPolicy    `json:"compensation,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	nodeIndex map[string]int
}

type InputSpec struct {
	Type     string      `json:"type"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
}

type OutputSpec struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
}

func NewWorkflowDefinition(id, tenantID, name string, version int, nodes []NodeDefinition) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{
		ID:       id,
		TenantID: tenantID,
		Name:     name,
		Version:  version,
		Nodes:    nodes,
	}
	def.buildIndex()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (d *WorkflowDefinition) buildIndex() {
	d.nodeIndex = make(map[string]int, len(d.Nodes))
	for i, node := range d.Nodes {
		d.nodeIndex[node.ID] = i
	}
}

func (d *WorkflowDefinition) Node(id string) (*NodeDefinition, bool) {
	if d.nodeIndex == nil {
		d.buildIndex()
	}
	idx, ok := d.nodeIndex[id]
	if !ok {
		return nil, false
	}
	return &d.Nodes[idx], true
}

// StartNodes returns the nodes with no dependencies.
func (d *WorkflowDefinition) StartNodes() []NodeDefinition {
	var starts []NodeDefinition
	for _, node := range d.Nodes {
		if len(node.DependsOn) == 0 {
			starts = append(starts, node)
		}
	}
	return starts
}

// ResolveInputs checks the provided inputs against the declared input
// specs: an absent input with a declared default receives it, and an
// absent required input rejects the run. Undeclared inputs pass through.
func (d *WorkflowDefinition) ResolveInputs(inputs map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(inputs)+len(d.Inputs))
	for k, v := range inputs {
		resolved[k] = v
	}

	var missing []string
	for key, spec := range d.Inputs {
		if _, ok := resolved[key]; ok {
			continue
		}
		if spec.Default != nil {
			resolved[key] = spec.Default
			continue
		}
		if spec.Required {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, NewValidationError("required inputs missing", map[string]interface{}{
			"definition_id": d.ID,
			"missing":       missing,
		})
	}
	return resolved, nil
}

// UnresolvedOutputs returns the declared outputs whose source variable is
// absent from the variable map. An output without an explicit source reads
// the variable named after the output itself.
func (d *WorkflowDefinition) UnresolvedOutputs(variables map[string]interface{}) []string {
	var unresolved []string
	for key, spec := range d.Outputs {
		source := spec.Source
		if source == "" {
			source = key
		}
		if _, ok := variables[source]; !ok {
			unresolved = append(unresolved, key)
		}
	}
	sort.Strings(unresolved)
	return unresolved
}

// RetryPolicyFor resolves the effective retry policy for a node: the
// node-level override when present, otherwise the definition default.
func (d *WorkflowDefinition) RetryPolicyFor(nodeID string) *RetryPolicy {
	if node, ok := d.Node(nodeID); ok && node.Retry != nil {
		return node.Retry
	}
	return d.DefaultRetry
}

// Validate is the conjunction of four independent checks: at least one
// start node, an acyclic dependency graph, resolvable dependencies, and
// no empty input/output keys. O(V+E); run at registration only.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Nodes) == 0 {
		return NewValidationError("definition has no nodes", map[string]interface{}{"definition_id": d.ID})
	}
	if d.nodeIndex == nil {
		d.buildIndex()
	}
	if len(d.nodeIndex) != len(d.Nodes) {
		return NewValidationError("duplicate node ids in definition", map[string]interface{}{"definition_id": d.ID})
	}

	if err := d.validateStartNodes(); err != nil {
		return err
	}
	if err := d.validateDependencies(); err != nil {
		return err
	}
	if err := d.validateAcyclic(); err != nil {
		return err
	}
	return d.validateIOKeys()
}

func (d *WorkflowDefinition) validateStartNodes() error {
	if len(d.StartNodes()) == 0 {
		return NewValidationError("definition has no start node", map[string]interface{}{
			"definition_id": d.ID,
		})
	}
	return nil
}

func (d *WorkflowDefinition) validateDependencies() error {
	for _, node := range d.Nodes {
		for _, dep := range node.DependsOn {
			if _, ok := d.nodeIndex[dep]; !ok {
				return NewValidationError("dependency does not resolve to a node", map[string]interface{}{
					"definition_id": d.ID,
					"node_id":       node.ID,
					"depends_on":    dep,
				})
			}
		}
		for _, tr := range node.Transitions {
			if _, ok := d.nodeIndex[tr.Target]; !ok {
				return NewValidationError("transition target does not resolve to a node", map[string]interface{}{
					"definition_id": d.ID,
					"node_id":       node.ID,
					"target":        tr.Target,
				})
			}
		}
	}
	return nil
}

// validateAcyclic runs a depth-first traversal with a visited set and an
// on-stack set; hitting a node already on the stack signals a cycle.
func (d *WorkflowDefinition) validateAcyclic() error {
	visited := make(map[string]bool, len(d.Nodes))
	onStack := make(map[string]bool, len(d.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		if onStack[id] {
			return NewValidationError("circular dependency detected", map[string]interface{}{
				"definition_id": d.ID,
				"node_id":       id,
			})
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onStack[id] = true

		node, _ := d.Node(id)
		for _, dep := range node.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		onStack[id] = false
		return nil
	}

	for _, node := range d.Nodes {
		if err := visit(node.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *WorkflowDefinition) validateIOKeys() error {
	for key := range d.Inputs {
		if key == "" {
			return NewValidationError("input map contains an empty key", map[string]interface{}{
				"definition_id": d.ID,
			})
		}
	}
	for key := range d.Outputs {
		if key == "" {
			return NewValidationError("output map contains an empty key", map[string]interface{}{
				"definition_id": d.ID,
			})
		}
	}
	return nil
}

// Evaluate reports whether the condition holds against the variable map.
// Unknown variables never satisfy a guard.
func (c *Condition) Evaluate(variables map[string]interface{}) bool {
	if c == nil {
		return true
	}
	actual, ok := variables[c.Variable]
	if !ok {
		return false
	}

	switch c.Operator {
	case "", "eq", "==":
		return valuesEqual(actual, c.Value)
	case "ne", "!=":
		return !valuesEqual(actual, c.Value)
	case "gt", ">":
		a, b, ok := numericPair(actual, c.Value)
		return ok && a > b
	case "gte", ">=":
		a, b, ok := numericPair(actual, c.Value)
		return ok && a >= b
	case "lt", "<":
		a, b, ok := numericPair(actual, c.Value)
		return ok && a < b
	case "lte", "<=":
		a, b, ok := numericPair(actual, c.Value)
		return ok && a <= b
	default:
		return false
	}
}

func valuesEqual(a, b interface{}) bool {
	if na, nb, ok := numericPair(a, b); ok {
		return na == nb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func numericPair(a, b interface{}) (float64, float64, bool) {
	na, okA := toFloat(a)
	nb, okB := toFloat(b)
	return na, nb, okA && okB
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
