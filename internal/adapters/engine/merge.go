package engine

import (
	"dario.cat/mergo"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// MergeVariables folds a node's output into the run's variable map.
// Output keys win over existing variables; nested maps merge recursively
// rather than being replaced wholesale.
func MergeVariables(variables, output map[string]interface{}) (map[string]interface{}, error) {
	if len(output) == 0 {
		return variables, nil
	}
	if variables == nil {
		variables = make(map[string]interface{}, len(output))
	}

	merged := make(map[string]interface{}, len(variables)+len(output))
	for k, v := range variables {
		merged[k] = v
	}

	if err := mergo.Merge(&merged, output, mergo.WithOverride); err != nil {
		return nil, domain.NewInternalError("failed to merge node output into run variables", err)
	}
	return merged, nil
}
