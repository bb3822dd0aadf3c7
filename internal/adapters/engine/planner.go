package engine

import (
	"log/slog"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// Plan is the output of one planning pass: the nodes that may be
// dispatched now, plus the two terminal observations. Ready nodes are a
// legitimate fan-out with no ordering between them.
type Plan struct {
	ReadyNodes []domain.NodeDefinition
	Complete   bool
	Stuck      bool
}

// Planner computes, from a run's current state and its definition, what
// should happen next. Plan is pure given its inputs: it never mutates the
// run and holds no state of its own besides a logger.
type Planner struct {
	logger *slog.Logger
}

func NewPlanner(logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{logger: logger.With("component", "planner")}
}

func (p *Planner) Plan(run *domain.WorkflowRun, def *domain.WorkflowDefinition) Plan {
	var plan Plan
	inFlight := false
	criticalFailed := false
	skipped := make(map[string]bool, len(def.Nodes))

	for _, node := range def.Nodes {
		status := nodeStatus(run, node.ID)

		switch status {
		case domain.NodeStatusRunning, domain.NodeStatusWaitingRetry, domain.NodeStatusWaitingSignal:
			inFlight = true
			continue
		case domain.NodeStatusCompleted:
			continue
		case domain.NodeStatusFailed:
			if node.Critical {
				criticalFailed = true
			}
			continue
		}

		if !dependenciesSatisfied(run, def, node) {
			continue
		}
		if !guardSatisfied(run, def, node) {
			skipped[node.ID] = true
			continue
		}
		plan.ReadyNodes = append(plan.ReadyNodes, node)
	}

	structurallyDone := !inFlight && !criticalFailed && len(plan.ReadyNodes) == 0 &&
		p.allAccountedFor(run, def, skipped)

	var unresolved []string
	if structurallyDone {
		unresolved = def.UnresolvedOutputs(run.Variables)
	}

	plan.Complete = structurallyDone && len(unresolved) == 0
	plan.Stuck = !plan.Complete && !inFlight && len(plan.ReadyNodes) == 0 &&
		run.Status == domain.RunStatusRunning

	if plan.Stuck {
		p.logger.Warn("run is stuck: no ready nodes, not complete, nothing in flight",
			"run_id", run.ID,
			"definition_id", def.ID,
			"unresolved_outputs", unresolved)
	}
	return plan
}

func nodeStatus(run *domain.WorkflowRun, nodeID string) domain.NodeStatus {
	if exec, ok := run.NodeExecutions[nodeID]; ok {
		return exec.Status
	}
	return domain.NodeStatusPending
}

// dependenciesSatisfied reports whether every dependency of the node is
// resolved: completed, or failed with an error transition naming this
// node, which opens the fallback branch instead of blocking it.
func dependenciesSatisfied(run *domain.WorkflowRun, def *domain.WorkflowDefinition, node domain.NodeDefinition) bool {
	for _, dep := range node.DependsOn {
		switch nodeStatus(run, dep) {
		case domain.NodeStatusCompleted:
		case domain.NodeStatusFailed:
			if !errorTransitionTo(def, dep, node.ID) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// guardSatisfied evaluates transition gating for a node whose
// dependencies are all resolved. A node with no inbound transitions from
// its dependencies is gated by the dependency edges alone. Otherwise at
// least one inbound edge must admit it: an unconditional transition from
// a completed source, a conditional transition from a completed source
// whose guard holds against the current variables, or an error transition
// from a failed source.
func guardSatisfied(run *domain.WorkflowRun, def *domain.WorkflowDefinition, node domain.NodeDefinition) bool {
	inbound := false
	for _, depID := range node.DependsOn {
		dep, ok := def.Node(depID)
		if !ok {
			continue
		}
		depFailed := nodeStatus(run, depID) == domain.NodeStatusFailed
		for _, tr := range dep.Transitions {
			if tr.Target != node.ID {
				continue
			}
			inbound = true
			switch tr.Kind {
			case domain.TransitionUnconditional:
				if !depFailed {
					return true
				}
			case domain.TransitionConditional:
				if !depFailed && tr.Condition.Evaluate(run.Variables) {
					return true
				}
			case domain.TransitionOnError:
				if depFailed {
					return true
				}
			}
		}
	}
	return !inbound
}

// errorTransitionTo reports whether fromID declares an error transition
// targeting toID.
func errorTransitionTo(def *domain.WorkflowDefinition, fromID, toID string) bool {
	from, ok := def.Node(fromID)
	if !ok {
		return false
	}
	for _, tr := range from.Transitions {
		if tr.Kind == domain.TransitionOnError && tr.Target == toID {
			return true
		}
	}
	return false
}

// allAccountedFor reports whether every node is either terminal or
// unreachable: a node is unreachable when a dependency failed without an
// error transition to it, a dependency was itself skipped, or its guard
// definitively evaluated false. Non-critical failures are tolerated;
// their downstream nodes are simply skipped.
func (p *Planner) allAccountedFor(run *domain.WorkflowRun, def *domain.WorkflowDefinition, skipped map[string]bool) bool {
	memo := make(map[string]bool, len(def.Nodes))

	var unreachable func(id string) bool
	unreachable = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		memo[id] = false // cycle guard; definitions are validated acyclic

		if skipped[id] {
			memo[id] = true
			return true
		}
		node, ok := def.Node(id)
		if !ok {
			return false
		}
		for _, dep := range node.DependsOn {
			if nodeStatus(run, dep) == domain.NodeStatusFailed && !errorTransitionTo(def, dep, id) {
				memo[id] = true
				return true
			}
			if unreachable(dep) {
				memo[id] = true
				return true
			}
		}
		return false
	}

	for _, node := range def.Nodes {
		if nodeStatus(run, node.ID).Terminal() {
			continue
		}
		if !unreachable(node.ID) {
			return false
		}
	}
	return true
}
