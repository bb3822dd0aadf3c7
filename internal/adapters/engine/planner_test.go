package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-io/cadenza/internal/domain"
)

func diamondDefinition(t *testing.T) *domain.WorkflowDefinition {
	t.Helper()
	def, err := domain.NewWorkflowDefinition("diamond", "tenant-1", "diamond", 1, []domain.NodeDefinition{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	})
	require.NoError(t, err)
	return def
}

func runningRun(t *testing.T, defID string) *domain.WorkflowRun {
	t.Helper()
	run := domain.NewWorkflowRun("run-1", "tenant-1", defID, nil)
	require.NoError(t, run.Start())
	return run
}

func readyIDs(plan Plan) []string {
	ids := make([]string, 0, len(plan.ReadyNodes))
	for _, node := range plan.ReadyNodes {
		ids = append(ids, node.ID)
	}
	return ids
}

func TestPlanDiamond(t *testing.T) {
	def := diamondDefinition(t)
	run := runningRun(t, def.ID)
	planner := NewPlanner(nil)

	// Fresh run: only the start node is ready.
	plan := planner.Plan(run, def)
	assert.Equal(t, []string{"a"}, readyIDs(plan))
	assert.False(t, plan.Complete)
	assert.False(t, plan.Stuck)

	// a done: b and c fan out together.
	require.NoError(t, run.CompleteNode("a", nil))
	plan = planner.Plan(run, def)
	assert.ElementsMatch(t, []string{"b", "c"}, readyIDs(plan))

	// b done, c in flight: d must wait.
	require.NoError(t, run.MarkNodeRunning("b", 1))
	require.NoError(t, run.CompleteNode("b", nil))
	require.NoError(t, run.MarkNodeRunning("c", 1))
	plan = planner.Plan(run, def)
	assert.Empty(t, readyIDs(plan))
	assert.False(t, plan.Complete)

	// c done: d joins.
	require.NoError(t, run.CompleteNode("c", nil))
	plan = planner.Plan(run, def)
	assert.Equal(t, []string{"d"}, readyIDs(plan))

	// All done: complete.
	require.NoError(t, run.CompleteNode("d", nil))
	plan = planner.Plan(run, def)
	assert.True(t, plan.Complete)
	assert.Empty(t, readyIDs(plan))
}

func TestPlanConditionalGuard(t *testing.T) {
	def, err := domain.NewWorkflowDefinition("guarded", "tenant-1", "guarded", 1, []domain.NodeDefinition{
		{ID: "check", Transitions: []domain.Transition{
			{Target: "approve", Kind: domain.TransitionConditional, Condition: &domain.Condition{Variable: "status", Value: "approved"}},
			{Target: "reject", Kind: domain.TransitionConditional, Condition: &domain.Condition{Variable: "status", Value: "rejected"}},
		}},
		{ID: "approve", DependsOn: []string{"check"}},
		{ID: "reject", DependsOn: []string{"check"}},
	})
	require.NoError(t, err)

	run := runningRun(t, def.ID)
	run.Variables = map[string]interface{}{"status": "approved"}
	require.NoError(t, run.CompleteNode("check", nil))

	planner := NewPlanner(nil)
	plan := planner.Plan(run, def)
	assert.Equal(t, []string{"approve"}, readyIDs(plan))

	// The unsatisfied branch is skipped; completing approve finishes the run.
	require.NoError(t, run.CompleteNode("approve", nil))
	plan = planner.Plan(run, def)
	assert.True(t, plan.Complete)
}

func TestPlanNonCriticalFailureSkipsDownstream(t *testing.T) {
	def, err := domain.NewWorkflowDefinition("tolerant", "tenant-1", "tolerant", 1, []domain.NodeDefinition{
		{ID: "a"},
		{ID: "flaky", DependsOn: []string{"a"}},
		{ID: "after-flaky", DependsOn: []string{"flaky"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	run := runningRun(t, def.ID)
	require.NoError(t, run.CompleteNode("a", nil))
	require.NoError(t, run.FailNode("flaky", "boom"))
	require.NoError(t, run.CompleteNode("b", nil))

	planner := NewPlanner(nil)
	plan := planner.Plan(run, def)
	assert.True(t, plan.Complete, "after-flaky is unreachable, everything else terminal")
	assert.False(t, plan.Stuck)
}

func TestPlanErrorTransitionFiresFromFailedSource(t *testing.T) {
	def, err := domain.NewWorkflowDefinition("fallback", "tenant-1", "fallback", 1, []domain.NodeDefinition{
		{ID: "charge", Transitions: []domain.Transition{
			{Target: "receipt", Kind: domain.TransitionUnconditional},
			{Target: "notify-failure", Kind: domain.TransitionOnError},
		}},
		{ID: "receipt", DependsOn: []string{"charge"}},
		{ID: "notify-failure", DependsOn: []string{"charge"}},
	})
	require.NoError(t, err)
	planner := NewPlanner(nil)

	// Success path: the error branch never fires.
	run := runningRun(t, def.ID)
	require.NoError(t, run.CompleteNode("charge", nil))
	plan := planner.Plan(run, def)
	assert.Equal(t, []string{"receipt"}, readyIDs(plan))

	require.NoError(t, run.CompleteNode("receipt", nil))
	plan = planner.Plan(run, def)
	assert.True(t, plan.Complete, "unfired error branch does not block completion")

	// Failure path: only the error branch fires.
	run = runningRun(t, def.ID)
	require.NoError(t, run.FailNode("charge", "card declined"))
	plan = planner.Plan(run, def)
	assert.Equal(t, []string{"notify-failure"}, readyIDs(plan))
	assert.False(t, plan.Stuck)

	require.NoError(t, run.CompleteNode("notify-failure", nil))
	plan = planner.Plan(run, def)
	assert.True(t, plan.Complete, "receipt is unreachable once charge failed")
}

func TestPlanUnresolvedOutputStopsCompletion(t *testing.T) {
	def, err := domain.NewWorkflowDefinition("reporting", "tenant-1", "reporting", 1, []domain.NodeDefinition{
		{ID: "collect"},
	})
	require.NoError(t, err)
	def.Outputs = map[string]domain.OutputSpec{
		"report": {Type: "string", Source: "report_url"},
	}

	run := runningRun(t, def.ID)
	require.NoError(t, run.CompleteNode("collect", nil))

	planner := NewPlanner(nil)
	plan := planner.Plan(run, def)
	assert.False(t, plan.Complete, "declared output has no source variable")
	assert.True(t, plan.Stuck)
	assert.Empty(t, readyIDs(plan))

	run.Variables = map[string]interface{}{"report_url": "s3://reports/1"}
	plan = planner.Plan(run, def)
	assert.True(t, plan.Complete)
	assert.False(t, plan.Stuck)
}

func TestPlanCriticalFailureBlocksCompletion(t *testing.T) {
	def, err := domain.NewWorkflowDefinition("critical", "tenant-1", "critical", 1, []domain.NodeDefinition{
		{ID: "a", Critical: true},
		{ID: "b", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	run := runningRun(t, def.ID)
	require.NoError(t, run.FailNode("a", "boom"))

	planner := NewPlanner(nil)
	plan := planner.Plan(run, def)
	assert.False(t, plan.Complete)
	assert.Empty(t, readyIDs(plan))
}

func TestPlanInFlightNodesBlockCompletion(t *testing.T) {
	def := diamondDefinition(t)
	run := runningRun(t, def.ID)
	require.NoError(t, run.MarkNodeRunning("a", 1))

	planner := NewPlanner(nil)
	plan := planner.Plan(run, def)
	assert.False(t, plan.Complete)
	assert.False(t, plan.Stuck)
	assert.Empty(t, readyIDs(plan))
}

func TestPlanWaitingRetryCountsAsInFlight(t *testing.T) {
	def := diamondDefinition(t)
	run := runningRun(t, def.ID)
	require.NoError(t, run.MarkNodeWaitingRetry("a", "transient"))

	planner := NewPlanner(nil)
	plan := planner.Plan(run, def)
	assert.False(t, plan.Complete)
	assert.False(t, plan.Stuck)
	assert.Empty(t, readyIDs(plan))
}

func TestMergeVariablesOutputWins(t *testing.T) {
	variables := map[string]interface{}{
		"a": 1,
		"nested": map[string]interface{}{
			"keep":     "old",
			"override": "old",
		},
	}
	output := map[string]interface{}{
		"b": 2,
		"nested": map[string]interface{}{
			"override": "new",
		},
	}

	merged, err := MergeVariables(variables, output)
	require.NoError(t, err)

	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, 2, merged["b"])
	nested := merged["nested"].(map[string]interface{})
	assert.Equal(t, "old", nested["keep"])
	assert.Equal(t, "new", nested["override"])
}

func TestMergeVariablesEmptyOutput(t *testing.T) {
	variables := map[string]interface{}{"a": 1}
	merged, err := MergeVariables(variables, nil)
	require.NoError(t, err)
	assert.Equal(t, variables, merged)
}
