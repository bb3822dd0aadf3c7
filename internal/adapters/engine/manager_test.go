package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-io/cadenza/internal/adapters/dispatch"
	"github.com/cadenza-io/cadenza/internal/adapters/events"
	"github.com/cadenza-io/cadenza/internal/adapters/memory"
	"github.com/cadenza-io/cadenza/internal/domain"
)

type fakeRetryScheduler struct {
	mu    sync.Mutex
	calls []retryCall
}

type retryCall struct {
	runID   string
	nodeID  string
	attempt int
	delay   time.Duration
}

func (f *fakeRetryScheduler) ScheduleRetry(runID, nodeID string, attempt int, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, retryCall{runID, nodeID, attempt, delay})
}

func (f *fakeRetryScheduler) retries() []retryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]retryCall(nil), f.calls...)
}

type fakeCompensation struct {
	mu       sync.Mutex
	started  []string
	resolved []domain.NodeResult
}

func (f *fakeCompensation) StartCompensation(runID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, runID)
}

func (f *fakeCompensation) ResolveCompensation(result domain.NodeResult) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, result)
	return true
}

type managerFixture struct {
	manager      *RunManager
	definitions  *memory.DefinitionRegistry
	runs         *memory.RunRepository
	history      *memory.History
	bus          *events.Manager
	tokens       *dispatch.TokenIssuer
	retries      *fakeRetryScheduler
	compensation *fakeCompensation
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	definitions := memory.NewDefinitionRegistry(nil)
	runs := memory.NewRunRepository(nil)
	history := memory.NewHistory(nil)
	bus := events.NewManager(nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop() })

	tokens := dispatch.NewTokenIssuer([]byte("test-secret-test-secret-test-sec"), time.Minute)
	manager := NewRunManager(definitions, runs, history, bus, tokens, nil)

	retries := &fakeRetryScheduler{}
	compensation := &fakeCompensation{}
	manager.bind(retries, compensation)

	return &managerFixture{
		manager:      manager,
		definitions:  definitions,
		runs:         runs,
		history:      history,
		bus:          bus,
		tokens:       tokens,
		retries:      retries,
		compensation: compensation,
	}
}

func (f *managerFixture) register(t *testing.T, def *domain.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, f.definitions.Register(context.Background(), def))
}

func (f *managerFixture) startedRun(t *testing.T, tenantID, definitionID string) *domain.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	run, err := f.manager.CreateRun(ctx, tenantID, definitionID, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartRun(ctx, run.ID))
	return run
}

func (f *managerFixture) successResult(t *testing.T, runID, nodeID string, attempt int, output map[string]interface{}) domain.NodeResult {
	t.Helper()
	token, err := f.tokens.Mint(runID, nodeID, attempt)
	require.NoError(t, err)
	return domain.NodeResult{
		RunID:      runID,
		NodeID:     nodeID,
		Attempt:    attempt,
		Token:      token.Value,
		Success:    true,
		Output:     output,
		ReportedAt: time.Now(),
	}
}

func (f *managerFixture) failureResult(t *testing.T, runID, nodeID string, attempt int, code string) domain.NodeResult {
	t.Helper()
	token, err := f.tokens.Mint(runID, nodeID, attempt)
	require.NoError(t, err)
	return domain.NodeResult{
		RunID:        runID,
		NodeID:       nodeID,
		Attempt:      attempt,
		Token:        token.Value,
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: "node failed with " + code,
		ReportedAt:   time.Now(),
	}
}

func countEvents(events []domain.ExecutionEvent, eventType domain.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func simpleDefinition(t *testing.T, id string, nodes ...domain.NodeDefinition) *domain.WorkflowDefinition {
	t.Helper()
	def, err := domain.NewWorkflowDefinition(id, "tenant-1", id, 1, nodes)
	require.NoError(t, err)
	return def
}

func TestDuplicateResultAppliedOnce(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")

	result := f.successResult(t, run.ID, "a", 1, map[string]interface{}{"x": 1})

	require.NoError(t, f.manager.HandleNodeResult(ctx, result))
	require.NoError(t, f.manager.HandleNodeResult(ctx, result), "duplicate must be dropped silently")

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, loaded.CompletedNodes(), "path grows exactly once")

	log, err := f.history.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(log, domain.EventTypeNodeCompleted), "one ledger append per applied result")
}

func TestConcurrentDuplicateDeliveriesAppendOnce(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")
	result := f.successResult(t, run.ID, "a", 1, map[string]interface{}{"x": 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.manager.HandleNodeResult(ctx, result), "losing racers drop silently")
		}()
	}
	wg.Wait()

	log, err := f.history.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(log, domain.EventTypeNodeCompleted), "exactly one ledger append across racers")

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, loaded.CompletedNodes())
}

func TestConcurrentIndependentResultsAllApplied(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	const n = 8
	nodes := make([]domain.NodeDefinition, n)
	for i := range nodes {
		nodes[i] = domain.NodeDefinition{ID: fmt.Sprintf("n%d", i)}
	}
	f.register(t, simpleDefinition(t, "fanout", nodes...))
	run := f.startedRun(t, "tenant-1", "fanout")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		result := f.successResult(t, run.ID, fmt.Sprintf("n%d", i), 1, map[string]interface{}{
			fmt.Sprintf("out%d", i): i,
		})
		wg.Add(1)
		go func(result domain.NodeResult) {
			defer wg.Done()
			assert.NoError(t, f.manager.HandleNodeResult(ctx, result))
		}(result)
	}
	wg.Wait()

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.CompletedNodes(), n, "every concurrent completion lands")

	for i := 0; i < n; i++ {
		assert.Contains(t, loaded.Variables, fmt.Sprintf("out%d", i), "every output merged")
	}
}

func TestLateResultAfterCancelDropped(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")

	result := f.successResult(t, run.ID, "a", 1, nil)
	require.NoError(t, f.manager.CancelRun(ctx, run.ID, "operator"))

	require.NoError(t, f.manager.HandleNodeResult(ctx, result), "late result is dropped, not an error")

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, loaded.Status)
	assert.Empty(t, loaded.CompletedNodes())
}

func TestInvalidTokenRejected(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")

	result := domain.NodeResult{
		RunID:   run.ID,
		NodeID:  "a",
		Attempt: 1,
		Token:   "forged",
		Success: true,
	}
	err := f.manager.HandleNodeResult(ctx, result)
	require.Error(t, err)
	assert.True(t, domain.IsTokenError(err))

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.CompletedNodes())
}

func TestSupersededAttemptTokenRejected(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")

	// Token minted for attempt 1, result claims attempt 2.
	token, err := f.tokens.Mint(run.ID, "a", 1)
	require.NoError(t, err)

	result := domain.NodeResult{
		RunID:   run.ID,
		NodeID:  "a",
		Attempt: 2,
		Token:   token.Value,
		Success: true,
	}
	err = f.manager.HandleNodeResult(ctx, result)
	require.Error(t, err)
	assert.True(t, domain.IsTokenError(err))
}

func TestStaleAttemptResultDropped(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")

	// The node has been re-dispatched as attempt 2; a result from the
	// first attempt carries a valid attempt-1 token but must not apply.
	require.NoError(t, f.runs.WithLock(ctx, run.ID, func(r *domain.WorkflowRun) error {
		return r.MarkNodeRunning("a", 2)
	}))

	require.NoError(t, f.manager.HandleNodeResult(ctx, f.successResult(t, run.ID, "a", 1, map[string]interface{}{"stale": true})))

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.CompletedNodes())
	assert.Equal(t, domain.NodeStatusRunning, loaded.NodeExecutions["a"].Status)
	assert.NotContains(t, loaded.Variables, "stale")

	require.NoError(t, f.manager.HandleNodeResult(ctx, f.successResult(t, run.ID, "a", 2, map[string]interface{}{"ok": true})))
	loaded, err = f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, loaded.CompletedNodes())
}

func TestRetryableFailureSchedulesBackoff(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	retry, err := domain.NewRetryPolicy(3, time.Second, 10*time.Second, 2.0, "TIMEOUT")
	require.NoError(t, err)
	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a", Retry: retry}))
	run := f.startedRun(t, "tenant-1", "wf")

	require.NoError(t, f.manager.HandleNodeResult(ctx, f.failureResult(t, run.ID, "a", 1, "TIMEOUT")))

	calls := f.retries.retries()
	require.Len(t, calls, 1)
	assert.Equal(t, "a", calls[0].nodeID)
	assert.Equal(t, 2, calls[0].attempt)
	assert.Equal(t, time.Second, calls[0].delay, "first retry waits the initial delay")

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusWaitingRetry, loaded.NodeExecutions["a"].Status)
	assert.Equal(t, domain.RunStatusRunning, loaded.Status)
}

func TestBackoffDelaysGrowExponentially(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	retry, err := domain.NewRetryPolicy(4, time.Second, 10*time.Second, 2.0, "TIMEOUT")
	require.NoError(t, err)
	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a", Retry: retry}))
	run := f.startedRun(t, "tenant-1", "wf")

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, f.manager.HandleNodeResult(ctx, f.failureResult(t, run.ID, "a", attempt, "TIMEOUT")))
	}

	calls := f.retries.retries()
	require.Len(t, calls, 3)
	assert.Equal(t, time.Second, calls[0].delay)
	assert.Equal(t, 2*time.Second, calls[1].delay)
	assert.Equal(t, 4*time.Second, calls[2].delay)
}

func TestNonRetryableCodeFailsImmediately(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	retry, err := domain.NewRetryPolicy(3, time.Second, 10*time.Second, 2.0, "TIMEOUT")
	require.NoError(t, err)
	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a", Retry: retry}))
	run := f.startedRun(t, "tenant-1", "wf")

	require.NoError(t, f.manager.HandleNodeResult(ctx, f.failureResult(t, run.ID, "a", 1, "FATAL")))

	assert.Empty(t, f.retries.retries())
	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusFailed, loaded.NodeExecutions["a"].Status)
	assert.Equal(t, domain.RunStatusRunning, loaded.Status, "non-critical failure keeps the run alive")
}

func TestCriticalFailureWithoutCompensationFailsRun(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a", Critical: true}))
	run := f.startedRun(t, "tenant-1", "wf")

	require.NoError(t, f.manager.HandleNodeResult(ctx, f.failureResult(t, run.ID, "a", 1, "FATAL")))

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, loaded.Status)
	assert.Empty(t, f.compensation.started)
}

func TestCriticalFailureStartsCompensation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	def := simpleDefinition(t, "wf",
		domain.NodeDefinition{ID: "a"},
		domain.NodeDefinition{ID: "b", DependsOn: []string{"a"}, Critical: true},
	)
	def.Compensation = &domain.CompensationPolicy{Enabled: true, Strategy: domain.CompensationSequential}
	f.register(t, def)
	run := f.startedRun(t, "tenant-1", "wf")

	require.NoError(t, f.manager.HandleNodeResult(ctx, f.successResult(t, run.ID, "a", 1, nil)))
	require.NoError(t, f.manager.HandleNodeResult(ctx, f.failureResult(t, run.ID, "b", 1, "FATAL")))

	require.Equal(t, []string{run.ID}, f.compensation.started)

	// The walker owns the terminal transition; the run is not failed yet.
	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, loaded.Status)
}

func TestCompensationResultRoutedToWalker(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")

	// The execute result for attempt 1 lands first.
	require.NoError(t, f.manager.HandleNodeResult(ctx, f.successResult(t, run.ID, "a", 1, nil)))

	// A compensation result for the same (node, attempt) must not be
	// treated as a duplicate of the execute result.
	result := f.successResult(t, run.ID, "a", 1, nil)
	result.Kind = domain.TaskKindCompensate
	require.NoError(t, f.manager.HandleNodeResult(ctx, result))

	require.Len(t, f.compensation.resolved, 1)
	assert.Equal(t, "a", f.compensation.resolved[0].NodeID)
}

func TestSuspendResumeMergesData(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "approve"}))
	run := f.startedRun(t, "tenant-1", "wf")

	require.NoError(t, f.manager.SuspendRun(ctx, run.ID, "human approval", "approve"))

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuspended, loaded.Status)
	assert.Equal(t, domain.NodeStatusWaitingSignal, loaded.NodeExecutions["approve"].Status)

	require.NoError(t, f.manager.ResumeRun(ctx, run.ID, map[string]interface{}{"approved_by": "alice"}, "task-7"))

	loaded, err = f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, loaded.Status)
	assert.Equal(t, "alice", loaded.Variables["approved_by"])
	assert.Equal(t, domain.NodeStatusPending, loaded.NodeExecutions["approve"].Status, "waiting node is dispatchable again")
}

func TestSignalResumesSuspendedRun(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "wait"}))
	run := f.startedRun(t, "tenant-1", "wf")
	require.NoError(t, f.manager.SuspendRun(ctx, run.ID, "waiting", "wait"))

	require.NoError(t, f.manager.Signal(ctx, run.ID, "document-ready", "wait", map[string]interface{}{
		"document_id": "doc-1",
	}))

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, loaded.Status)
	assert.Equal(t, "doc-1", loaded.Variables["document_id"])

	log, err := f.history.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(log, domain.EventTypeSignal))
}

func TestSignalToRunningRunConflicts(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")

	err := f.manager.Signal(ctx, run.ID, "sig", "", nil)
	require.Error(t, err)
	assert.True(t, domain.IsErrorType(err, domain.ErrorTypeConflict))
}

func TestSignalWrongNodeConflicts(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "wait"}, domain.NodeDefinition{ID: "other"}))
	run := f.startedRun(t, "tenant-1", "wf")
	require.NoError(t, f.manager.SuspendRun(ctx, run.ID, "waiting", "wait"))

	err := f.manager.Signal(ctx, run.ID, "sig", "other", nil)
	require.Error(t, err)
	assert.True(t, domain.IsErrorType(err, domain.ErrorTypeConflict))
}

func TestCompleteRunPublishesOutcome(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))
	run := f.startedRun(t, "tenant-1", "wf")
	require.NoError(t, f.manager.HandleNodeResult(ctx, f.successResult(t, run.ID, "a", 1, nil)))

	require.NoError(t, f.manager.CompleteRun(ctx, run.ID))

	loaded, err := f.runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, loaded.Status)

	// Completing again is a no-op.
	require.NoError(t, f.manager.CompleteRun(ctx, run.ID))
}

func TestTerminalStatusesReachSubscribers(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	updates, cleanup, err := f.bus.SubscribeRunUpdates()
	require.NoError(t, err)
	defer cleanup()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))

	completed := f.startedRun(t, "tenant-1", "wf")
	require.NoError(t, f.manager.HandleNodeResult(ctx, f.successResult(t, completed.ID, "a", 1, nil)))
	require.NoError(t, f.manager.CompleteRun(ctx, completed.ID))

	failed := f.startedRun(t, "tenant-1", "wf")
	require.NoError(t, f.manager.FailRun(ctx, failed.ID, "boom", "a"))

	sawCompleted, sawFailed := false, false
	deadline := time.After(5 * time.Second)
	for !sawCompleted || !sawFailed {
		select {
		case update := <-updates:
			if update.RunID == completed.ID && update.Status == domain.RunStatusCompleted {
				sawCompleted = true
			}
			if update.RunID == failed.ID && update.Status == domain.RunStatusFailed {
				sawFailed = true
			}
		case <-deadline:
			t.Fatalf("terminal updates not observed: completed=%v failed=%v", sawCompleted, sawFailed)
		}
	}
}

func TestCreateRunAppliesInputDefaults(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	def := simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"})
	def.Inputs = map[string]domain.InputSpec{
		"region":   {Type: "string", Default: "eu-west-1"},
		"priority": {Type: "string", Required: true},
	}
	f.register(t, def)

	run, err := f.manager.CreateRun(ctx, "tenant-1", "wf", map[string]interface{}{"priority": "high"})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", run.Variables["region"])
	assert.Equal(t, "high", run.Variables["priority"])
}

func TestCreateRunRejectsMissingRequiredInput(t *testing.T) {
	f := newManagerFixture(t)

	def := simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"})
	def.Inputs = map[string]domain.InputSpec{
		"priority": {Type: "string", Required: true},
	}
	f.register(t, def)

	_, err := f.manager.CreateRun(context.Background(), "tenant-1", "wf", nil)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestCreateRunUnknownDefinition(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.CreateRun(context.Background(), "tenant-1", "ghost", nil)
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

func TestTenantIsolation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.register(t, simpleDefinition(t, "wf", domain.NodeDefinition{ID: "a"}))

	_, err := f.manager.CreateRun(ctx, "tenant-2", "wf", nil)
	require.Error(t, err, "definition registered for tenant-1 is invisible to tenant-2")
	assert.True(t, domain.IsNotFound(err))
}
