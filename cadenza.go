// Package cadenza is a multi-tenant workflow orchestration engine. A
// workflow is a validated DAG of nodes; runs walk the DAG, dispatching
// each ready node to a registered executor over gRPC, HTTP, or an
// in-process handler, and applying reported results exactly once.
//
// Basic usage:
//
//	engine, _ := cadenza.New(cadenza.DefaultConfig())
//	engine.Start(context.Background())
//	defer engine.Stop()
//
//	engine.LoadDefinitionFile(ctx, "billing.yaml")
//	engine.RegisterExecutor(ctx, cadenza.ExecutorInfo{ID: "worker-1", ...})
//
//	run, _ := engine.CreateRun(ctx, "tenant-a", "billing", inputs)
//	engine.StartRun(ctx, run.ID)
package cadenza

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-io/cadenza/internal/adapters/definition"
	"github.com/cadenza-io/cadenza/internal/adapters/dispatch"
	"github.com/cadenza-io/cadenza/internal/adapters/engine"
	"github.com/cadenza-io/cadenza/internal/adapters/events"
	"github.com/cadenza-io/cadenza/internal/adapters/memory"
	execregistry "github.com/cadenza-io/cadenza/internal/adapters/registry"
	"github.com/cadenza-io/cadenza/internal/adapters/storage"
	"github.com/cadenza-io/cadenza/internal/domain"
	"github.com/cadenza-io/cadenza/internal/ports"
)

// Core domain types re-exported for callers.

type WorkflowDefinition = domain.WorkflowDefinition

type NodeDefinition = domain.NodeDefinition

type Transition = domain.Transition

type Condition = domain.Condition

type RetryPolicy = domain.RetryPolicy

type CompensationPolicy = domain.CompensationPolicy

type WorkflowRun = domain.WorkflowRun

type RunStatus = domain.RunStatus

type NodeStatus = domain.NodeStatus

type ExecutorInfo = domain.ExecutorInfo

type ExecutorHealthInfo = domain.ExecutorHealthInfo

type TaskEnvelope = domain.TaskEnvelope

type NodeResult = domain.NodeResult

type ExecutionEvent = domain.ExecutionEvent

type RunUpdatedEvent = domain.RunUpdatedEvent

// ExecutorFunc is the signature for in-process executors.
type ExecutorFunc = dispatch.ExecutorFunc

type CommunicationType = domain.CommunicationType

type TaskKind = domain.TaskKind

const (
	CommunicationGRPC      = domain.CommunicationGRPC
	CommunicationHTTP      = domain.CommunicationHTTP
	CommunicationInProcess = domain.CommunicationInProcess

	TaskKindExecute    = domain.TaskKindExecute
	TaskKindCompensate = domain.TaskKindCompensate
)

const (
	RunStatusCreated   = domain.RunStatusCreated
	RunStatusRunning   = domain.RunStatusRunning
	RunStatusSuspended = domain.RunStatusSuspended
	RunStatusCompleted = domain.RunStatusCompleted
	RunStatusFailed    = domain.RunStatusFailed
	RunStatusCancelled = domain.RunStatusCancelled
)

// Engine wires the orchestration core to its adapters. One Engine owns
// one state store; run IDs are unique within it.
type Engine struct {
	config *Config
	logger *slog.Logger

	store       *storage.Store
	definitions ports.DefinitionRegistry
	runs        ports.RunRepository
	history     ports.ExecutionHistory
	registry    *execregistry.Adapter
	events      *events.Manager
	manager     *engine.RunManager
	orch        *engine.Orchestrator
	inprocess   *dispatch.InProcessDispatcher
	grpc        *dispatch.GRPCDispatcher
	loader      *definition.Loader

	mu      sync.Mutex
	started bool
}

// New builds an engine from the config. Nothing runs until Start.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	secret := cfg.TokenSecret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, domain.NewInternalError("failed to generate token secret", err)
		}
		logger.Warn("no token secret configured, generated an ephemeral one")
	}

	e := &Engine{
		config: cfg,
		logger: logger,
	}

	if cfg.DataDir != "" {
		store, err := storage.Open(cfg.DataDir, logger)
		if err != nil {
			return nil, err
		}
		e.store = store
		e.runs = store.Runs()
		e.history = store.History()
	} else {
		e.runs = memory.NewRunRepository(logger)
		e.history = memory.NewHistory(logger)
	}
	e.definitions = memory.NewDefinitionRegistry(logger)
	e.loader = definition.NewLoader(e.definitions, logger)

	strategy, err := selectionStrategy(cfg.Selection, logger)
	if err != nil {
		return nil, err
	}
	e.registry = execregistry.NewAdapter(strategy, logger,
		execregistry.WithHealthThreshold(cfg.HealthThreshold),
		execregistry.WithSweepInterval(cfg.SweepInterval),
	)

	e.events = events.NewManager(logger)

	tokens := dispatch.NewTokenIssuer(secret, cfg.TokenTTL)
	signer := dispatch.NewSigner(secret)

	e.inprocess = dispatch.NewInProcessDispatcher(100, func(result domain.NodeResult) {
		if err := e.ReportNodeResult(context.Background(), result); err != nil {
			logger.Error("in-process result report failed",
				"run_id", result.RunID,
				"node_id", result.NodeID,
				"error", err)
		}
	}, logger)
	e.grpc = dispatch.NewGRPCDispatcher(cfg.GRPCPriority, logger)
	httpDispatcher := dispatch.NewHTTPDispatcher(cfg.HTTPPriority, cfg.HTTPTimeout, logger)

	aggregator := dispatch.NewAggregator([]ports.TaskDispatcher{
		e.inprocess,
		e.grpc,
		httpDispatcher,
	}, logger)

	e.manager = engine.NewRunManager(e.definitions, e.runs, e.history, e.events, tokens, logger)
	planner := engine.NewPlanner(logger)
	e.orch = engine.NewOrchestrator(
		e.manager, planner, e.definitions, e.runs, e.registry,
		aggregator, tokens, signer, e.events, logger,
	)

	return e, nil
}

func selectionStrategy(policy SelectionPolicy, logger *slog.Logger) (ports.SelectionStrategy, error) {
	switch policy {
	case SelectionRoundRobin:
		return execregistry.NewRoundRobinStrategy(logger), nil
	case SelectionRandom:
		return execregistry.NewRandomStrategy(time.Now().UnixNano(), logger), nil
	case SelectionLeastLoad:
		return execregistry.NewLeastLoadStrategy(logger), nil
	default:
		return nil, domain.NewValidationError("unknown selection policy", map[string]interface{}{
			"selection": policy,
		})
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return domain.NewConflictError("engine already started", nil)
	}

	if err := e.events.Start(ctx); err != nil {
		return err
	}
	if err := e.registry.Start(ctx); err != nil {
		return err
	}
	if err := e.orch.Start(ctx); err != nil {
		return err
	}

	e.started = true
	e.logger.Info("engine started")
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return domain.NewConflictError("engine not started", nil)
	}
	e.started = false

	if err := e.orch.Stop(); err != nil {
		e.logger.Error("orchestrator stop failed", "error", err)
	}
	if err := e.registry.Stop(); err != nil {
		e.logger.Error("registry stop failed", "error", err)
	}
	if err := e.events.Stop(); err != nil {
		e.logger.Error("event manager stop failed", "error", err)
	}
	if err := e.grpc.Close(); err != nil {
		e.logger.Error("grpc dispatcher close failed", "error", err)
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Error("storage close failed", "error", err)
		}
	}

	e.logger.Info("engine stopped")
	return nil
}

// RegisterDefinition validates and stores a workflow definition.
func (e *Engine) RegisterDefinition(ctx context.Context, def *WorkflowDefinition) error {
	return e.definitions.Register(ctx, def)
}

// LoadDefinition parses, validates, and stores a YAML definition.
func (e *Engine) LoadDefinition(ctx context.Context, data []byte) (*WorkflowDefinition, error) {
	return e.loader.Load(ctx, data)
}

// LoadDefinitionFile parses, validates, and stores the YAML definition
// at path.
func (e *Engine) LoadDefinitionFile(ctx context.Context, path string) (*WorkflowDefinition, error) {
	return e.loader.LoadFile(ctx, path)
}

// CreateRun instantiates a run of the given definition for the tenant.
// The run starts in CREATED; call StartRun to begin execution.
func (e *Engine) CreateRun(ctx context.Context, tenantID, definitionID string, inputs map[string]interface{}) (*WorkflowRun, error) {
	return e.manager.CreateRun(ctx, tenantID, definitionID, inputs)
}

func (e *Engine) StartRun(ctx context.Context, runID string) error {
	return e.manager.StartRun(ctx, runID)
}

func (e *Engine) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	return e.runs.FindByID(ctx, runID)
}

func (e *Engine) SuspendRun(ctx context.Context, runID, reason, waitingNodeID string) error {
	return e.manager.SuspendRun(ctx, runID, reason, waitingNodeID)
}

func (e *Engine) ResumeRun(ctx context.Context, runID string, mergeData map[string]interface{}, humanTaskID string) error {
	return e.manager.ResumeRun(ctx, runID, mergeData, humanTaskID)
}

func (e *Engine) CancelRun(ctx context.Context, runID, reason string) error {
	return e.manager.CancelRun(ctx, runID, reason)
}

// Signal delivers a named signal with payload to a suspended run.
func (e *Engine) Signal(ctx context.Context, runID, name, targetNodeID string, payload map[string]interface{}) error {
	return e.manager.Signal(ctx, runID, name, targetNodeID, payload)
}

// ReportNodeResult is the ingress for executor results regardless of
// transport. Delivery is at-least-once; duplicates are dropped against
// the idempotency ledger.
func (e *Engine) ReportNodeResult(ctx context.Context, result NodeResult) error {
	if result.ReportedAt.IsZero() {
		result.ReportedAt = time.Now()
	}
	return e.events.PublishNodeResult(domain.NodeResultEvent{
		Result:     result,
		ReceivedAt: time.Now(),
	})
}

// History returns the run's event log in append order.
func (e *Engine) History(ctx context.Context, runID string) ([]ExecutionEvent, error) {
	return e.history.Load(ctx, runID)
}

func (e *Engine) RegisterExecutor(ctx context.Context, info ExecutorInfo) error {
	return e.registry.RegisterExecutor(ctx, info)
}

func (e *Engine) DeregisterExecutor(ctx context.Context, executorID string) error {
	return e.registry.DeregisterExecutor(ctx, executorID)
}

func (e *Engine) Heartbeat(ctx context.Context, executorID string) error {
	return e.registry.Heartbeat(ctx, executorID)
}

// ExecutorHealth reports the last heartbeat seen for every registered
// executor, healthy or not.
func (e *Engine) ExecutorHealth() []ExecutorHealthInfo {
	return e.registry.HealthInfo()
}

// CheckExecutor actively checks a registered executor. gRPC executors
// expose the standard health service; other transports are judged by
// heartbeat freshness alone.
func (e *Engine) CheckExecutor(ctx context.Context, executorID string) error {
	info, ok := e.registry.GetExecutor(executorID)
	if !ok {
		return domain.NewNotFoundError("executor", executorID)
	}
	if info.Communication == domain.CommunicationGRPC {
		return e.grpc.CheckEndpoint(ctx, info.Endpoint)
	}
	return nil
}

// RegisterHandler installs an in-process executor function under the
// given executor id. The executor must also be registered with
// Communication set to in-process.
func (e *Engine) RegisterHandler(executorID string, fn ExecutorFunc) {
	e.inprocess.RegisterHandler(executorID, fn)
}

// SubscribeRunUpdates returns a channel of run status changes and a
// cleanup function the caller must invoke when done.
func (e *Engine) SubscribeRunUpdates() (<-chan RunUpdatedEvent, func(), error) {
	return e.events.SubscribeRunUpdates()
}
