package dispatch

import (
	"context"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cadenza-io/cadenza/internal/domain"
)

const grpcExecuteMethod = "/cadenza.executor.v1.Executor/Execute"

// GRPCDispatcher delivers task envelopes to gRPC executors. Executor
// payloads are schema-loose, so the envelope travels as a structpb.Struct
// invoked against a fixed method name instead of generated stubs; the
// executor side decodes the struct into its own task type. Connections
// are cached per endpoint.
type GRPCDispatcher struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	priority int
	closed   bool
	logger   *slog.Logger
}

func NewGRPCDispatcher(priority int, logger *slog.Logger) *GRPCDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCDispatcher{
		conns:    make(map[string]*grpc.ClientConn),
		priority: priority,
		logger:   logger.With("component", "dispatcher", "adapter", "grpc"),
	}
}

func (d *GRPCDispatcher) CommunicationType() domain.CommunicationType {
	return domain.CommunicationGRPC
}

func (d *GRPCDispatcher) Supports(executor domain.ExecutorInfo) bool {
	return executor.Communication == domain.CommunicationGRPC
}

func (d *GRPCDispatcher) Priority() int { return d.priority }

func (d *GRPCDispatcher) IsHealthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

func (d *GRPCDispatcher) Dispatch(ctx context.Context, task domain.TaskEnvelope, executor domain.ExecutorInfo) error {
	conn, err := d.conn(executor.Endpoint)
	if err != nil {
		return err
	}

	if executor.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, executor.Timeout)
		defer cancel()
	}

	request, err := envelopeToStruct(task)
	if err != nil {
		return err
	}

	response := &structpb.Struct{}
	if err := conn.Invoke(ctx, grpcExecuteMethod, request, response); err != nil {
		return domain.NewDispatchError("grpc dispatch failed", err, map[string]interface{}{
			"executor_id": executor.ID,
			"endpoint":    executor.Endpoint,
			"run_id":      task.RunID,
			"node_id":     task.NodeID,
		})
	}

	d.logger.Debug("task dispatched",
		"run_id", task.RunID,
		"node_id", task.NodeID,
		"attempt", task.Attempt,
		"executor_id", executor.ID)
	return nil
}

// CheckEndpoint queries an executor's standard gRPC health service.
func (d *GRPCDispatcher) CheckEndpoint(ctx context.Context, endpoint string) error {
	conn, err := d.conn(endpoint)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return domain.NewDispatchError("grpc health check failed", err, map[string]interface{}{
			"endpoint": endpoint,
		})
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return domain.NewDispatchError("grpc executor not serving", nil, map[string]interface{}{
			"endpoint": endpoint,
			"status":   resp.GetStatus().String(),
		})
	}
	return nil
}

func (d *GRPCDispatcher) conn(endpoint string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, domain.ErrClosed
	}
	if conn, ok := d.conns[endpoint]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, domain.NewDispatchError("failed to connect to executor", err, map[string]interface{}{
			"endpoint": endpoint,
		})
	}
	d.conns[endpoint] = conn

	d.logger.Debug("executor connection opened", "endpoint", endpoint)
	return conn, nil
}

func (d *GRPCDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for endpoint, conn := range d.conns {
		if err := conn.Close(); err != nil {
			d.logger.Error("failed to close executor connection",
				"endpoint", endpoint,
				"error", err)
		}
	}
	d.conns = make(map[string]*grpc.ClientConn)
	return nil
}

func envelopeToStruct(task domain.TaskEnvelope) (*structpb.Struct, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, domain.NewInternalError("failed to serialize task envelope", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, domain.NewInternalError("failed to normalize task envelope", err)
	}

	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, domain.NewInternalError("failed to build task struct", err)
	}
	return request, nil
}
