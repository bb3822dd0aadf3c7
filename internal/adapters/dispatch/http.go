package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// HTTPDispatcher posts the JSON-encoded envelope to the executor's
// endpoint. Any 2xx acknowledges acceptance; the result itself arrives
// later through the node-result ingress.
type HTTPDispatcher struct {
	client   *http.Client
	priority int
	logger   *slog.Logger
}

func NewHTTPDispatcher(priority int, timeout time.Duration, logger *slog.Logger) *HTTPDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{
		client:   &http.Client{Timeout: timeout},
		priority: priority,
		logger:   logger.With("component", "dispatcher", "adapter", "http"),
	}
}

func (d *HTTPDispatcher) CommunicationType() domain.CommunicationType {
	return domain.CommunicationHTTP
}

func (d *HTTPDispatcher) Supports(executor domain.ExecutorInfo) bool {
	return executor.Communication == domain.CommunicationHTTP
}

func (d *HTTPDispatcher) Priority() int { return d.priority }

func (d *HTTPDispatcher) IsHealthy() bool { return true }

func (d *HTTPDispatcher) Dispatch(ctx context.Context, task domain.TaskEnvelope, executor domain.ExecutorInfo) error {
	body, err := json.Marshal(task)
	if err != nil {
		return domain.NewInternalError("failed to serialize task envelope", err)
	}

	if executor.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, executor.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, executor.Endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.NewDispatchError("failed to build dispatch request", err, map[string]interface{}{
			"executor_id": executor.ID,
			"endpoint":    executor.Endpoint,
		})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cadenza-Idempotency-Key", task.IdempotencyKey)
	req.Header.Set("X-Cadenza-Signature", task.Signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.NewDispatchError("http dispatch failed", err, map[string]interface{}{
			"executor_id": executor.ID,
			"endpoint":    executor.Endpoint,
			"run_id":      task.RunID,
			"node_id":     task.NodeID,
		})
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.NewDispatchError("executor rejected task", fmt.Errorf("status %d", resp.StatusCode), map[string]interface{}{
			"executor_id": executor.ID,
			"endpoint":    executor.Endpoint,
			"status_code": resp.StatusCode,
		})
	}

	d.logger.Debug("task dispatched",
		"run_id", task.RunID,
		"node_id", task.NodeID,
		"attempt", task.Attempt,
		"executor_id", executor.ID,
		"status_code", resp.StatusCode)
	return nil
}
