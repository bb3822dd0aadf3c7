package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// History is the in-memory append-only event log and idempotency ledger.
// Sequences are per-run and monotonic.
type History struct {
	mu        sync.RWMutex
	events    map[string][]domain.ExecutionEvent
	processed map[string]bool
	sequences map[string]uint64
	logger    *slog.Logger
}

func NewHistory(logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		events:    make(map[string][]domain.ExecutionEvent),
		processed: make(map[string]bool),
		sequences: make(map[string]uint64),
		logger:    logger.With("component", "execution-history", "adapter", "memory"),
	}
}

func (h *History) Append(ctx context.Context, runID string, eventType domain.EventType, message string, metadata map[string]interface{}) (*domain.ExecutionEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sequences[runID]++
	event := domain.ExecutionEvent{
		EventID:   uuid.NewString(),
		RunID:     runID,
		Type:      eventType,
		Sequence:  h.sequences[runID],
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}
	h.events[runID] = append(h.events[runID], event)

	h.logger.Debug("history event appended",
		"run_id", runID,
		"event_type", eventType,
		"sequence", event.Sequence)
	return &event, nil
}

func (h *History) IsNodeResultProcessed(ctx context.Context, runID, nodeID string, attempt int) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.processed[domain.IdempotencyKey(runID, nodeID, attempt)], nil
}

// MarkNodeResultProcessed sets the processed marker and reports whether
// it was already set, so exactly one of any concurrent identical
// deliveries observes false.
func (h *History) MarkNodeResultProcessed(ctx context.Context, runID, nodeID string, attempt int) (bool, error) {
	key := domain.IdempotencyKey(runID, nodeID, attempt)

	h.mu.Lock()
	defer h.mu.Unlock()

	already := h.processed[key]
	h.processed[key] = true
	return already, nil
}

func (h *History) Load(ctx context.Context, runID string) ([]domain.ExecutionEvent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	events := make([]domain.ExecutionEvent, len(h.events[runID]))
	copy(events, h.events[runID])
	return events, nil
}
