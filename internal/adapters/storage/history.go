package storage

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// History is the badger-backed execution log and idempotency ledger.
// Events for a run live under a common prefix with a zero-padded
// sequence suffix, so Load is a single ordered prefix scan. Processed
// markers are presence keys.
type History struct {
	db     *badger.DB
	logger *slog.Logger

	// Guards the read-increment-write on the per-run sequence counter.
	mu sync.Mutex
}

func NewHistory(db *badger.DB, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		db:     db,
		logger: logger.With("component", "execution-history", "adapter", "badger"),
	}
}

func (h *History) Append(ctx context.Context, runID string, eventType domain.EventType, message string, metadata map[string]interface{}) (*domain.ExecutionEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	event := domain.ExecutionEvent{
		EventID:   uuid.NewString(),
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}

	err := h.db.Update(func(txn *badger.Txn) error {
		seq, err := h.nextSequence(txn, runID)
		if err != nil {
			return err
		}
		event.Sequence = seq

		data, err := json.Marshal(event)
		if err != nil {
			return domain.NewInternalError("failed to serialize history event", err)
		}
		return txn.Set(historyKey(runID, seq), data)
	})
	if err != nil {
		return nil, err
	}

	return &event, nil
}

func (h *History) nextSequence(txn *badger.Txn, runID string) (uint64, error) {
	key := sequenceKey(runID)
	var current uint64

	item, err := txn.Get(key)
	if err == nil {
		value, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		current, err = strconv.ParseUint(string(value), 10, 64)
		if err != nil {
			return 0, domain.NewInternalError("corrupt history sequence", err)
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}

	next := current + 1
	if err := txn.Set(key, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

func (h *History) IsNodeResultProcessed(ctx context.Context, runID, nodeID string, attempt int) (bool, error) {
	processed := false
	err := h.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(processedKey(runID, nodeID, attempt))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		processed = true
		return nil
	})
	return processed, err
}

// MarkNodeResultProcessed sets the presence key and reports whether it
// already existed. The read and the write share one transaction; a
// conflicting concurrent marker is retried and then observes the winner.
func (h *History) MarkNodeResultProcessed(ctx context.Context, runID, nodeID string, attempt int) (bool, error) {
	key := processedKey(runID, nodeID, attempt)
	for {
		already := false
		err := h.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(key)
			if err == nil {
				already = true
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set(key, []byte{1})
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return already, err
	}
}

func (h *History) Load(ctx context.Context, runID string) ([]domain.ExecutionEvent, error) {
	var events []domain.ExecutionEvent

	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := historyPrefix(runID)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var event domain.ExecutionEvent
			if err := json.Unmarshal(value, &event); err != nil {
				return domain.NewInternalError("failed to deserialize history event", err)
			}
			// The enum is closed; anything a newer or older writer left
			// behind maps to unknown instead of leaking through.
			event.Type = domain.ParseEventType(string(event.Type))
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
