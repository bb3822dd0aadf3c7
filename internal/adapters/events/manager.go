package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// Manager is the in-process event bus between the run manager and the
// orchestrator drive loop. Publishes are non-blocking: events go onto a
// buffered queue drained by a single pump goroutine, so no publisher ever
// stalls while a run lock is held.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	queue   chan interface{}
	wg      sync.WaitGroup

	runUpdatedHandlers   []func(*domain.RunUpdatedEvent)
	nodeResultHandlers   []func(*domain.NodeResultEvent)
	runCompletedHandlers []func(*domain.RunCompletedEvent)
	runFailedHandlers    []func(*domain.RunFailedEvent)

	channels map[string]chan domain.RunUpdatedEvent
}

const queueDepth = 1024

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "event-manager"),
		queue:    make(chan interface{}, queueDepth),
		channels: make(map[string]chan domain.RunUpdatedEvent),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return domain.NewConflictError("event manager already started", nil)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go m.pump(ctx)

	m.logger.Debug("event manager started")
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return domain.NewConflictError("event manager not started", nil)
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.channels {
		close(ch)
		delete(m.channels, id)
	}
	m.mu.Unlock()

	m.logger.Debug("event manager stopped")
	return nil
}

func (m *Manager) pump(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.queue:
			m.deliver(event)
		}
	}
}

func (m *Manager) deliver(event interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch e := event.(type) {
	case domain.RunUpdatedEvent:
		for _, handler := range m.runUpdatedHandlers {
			handler(&e)
		}
		for _, ch := range m.channels {
			select {
			case ch <- e:
			default:
				m.logger.Warn("run update channel full, dropping event", "run_id", e.RunID)
			}
		}
	case domain.NodeResultEvent:
		for _, handler := range m.nodeResultHandlers {
			handler(&e)
		}
	case domain.RunCompletedEvent:
		for _, handler := range m.runCompletedHandlers {
			handler(&e)
		}
	case domain.RunFailedEvent:
		for _, handler := range m.runFailedHandlers {
			handler(&e)
		}
	default:
		m.logger.Warn("unknown event type dropped")
	}
}

func (m *Manager) publish(event interface{}) error {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()

	if !running {
		return domain.NewConflictError("event manager not started", nil)
	}

	select {
	case m.queue <- event:
		return nil
	default:
		m.logger.Error("event queue full, dropping event")
		return domain.NewInternalError("event queue full", nil)
	}
}

func (m *Manager) PublishRunUpdated(event domain.RunUpdatedEvent) error {
	return m.publish(event)
}

func (m *Manager) PublishNodeResult(event domain.NodeResultEvent) error {
	return m.publish(event)
}

func (m *Manager) PublishRunCompleted(event domain.RunCompletedEvent) error {
	return m.publish(event)
}

func (m *Manager) PublishRunFailed(event domain.RunFailedEvent) error {
	return m.publish(event)
}

func (m *Manager) OnRunUpdated(handler func(event *domain.RunUpdatedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runUpdatedHandlers = append(m.runUpdatedHandlers, handler)
	return nil
}

func (m *Manager) OnNodeResult(handler func(event *domain.NodeResultEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeResultHandlers = append(m.nodeResultHandlers, handler)
	return nil
}

func (m *Manager) OnRunCompleted(handler func(event *domain.RunCompletedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCompletedHandlers = append(m.runCompletedHandlers, handler)
	return nil
}

func (m *Manager) OnRunFailed(handler func(event *domain.RunFailedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runFailedHandlers = append(m.runFailedHandlers, handler)
	return nil
}

func (m *Manager) SubscribeRunUpdates() (<-chan domain.RunUpdatedEvent, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan domain.RunUpdatedEvent, 64)
	m.channels[id] = ch

	cleanup := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.channels[id]; ok {
			close(existing)
			delete(m.channels, id)
		}
	}
	return ch, cleanup, nil
}
