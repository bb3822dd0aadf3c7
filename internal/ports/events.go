package ports

import (
	"context"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// EventManager carries the two triggers that drive the orchestration
// cycle: node results arriving from transports and run-updated
// notifications published after every committed mutation.
type EventManager interface {
	Start(ctx context.Context) error
	Stop() error

	PublishRunUpdated(event domain.RunUpdatedEvent) error
	PublishNodeResult(event domain.NodeResultEvent) error
	PublishRunCompleted(event domain.RunCompletedEvent) error
	PublishRunFailed(event domain.RunFailedEvent) error

	OnRunUpdated(handler func(event *domain.RunUpdatedEvent)) error
	OnNodeResult(handler func(event *domain.NodeResultEvent)) error
	OnRunCompleted(handler func(event *domain.RunCompletedEvent)) error
	OnRunFailed(handler func(event *domain.RunFailedEvent)) error

	SubscribeRunUpdates() (<-chan domain.RunUpdatedEvent, func(), error)
}
