package ports

import (
	"context"

	"github.com/cadenza-io/cadenza/internal/domain"
)

// TaskDispatcher delivers a task envelope to an executor over one
// transport. Implementations are registered explicitly at startup; the
// aggregator sorts them by descending priority and picks the first whose
// Supports returns true for the target executor.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task domain.TaskEnvelope, executor domain.ExecutorInfo) error
	Supports(executor domain.ExecutorInfo) bool
	IsHealthy() bool
	Priority() int
	CommunicationType() domain.CommunicationType
}

// TokenIssuer mints and verifies single-use execution tokens. Verification
// checks the signature, the expiry, and that the token was minted for the
// presented (run, node, attempt).
type TokenIssuer interface {
	Mint(runID, nodeID string, attempt int) (domain.ExecutionToken, error)
	Verify(value, runID, nodeID string, attempt int) error
}
