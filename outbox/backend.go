package outbox

import (
	"context"
	"time"

	"github.com/ClipFinance/tx-pipeline/common/types"
)

// Backend is the persistence layer behind a Store. Every method is atomic for a single row
// and returns copies, so callers never observe a half-updated row.
type Backend interface {
	// Insert adds a new row. It returns ErrDuplicateID when the ID already exists.
	Insert(ctx context.Context, tx types.PendingTransaction) error

	// List returns all active rows ordered by CreatedAt, then ID.
	List(ctx context.Context) ([]types.PendingTransaction, error)

	// Get returns a single row or ErrNotFound.
	Get(ctx context.Context, id string) (types.PendingTransaction, error)

	// IncrementRetries adds one to the retry counter and returns the new value, or ErrNotFound.
	IncrementRetries(ctx context.Context, id string) (int, error)

	// SetPayload stores the signed wire transaction and its signature, or returns ErrNotFound.
	SetPayload(ctx context.Context, id string, payload []byte, signature string) error

	// Delete removes a row, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// MoveToFailed removes the row from the active set and records it as permanently failed
	// in one atomic step. It returns ErrNotFound when the row is absent.
	MoveToFailed(ctx context.Context, id string, reason types.FailureReason, cause string, failedAt time.Time) (types.FailedTransaction, error)

	// ListFailed returns the permanently failed records ordered by FailedAt.
	ListFailed(ctx context.Context) ([]types.FailedTransaction, error)
}
