package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/common/types"
)

// MemoryBackend keeps rows in process memory. Mutations build a new map and swap it in,
// so readers holding the previous map are unaffected.
type MemoryBackend struct {
	mu      sync.RWMutex
	pending map[string]types.PendingTransaction
	failed  []types.FailedTransaction
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		pending: make(map[string]types.PendingTransaction),
	}
}

func (b *MemoryBackend) Insert(_ context.Context, tx types.PendingTransaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[tx.ID]; ok {
		return commonerrors.ErrDuplicateID
	}
	next := clonePendingMap(b.pending)
	next[tx.ID] = tx.Clone()
	b.pending = next
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]types.PendingTransaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.PendingTransaction, 0, len(b.pending))
	for _, tx := range b.pending {
		out = append(out, tx.Clone())
	}
	sortPending(out)
	return out, nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (types.PendingTransaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tx, ok := b.pending[id]
	if !ok {
		return types.PendingTransaction{}, commonerrors.ErrNotFound
	}
	return tx.Clone(), nil
}

func (b *MemoryBackend) IncrementRetries(_ context.Context, id string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.pending[id]
	if !ok {
		return 0, commonerrors.ErrNotFound
	}
	tx.Retries++
	next := clonePendingMap(b.pending)
	next[id] = tx
	b.pending = next
	return tx.Retries, nil
}

func (b *MemoryBackend) SetPayload(_ context.Context, id string, payload []byte, signature string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.pending[id]
	if !ok {
		return commonerrors.ErrNotFound
	}
	tx.Payload = append([]byte(nil), payload...)
	tx.Signature = signature
	next := clonePendingMap(b.pending)
	next[id] = tx
	b.pending = next
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return commonerrors.ErrNotFound
	}
	next := clonePendingMap(b.pending)
	delete(next, id)
	b.pending = next
	return nil
}

func (b *MemoryBackend) MoveToFailed(_ context.Context, id string, reason types.FailureReason, cause string, failedAt time.Time) (types.FailedTransaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.pending[id]
	if !ok {
		return types.FailedTransaction{}, commonerrors.ErrNotFound
	}
	record := types.FailedTransaction{
		Transaction: tx.Clone(),
		Reason:      reason,
		Error:       cause,
		FailedAt:    failedAt,
	}
	next := clonePendingMap(b.pending)
	delete(next, id)
	nextFailed := make([]types.FailedTransaction, 0, len(b.failed)+1)
	nextFailed = append(nextFailed, b.failed...)
	nextFailed = append(nextFailed, record)

	b.pending = next
	b.failed = nextFailed
	return record, nil
}

func (b *MemoryBackend) ListFailed(_ context.Context) ([]types.FailedTransaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.FailedTransaction, 0, len(b.failed))
	for _, record := range b.failed {
		record.Transaction = record.Transaction.Clone()
		out = append(out, record)
	}
	return out, nil
}

func clonePendingMap(in map[string]types.PendingTransaction) map[string]types.PendingTransaction {
	out := make(map[string]types.PendingTransaction, len(in)+1)
	for id, tx := range in {
		out[id] = tx
	}
	return out
}

func sortPending(rows []types.PendingTransaction) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
