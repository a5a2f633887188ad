package outbox

import (
	"context"
	"strings"
	"sync"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Store is the outbox facade. Mutations are serialised, committed to the backend and then
// published to subscribers in commit order.
type Store struct {
	backend Backend
	logger  *logrus.Logger
	now     func() time.Time

	// mu serialises mutations together with their publication.
	mu sync.Mutex

	subsMu   sync.Mutex
	subs     map[*Subscription]struct{}
	snapshot []types.PendingTransaction
	loaded   bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for CreatedAt and FailedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store over backend.
//
// Parameters:
// - backend: the persistence layer.
// - logger: the logger for logging purposes.
// - opts: optional settings.
//
// Returns:
// - *Store: the new store.
func NewStore(backend Backend, logger *logrus.Logger, opts ...Option) *Store {
	if backend == nil {
		panic("outbox: backend is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{
		backend: backend,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		subs:    make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue inserts a new pending transaction with Retries = 0.
//
// Parameters:
// - ctx: the context for managing the request.
// - tx: the transfer intent. An empty ID is replaced by a fresh UUID.
//
// Returns:
// - types.PendingTransaction: the stored row.
// - error: ErrInvalidTransaction, ErrDuplicateID or a backend error.
func (s *Store) Enqueue(ctx context.Context, tx types.PendingTransaction) (types.PendingTransaction, error) {
	tx.ID = strings.TrimSpace(tx.ID)
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.FeePreset == "" {
		tx.FeePreset = types.FeeNormal
	}
	tx.Retries = 0
	tx.Payload = nil
	tx.Signature = ""
	tx.CreatedAt = s.now()
	if err := tx.Validate(); err != nil {
		return types.PendingTransaction{}, errors.Wrapf(commonerrors.ErrInvalidTransaction, "%v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Insert(ctx, tx); err != nil {
		if errors.Is(err, commonerrors.ErrDuplicateID) {
			return types.PendingTransaction{}, errors.Wrapf(err, "id %s", tx.ID)
		}
		return types.PendingTransaction{}, errors.Wrap(err, "failed to insert pending transaction")
	}
	s.logger.WithFields(logrus.Fields{
		"id":         tx.ID,
		"to":         tx.ToAddress,
		"amount":     tx.Amount,
		"fee_preset": tx.FeePreset,
	}).Info("Transaction enqueued")

	s.publishLocked(ctx)
	return tx.Clone(), nil
}

// GetAll returns the authoritative row set ordered by CreatedAt, then ID.
func (s *Store) GetAll(ctx context.Context) ([]types.PendingTransaction, error) {
	rows, err := s.backend.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending transactions")
	}
	return rows, nil
}

// Get returns one row or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (types.PendingTransaction, error) {
	tx, err := s.backend.Get(ctx, id)
	if err != nil {
		return types.PendingTransaction{}, errors.Wrapf(err, "id %s", id)
	}
	return tx, nil
}

// IncrementRetries atomically adds one to the retry counter of a row.
//
// Returns:
// - int: the new retry count.
// - error: ErrNotFound when the row was already removed.
func (s *Store) IncrementRetries(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	retries, err := s.backend.IncrementRetries(ctx, id)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to increment retries of %s", id)
	}
	s.publishLocked(ctx)
	return retries, nil
}

// AttachPayload stores the signed wire transaction of a row.
func (s *Store) AttachPayload(ctx context.Context, id string, payload []byte, signature string) error {
	if len(payload) == 0 || signature == "" {
		return errors.New("payload and signature are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.SetPayload(ctx, id, payload, signature); err != nil {
		return errors.Wrapf(err, "failed to attach payload to %s", id)
	}
	s.publishLocked(ctx)
	return nil
}

// Remove deletes a row after a terminal success.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "failed to remove %s", id)
	}
	s.publishLocked(ctx)
	return nil
}

// MarkFailed moves a row out of the active outbox into the permanently failed records.
//
// Parameters:
// - ctx: the context for managing the request.
// - id: the row to move.
// - reason: why the row can never be submitted.
// - cause: the last error observed, may be nil.
//
// Returns:
// - types.FailedTransaction: the failure record.
// - error: ErrNotFound when the row was already removed.
func (s *Store) MarkFailed(ctx context.Context, id string, reason types.FailureReason, cause error) (types.FailedTransaction, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.backend.MoveToFailed(ctx, id, reason, message, s.now())
	if err != nil {
		return types.FailedTransaction{}, errors.Wrapf(err, "failed to mark %s as failed", id)
	}
	metrics.OutboxFailedTotal.WithLabelValues(string(reason)).Inc()
	s.logger.WithFields(logrus.Fields{
		"id":      id,
		"reason":  reason,
		"retries": record.Transaction.Retries,
		"error":   message,
	}).Warn("Transaction permanently failed")

	s.publishLocked(ctx)
	return record, nil
}

// Failed returns the permanently failed records.
func (s *Store) Failed(ctx context.Context) ([]types.FailedTransaction, error) {
	records, err := s.backend.ListFailed(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed transactions")
	}
	return records, nil
}

// Subscribe registers a subscriber. The subscription first holds the current snapshot,
// then a fresh snapshot after every committed mutation.
func (s *Store) Subscribe(ctx context.Context) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subsMu.Lock()
	loaded := s.loaded
	s.subsMu.Unlock()
	if !loaded {
		if err := s.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}

	sub := &Subscription{
		ch:    make(chan []types.PendingTransaction, 1),
		store: s,
	}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	sub.offer(s.snapshot)
	s.subsMu.Unlock()
	return sub, nil
}

// Snapshot returns the last published row set. It is empty until the first mutation or subscription.
// The returned slice must not be modified.
func (s *Store) Snapshot() []types.PendingTransaction {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return s.snapshot
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, sub)
}

// refreshLocked reloads the snapshot from the backend. Callers hold s.mu.
func (s *Store) refreshLocked(ctx context.Context) error {
	rows, err := s.backend.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load outbox snapshot")
	}
	s.subsMu.Lock()
	s.snapshot = rows
	s.loaded = true
	s.subsMu.Unlock()
	metrics.OutboxDepth.Set(float64(len(rows)))
	return nil
}

// publishLocked sends the committed state to every subscriber. Callers hold s.mu.
// A failed reload is logged; the mutation itself is already committed.
func (s *Store) publishLocked(ctx context.Context) {
	if err := s.refreshLocked(context.WithoutCancel(ctx)); err != nil {
		s.logger.WithError(err).Error("Failed to publish outbox snapshot")
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		sub.offer(s.snapshot)
	}
}
