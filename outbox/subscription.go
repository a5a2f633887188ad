package outbox

import (
	"sync"

	"github.com/ClipFinance/tx-pipeline/common/types"
)

// Subscription delivers outbox snapshots. A slow reader only ever sees the latest one.
type Subscription struct {
	ch    chan []types.PendingTransaction
	store *Store

	mu     sync.Mutex
	closed bool
}

// C returns the snapshot channel. It is closed by Close.
func (s *Subscription) C() <-chan []types.PendingTransaction {
	return s.ch
}

// Close unsubscribes and closes the channel. It is safe to call more than once.
func (s *Subscription) Close() {
	s.store.unsubscribe(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer replaces any undelivered snapshot with rows.
func (s *Subscription) offer(rows []types.PendingTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- rows
}
