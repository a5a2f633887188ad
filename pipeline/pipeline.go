package pipeline

import (
	"context"
	"sync"

	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/connectionmonitor"
	"github.com/ClipFinance/tx-pipeline/outbox"
	"github.com/ClipFinance/tx-pipeline/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Pipeline ties the outbox, the worker, the confirmation watcher and the endpoint health checks
// together.
type Pipeline struct {
	store          *outbox.Store
	worker         *worker.Worker
	watcher        types.StatusWatcher
	health         connectionmonitor.ConnectionMonitor
	statusHandler  StatusHandler
	failureHandler FailureHandler
	logger         *logrus.Logger

	watchesMutex sync.Mutex
	watches      sync.WaitGroup
	// stopped is set once Run waits for the watches; no new watch may start after that
	stopped      bool
}

// Enqueue adds tx to the outbox. A running worker picks it up through its store subscription.
//
// Parameters:
// - ctx: the context for managing the request.
// - tx: the transfer intent.
//
// Returns:
// - types.PendingTransaction: the stored row.
// - error: an error if the row could not be stored.
func (p *Pipeline) Enqueue(ctx context.Context, tx types.PendingTransaction) (types.PendingTransaction, error) {
	return p.store.Enqueue(ctx, tx)
}

// Subscribe returns a subscription to the outbox contents.
func (p *Pipeline) Subscribe(ctx context.Context) (*outbox.Subscription, error) {
	return p.store.Subscribe(ctx)
}

// Failed returns the permanently failed transactions.
func (p *Pipeline) Failed(ctx context.Context) ([]types.FailedTransaction, error) {
	return p.store.Failed(ctx)
}

// Watch streams the confirmation status of signature.
//
// Returns:
// - <-chan types.StatusEvent: the event stream, nil if no watcher is configured.
func (p *Pipeline) Watch(ctx context.Context, signature string) <-chan types.StatusEvent {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Watch(ctx, signature)
}

// Trigger requests a worker run, for example when the host application returns to the foreground.
func (p *Pipeline) Trigger() {
	p.worker.Trigger()
}

// RunOnce performs a single worker run.
func (p *Pipeline) RunOnce(ctx context.Context) (worker.Report, error) {
	return p.worker.RunOnce(ctx)
}

// Run runs the worker and the health checks until ctx is done, then waits for the
// confirmation watches started by the run.
//
// Parameters:
// - ctx: the context for managing the run.
//
// Returns:
// - error: an error if the health checks could not be started.
func (p *Pipeline) Run(ctx context.Context) error {
	p.watchesMutex.Lock()
	p.stopped = false
	p.watchesMutex.Unlock()

	if p.health != nil {
		if err := p.health.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start health checks")
		}
		defer p.health.Stop()
	}

	err := p.worker.Run(ctx)

	p.watchesMutex.Lock()
	p.stopped = true
	p.watchesMutex.Unlock()
	p.watches.Wait()
	return err
}

func (p *Pipeline) onSubmitted(ctx context.Context, tx types.PendingTransaction, signature string) {
	if p.watcher == nil {
		return
	}
	p.watchesMutex.Lock()
	defer p.watchesMutex.Unlock()
	if p.stopped {
		p.logger.WithFields(logrus.Fields{
			"id":        tx.ID,
			"signature": signature,
		}).Warn("Pipeline stopped, confirmation not watched")
		return
	}

	p.watches.Add(1)
	go func() {
		defer p.watches.Done()
		for event := range p.watcher.Watch(ctx, signature) {
			p.logger.WithFields(logrus.Fields{
				"id":        tx.ID,
				"signature": signature,
				"status":    event.Status,
			}).Debug("Confirmation status")
			p.statusHandler(tx, event)
		}
	}()
}

func (p *Pipeline) onFailed(_ context.Context, record types.FailedTransaction) {
	p.failureHandler(record)
}
