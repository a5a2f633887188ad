package worker

import (
	"context"
	"sync"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/metrics"
	"github.com/ClipFinance/tx-pipeline/outbox"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Store is the part of the outbox the worker mutates.
type Store interface {
	GetAll(ctx context.Context) ([]types.PendingTransaction, error)
	IncrementRetries(ctx context.Context, id string) (int, error)
	Remove(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason types.FailureReason, cause error) (types.FailedTransaction, error)
	// Subscribe reports row set changes; new rows wake Run.
	Subscribe(ctx context.Context) (*outbox.Subscription, error)
}

const outcomeNone types.OutcomeKind = -1

// Report summarises one run.
type Report struct {
	Submitted int
	Retried   int
	Failed    int
	Skipped   int
}

// Worker drains the outbox through a Submitter.
type Worker struct {
	store     Store
	submitter types.Submitter
	logger    *logrus.Logger
	cfg       Config

	trigger chan struct{}

	inFlightMutex sync.Mutex
	inFlight      map[string]struct{}
}

// New creates a Worker.
//
// Parameters:
// - store: the outbox.
// - submitter: performs single submission attempts.
// - logger: the logger for logging purposes.
// - opts: optional settings.
//
// Returns:
// - *Worker: the new worker.
func New(store Store, submitter types.Submitter, logger *logrus.Logger, opts ...Option) *Worker {
	if store == nil {
		panic("worker: nil Store")
	}
	if submitter == nil {
		panic("worker: nil Submitter")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		store:     store,
		submitter: submitter,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		trigger:   make(chan struct{}, 1),
		inFlight:  make(map[string]struct{}),
	}
}

// RetryCap returns the configured retry cap.
func (w *Worker) RetryCap() int {
	return w.cfg.RetryCap
}

// Trigger requests a run. Triggers arriving while a run is pending are coalesced.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run processes the outbox on start, on every tick, on every Trigger and whenever a new row
// appears in the store, until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()

	var (
		updates <-chan []types.PendingTransaction
		known   map[string]struct{}
	)
	sub, err := w.store.Subscribe(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Outbox subscription unavailable, relying on ticks and triggers")
	} else {
		defer sub.Close()
		updates = sub.C()
		// The first snapshot is delivered on subscribe; the initial run covers it.
		known, _ = trackRows(nil, <-updates)
	}

	w.logger.WithFields(logrus.Fields{
		"retryCap":    w.cfg.RetryCap,
		"concurrency": w.cfg.Concurrency,
		"interval":    w.cfg.RunInterval,
	}).Info("Outbox worker started")

	for {
		report, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Error("Outbox run failed")
		} else if report != (Report{}) {
			w.logger.WithFields(logrus.Fields{
				"submitted": report.Submitted,
				"retried":   report.Retried,
				"failed":    report.Failed,
				"skipped":   report.Skipped,
			}).Info("Outbox run finished")
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Outbox worker stopped")
				return nil
			case <-ticker.C:
				break wait
			case <-w.trigger:
				break wait
			case rows, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				// Retry counters and removals written by runs also publish snapshots;
				// only rows that were not there before are new work.
				var added bool
				if known, added = trackRows(known, rows); added {
					break wait
				}
			}
		}
	}
}

// trackRows returns the IDs of rows and whether any of them is missing from known.
func trackRows(known map[string]struct{}, rows []types.PendingTransaction) (map[string]struct{}, bool) {
	next := make(map[string]struct{}, len(rows))
	added := false
	for _, row := range rows {
		next[row.ID] = struct{}{}
		if _, ok := known[row.ID]; !ok {
			added = true
		}
	}
	return next, added
}

// RunOnce performs a single run over the current outbox rows.
//
// Parameters:
// - ctx: the context for managing the run. Cancelling it stops scheduling further rows;
// rows already submitted still record their outcome.
//
// Returns:
// - Report: what happened to each row.
// - error: the listing error, or ctx.Err() if the run was cut short.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	metrics.OutboxRunsTotal.Inc()

	rows, err := w.store.GetAll(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "failed to list outbox")
	}

	var (
		report      Report
		reportMutex sync.Mutex
		group       errgroup.Group
	)
	count := func(field *int) {
		reportMutex.Lock()
		*field++
		reportMutex.Unlock()
	}
	group.SetLimit(w.cfg.Concurrency)

	for _, tx := range rows {
		if ctx.Err() != nil {
			break
		}
		if !w.claim(tx.ID) {
			count(&report.Skipped)
			continue
		}

		if tx.Retries >= w.cfg.RetryCap {
			w.fail(ctx, tx, types.ReasonRetryCapExceeded, errors.Errorf("retry cap %d reached", w.cfg.RetryCap))
			w.release(tx.ID)
			count(&report.Failed)
			continue
		}

		tx := tx
		group.Go(func() error {
			defer w.release(tx.ID)
			if ctx.Err() != nil {
				count(&report.Skipped)
				return nil
			}
			switch w.process(ctx, tx) {
			case types.OutcomeSubmitted:
				count(&report.Submitted)
			case types.OutcomeRetry:
				count(&report.Retried)
			case types.OutcomeFailed:
				count(&report.Failed)
			default:
				count(&report.Skipped)
			}
			return nil
		})
	}

	_ = group.Wait()
	return report, ctx.Err()
}

// process submits one row and records the outcome. It returns the kind of the recorded outcome,
// or outcomeNone when nothing was recorded.
func (w *Worker) process(ctx context.Context, tx types.PendingTransaction) types.OutcomeKind {
	outcome := w.submitter.Submit(ctx, tx)
	metrics.OutboxResultsTotal.WithLabelValues(outcome.Kind.String()).Inc()

	// The submission already happened, so its single store write must not be cut short.
	writeCtx := context.WithoutCancel(ctx)
	logger := w.logger.WithFields(logrus.Fields{
		"id":      tx.ID,
		"retries": tx.Retries,
		"outcome": outcome.Kind.String(),
	})

	// A cancelled run leaves the row as it was. Only an accepted submission is still recorded.
	if outcome.Kind != types.OutcomeSubmitted && ctx.Err() != nil {
		logger.WithField("error", outcome.Err).Debug("Run cancelled during submission, attempt not counted")
		return outcomeNone
	}

	switch outcome.Kind {
	case types.OutcomeSubmitted:
		if err := w.store.Remove(writeCtx, tx.ID); err != nil && !errors.Is(err, commonerrors.ErrNotFound) {
			logger.WithError(err).Error("Failed to remove submitted transaction")
		}
		logger.WithField("signature", outcome.Signature).Info("Transaction submitted")
		w.cfg.OnSubmitted(ctx, tx, outcome.Signature)
		return types.OutcomeSubmitted

	case types.OutcomeRetry:
		retries, err := w.store.IncrementRetries(writeCtx, tx.ID)
		if errors.Is(err, commonerrors.ErrNotFound) {
			logger.Info("Transaction already resolved elsewhere")
			return outcomeNone
		}
		if err != nil {
			logger.WithError(err).Error("Failed to increment retries")
			return outcomeNone
		}
		logger.WithFields(logrus.Fields{
			"retries": retries,
			"error":   outcome.Err,
		}).Warn("Submission failed transiently")
		if retries >= w.cfg.RetryCap {
			tx.Retries = retries
			w.fail(writeCtx, tx, types.ReasonRetryCapExceeded, outcome.Err)
			return types.OutcomeFailed
		}
		return types.OutcomeRetry

	case types.OutcomeFailed:
		w.fail(writeCtx, tx, outcome.Reason, outcome.Err)
		return types.OutcomeFailed

	default:
		logger.Error("Unknown submission outcome")
		return outcomeNone
	}
}

func (w *Worker) fail(ctx context.Context, tx types.PendingTransaction, reason types.FailureReason, cause error) {
	record, err := w.store.MarkFailed(ctx, tx.ID, reason, cause)
	if errors.Is(err, commonerrors.ErrNotFound) {
		w.logger.WithField("id", tx.ID).Info("Transaction already resolved elsewhere")
		return
	}
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"id":     tx.ID,
			"reason": reason,
			"error":  err,
		}).Error("Failed to mark transaction as failed")
		return
	}
	w.cfg.OnFailed(ctx, record)
}

// claim marks id as in flight. It returns false when another run already holds it.
func (w *Worker) claim(id string) bool {
	w.inFlightMutex.Lock()
	defer w.inFlightMutex.Unlock()
	if _, ok := w.inFlight[id]; ok {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *Worker) release(id string) {
	w.inFlightMutex.Lock()
	defer w.inFlightMutex.Unlock()
	delete(w.inFlight, id)
}
