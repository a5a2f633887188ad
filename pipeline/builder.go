package pipeline

import (
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/connectionmonitor"
	"github.com/ClipFinance/tx-pipeline/outbox"
	"github.com/ClipFinance/tx-pipeline/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StatusHandler receives every confirmation event of a submitted transaction.
type StatusHandler func(tx types.PendingTransaction, event types.StatusEvent)

// FailureHandler receives every transaction moved to the failed records.
type FailureHandler func(record types.FailedTransaction)

// Builder is a builder pattern implementation for the pipeline.
// It allows setting the submitter, the confirmation watcher, the endpoint health checks
// and the event handlers.
type Builder struct {
	store          *outbox.Store                   // Outbox store.
	submitter      types.Submitter                 // Single-attempt submitter.
	watcher        types.StatusWatcher             // Confirmation watcher.
	health         connectionmonitor.HealthChecker // Endpoint tier probed for connectivity.
	healthInterval time.Duration                   // Interval between health checks.
	workerOpts     []worker.Option                 // Worker settings.
	statusHandler  StatusHandler                   // Confirmation event handler.
	failureHandler FailureHandler                  // Permanent failure handler.
	logger         *logrus.Logger
}

// NewBuilder creates a new pipeline builder instance.
//
// Parameters:
// - store: the outbox store.
//
// Returns:
// - *Builder: a new Builder instance.
func NewBuilder(store *outbox.Store) *Builder {
	return &Builder{
		store: store,
	}
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *logrus.Logger) *Builder {
	b.logger = logger
	return b
}

// WithSubmitter sets the submitter implementation.
//
// Parameters:
// - submitter: the submitter implementation.
//
// Returns:
// - *Builder: the updated Builder instance.
func (b *Builder) WithSubmitter(submitter types.Submitter) *Builder {
	b.submitter = submitter
	return b
}

// WithStatusWatcher sets the confirmation watcher implementation.
//
// Parameters:
// - watcher: the confirmation watcher implementation.
//
// Returns:
// - *Builder: the updated Builder instance.
func (b *Builder) WithStatusWatcher(watcher types.StatusWatcher) *Builder {
	b.watcher = watcher
	return b
}

// WithHealthChecks enables endpoint health checks. Regaining connectivity triggers a worker run.
//
// Parameters:
// - checker: the endpoint tier to probe.
// - interval: the interval between checks.
//
// Returns:
// - *Builder: the updated Builder instance.
func (b *Builder) WithHealthChecks(checker connectionmonitor.HealthChecker, interval time.Duration) *Builder {
	b.health = checker
	b.healthInterval = interval
	return b
}

// WithWorkerOptions sets worker options.
func (b *Builder) WithWorkerOptions(opts ...worker.Option) *Builder {
	b.workerOpts = append(b.workerOpts, opts...)
	return b
}

// WithStatusHandler sets the confirmation event handler.
func (b *Builder) WithStatusHandler(handler StatusHandler) *Builder {
	b.statusHandler = handler
	return b
}

// WithFailureHandler sets the permanent failure handler.
func (b *Builder) WithFailureHandler(handler FailureHandler) *Builder {
	b.failureHandler = handler
	return b
}

// Build creates a new pipeline with the configured implementations.
//
// Returns:
// - *Pipeline: the composed pipeline.
// - error: ErrInvalidConfig if the store or the submitter is missing.
func (b *Builder) Build() (*Pipeline, error) {
	if b.store == nil {
		return nil, errors.Wrap(commonerrors.ErrInvalidConfig, "outbox store is required")
	}
	if b.submitter == nil {
		return nil, errors.Wrap(commonerrors.ErrInvalidConfig, "submitter is required")
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := &Pipeline{
		store:          b.store,
		watcher:        b.watcher,
		statusHandler:  b.statusHandler,
		failureHandler: b.failureHandler,
		logger:         logger,
	}
	if p.statusHandler == nil {
		p.statusHandler = func(types.PendingTransaction, types.StatusEvent) {}
	}
	if p.failureHandler == nil {
		p.failureHandler = func(types.FailedTransaction) {}
	}

	opts := append([]worker.Option{}, b.workerOpts...)
	opts = append(opts,
		worker.WithOnSubmitted(p.onSubmitted),
		worker.WithOnFailed(p.onFailed),
	)
	p.worker = worker.New(b.store, b.submitter, logger, opts...)

	if b.health != nil {
		p.health = connectionmonitor.NewConnectionMonitor(b.health, logger,
			connectionmonitor.WithInterval(b.healthInterval),
			connectionmonitor.WithOnRecovered(func(string) { p.worker.Trigger() }),
		)
	}

	return p, nil
}
