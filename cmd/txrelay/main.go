package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClipFinance/tx-pipeline/chains/solana"
	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/config"
	"github.com/ClipFinance/tx-pipeline/confirmation"
	"github.com/ClipFinance/tx-pipeline/dbconfig"
	"github.com/ClipFinance/tx-pipeline/failover"
	"github.com/ClipFinance/tx-pipeline/outbox"
	"github.com/ClipFinance/tx-pipeline/pipeline"
	"github.com/ClipFinance/tx-pipeline/signer"
	"github.com/ClipFinance/tx-pipeline/worker"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("txrelay stopped with error")
	}
}

func run(logger *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Log.Level).Warn("Unknown log level, keeping info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, endpoints, closeDB, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	client := failover.New(endpoints, logger,
		failover.WithAttemptTimeout(cfg.RPC.AttemptTimeout),
		failover.WithRateLimit(cfg.RPC.RateLimitRPS, cfg.RPC.RateLimitBurst),
	)

	keys, err := newSigner(cfg.Signer)
	if err != nil {
		return err
	}

	store := outbox.NewStore(backend, logger)
	submitter := solana.NewSubmitter(solana.NewAssembler(client, keys, logger), client, store, logger)
	monitor := confirmation.New(client, logger,
		confirmation.WithPollInterval(cfg.Monitor.PollInterval),
		confirmation.WithMaxPollInterval(cfg.Monitor.MaxPollInterval),
		confirmation.WithTimeout(cfg.Monitor.WatchTimeout),
	)

	p, err := pipeline.NewBuilder(store).
		WithLogger(logger).
		WithSubmitter(submitter).
		WithStatusWatcher(monitor).
		WithHealthChecks(client, cfg.RPC.HealthCheckInterval).
		WithWorkerOptions(
			worker.WithRetryCap(cfg.Outbox.RetryCap),
			worker.WithConcurrency(cfg.Outbox.Concurrency),
			worker.WithRunInterval(cfg.Outbox.RunInterval),
		).
		WithStatusHandler(func(tx types.PendingTransaction, event types.StatusEvent) {
			logger.WithFields(logrus.Fields{
				"id":        tx.ID,
				"signature": event.Signature,
				"status":    event.Status,
				"slot":      event.Slot,
			}).Info("Transaction status changed")
		}).
		WithFailureHandler(func(record types.FailedTransaction) {
			logger.WithFields(logrus.Fields{
				"id":     record.Transaction.ID,
				"reason": record.Reason,
				"error":  record.Error,
			}).Error("Transaction permanently failed")
		}).
		Build()
	if err != nil {
		return errors.Wrap(err, "failed to build pipeline")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithField("addr", cfg.Server.MetricsAddr).Info("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server failed")
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return p.Run(groupCtx)
	})

	logger.WithFields(logrus.Fields{
		"endpoints": len(endpoints),
		"retryCap":  cfg.Outbox.RetryCap,
	}).Info("txrelay started")

	return group.Wait()
}

// openBackend selects the outbox backend. With DB_URL set the outbox lives in Postgres and
// active rows of the rpcs table replace the configured endpoint tier.
func openBackend(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (outbox.Backend, []string, func(), error) {
	endpoints := cfg.RPC.Endpoints()
	if cfg.DB.URL == "" {
		logger.Warn("DB_URL is not set, outbox is kept in memory")
		return outbox.NewMemoryBackend(), endpoints, func() {}, nil
	}

	db, err := dbconfig.NewDBConfig(ctx, cfg.DB.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("Failed to close database")
		}
	}
	if err := db.Migrate(ctx); err != nil {
		closeDB()
		return nil, nil, nil, err
	}

	tier, err := db.GetEndpointTier(ctx)
	switch {
	case err == nil:
		logger.WithField("endpoints", len(tier)).Info("Using endpoint tier from database")
		endpoints = tier
	case errors.Is(err, dbconfig.ErrNoActiveRPCs):
		logger.Info("No active RPCs in database, using configured endpoint tier")
	default:
		closeDB()
		return nil, nil, nil, err
	}
	return db, endpoints, closeDB, nil
}

func newSigner(cfg config.SignerConfig) (types.Signer, error) {
	switch {
	case cfg.PrivateKey != "":
		return signer.NewKeypairSigner(cfg.PrivateKey)
	case cfg.Mnemonic != "":
		return signer.NewMnemonicSigner(cfg.Mnemonic, "", cfg.DerivationPath)
	default:
		return nil, errors.Wrap(commonerrors.ErrInvalidConfig, "SIGNER_PRIVATE_KEY or SIGNER_MNEMONIC is required")
	}
}
