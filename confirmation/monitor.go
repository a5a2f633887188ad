package confirmation

import (
	"context"
	"encoding/json"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/metrics"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StatusSource queries the cluster for signature statuses.
type StatusSource interface {
	GetSignatureStatuses(ctx context.Context, signatures ...string) (*rpc.GetSignatureStatusesResult, error)
}

// Monitor polls submitted signatures until they reach a terminal status.
type Monitor struct {
	source StatusSource
	logger *logrus.Logger
	cfg    Config
}

var _ types.StatusWatcher = (*Monitor)(nil)

// New creates a Monitor.
//
// Parameters:
// - source: the status source, usually the failover client.
// - logger: the logger for logging purposes.
// - opts: optional settings.
//
// Returns:
// - *Monitor: the new monitor.
func New(source StatusSource, logger *logrus.Logger, opts ...Option) *Monitor {
	if source == nil {
		panic("confirmation: nil StatusSource")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Monitor{
		source: source,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Watch observes signature and streams its status transitions.
//
// The first event is always StatusSubmitted. Further events are emitted only when the status
// advances, and the channel is closed after a terminal event. Cancelling ctx closes the channel
// without emitting anything else.
//
// Parameters:
// - ctx: the context owned by the consumer.
// - signature: the base58 transaction signature.
//
// Returns:
// - <-chan types.StatusEvent: the event stream.
func (m *Monitor) Watch(ctx context.Context, signature string) <-chan types.StatusEvent {
	// submitted, processed, confirmed and one terminal status
	events := make(chan types.StatusEvent, 4)
	go m.watch(ctx, signature, events)
	return events
}

func (m *Monitor) watch(ctx context.Context, signature string, events chan<- types.StatusEvent) {
	defer close(events)

	metrics.MonitorActiveWatches.Inc()
	defer metrics.MonitorActiveWatches.Dec()

	logger := m.logger.WithField("signature", signature)

	current := types.StatusSubmitted
	if !m.emit(ctx, events, types.StatusEvent{Signature: signature, Status: current}) {
		return
	}

	if _, err := sol.SignatureFromBase58(signature); err != nil {
		logger.WithError(err).Warn("Cannot watch invalid signature")
		m.emit(ctx, events, types.StatusEvent{
			Signature: signature,
			Status:    types.StatusFailed,
			Err:       errors.Wrapf(commonerrors.ErrInvalidSignature, "%v", err).Error(),
		})
		return
	}

	watchCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	interval := m.cfg.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for polls := 1; ; polls++ {
		select {
		case <-watchCtx.Done():
			m.finish(ctx, events, signature, logger)
			return
		case <-timer.C:
		}

		event, err := m.poll(watchCtx, signature)
		switch {
		case err != nil:
			if watchCtx.Err() != nil {
				m.finish(ctx, events, signature, logger)
				return
			}
			logger.WithError(err).Warn("Signature status poll failed")
			interval = m.backoff(interval)

		case event.Status.Rank() > current.Rank():
			current = event.Status
			if !m.emit(ctx, events, event) {
				return
			}
			if current.IsTerminal() {
				logger.WithField("status", current).Info("Watch finished")
				return
			}
			interval = m.cfg.PollInterval

		default:
			interval = m.backoff(interval)
		}

		if m.cfg.MaxPolls > 0 && polls >= m.cfg.MaxPolls {
			logger.WithField("polls", polls).Info("Poll budget exhausted")
			m.emit(ctx, events, types.StatusEvent{Signature: signature, Status: types.StatusTimeout})
			return
		}
		timer.Reset(interval)
	}
}

// finish emits the timeout event unless the consumer cancelled the watch.
func (m *Monitor) finish(ctx context.Context, events chan<- types.StatusEvent, signature string, logger *logrus.Entry) {
	if ctx.Err() != nil {
		logger.Debug("Watch cancelled")
		return
	}
	logger.WithField("timeout", m.cfg.Timeout).Info("Watch timed out")
	m.emit(ctx, events, types.StatusEvent{Signature: signature, Status: types.StatusTimeout})
}

// poll fetches the status of signature. A status the node does not know yet is reported as
// StatusSubmitted.
func (m *Monitor) poll(ctx context.Context, signature string) (types.StatusEvent, error) {
	result, err := m.source.GetSignatureStatuses(ctx, signature)
	if err != nil {
		return types.StatusEvent{}, err
	}

	event := types.StatusEvent{Signature: signature, Status: types.StatusSubmitted}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return event, nil
	}

	status := result.Value[0]
	event.Slot = status.Slot
	if status.Err != nil {
		event.Status = types.StatusFailed
		event.Err = describeError(status.Err)
		return event, nil
	}

	if parsed, ok := types.ParseCommitment(string(status.ConfirmationStatus)); ok {
		event.Status = parsed
	} else if status.Confirmations == nil {
		// Nodes that omit confirmationStatus report rooted blocks with null confirmations.
		event.Status = types.StatusFinalized
	} else {
		event.Status = types.StatusProcessed
	}
	return event, nil
}

func (m *Monitor) emit(ctx context.Context, events chan<- types.StatusEvent, event types.StatusEvent) bool {
	if ctx.Err() != nil {
		return false
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = time.Now().UTC()
	}
	select {
	case <-ctx.Done():
		return false
	case events <- event:
		metrics.MonitorEventsTotal.WithLabelValues(event.Status.String()).Inc()
		return true
	}
}

func (m *Monitor) backoff(interval time.Duration) time.Duration {
	next := time.Duration(float64(interval) * backoffFactor)
	if next > m.cfg.MaxPollInterval {
		return m.cfg.MaxPollInterval
	}
	return next
}

func describeError(txErr interface{}) string {
	if s, ok := txErr.(string); ok {
		return s
	}
	raw, err := json.Marshal(txErr)
	if err != nil {
		return "transaction failed"
	}
	return string(raw)
}
