package solana

import (
	"context"
	"strings"

	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/failover"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sender submits signed wire transactions.
type Sender interface {
	SendTransaction(ctx context.Context, payload []byte) (string, error)
}

// PayloadStore persists signed bytes so that retries resend them unchanged.
type PayloadStore interface {
	AttachPayload(ctx context.Context, id string, payload []byte, signature string) error
}

// Submitter performs one submission attempt per call.
type Submitter struct {
	assembler *Assembler
	sender    Sender
	store     PayloadStore
	logger    *logrus.Logger
}

var _ types.Submitter = (*Submitter)(nil)

// NewSubmitter creates a Submitter.
//
// Parameters:
// - assembler: builds and signs transactions that have no payload yet.
// - sender: submits wire bytes, usually the failover client.
// - store: persists the signed payload before the first send.
// - logger: the logger for logging purposes.
//
// Returns:
// - *Submitter: the new submitter.
func NewSubmitter(assembler *Assembler, sender Sender, store PayloadStore, logger *logrus.Logger) *Submitter {
	if assembler == nil || sender == nil || store == nil {
		panic("solana: submitter requires an assembler, a sender and a payload store")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Submitter{
		assembler: assembler,
		sender:    sender,
		store:     store,
		logger:    logger,
	}
}

// Submit signs tx on its first attempt, persists the signed bytes and sends them.
// Later attempts resend the persisted bytes, which the ledger deduplicates by signature.
//
// Parameters:
// - ctx: the context for managing the request.
// - tx: the pending transaction.
//
// Returns:
// - types.SubmissionOutcome: the classified result of the attempt.
func (s *Submitter) Submit(ctx context.Context, tx types.PendingTransaction) types.SubmissionOutcome {
	payload, signature := tx.Payload, tx.Signature

	if !tx.HasPayload() {
		signed, err := s.assembler.Assemble(ctx, tx)
		if err != nil {
			return classifyAssembleError(err)
		}
		payload, signature = signed.Payload, signed.Signature.String()

		if err := s.store.AttachPayload(ctx, tx.ID, payload, signature); err != nil {
			return types.Retry(errors.Wrap(err, "failed to persist signed payload"))
		}
	}

	sent, err := s.sender.SendTransaction(ctx, payload)
	if err != nil {
		return s.classifySendError(tx, signature, err)
	}

	if sent != signature {
		s.logger.WithFields(logrus.Fields{
			"id":        tx.ID,
			"expected":  signature,
			"submitted": sent,
		}).Warn("Node returned an unexpected signature")
	}
	return types.Submitted(signature)
}

func classifyAssembleError(err error) types.SubmissionOutcome {
	switch {
	case errors.Is(err, ErrSigning):
		return types.Failed(types.ReasonSigningFailed, err)
	case errors.Is(err, ErrEncoding):
		return types.Failed(types.ReasonEncodingFailed, err)
	default:
		return types.Retry(err)
	}
}

func (s *Submitter) classifySendError(tx types.PendingTransaction, signature string, err error) types.SubmissionOutcome {
	var rpcErr *failover.RPCError
	if !errors.As(err, &rpcErr) {
		return types.Retry(err)
	}

	if isAlreadyProcessed(rpcErr) {
		s.logger.WithFields(logrus.Fields{
			"id":        tx.ID,
			"signature": signature,
		}).Info("Transaction already processed by the cluster")
		return types.Submitted(signature)
	}
	return types.Failed(types.ReasonRPCRejected, err)
}

// isAlreadyProcessed reports whether the node rejected a resubmission because the identical
// transaction has already landed.
func isAlreadyProcessed(rpcErr *failover.RPCError) bool {
	return strings.Contains(rpcErr.Message, "already been processed") ||
		strings.Contains(string(rpcErr.Data), "AlreadyProcessed")
}
