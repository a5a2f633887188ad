package solana

import (
	"context"

	"github.com/ClipFinance/tx-pipeline/chains/solana/utils"
	"github.com/ClipFinance/tx-pipeline/common/types"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrEncoding marks an intent that cannot be turned into a transaction.
	ErrEncoding = errors.New("failed to encode transaction")
	// ErrSigning marks a failure of the signing authority.
	ErrSigning = errors.New("failed to sign transaction")
)

// stageError tags err with the stage (ErrEncoding or ErrSigning) that produced it while
// keeping the original error reachable through errors.As.
type stageError struct {
	stage error
	err   error
}

func (e *stageError) Error() string {
	return e.stage.Error() + ": " + e.err.Error()
}

func (e *stageError) Is(target error) bool {
	return target == e.stage
}

func (e *stageError) Unwrap() error {
	return e.err
}

// BlockhashSource provides recent blockhashes.
type BlockhashSource interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// SignedTransaction is a serialized, signed transaction ready for submission.
type SignedTransaction struct {
	Payload              []byte
	Signature            sol.Signature
	Blockhash            sol.Hash
	LastValidBlockHeight uint64
}

// Assembler turns a pending transaction into signed wire bytes.
type Assembler struct {
	blockhashes BlockhashSource
	signer      types.Signer
	logger      *logrus.Logger
}

// NewAssembler creates an Assembler.
//
// Parameters:
// - blockhashes: the source of recent blockhashes, usually the failover client.
// - signer: the signing authority.
// - logger: the logger for logging purposes.
//
// Returns:
// - *Assembler: the new assembler.
func NewAssembler(blockhashes BlockhashSource, signer types.Signer, logger *logrus.Logger) *Assembler {
	if blockhashes == nil || signer == nil {
		panic("solana: assembler requires a blockhash source and a signer")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Assembler{
		blockhashes: blockhashes,
		signer:      signer,
		logger:      logger,
	}
}

// Assemble builds, signs and serializes tx.
//
// Parameters:
// - ctx: the context for managing the request.
// - tx: the pending transaction.
//
// Returns:
// - *SignedTransaction: the wire bytes and signature.
// - error: ErrEncoding or ErrSigning for permanent failures; any other error (blockhash fetch,
// cancellation) is worth retrying.
func (a *Assembler) Assemble(ctx context.Context, tx types.PendingTransaction) (*SignedTransaction, error) {
	payer, err := a.signer.PublicKey(ctx, tx.DerivationPath)
	if err != nil {
		return nil, &stageError{stage: ErrSigning, err: err}
	}

	instructions, err := a.Instructions(tx, payer)
	if err != nil {
		return nil, &stageError{stage: ErrEncoding, err: err}
	}

	latestBlockhashResult, err := a.blockhashes.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest blockhash")
	}
	latestBlockhash := latestBlockhashResult.Value.Blockhash

	transaction, err := sol.NewTransaction(
		instructions,
		latestBlockhash,
		sol.TransactionPayer(payer),
	)
	if err != nil {
		return nil, &stageError{stage: ErrEncoding, err: errors.Wrap(err, "failed to create transaction")}
	}

	message, err := transaction.Message.MarshalBinary()
	if err != nil {
		return nil, &stageError{stage: ErrEncoding, err: errors.Wrap(err, "failed to serialize message")}
	}

	signature, err := a.signer.Sign(ctx, message, tx.DerivationPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "signing interrupted")
		}
		return nil, &stageError{stage: ErrSigning, err: err}
	}
	if !signature.Verify(payer, message) {
		return nil, &stageError{stage: ErrSigning, err: errors.New("signature does not verify against payer")}
	}
	transaction.Signatures = []sol.Signature{signature}

	payload, err := transaction.MarshalBinary()
	if err != nil {
		return nil, &stageError{stage: ErrEncoding, err: errors.Wrap(err, "failed to serialize transaction")}
	}

	params := FeeParamsFor(tx.FeePreset)
	a.logger.WithFields(logrus.Fields{
		"id":             tx.ID,
		"signature":      signature.String(),
		"blockhash":      latestBlockhash.String(),
		"maxPriorityFee": utils.LamportsToSol(utils.MicroLamportsFee(params.ComputeUnitLimit, params.ComputeUnitPrice)),
	}).Debug("Transaction assembled")

	return &SignedTransaction{
		Payload:              payload,
		Signature:            signature,
		Blockhash:            latestBlockhash,
		LastValidBlockHeight: latestBlockhashResult.Value.LastValidBlockHeight,
	}, nil
}

// Instructions returns the instruction list of tx paid by payer: compute budget first,
// then the transfer, then the optional memo.
func (a *Assembler) Instructions(tx types.PendingTransaction, payer sol.PublicKey) ([]sol.Instruction, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	recipient, err := sol.PublicKeyFromBase58(tx.ToAddress)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse recipient")
	}

	instructions, err := computeBudgetInstructions(tx.FeePreset)
	if err != nil {
		return nil, err
	}

	if tx.Mint == "" {
		transferIx, err := utils.CreateSystemTransferInstruction(payer, recipient, tx.Amount)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, transferIx)
	} else {
		tokenIxs, err := tokenTransferInstructions(payer, recipient, tx)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, tokenIxs...)
	}

	if tx.Memo != "" {
		instructions = append(instructions, utils.CreateMemoInstruction(tx.Memo, payer))
	}

	return instructions, nil
}

func tokenTransferInstructions(payer, recipient sol.PublicKey, tx types.PendingTransaction) ([]sol.Instruction, error) {
	mint, err := sol.PublicKeyFromBase58(tx.Mint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse mint")
	}

	sourceATA, err := utils.GetAssociatedTokenAddress(mint, payer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get associated token address for payer")
	}
	destATA, err := utils.GetAssociatedTokenAddress(mint, recipient)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get associated token address for recipient")
	}

	transferIx, err := utils.CreateTransferInstruction(sourceATA, destATA, payer, tx.Amount)
	if err != nil {
		return nil, err
	}

	return []sol.Instruction{
		utils.CreateAssociatedTokenAccountIdempotentInstruction(payer, destATA, recipient, mint),
		transferIx,
	}, nil
}
