package types

import (
	"strings"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
)

// FeePreset is a priority tier controlling the compute-budget instructions of a transaction.
type FeePreset string

const (
	// FeeSlow requests the lowest priority fee.
	FeeSlow FeePreset = "SLOW"
	// FeeNormal is the default priority fee tier.
	FeeNormal FeePreset = "NORMAL"
	// FeeFast pays a premium to land in the next few slots.
	FeeFast FeePreset = "FAST"
)

// String converts FeePreset to string representation.
func (p FeePreset) String() string {
	return string(p)
}

// ParseFeePreset converts string to FeePreset representation.
// Unknown values map to FeeNormal.
func ParseFeePreset(s string) FeePreset {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case FeeSlow.String():
		return FeeSlow
	case FeeFast.String():
		return FeeFast
	default:
		return FeeNormal
	}
}

// Valid reports whether p is one of the known presets.
func (p FeePreset) Valid() bool {
	switch p {
	case FeeSlow, FeeNormal, FeeFast:
		return true
	default:
		return false
	}
}

// PendingTransaction represents a transfer intent waiting in the outbox.
//
// Fields:
// - ID: opaque identifier assigned at enqueue time, stable for the life of the entry.
// - ToAddress: base58 recipient public key.
// - Amount: lamports for native transfers, token base units when Mint is set.
// - Memo: optional memo attached through the memo program.
// - FeePreset: priority tier of the transaction.
// - Mint: optional SPL token mint; empty means a native SOL transfer.
// - DerivationPath: key path handed to the signer; empty means the signer default.
// - CreatedAt: creation timestamp, used for ordering only.
// - Retries: number of failed submission attempts so far.
// - Payload: signed wire transaction, attached on the first attempt.
// - Signature: base58 signature of Payload.
type PendingTransaction struct {
	ID             string    `json:"id"`
	ToAddress      string    `json:"to_address"`
	Amount         uint64    `json:"amount"`
	Memo           string    `json:"memo,omitempty"`
	FeePreset      FeePreset `json:"fee_preset"`
	Mint           string    `json:"mint,omitempty"`
	DerivationPath string    `json:"derivation_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Retries        int       `json:"retries"`
	Payload        []byte    `json:"payload,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// Validate checks the intent fields of the transaction.
func (t *PendingTransaction) Validate() error {
	if _, err := sol.PublicKeyFromBase58(t.ToAddress); err != nil {
		return errors.Wrap(err, "invalid recipient address")
	}
	if t.Amount == 0 {
		return errors.New("amount must be positive")
	}
	if !t.FeePreset.Valid() {
		return errors.Errorf("unknown fee preset %q", t.FeePreset)
	}
	if t.Mint != "" {
		if _, err := sol.PublicKeyFromBase58(t.Mint); err != nil {
			return errors.Wrap(err, "invalid token mint")
		}
	}
	if t.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	return nil
}

// HasPayload reports whether the transaction has already been signed.
func (t *PendingTransaction) HasPayload() bool {
	return len(t.Payload) > 0 && t.Signature != ""
}

// Clone returns a deep copy of the transaction.
func (t PendingTransaction) Clone() PendingTransaction {
	if t.Payload != nil {
		t.Payload = append([]byte(nil), t.Payload...)
	}
	return t
}

// FailureReason explains why a transaction left the outbox without being submitted.
type FailureReason string

const (
	// ReasonRetryCapExceeded means every allowed attempt failed transiently.
	ReasonRetryCapExceeded FailureReason = "RETRY_CAP_EXCEEDED"
	// ReasonRPCRejected means a node rejected the transaction with an application-level error.
	ReasonRPCRejected FailureReason = "RPC_REJECTED"
	// ReasonSigningFailed means the signing authority could not produce a signature.
	ReasonSigningFailed FailureReason = "SIGNING_FAILED"
	// ReasonEncodingFailed means the intent could not be encoded into instructions.
	ReasonEncodingFailed FailureReason = "ENCODING_FAILED"
)

// FailedTransaction is the permanent record of a transaction removed from the active outbox.
type FailedTransaction struct {
	Transaction PendingTransaction `json:"transaction"`
	Reason      FailureReason      `json:"reason"`
	Error       string             `json:"error"`
	FailedAt    time.Time          `json:"failed_at"`
}
