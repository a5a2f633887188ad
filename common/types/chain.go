package types

import (
	"context"

	sol "github.com/gagliardetto/solana-go"
)

// Signer is the signing authority boundary. Implementations keep private key material to themselves.
type Signer interface {
	// Sign signs payload with the key at derivationPath.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - payload: the serialized transaction message.
	// - derivationPath: the key derivation path, empty for the default key.
	//
	// Returns:
	// - sol.Signature: the ed25519 signature.
	// - error: a typed signing failure.
	Sign(ctx context.Context, payload []byte, derivationPath string) (sol.Signature, error)

	// PublicKey returns the public key at derivationPath.
	PublicKey(ctx context.Context, derivationPath string) (sol.PublicKey, error)
}

// Submitter performs one submission attempt for a pending transaction.
type Submitter interface {
	// Submit signs (if needed) and sends tx.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - tx: the pending transaction.
	//
	// Returns:
	// - SubmissionOutcome: the tagged result of the attempt.
	Submit(ctx context.Context, tx PendingTransaction) SubmissionOutcome
}

// StatusWatcher produces a stream of confirmation status events for a signature.
type StatusWatcher interface {
	// Watch observes signature until a terminal status, timeout or ctx cancellation.
	Watch(ctx context.Context, signature string) <-chan StatusEvent
}
