package signer

import (
	"context"
	"crypto/ed25519"
	"strings"
	"sync"

	"github.com/ClipFinance/tx-pipeline/common/types"
	sol "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"
)

// DefaultDerivationPath is the first Solana account of a BIP-44 wallet.
const DefaultDerivationPath = "m/44'/501'/0'/0'"

// keypairSigner signs with a single imported key.
type keypairSigner struct {
	privateKey sol.PrivateKey
	publicKey  sol.PublicKey
}

var _ types.Signer = (*keypairSigner)(nil)

// NewKeypairSigner creates a signer from a base58 key. Both 64-byte keypairs (as exported by
// the Solana CLI and wallets) and 32-byte seeds are accepted.
//
// Parameters:
// - encoded: the base58 private key.
//
// Returns:
// - types.Signer: a signer that only serves the default derivation path.
// - error: an error if the key cannot be decoded.
func NewKeypairSigner(encoded string) (types.Signer, error) {
	raw, err := base58.Decode(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode private key")
	}

	var privateKey sol.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		privateKey = sol.PrivateKey(ed25519.NewKeyFromSeed(raw))
	case ed25519.PrivateKeySize:
		privateKey = sol.PrivateKey(raw)
		derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !derived.Equal(ed25519.PrivateKey(raw)) {
			return nil, errors.New("private key does not match its public half")
		}
	default:
		return nil, errors.Errorf("private key must be 32 or 64 bytes, got %d", len(raw))
	}

	return &keypairSigner{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
	}, nil
}

// Sign signs payload with the imported key.
func (s *keypairSigner) Sign(ctx context.Context, payload []byte, derivationPath string) (sol.Signature, error) {
	// Cancellation is the caller's decision, not a signer failure.
	if err := ctx.Err(); err != nil {
		return sol.Signature{}, err
	}
	if err := s.checkPath(derivationPath); err != nil {
		return sol.Signature{}, err
	}
	signature, err := s.privateKey.Sign(payload)
	if err != nil {
		return sol.Signature{}, newError(KindHardware, err)
	}
	return signature, nil
}

// PublicKey returns the public key of the imported key.
func (s *keypairSigner) PublicKey(_ context.Context, derivationPath string) (sol.PublicKey, error) {
	if err := s.checkPath(derivationPath); err != nil {
		return sol.PublicKey{}, err
	}
	return s.publicKey, nil
}

// checkPath rejects paths other than the default: an imported key has no derivation tree.
func (s *keypairSigner) checkPath(derivationPath string) error {
	if derivationPath == "" || derivationPath == DefaultDerivationPath {
		return nil
	}
	return newError(KindRejected, errors.Errorf("keypair signer cannot derive %q", derivationPath))
}

// mnemonicSigner derives keys from a BIP-39 seed.
type mnemonicSigner struct {
	seed        []byte
	defaultPath string

	keysMutex sync.RWMutex
	keys      map[string]sol.PrivateKey
}

var _ types.Signer = (*mnemonicSigner)(nil)

// NewMnemonicSigner creates a signer that derives ed25519 keys from a BIP-39 mnemonic.
//
// Parameters:
// - mnemonic: the BIP-39 phrase.
// - passphrase: the optional BIP-39 passphrase.
// - defaultPath: the path used when a request carries none; empty means DefaultDerivationPath.
//
// Returns:
// - types.Signer: the signer.
// - error: an error if the mnemonic or the default path is invalid.
func NewMnemonicSigner(mnemonic, passphrase, defaultPath string) (types.Signer, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mnemonic")
	}
	if defaultPath == "" {
		defaultPath = DefaultDerivationPath
	}
	if _, err := parsePath(defaultPath); err != nil {
		return nil, err
	}

	return &mnemonicSigner{
		seed:        seed,
		defaultPath: defaultPath,
		keys:        make(map[string]sol.PrivateKey),
	}, nil
}

// Sign signs payload with the key at derivationPath.
func (s *mnemonicSigner) Sign(ctx context.Context, payload []byte, derivationPath string) (sol.Signature, error) {
	if err := ctx.Err(); err != nil {
		return sol.Signature{}, err
	}
	key, err := s.key(derivationPath)
	if err != nil {
		return sol.Signature{}, err
	}
	signature, err := key.Sign(payload)
	if err != nil {
		return sol.Signature{}, newError(KindHardware, err)
	}
	return signature, nil
}

// PublicKey returns the public key at derivationPath.
func (s *mnemonicSigner) PublicKey(_ context.Context, derivationPath string) (sol.PublicKey, error) {
	key, err := s.key(derivationPath)
	if err != nil {
		return sol.PublicKey{}, err
	}
	return key.PublicKey(), nil
}

func (s *mnemonicSigner) key(derivationPath string) (sol.PrivateKey, error) {
	if derivationPath == "" {
		derivationPath = s.defaultPath
	}

	s.keysMutex.RLock()
	key, ok := s.keys[derivationPath]
	s.keysMutex.RUnlock()
	if ok {
		return key, nil
	}

	derived, _, err := deriveKey(s.seed, derivationPath)
	if err != nil {
		return nil, newError(KindRejected, err)
	}
	key = sol.PrivateKey(derived)

	s.keysMutex.Lock()
	s.keys[derivationPath] = key
	s.keysMutex.Unlock()
	return key, nil
}
