package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	sol "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveKey_Slip10Vectors(t *testing.T) {
	seed, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)

	tests := []struct {
		path      string
		private   string
		chainCode string
	}{
		{
			path:      "m",
			private:   "2b4be7f19ee27bbf30c667b642d5f4aa69fd169872f8fc3059c08ebae2eb19e7",
			chainCode: "90046a93de5380a72b5e45010748567d5ea02bbf6522f979e05c0d8d8ca9fffb",
		},
		{
			path:      "m/0'",
			private:   "68e0fe46dfb67e368c75379acec591dad19df3cde26e63b93a8e704f1dade7a3",
			chainCode: "8b59aa11380b624e81507a27fedda59fea6d0b779a778918a2fd3590e16e9c69",
		},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			key, chainCode, err := deriveKey(seed, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.private, hex.EncodeToString(key.Seed()))
			assert.Equal(t, tt.chainCode, hex.EncodeToString(chainCode))
		})
	}
}

func TestParsePath(t *testing.T) {
	indexes, err := parsePath(DefaultDerivationPath)
	require.NoError(t, err)
	assert.Equal(t, []uint32{44 + hardenedOffset, 501 + hardenedOffset, hardenedOffset, hardenedOffset}, indexes)

	indexes, err = parsePath("m/44h/501h")
	require.NoError(t, err)
	assert.Len(t, indexes, 2)

	for _, bad := range []string{"", "44'/501'", "m/44'/501", "m/x'", "m/2147483648'"} {
		_, err := parsePath(bad)
		assert.True(t, errors.Is(err, ErrInvalidPath), bad)
	}
}

func TestMnemonicSigner_SignsAndVerifies(t *testing.T) {
	ctx := context.Background()
	s, err := NewMnemonicSigner(testMnemonic, "", "")
	require.NoError(t, err)

	pub, err := s.PublicKey(ctx, "")
	require.NoError(t, err)
	pubDefault, err := s.PublicKey(ctx, DefaultDerivationPath)
	require.NoError(t, err)
	assert.Equal(t, pub, pubDefault)

	message := []byte("transaction message")
	signature, err := s.Sign(ctx, message, "")
	require.NoError(t, err)
	assert.True(t, signature.Verify(pub, message))

	again, err := s.Sign(ctx, message, "")
	require.NoError(t, err)
	assert.Equal(t, signature, again)
}

func TestMnemonicSigner_PathsDeriveDistinctKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewMnemonicSigner(testMnemonic, "", "")
	require.NoError(t, err)

	first, err := s.PublicKey(ctx, "m/44'/501'/0'/0'")
	require.NoError(t, err)
	second, err := s.PublicKey(ctx, "m/44'/501'/1'/0'")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	withPassphrase, err := NewMnemonicSigner(testMnemonic, "secret", "")
	require.NoError(t, err)
	other, err := withPassphrase.PublicKey(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestMnemonicSigner_Errors(t *testing.T) {
	_, err := NewMnemonicSigner("abandon abandon abandon", "", "")
	assert.Error(t, err)

	_, err = NewMnemonicSigner(testMnemonic, "", "m/44/501")
	assert.True(t, errors.Is(err, ErrInvalidPath))

	s, err := NewMnemonicSigner(testMnemonic, "", "")
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), []byte("msg"), "m/44/501")
	var signErr *Error
	require.True(t, errors.As(err, &signErr))
	assert.Equal(t, KindRejected, signErr.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sign(ctx, []byte("msg"), "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.As(err, &signErr), "cancellation is not a signing failure")
}

func TestKeypairSigner_AcceptsKeypairAndSeed(t *testing.T) {
	ctx := context.Background()
	privateKey, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)

	fromKeypair, err := NewKeypairSigner(privateKey.String())
	require.NoError(t, err)
	fromSeed, err := NewKeypairSigner(base58.Encode(privateKey[:ed25519.SeedSize]))
	require.NoError(t, err)

	for _, s := range []interface {
		PublicKey(context.Context, string) (sol.PublicKey, error)
		Sign(context.Context, []byte, string) (sol.Signature, error)
	}{fromKeypair, fromSeed} {
		pub, err := s.PublicKey(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, privateKey.PublicKey(), pub)

		signature, err := s.Sign(ctx, []byte("msg"), DefaultDerivationPath)
		require.NoError(t, err)
		assert.True(t, signature.Verify(pub, []byte("msg")))
	}
}

func TestKeypairSigner_Errors(t *testing.T) {
	_, err := NewKeypairSigner("0OIl")
	assert.Error(t, err)

	_, err = NewKeypairSigner(base58.Encode([]byte{1, 2, 3}))
	assert.Error(t, err)

	privateKey, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	mismatched := append(append([]byte(nil), privateKey[:32]...), other[32:]...)
	_, err = NewKeypairSigner(base58.Encode(mismatched))
	assert.Error(t, err)

	s, err := NewKeypairSigner(privateKey.String())
	require.NoError(t, err)
	_, err = s.Sign(context.Background(), []byte("msg"), "m/44'/501'/7'/0'")
	var signErr *Error
	require.True(t, errors.As(err, &signErr))
	assert.Equal(t, KindRejected, signErr.Kind)
}
