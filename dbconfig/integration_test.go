//go:build integration

package dbconfig

import (
	"context"
	"os"
	"testing"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/dbconfig/models"
	sol "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationDB(t *testing.T) *DBConfig {
	t.Helper()
	dsn := os.Getenv("TEST_DB_URL")
	if dsn == "" {
		t.Skip("TEST_DB_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := NewDBConfig(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db
}

func pendingRow() types.PendingTransaction {
	return types.PendingTransaction{
		ID:        uuid.NewString(),
		ToAddress: sol.NewWallet().PublicKey().String(),
		Amount:    18_000_000_000_000_000_000,
		Memo:      "invoice 42",
		FeePreset: types.FeeFast,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestIntegration_OutboxLifecycle(t *testing.T) {
	db := newIntegrationDB(t)
	ctx := context.Background()

	tx := pendingRow()
	require.NoError(t, db.Insert(ctx, tx))
	t.Cleanup(func() { _ = db.Delete(context.Background(), tx.ID) })

	err := db.Insert(ctx, tx)
	assert.True(t, errors.Is(err, commonerrors.ErrDuplicateID))

	got, err := db.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.Amount, got.Amount)
	assert.Equal(t, tx.Memo, got.Memo)
	assert.Equal(t, types.FeeFast, got.FeePreset)
	assert.Equal(t, 0, got.Retries)
	assert.True(t, tx.CreatedAt.Equal(got.CreatedAt))

	for i := 1; i <= 10; i++ {
		retries, err := db.IncrementRetries(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, i, retries)
	}

	require.NoError(t, db.SetPayload(ctx, tx.ID, []byte{1, 2, 3}, "sig"))
	got, err = db.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
	assert.Equal(t, "sig", got.Signature)

	record, err := db.MoveToFailed(ctx, tx.ID, types.ReasonRetryCapExceeded, "cap", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 10, record.Transaction.Retries)

	_, err = db.Get(ctx, tx.ID)
	assert.True(t, errors.Is(err, commonerrors.ErrNotFound))
	_, err = db.IncrementRetries(ctx, tx.ID)
	assert.True(t, errors.Is(err, commonerrors.ErrNotFound))
	assert.True(t, errors.Is(db.Delete(ctx, tx.ID), commonerrors.ErrNotFound))

	failed, err := db.ListFailed(ctx)
	require.NoError(t, err)
	var found bool
	for _, f := range failed {
		if f.Transaction.ID == tx.ID {
			found = true
			assert.Equal(t, types.ReasonRetryCapExceeded, f.Reason)
			assert.Equal(t, "cap", f.Error)
		}
	}
	assert.True(t, found)
}

func TestIntegration_EndpointTier(t *testing.T) {
	db := newIntegrationDB(t)
	ctx := context.Background()

	suffix := uuid.NewString()
	primary := "https://primary-" + suffix + ".example"
	secondary := "https://secondary-" + suffix + ".example"
	t.Cleanup(func() {
		_ = db.UpsertRPC(context.Background(), models.RPC{URL: primary, Active: false})
		_ = db.UpsertRPC(context.Background(), models.RPC{URL: secondary, Active: false})
	})
	require.NoError(t, db.UpsertRPC(ctx, models.RPC{URL: secondary, Priority: -1, Active: true}))
	require.NoError(t, db.UpsertRPC(ctx, models.RPC{URL: primary, Priority: -2, Active: true, Provider: "helius"}))

	urls, err := db.GetEndpointTier(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(urls), 2)
	assert.Equal(t, primary, urls[0])
	assert.Equal(t, secondary, urls[1])

	require.NoError(t, db.UpsertRPC(ctx, models.RPC{URL: primary, Priority: -2, Active: false}))
	urls, err = db.GetEndpointTier(ctx)
	require.NoError(t, err)
	assert.NotContains(t, urls, primary)
}
