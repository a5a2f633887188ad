package dbconfig

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/common/types"
	"github.com/ClipFinance/tx-pipeline/outbox"
	"github.com/pkg/errors"
)

var _ outbox.Backend = (*DBConfig)(nil)

const pendingColumns = `
	id,
	to_address,
	amount,
	memo,
	fee_preset,
	mint,
	derivation_path,
	created_at,
	retries,
	payload,
	signature`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPending(row rowScanner) (types.PendingTransaction, error) {
	var tx types.PendingTransaction
	var amount string
	var feePreset string

	err := row.Scan(
		&tx.ID,
		&tx.ToAddress,
		&amount,
		&tx.Memo,
		&feePreset,
		&tx.Mint,
		&tx.DerivationPath,
		&tx.CreatedAt,
		&tx.Retries,
		&tx.Payload,
		&tx.Signature,
	)
	if err != nil {
		return types.PendingTransaction{}, err
	}

	tx.Amount, err = strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return types.PendingTransaction{}, errors.Wrapf(err, "invalid amount %q", amount)
	}
	tx.FeePreset = types.ParseFeePreset(feePreset)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

// Insert adds a new outbox row.
//
// Parameters:
// - ctx: the context for managing the request.
// - tx: the pending transaction.
//
// Returns:
// - error: ErrDuplicateID if the id already exists, or the database error.
func (r *DBConfig) Insert(ctx context.Context, tx types.PendingTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_transactions (`+pendingColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID,
		tx.ToAddress,
		strconv.FormatUint(tx.Amount, 10),
		tx.Memo,
		tx.FeePreset.String(),
		tx.Mint,
		tx.DerivationPath,
		tx.CreatedAt,
		tx.Retries,
		tx.Payload,
		tx.Signature,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return commonerrors.ErrDuplicateID
		}
		return errors.Wrap(err, "failed to insert outbox row")
	}
	return nil
}

// List returns every outbox row ordered by created_at, then id.
func (r *DBConfig) List(ctx context.Context) ([]types.PendingTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+pendingColumns+`
		FROM outbox_transactions
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query outbox")
	}
	defer rows.Close()

	out := make([]types.PendingTransaction, 0)
	for rows.Next() {
		tx, err := scanPending(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan outbox row")
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate outbox")
	}
	return out, nil
}

// Get returns a single outbox row.
func (r *DBConfig) Get(ctx context.Context, id string) (types.PendingTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+pendingColumns+`
		FROM outbox_transactions
		WHERE id = $1`, id)

	tx, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PendingTransaction{}, commonerrors.ErrNotFound
	}
	if err != nil {
		return types.PendingTransaction{}, errors.Wrap(err, "failed to get outbox row")
	}
	return tx, nil
}

// IncrementRetries atomically increments the retry counter of a row.
func (r *DBConfig) IncrementRetries(ctx context.Context, id string) (int, error) {
	var retries int
	err := r.db.QueryRowContext(ctx, `
		UPDATE outbox_transactions
			SET retries = retries + 1
		WHERE id = $1
		RETURNING retries`, id).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, commonerrors.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to increment retries")
	}
	return retries, nil
}

// SetPayload stores the signed wire transaction of a row.
func (r *DBConfig) SetPayload(ctx context.Context, id string, payload []byte, signature string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_transactions
			SET payload = $1,
			    signature = $2
		WHERE id = $3`, payload, signature, id)
	if err != nil {
		return errors.Wrap(err, "failed to set payload")
	}
	return requireAffected(result)
}

// Delete removes a row.
func (r *DBConfig) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM outbox_transactions WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete outbox row")
	}
	return requireAffected(result)
}

// MoveToFailed deletes the active row and records it as failed in one transaction.
func (r *DBConfig) MoveToFailed(ctx context.Context, id string, reason types.FailureReason, cause string, failedAt time.Time) (types.FailedTransaction, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.FailedTransaction{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer dbTx.Rollback()

	row := dbTx.QueryRowContext(ctx, `
		DELETE FROM outbox_transactions
		WHERE id = $1
		RETURNING`+pendingColumns, id)
	tx, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.FailedTransaction{}, commonerrors.ErrNotFound
	}
	if err != nil {
		return types.FailedTransaction{}, errors.Wrap(err, "failed to delete outbox row")
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO outbox_failed_transactions (`+pendingColumns+`,
			reason,
			error,
			failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tx.ID,
		tx.ToAddress,
		strconv.FormatUint(tx.Amount, 10),
		tx.Memo,
		tx.FeePreset.String(),
		tx.Mint,
		tx.DerivationPath,
		tx.CreatedAt,
		tx.Retries,
		tx.Payload,
		tx.Signature,
		string(reason),
		cause,
		failedAt,
	)
	if err != nil {
		return types.FailedTransaction{}, errors.Wrap(err, "failed to insert failed row")
	}

	if err := dbTx.Commit(); err != nil {
		return types.FailedTransaction{}, errors.Wrap(err, "failed to commit transaction")
	}

	return types.FailedTransaction{
		Transaction: tx,
		Reason:      reason,
		Error:       cause,
		FailedAt:    failedAt,
	}, nil
}

// ListFailed returns the permanently failed records in the order they failed.
func (r *DBConfig) ListFailed(ctx context.Context) ([]types.FailedTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+pendingColumns+`,
			reason,
			error,
			failed_at
		FROM outbox_failed_transactions
		ORDER BY seq ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query failed transactions")
	}
	defer rows.Close()

	out := make([]types.FailedTransaction, 0)
	for rows.Next() {
		var record types.FailedTransaction
		var reason string
		scanner := failedScanner{rows: rows, reason: &reason, cause: &record.Error, failedAt: &record.FailedAt}
		tx, err := scanPending(scanner)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan failed transaction")
		}
		record.Transaction = tx
		record.Reason = types.FailureReason(reason)
		record.FailedAt = record.FailedAt.UTC()
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate failed transactions")
	}
	return out, nil
}

// failedScanner appends the failure columns to the pending row scan.
type failedScanner struct {
	rows     *sql.Rows
	reason   *string
	cause    *string
	failedAt *time.Time
}

func (s failedScanner) Scan(dest ...interface{}) error {
	return s.rows.Scan(append(dest, s.reason, s.cause, s.failedAt)...)
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return commonerrors.ErrNotFound
	}
	return nil
}
