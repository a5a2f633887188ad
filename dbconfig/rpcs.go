package dbconfig

import (
	"context"
	"database/sql"

	"github.com/ClipFinance/tx-pipeline/dbconfig/models"
	"github.com/pkg/errors"
)

// GetRPCs returns the endpoint tier rows ordered by priority, optionally filtering by active status.
//
// Parameters:
// - ctx: the context for managing the request.
// - activeOnly: a boolean flag to filter only active RPCs.
//
// Returns:
// - []models.RPC: a slice of RPC models, primary first.
// - error: an error if the database operation fails.
func (r *DBConfig) GetRPCs(ctx context.Context, activeOnly bool) ([]models.RPC, error) {
	query := `
		SELECT
			id,
			url,
			provider,
			priority,
			active,
			created_at,
			updated_at
		FROM rpcs
	`

	var args []interface{}
	if activeOnly {
		query += " WHERE active = $1"
		args = append(args, true)
	}

	query += " ORDER BY priority ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query rpcs")
	}
	defer rows.Close()

	var rpcs []models.RPC
	for rows.Next() {
		var rpc models.RPC
		var provider sql.NullString

		err := rows.Scan(
			&rpc.ID,
			&rpc.URL,
			&provider,
			&rpc.Priority,
			&rpc.Active,
			&rpc.CreatedAt,
			&rpc.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rpc")
		}

		if provider.Valid {
			rpc.Provider = provider.String
		}

		rpcs = append(rpcs, rpc)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate rpcs")
	}

	return rpcs, nil
}

// GetEndpointTier returns the URLs of the active endpoints, primary first.
// It returns ErrNoActiveRPCs when the table holds no active row.
func (r *DBConfig) GetEndpointTier(ctx context.Context) ([]string, error) {
	rpcs, err := r.GetRPCs(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(rpcs) == 0 {
		return nil, ErrNoActiveRPCs
	}

	urls := make([]string, 0, len(rpcs))
	for _, rpc := range rpcs {
		urls = append(urls, rpc.URL)
	}
	return urls, nil
}

// UpsertRPC inserts an endpoint or updates its priority and active flag.
func (r *DBConfig) UpsertRPC(ctx context.Context, rpc models.RPC) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rpcs (url, provider, priority, active)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		ON CONFLICT (url)
		DO UPDATE SET provider = EXCLUDED.provider,
		              priority = EXCLUDED.priority,
		              active = EXCLUDED.active,
		              updated_at = now()`,
		rpc.URL,
		rpc.Provider,
		rpc.Priority,
		rpc.Active,
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert rpc")
	}
	return nil
}
