package dbconfig

import "github.com/pkg/errors"

var (
	ErrDatabaseConnect = errors.New("failed to connect to database")
	ErrNoActiveRPCs    = errors.New("no active rpc endpoints configured")
)
