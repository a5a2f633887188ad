package errors

import "github.com/pkg/errors"

var (
	ErrDuplicateID             = errors.New("pending transaction already exists")
	ErrNotFound                = errors.New("pending transaction not found")
	ErrAllEndpointsUnavailable = errors.New("all rpc endpoints unavailable")
	ErrNoEndpoints             = errors.New("rpc endpoint list is empty")
	ErrInvalidTransaction      = errors.New("invalid pending transaction")
	ErrInvalidSignature        = errors.New("invalid transaction signature")
	ErrInvalidConfig           = errors.New("invalid pipeline configuration")
)
