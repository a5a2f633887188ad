package signer

import "fmt"

// ErrorKind classifies a signing failure.
type ErrorKind string

const (
	// KindRejected means the authority refused the request, e.g. an unknown derivation path.
	KindRejected ErrorKind = "rejected"
	// KindHardware means the key store failed internally.
	KindHardware ErrorKind = "hardware"
)

// Error is a typed signing failure. The pipeline never retries it.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("signer %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
