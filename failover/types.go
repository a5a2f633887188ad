package failover

import (
	"encoding/json"
	"fmt"
	"strings"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
)

// JSON-RPC request/response types

type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a well-formed JSON-RPC error. It is terminal: another endpoint would
// answer the same deterministic application-level error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// EndpointFailure records why one endpoint was skipped.
type EndpointFailure struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (f EndpointFailure) String() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s: http status %d", f.Endpoint, f.StatusCode)
	}
	return fmt.Sprintf("%s: %v", f.Endpoint, f.Err)
}

// UnavailableError is returned when every endpoint failed transiently.
// Callers should retry later, not immediately.
type UnavailableError struct {
	Method   string
	Failures []EndpointFailure
}

func (e *UnavailableError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: %s: [%s]", commonerrors.ErrAllEndpointsUnavailable, e.Method, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrAllEndpointsUnavailable) hold.
func (e *UnavailableError) Is(target error) bool {
	return target == commonerrors.ErrAllEndpointsUnavailable
}

// transientError marks a single-endpoint failure that warrants trying the next endpoint.
type transientError struct {
	statusCode int
	err        error
}

func (e *transientError) Error() string {
	if e.statusCode != 0 {
		return fmt.Sprintf("http status %d: %v", e.statusCode, e.err)
	}
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}
