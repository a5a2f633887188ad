package failover

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/ClipFinance/tx-pipeline/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// defaultAttemptTimeout bounds a single request to a single endpoint.
	defaultAttemptTimeout = 10 * time.Second
	// maxResponseSize caps the body read from an endpoint.
	maxResponseSize = 16 << 20
	// maxErrorBody caps the body excerpt kept for non-200 responses.
	maxErrorBody = 256
)

// Client sends JSON-RPC requests to an ordered endpoint tier, failing over on transient errors.
// It is stateless between calls: the order is never adapted to past failures.
type Client struct {
	endpoints      []string
	httpClient     *http.Client
	attemptTimeout time.Duration
	limiter        *rate.Limiter
	requestID      atomic.Int64
	logger         *logrus.Logger
}


// Option configures a Client.
type Option func(*Client)

// WithAttemptTimeout sets the per-endpoint attempt timeout.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.attemptTimeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithRateLimit throttles attempts to rps requests per second with the given burst.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a failover client over endpoints. Blank entries are skipped, so an empty
// tertiary slot is a valid configuration.
//
// Parameters:
// - endpoints: ordered endpoint URLs, primary first.
// - logger: the logger for logging purposes.
// - opts: optional settings.
//
// Returns:
// - *Client: the new client. New panics when no endpoint remains, which is a programming error.
func New(endpoints []string, logger *logrus.Logger, opts ...Option) *Client {
	filtered := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			filtered = append(filtered, endpoint)
		}
	}
	if len(filtered) == 0 {
		panic("failover: " + commonerrors.ErrNoEndpoints.Error())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Client{
		endpoints:      filtered,
		httpClient:     &http.Client{},
		attemptTimeout: defaultAttemptTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoints returns a copy of the endpoint tier.
func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// Call sends one request, trying endpoints strictly in order.
//
// Parameters:
// - ctx: the context for managing the request; its cancellation is returned as is.
// - method: the JSON-RPC method name.
// - params: the request parameters.
//
// Returns:
// - json.RawMessage: the result of the first endpoint that answered with HTTP 200 and a JSON-RPC envelope.
// - error: *RPCError for a terminal method-level failure, *UnavailableError when every endpoint failed transiently.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.callEndpoints(ctx, c.endpoints, method, params)
}

// CallAt sends one request to a single endpoint without failing over.
func (c *Client) CallAt(ctx context.Context, endpoint string, method string, params interface{}) (json.RawMessage, error) {
	return c.callEndpoints(ctx, []string{endpoint}, method, params)
}

func (c *Client) callEndpoints(ctx context.Context, endpoints []string, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	failures := make([]EndpointFailure, 0, len(endpoints))
	for i, endpoint := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		label := EndpointLabel(endpoint)
		start := time.Now()
		result, err := c.attempt(ctx, endpoint, body)
		metrics.RPCAttemptDuration.WithLabelValues(label, method).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.RPCAttemptsTotal.WithLabelValues(label, method, "ok").Inc()
			return result, nil
		}

		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			metrics.RPCAttemptsTotal.WithLabelValues(label, method, "terminal").Inc()
			c.logger.WithFields(logrus.Fields{
				"endpoint": label,
				"method":   method,
				"code":     rpcErr.Code,
			}).Debug("RPC method returned an error")
			return nil, rpcErr
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		metrics.RPCAttemptsTotal.WithLabelValues(label, method, "transient").Inc()
		failure := EndpointFailure{Endpoint: endpoint, Err: err}
		var te *transientError
		if errors.As(err, &te) {
			failure.StatusCode = te.statusCode
		}
		failures = append(failures, failure)

		c.logger.WithFields(logrus.Fields{
			"endpoint": label,
			"method":   method,
			"attempt":  i + 1,
			"error":    err,
		}).Warn("RPC endpoint failed, trying next")
	}

	metrics.RPCUnavailableTotal.WithLabelValues(method).Inc()
	return nil, &UnavailableError{Method: method, Failures: failures}
}

// attempt performs a single bounded request. Every failure except *RPCError is transient.
func (c *Client) attempt(ctx context.Context, endpoint string, body []byte) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &transientError{err: errors.Wrap(err, "create request")}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &transientError{err: errors.Wrap(err, "http request")}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &transientError{err: errors.Wrap(err, "read response")}
	}

	if resp.StatusCode != http.StatusOK {
		excerpt := respBody
		if len(excerpt) > maxErrorBody {
			excerpt = excerpt[:maxErrorBody]
		}
		return nil, &transientError{statusCode: resp.StatusCode, err: errors.New(string(excerpt))}
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, &transientError{err: errors.Wrap(err, "unmarshal response")}
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		return nil, &transientError{err: errors.New("response has neither result nor error")}
	}
	return rpcResp.Result, nil
}

// IsTransient reports whether err means "every endpoint is unavailable, retry later".
func IsTransient(err error) bool {
	return errors.Is(err, commonerrors.ErrAllEndpointsUnavailable)
}

// IsTerminal reports whether err is a method-level JSON-RPC error.
func IsTerminal(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// EndpointLabel returns the host of endpoint for logs and metric labels. Paths and query
// strings are dropped since they often carry provider API keys.
func EndpointLabel(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
