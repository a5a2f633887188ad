package failover

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
)

// GetHealth returns nil when the first reachable endpoint reports itself healthy.
func (c *Client) GetHealth(ctx context.Context) error {
	result, err := c.Call(ctx, "getHealth", nil)
	if err != nil {
		return errors.Wrap(err, "getHealth")
	}
	return checkHealth(result)
}

// GetHealthAt probes a single endpoint.
func (c *Client) GetHealthAt(ctx context.Context, endpoint string) error {
	result, err := c.CallAt(ctx, endpoint, "getHealth", nil)
	if err != nil {
		return errors.Wrap(err, "getHealth")
	}
	return checkHealth(result)
}

func checkHealth(result json.RawMessage) error {
	var health string
	if err := json.Unmarshal(result, &health); err != nil {
		return errors.Wrap(err, "unmarshal health")
	}
	if health != "ok" {
		return errors.Errorf("node reported %q", health)
	}
	return nil
}

// GetLatestBlockhash returns the latest blockhash at the given commitment.
func (c *Client) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	params := []interface{}{
		map[string]interface{}{"commitment": commitment},
	}
	result, err := c.Call(ctx, "getLatestBlockhash", params)
	if err != nil {
		return nil, errors.Wrap(err, "getLatestBlockhash")
	}

	var out rpc.GetLatestBlockhashResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal latest blockhash")
	}
	if out.Value == nil {
		return nil, errors.New("getLatestBlockhash returned no value")
	}
	return &out, nil
}

// SendTransaction submits a signed wire transaction and returns its base58 signature.
// Resubmitting identical bytes yields the same signature.
func (c *Client) SendTransaction(ctx context.Context, payload []byte) (string, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(payload),
		map[string]interface{}{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": rpc.CommitmentProcessed,
		},
	}
	result, err := c.Call(ctx, "sendTransaction", params)
	if err != nil {
		return "", errors.Wrap(err, "sendTransaction")
	}

	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", errors.Wrap(err, "unmarshal signature")
	}
	return signature, nil
}

// GetSignatureStatuses returns one status entry per signature; entries are nil for
// signatures the node has not seen.
func (c *Client) GetSignatureStatuses(ctx context.Context, signatures ...string) (*rpc.GetSignatureStatusesResult, error) {
	params := []interface{}{
		signatures,
		map[string]interface{}{"searchTransactionHistory": true},
	}
	result, err := c.Call(ctx, "getSignatureStatuses", params)
	if err != nil {
		return nil, errors.Wrap(err, "getSignatureStatuses")
	}

	var out rpc.GetSignatureStatusesResult
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal signature statuses")
	}
	return &out, nil
}
