package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TXPIPELINE_CONFIG", "")
	t.Setenv("RPC_PRIMARY_URL", "https://primary.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://primary.example"}, cfg.RPC.Endpoints())
	assert.Equal(t, 5, cfg.Outbox.RetryCap)
	assert.Equal(t, 30*time.Second, cfg.Outbox.RunInterval)
	assert.Equal(t, 10*time.Second, cfg.RPC.AttemptTimeout)
	assert.Equal(t, DefaultDerivationPath, cfg.Signer.DerivationPath)
	assert.Empty(t, cfg.DB.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TXPIPELINE_CONFIG", "")
	t.Setenv("RPC_PRIMARY_URL", "https://a.example")
	t.Setenv("RPC_SECONDARY_URL", "")
	t.Setenv("RPC_TERTIARY_URL", "https://c.example")
	t.Setenv("OUTBOX_RETRY_CAP", "7")
	t.Setenv("OUTBOX_RUN_INTERVAL", "5s")
	t.Setenv("MONITOR_WATCH_TIMEOUT", "1m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://c.example"}, cfg.RPC.Endpoints())
	assert.Equal(t, 7, cfg.Outbox.RetryCap)
	assert.Equal(t, 5*time.Second, cfg.Outbox.RunInterval)
	assert.Equal(t, time.Minute, cfg.Monitor.WatchTimeout)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc:
  primary_url: https://file-primary.example
  secondary_url: https://file-secondary.example
outbox:
  retry_cap: 3
`), 0o600))

	t.Setenv("TXPIPELINE_CONFIG", path)
	t.Setenv("OUTBOX_RETRY_CAP", "9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://file-primary.example", "https://file-secondary.example"}, cfg.RPC.Endpoints())
	assert.Equal(t, 9, cfg.Outbox.RetryCap)
}

func TestValidate_RejectsEmptyEndpoints(t *testing.T) {
	cfg := Default()
	cfg.RPC.PrimaryURL = " "

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, commonerrors.ErrInvalidConfig))
}

func TestValidate_RejectsNonPositiveRetryCap(t *testing.T) {
	cfg := Default()
	cfg.Outbox.RetryCap = 0

	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsBothSignerSources(t *testing.T) {
	cfg := Default()
	cfg.Signer.PrivateKey = "key"
	cfg.Signer.Mnemonic = "words"

	require.Error(t, cfg.Validate())
}

func TestLoad_RejectsMalformedNumbers(t *testing.T) {
	cases := map[string]string{
		"OUTBOX_RETRY_CAP":      "abc",
		"RPC_RATE_LIMIT_RPS":    "fast",
		"OUTBOX_RUN_INTERVAL":   "30",
		"MONITOR_POLL_INTERVAL": "2 seconds",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("TXPIPELINE_CONFIG", "")
			t.Setenv("RPC_PRIMARY_URL", "https://primary.example")
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
			assert.True(t, errors.Is(err, commonerrors.ErrInvalidConfig))
			assert.Contains(t, err.Error(), key)
		})
	}
}
