package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	commonerrors "github.com/ClipFinance/tx-pipeline/common/errors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultDerivationPath is the Solana BIP-44 path of the first account.
const DefaultDerivationPath = "m/44'/501'/0'/0'"

// Config holds the whole configuration surface of the pipeline.
type Config struct {
	RPC     RPCConfig     `yaml:"rpc"`
	Outbox  OutboxConfig  `yaml:"outbox"`
	Monitor MonitorConfig `yaml:"monitor"`
	DB      DBConfig      `yaml:"db"`
	Signer  SignerConfig  `yaml:"signer"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// RPCConfig holds the endpoint tier and per-attempt limits.
type RPCConfig struct {
	PrimaryURL          string        `yaml:"primary_url"`
	SecondaryURL        string        `yaml:"secondary_url"`
	TertiaryURL         string        `yaml:"tertiary_url"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	RateLimitRPS        float64       `yaml:"rate_limit_rps"`
	RateLimitBurst      int           `yaml:"rate_limit_burst"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// Endpoints returns the ordered endpoint tier with empty slots skipped.
func (c RPCConfig) Endpoints() []string {
	endpoints := make([]string, 0, 3)
	for _, url := range []string{c.PrimaryURL, c.SecondaryURL, c.TertiaryURL} {
		if url = strings.TrimSpace(url); url != "" {
			endpoints = append(endpoints, url)
		}
	}
	return endpoints
}

// OutboxConfig holds the worker settings.
type OutboxConfig struct {
	RetryCap    int           `yaml:"retry_cap"`
	RunInterval time.Duration `yaml:"run_interval"`
	Concurrency int           `yaml:"concurrency"`
}

// MonitorConfig holds the confirmation monitor settings.
type MonitorConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	WatchTimeout    time.Duration `yaml:"watch_timeout"`
}

// DBConfig selects the outbox backend. An empty URL keeps the outbox in memory.
type DBConfig struct {
	URL string `yaml:"url"`
}

// SignerConfig holds the software signer key material.
type SignerConfig struct {
	PrivateKey     string `yaml:"private_key"`
	Mnemonic       string `yaml:"mnemonic"`
	DerivationPath string `yaml:"derivation_path"`
}

// ServerConfig holds the metrics listener address.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogConfig holds the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		RPC: RPCConfig{
			PrimaryURL:          "https://api.mainnet-beta.solana.com",
			AttemptTimeout:      10 * time.Second,
			RateLimitBurst:      1,
			HealthCheckInterval: 30 * time.Second,
		},
		Outbox: OutboxConfig{
			RetryCap:    5,
			RunInterval: 30 * time.Second,
			Concurrency: 4,
		},
		Monitor: MonitorConfig{
			PollInterval:    2 * time.Second,
			MaxPollInterval: 8 * time.Second,
			WatchTimeout:    90 * time.Second,
		},
		Signer: SignerConfig{
			DerivationPath: DefaultDerivationPath,
		},
		Server: ServerConfig{
			MetricsAddr: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// TXPIPELINE_CONFIG and environment overrides, in that order.
//
// Returns:
// - *Config: the validated configuration.
// - error: an error if the file cannot be read, an env value is malformed or validation fails.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("TXPIPELINE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var env envParser
	cfg.RPC.PrimaryURL = getEnv("RPC_PRIMARY_URL", cfg.RPC.PrimaryURL)
	cfg.RPC.SecondaryURL = getEnv("RPC_SECONDARY_URL", cfg.RPC.SecondaryURL)
	cfg.RPC.TertiaryURL = getEnv("RPC_TERTIARY_URL", cfg.RPC.TertiaryURL)
	cfg.RPC.AttemptTimeout = env.getEnvDuration("RPC_ATTEMPT_TIMEOUT", cfg.RPC.AttemptTimeout)
	cfg.RPC.RateLimitRPS = env.getEnvFloat("RPC_RATE_LIMIT_RPS", cfg.RPC.RateLimitRPS)
	cfg.RPC.RateLimitBurst = env.getEnvInt("RPC_RATE_LIMIT_BURST", cfg.RPC.RateLimitBurst)
	cfg.RPC.HealthCheckInterval = env.getEnvDuration("HEALTH_CHECK_INTERVAL", cfg.RPC.HealthCheckInterval)

	cfg.Outbox.RetryCap = env.getEnvInt("OUTBOX_RETRY_CAP", cfg.Outbox.RetryCap)
	cfg.Outbox.RunInterval = env.getEnvDuration("OUTBOX_RUN_INTERVAL", cfg.Outbox.RunInterval)
	cfg.Outbox.Concurrency = env.getEnvInt("OUTBOX_CONCURRENCY", cfg.Outbox.Concurrency)

	cfg.Monitor.PollInterval = env.getEnvDuration("MONITOR_POLL_INTERVAL", cfg.Monitor.PollInterval)
	cfg.Monitor.MaxPollInterval = env.getEnvDuration("MONITOR_MAX_POLL_INTERVAL", cfg.Monitor.MaxPollInterval)
	cfg.Monitor.WatchTimeout = env.getEnvDuration("MONITOR_WATCH_TIMEOUT", cfg.Monitor.WatchTimeout)

	cfg.DB.URL = getEnv("DB_URL", cfg.DB.URL)

	cfg.Signer.PrivateKey = getEnv("SIGNER_PRIVATE_KEY", cfg.Signer.PrivateKey)
	cfg.Signer.Mnemonic = getEnv("SIGNER_MNEMONIC", cfg.Signer.Mnemonic)
	cfg.Signer.DerivationPath = getEnv("SIGNER_DERIVATION_PATH", cfg.Signer.DerivationPath)

	cfg.Server.MetricsAddr = getEnv("METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	if env.err != nil {
		return nil, env.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

// Validate checks the configuration for contract violations.
func (c *Config) Validate() error {
	if len(c.RPC.Endpoints()) == 0 {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "RPC_PRIMARY_URL is required")
	}
	if c.RPC.AttemptTimeout <= 0 {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "RPC_ATTEMPT_TIMEOUT must be positive")
	}
	if c.Outbox.RetryCap <= 0 {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "OUTBOX_RETRY_CAP must be positive")
	}
	if c.Outbox.RunInterval <= 0 {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "OUTBOX_RUN_INTERVAL must be positive")
	}
	if c.Outbox.Concurrency <= 0 {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "OUTBOX_CONCURRENCY must be positive")
	}
	if c.Monitor.PollInterval <= 0 || c.Monitor.WatchTimeout <= 0 {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "monitor intervals must be positive")
	}
	if c.Monitor.MaxPollInterval < c.Monitor.PollInterval {
		c.Monitor.MaxPollInterval = c.Monitor.PollInterval
	}
	if c.Signer.PrivateKey != "" && c.Signer.Mnemonic != "" {
		return errors.Wrap(commonerrors.ErrInvalidConfig, "set only one of SIGNER_PRIVATE_KEY and SIGNER_MNEMONIC")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

// envParser reads typed environment values and keeps the first malformed one.
type envParser struct {
	err error
}

func (p *envParser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = errors.Wrapf(commonerrors.ErrInvalidConfig, "%s=%q: %v", key, value, err)
	}
}

func (p *envParser) getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *envParser) getEnvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

func (p *envParser) getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return d
}
