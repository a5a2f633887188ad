package worker

import (
	"context"
	"time"

	"github.com/ClipFinance/tx-pipeline/common/types"
)

const (
	// DefaultRetryCap is the number of failed attempts after which a row is permanently failed.
	DefaultRetryCap    = 5
	defaultConcurrency = 4
	defaultRunInterval = 30 * time.Second
)

// SubmittedFunc is called after a row was accepted by a node and removed from the outbox.
type SubmittedFunc func(ctx context.Context, tx types.PendingTransaction, signature string)

// FailedFunc is called after a row was moved to the permanently failed records.
type FailedFunc func(ctx context.Context, record types.FailedTransaction)

// Config defines how the Worker processes the outbox.
type Config struct {
	RetryCap    int
	Concurrency int
	RunInterval time.Duration
	OnSubmitted SubmittedFunc
	OnFailed    FailedFunc
}

func (c Config) withDefaults() Config {
	if c.RetryCap <= 0 {
		c.RetryCap = DefaultRetryCap
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.RunInterval <= 0 {
		c.RunInterval = defaultRunInterval
	}
	if c.OnSubmitted == nil {
		c.OnSubmitted = func(context.Context, types.PendingTransaction, string) {}
	}
	if c.OnFailed == nil {
		c.OnFailed = func(context.Context, types.FailedTransaction) {}
	}
	return c
}

// Option configures a Worker.
type Option func(*Config)

// WithRetryCap sets the retry cap.
func WithRetryCap(retryCap int) Option {
	return func(c *Config) {
		c.RetryCap = retryCap
	}
}

// WithConcurrency bounds the number of rows submitted at once.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithRunInterval sets the periodic tick of Run.
func WithRunInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.RunInterval = interval
	}
}

// WithOnSubmitted registers the success hook.
func WithOnSubmitted(fn SubmittedFunc) Option {
	return func(c *Config) {
		c.OnSubmitted = fn
	}
}

// WithOnFailed registers the permanent failure hook.
func WithOnFailed(fn FailedFunc) Option {
	return func(c *Config) {
		c.OnFailed = fn
	}
}
