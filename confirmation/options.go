package confirmation

import "time"

const (
	defaultPollInterval    = 2 * time.Second
	defaultMaxPollInterval = 8 * time.Second
	defaultTimeout         = 90 * time.Second
	backoffFactor          = 1.5
)

// Config controls how often and for how long a signature is polled.
//
// Fields:
// - PollInterval: delay before the first poll and after every status change.
// - MaxPollInterval: upper bound of the backed off delay between unchanged polls.
// - Timeout: overall watch budget; exceeding it emits a timeout event.
// - MaxPolls: optional poll budget, 0 means unlimited.
type Config struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	Timeout         time.Duration
	MaxPolls        int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
		if defaultMaxPollInterval > c.MaxPollInterval {
			c.MaxPollInterval = defaultMaxPollInterval
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxPolls < 0 {
		c.MaxPolls = 0
	}
	return c
}

// Option configures a Monitor.
type Option func(*Config)

// WithPollInterval sets the base poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

// WithMaxPollInterval caps the backed off poll interval.
func WithMaxPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.MaxPollInterval = interval
	}
}

// WithTimeout sets the overall watch budget.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxPolls limits the number of polls per watch.
func WithMaxPolls(n int) Option {
	return func(c *Config) {
		c.MaxPolls = n
	}
}
