package dispatcher

import (
	"time"

	"github.com/smallbiznis/srmgate/internal/config"
)

// Config controls dispatch cadence, retries and parallelism.
type Config struct {
	Interval    time.Duration
	MinInterval time.Duration
	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	StuckAfter  time.Duration
	MaxParallel int
	BatchSize   int
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		MinInterval: 5 * time.Second,
		CallTimeout: 15 * time.Second,
		MaxAttempts: 10,
		BackoffBase: 30 * time.Second,
		BackoffMax:  30 * time.Minute,
		StuckAfter:  5 * time.Minute,
		MaxParallel: 8,
		BatchSize:   50,
	}
}

func ConfigFrom(cfg config.Config) Config {
	d := cfg.Dispatch
	return Config{
		Interval:    d.Interval,
		MinInterval: d.MinInterval,
		CallTimeout: d.CallTimeout,
		MaxAttempts: d.MaxAttempts,
		BackoffBase: d.BackoffBase,
		BackoffMax:  d.BackoffMax,
		StuckAfter:  d.StuckAfter,
		MaxParallel: d.MaxParallel,
		BatchSize:   d.BatchSize,
	}
}

// withDefaults fills unset values and floors the interval at MinInterval.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MinInterval <= 0 {
		c.MinInterval = defaults.MinInterval
	}
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.Interval < c.MinInterval {
		c.Interval = c.MinInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaults.CallTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = defaults.StuckAfter
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaults.MaxParallel
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}

// Backoff is the delay before attempt n+1 after n failed attempts.
func (c Config) Backoff(attempts int) time.Duration {
	delay := c.BackoffBase
	for i := 1; i < attempts && delay < c.BackoffMax; i++ {
		delay *= 2
	}
	if delay > c.BackoffMax {
		delay = c.BackoffMax
	}
	return delay
}
