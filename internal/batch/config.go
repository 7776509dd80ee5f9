package batch

import "time"

// Config bounds one batch run.
type Config struct {
	BatchSize    int
	Concurrency  int
	CallTimeout  time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PendingLease time.Duration
	// RatePerSec caps outbound calls per provider across all runs; <= 0 disables.
	RatePerSec float64
	Burst      int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    10,
		Concurrency:  4,
		CallTimeout:  30 * time.Second,
		MaxAttempts:  2,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   10 * time.Second,
		PendingLease: 10 * time.Minute,
		RatePerSec:   5,
		Burst:        5,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.PendingLease <= 0 {
		c.PendingLease = d.PendingLease
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// backoff returns the delay before attempt n+1.
func (c Config) backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return d
}
