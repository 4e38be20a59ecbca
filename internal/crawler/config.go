package crawler

import (
	"errors"
	"time"
)

// Config holds the configuration for the fetch worker pool
type Config struct {
	MaxConcurrency    int           // Maximum number of fetches in flight
	Timeout           time.Duration // Per-request timeout
	RetryBudget       int           // Attempts per URL, each through a different proxy
	DelayMin          time.Duration // Lower bound of the random pause before each attempt
	DelayMax          time.Duration // Upper bound of the random pause before each attempt
	RequestsPerSecond float64       // Global request rate cap, 0 disables it
	UserAgent         string        // Fixed user agent, empty picks a random browser agent per attempt
	MaxBodySize       int           // Response body cap in bytes, 0 for unlimited
	StopOnClientError bool          // Treat 4xx other than 429 as final instead of retrying
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency: 5,
		Timeout:        15 * time.Second,
		RetryBudget:    3,
		DelayMin:       100 * time.Millisecond,
		DelayMax:       500 * time.Millisecond,
		MaxBodySize:    10 << 20,
	}
}

// Validate checks the configuration for values the pool cannot run with
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return errors.New("max concurrency must be at least 1")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.RetryBudget < 1 {
		return errors.New("retry budget must be at least 1")
	}
	if c.DelayMin < 0 || c.DelayMax < c.DelayMin {
		return errors.New("delay range is invalid")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests per second cannot be negative")
	}
	return nil
}
