package reaper

import (
	"fmt"
	"time"
)

// Config holds configuration for the cleanup reaper.
type Config struct {
	// Interval is how often a cleanup pass runs.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// DismissedGrace is how long a dismissed opportunity is kept after its
	// last update before it is deleted.
	DismissedGrace time.Duration `yaml:"dismissed_grace" json:"dismissed_grace"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       1 * time.Minute,
		DismissedGrace: 5 * time.Minute,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.DismissedGrace < 0 {
		return fmt.Errorf("dismissed_grace must not be negative")
	}
	return nil
}
