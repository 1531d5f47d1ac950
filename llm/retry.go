package llm

import "time"

// RetryConfig holds retry configuration for LLM requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per endpoint. One means
	// no retry; the next endpoint in the fallback chain is tried instead.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryConfig returns the retry defaults: a single attempt per endpoint.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
