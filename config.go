package escrow

import (
	"fmt"
	"time"
)

// TimeoutConfig holds timeout configuration for external calls.
type TimeoutConfig struct {
	// VerifyTimeout is the maximum time to wait for payment verification.
	VerifyTimeout time.Duration

	// SettleTimeout is the maximum time to wait for payment settlement.
	SettleTimeout time.Duration

	// RequestTimeout is the overall timeout for HTTP requests.
	RequestTimeout time.Duration

	// ChainTimeout bounds each chain read (transaction, receipt, block number).
	ChainTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for payment operations.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	RequestTimeout: 120 * time.Second,
	ChainTimeout:   10 * time.Second,
}

// WithVerifyTimeout returns a new TimeoutConfig with updated verify timeout.
func (tc TimeoutConfig) WithVerifyTimeout(d time.Duration) TimeoutConfig {
	tc.VerifyTimeout = d
	return tc
}

// WithSettleTimeout returns a new TimeoutConfig with updated settle timeout.
func (tc TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	tc.SettleTimeout = d
	return tc
}

// WithRequestTimeout returns a new TimeoutConfig with updated request timeout.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// WithChainTimeout returns a new TimeoutConfig with updated chain read timeout.
func (tc TimeoutConfig) WithChainTimeout(d time.Duration) TimeoutConfig {
	tc.ChainTimeout = d
	return tc
}

// Validate ensures timeout values are reasonable.
func (tc TimeoutConfig) Validate() error {
	if tc.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", tc.VerifyTimeout)
	}
	if tc.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", tc.SettleTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.ChainTimeout <= 0 {
		return fmt.Errorf("chain timeout must be positive, got %v", tc.ChainTimeout)
	}
	if tc.SettleTimeout < tc.VerifyTimeout {
		return fmt.Errorf("settle timeout (%v) should be >= verify timeout (%v)",
			tc.SettleTimeout, tc.VerifyTimeout)
	}
	return nil
}

// RetryConfig bounds the exponential backoff applied to retryable failures.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetry is used when a component is not given an explicit RetryConfig.
var DefaultRetry = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// Validate ensures retry values are usable.
func (rc RetryConfig) Validate() error {
	if rc.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", rc.MaxAttempts)
	}
	if rc.InitialDelay < 0 || rc.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if rc.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", rc.Multiplier)
	}
	return nil
}
