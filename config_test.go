package escrow

import (
	"testing"
	"time"
)

func TestTimeoutConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  TimeoutConfig
		wantErr bool
	}{
		{"defaults", DefaultTimeouts, false},
		{"zero chain", DefaultTimeouts.WithChainTimeout(0), true},
		{"zero verify", DefaultTimeouts.WithVerifyTimeout(0), true},
		{"settle shorter than verify", DefaultTimeouts.WithVerifyTimeout(10 * time.Second).WithSettleTimeout(time.Second), true},
		{"negative request", DefaultTimeouts.WithRequestTimeout(-time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithMethodsReturnCopies(t *testing.T) {
	base := DefaultTimeouts
	_ = base.WithSettleTimeout(time.Hour)
	if base.SettleTimeout != DefaultTimeouts.SettleTimeout {
		t.Error("WithSettleTimeout() mutated the receiver")
	}
}

func TestRetryConfigValidate(t *testing.T) {
	if err := DefaultRetry.Validate(); err != nil {
		t.Fatalf("DefaultRetry.Validate() error = %v", err)
	}

	bad := DefaultRetry
	bad.MaxAttempts = 0
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject zero attempts")
	}

	bad = DefaultRetry
	bad.Multiplier = 0.5
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject a shrinking multiplier")
	}
}
