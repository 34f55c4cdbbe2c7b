package escrow

import "errors"

// Sentinel errors for x402 protocol operations.
var (
	// ErrInvalidRequirements indicates the payment requirements are invalid.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrSigningFailed indicates the payment signing operation failed.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidNetwork indicates an unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidToken indicates invalid token configuration.
	ErrInvalidToken = errors.New("x402: invalid token configuration")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates payment or deposit verification failed.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates payment settlement failed before a
	// transaction reference was produced.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrSettlementUncertain indicates settlement failed after a transaction
	// reference was produced; the transfer may still land on chain.
	ErrSettlementUncertain = errors.New("x402: payment settlement outcome uncertain")

	// ErrAuthorizationNotYetValid indicates the authorization window has not opened yet.
	ErrAuthorizationNotYetValid = errors.New("x402: authorization not yet valid")

	// ErrMalformedHeader indicates the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")
)

// Sentinel errors for escrow session operations.
var (
	// ErrSessionNotFound indicates the session or payment id is unknown.
	ErrSessionNotFound = errors.New("x402: session not found")

	// ErrAlreadyActive indicates a second activation of the same session.
	ErrAlreadyActive = errors.New("x402: session already active")

	// ErrInsufficientBudget indicates a spend exceeds the remaining budget.
	ErrInsufficientBudget = errors.New("x402: insufficient session budget")

	// ErrSessionExpired indicates the session deadline has passed.
	ErrSessionExpired = errors.New("x402: session expired")

	// ErrSessionInactive indicates the session has not been activated.
	ErrSessionInactive = errors.New("x402: session inactive")

	// ErrSessionClosed indicates the session reached its terminal state.
	ErrSessionClosed = errors.New("x402: session closed")

	// ErrNothingToRefund indicates the session residual is zero or negative.
	ErrNothingToRefund = errors.New("x402: nothing to refund")

	// ErrMisconfiguredSigner indicates the custodian signing identity is absent.
	ErrMisconfiguredSigner = errors.New("x402: custodian signer not configured")

	// ErrUnauthorizedAgent indicates the caller is not an authorized agent of the session.
	ErrUnauthorizedAgent = errors.New("x402: agent not authorized for session")
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeInvalidRequirements indicates invalid payment requirements.
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"

	// ErrCodeSigningFailed indicates signing operation failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// ErrCodeNetworkError indicates network communication error.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"

	// ErrCodeUnsupportedScheme indicates unsupported payment scheme or network.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// ErrCodeUnsupportedVersion indicates unsupported x402 protocol version.
	ErrCodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"

	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyActive       ErrorCode = "ALREADY_ACTIVE"
	ErrCodeVerificationFailed  ErrorCode = "VERIFICATION_FAILED"
	ErrCodeInsufficientBudget  ErrorCode = "INSUFFICIENT_BUDGET"
	ErrCodeSessionExpired      ErrorCode = "SESSION_EXPIRED"
	ErrCodeSessionInactive     ErrorCode = "SESSION_INACTIVE"
	ErrCodeSessionClosed       ErrorCode = "SESSION_CLOSED"
	ErrCodeSettlementFailed    ErrorCode = "SETTLEMENT_FAILED"
	ErrCodeSettlementUncertain ErrorCode = "SETTLEMENT_UNCERTAIN"
	ErrCodeNothingToRefund     ErrorCode = "NOTHING_TO_REFUND"
	ErrCodeMisconfiguredSigner ErrorCode = "MISCONFIGURED_SIGNER"
	ErrCodeUnauthorizedAgent   ErrorCode = "UNAUTHORIZED_AGENT"
)

// codeBySentinel maps sentinels to the code a PaymentError wrapping them carries.
var codeBySentinel = []struct {
	err  error
	code ErrorCode
}{
	{ErrSessionNotFound, ErrCodeNotFound},
	{ErrAlreadyActive, ErrCodeAlreadyActive},
	{ErrVerificationFailed, ErrCodeVerificationFailed},
	{ErrInsufficientBudget, ErrCodeInsufficientBudget},
	{ErrSessionExpired, ErrCodeSessionExpired},
	{ErrSessionInactive, ErrCodeSessionInactive},
	{ErrSessionClosed, ErrCodeSessionClosed},
	{ErrSettlementUncertain, ErrCodeSettlementUncertain},
	{ErrSettlementFailed, ErrCodeSettlementFailed},
	{ErrNothingToRefund, ErrCodeNothingToRefund},
	{ErrMisconfiguredSigner, ErrCodeMisconfiguredSigner},
	{ErrUnauthorizedAgent, ErrCodeUnauthorizedAgent},
	{ErrSigningFailed, ErrCodeSigningFailed},
	{ErrFacilitatorUnavailable, ErrCodeNetworkError},
	{ErrUnsupportedScheme, ErrCodeUnsupportedScheme},
	{ErrUnsupportedVersion, ErrCodeUnsupportedVersion},
	{ErrInvalidRequirements, ErrCodeInvalidRequirements},
}

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a PaymentError whose code is derived from the sentinel err wraps.
// Unknown errors get ErrCodeNetworkError.
func Wrap(message string, err error) *PaymentError {
	return NewPaymentError(CodeOf(err), message, err)
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the error code for err. A PaymentError anywhere in the chain
// wins over sentinel matching.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	for _, m := range codeBySentinel {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return ErrCodeNetworkError
}

// IsRetryable reports whether the operation that produced err may be retried
// with backoff. Budget, verification and terminal-state failures are never
// retryable, nor is a settlement that already produced a transaction reference.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSettlementUncertain) {
		return false
	}
	return errors.Is(err, ErrSettlementFailed) ||
		errors.Is(err, ErrFacilitatorUnavailable) ||
		errors.Is(err, ErrAuthorizationNotYetValid)
}
