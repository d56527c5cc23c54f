package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Validation Errors (request input and cart shape)
const (
	ErrCodeValidation       ErrorCode = "validation_error"
	ErrCodeMissingField     ErrorCode = "missing_field"
	ErrCodeInvalidField     ErrorCode = "invalid_field"
	ErrCodeInvalidMethod    ErrorCode = "invalid_payment_method"
	ErrCodeInvalidCart      ErrorCode = "invalid_cart"
	ErrCodeEmptyCart        ErrorCode = "empty_cart"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
)

// Access Errors
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeRateLimited  ErrorCode = "rate_limited"
)

// Payment Verification Errors (evidence did not prove payment)
const (
	ErrCodePaymentNotVerified ErrorCode = "payment_not_verified"
	ErrCodeAmountMismatch     ErrorCode = "amount_mismatch"
	ErrCodeCurrencyMismatch   ErrorCode = "currency_mismatch"
	ErrCodeReferenceMismatch  ErrorCode = "reference_mismatch"
	ErrCodeTransactionFailed  ErrorCode = "transaction_failed"
	ErrCodeMissingPayment     ErrorCode = "missing_payment"
)

// Resource/State Errors
const (
	ErrCodeNotFound        ErrorCode = "not_found"
	ErrCodeCartNotFound    ErrorCode = "cart_not_found"
	ErrCodeOrderNotFound   ErrorCode = "order_not_found"
	ErrCodeProductNotFound ErrorCode = "product_not_found"

	ErrCodeDuplicateRequest   ErrorCode = "duplicate_request"
	ErrCodePaymentAlreadyUsed ErrorCode = "payment_already_used"
	ErrCodeInsufficientStock  ErrorCode = "insufficient_stock"
)

// External Service Errors (Stripe, Flutterwave, chain RPC)
const (
	ErrCodeExternalService ErrorCode = "external_service_error"
	ErrCodeStripeError     ErrorCode = "stripe_error"
	ErrCodeGatewayError    ErrorCode = "gateway_error"
	ErrCodeRPCError        ErrorCode = "rpc_error"
)

// Internal/System Errors
const (
	ErrCodeNotConfigured        ErrorCode = "not_configured"
	ErrCodeManualReviewRequired ErrorCode = "manual_review_required"
	ErrCodeInternalError        ErrorCode = "internal_error"
	ErrCodeDatabaseError        ErrorCode = "database_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient provider or network issues, never validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeExternalService,
		ErrCodeStripeError,
		ErrCodeGatewayError,
		ErrCodeRPCError,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeValidation,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidMethod,
		ErrCodeInvalidCart,
		ErrCodeEmptyCart,
		ErrCodeInvalidSignature:
		return 400

	case ErrCodeUnauthorized:
		return 401

	// 402 Payment Required - Evidence rejected
	case ErrCodePaymentNotVerified,
		ErrCodeAmountMismatch,
		ErrCodeCurrencyMismatch,
		ErrCodeReferenceMismatch,
		ErrCodeTransactionFailed,
		ErrCodeMissingPayment:
		return 402

	// 404 Not Found
	case ErrCodeNotFound,
		ErrCodeCartNotFound,
		ErrCodeOrderNotFound,
		ErrCodeProductNotFound:
		return 404

	// 409 Conflict - Replays and stock contention
	case ErrCodeDuplicateRequest,
		ErrCodePaymentAlreadyUsed,
		ErrCodeInsufficientStock:
		return 409

	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - Provider failures
	case ErrCodeExternalService,
		ErrCodeStripeError,
		ErrCodeGatewayError,
		ErrCodeRPCError:
		return 502

	// 503 Service Unavailable - Provider credentials absent, fail closed
	case ErrCodeNotConfigured:
		return 503

	default:
		return 500
	}
}
