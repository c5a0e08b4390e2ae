package gate

// Gate-level rejection codes. Token verification failures reuse the
// paytoken code space; these cover the claim checks layered on top.
const (
	CodePaymentRequired   = "PAYMENT_REQUIRED"
	CodeKeysetUnavailable = "NOOTERRA_PAY_KEYSET_UNAVAILABLE"
	CodeProviderMismatch  = "NOOTERRA_PAY_PROVIDER_MISMATCH"
	CodeAmountMismatch    = "NOOTERRA_PAY_AMOUNT_MISMATCH"
	CodeCurrencyMismatch  = "NOOTERRA_PAY_CURRENCY_MISMATCH"
	CodeQuoteRequired     = "NOOTERRA_PAY_QUOTE_REQUIRED"
	CodeQuoteMismatch     = "NOOTERRA_PAY_QUOTE_MISMATCH"
	CodeSpendAuthRequired = "NOOTERRA_PAY_SPEND_AUTH_REQUIRED"
	CodeBodyTooLarge      = "NOOTERRA_PAY_REQUEST_BODY_TOO_LARGE"
)

// Internal failure kinds surfaced as HTTP 500. Neither is cached in the
// replay store, so a retry with the same token can still execute.
const (
	errPricing   = "pricing_error"
	errExecution = "provider_execution_error"
)

// PaymentError is a payment-gating rejection: HTTP 402 with a stable code,
// a human-readable message and an optional structured details object.
type PaymentError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *PaymentError) Error() string {
	return e.Code + ": " + e.Message
}

func paymentErr(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}
