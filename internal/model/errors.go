package model

import (
	"errors"
	"strings"
)

// Sentinel errors the round loop branches on.
var (
	// ErrEmptyResponse marks a structurally valid reply with no content and
	// no tool calls. Repeats within one task trigger fallback substitution.
	ErrEmptyResponse = errors.New("empty model response")

	// ErrInvalidModel marks an identity the provider does not recognize.
	ErrInvalidModel = errors.New("invalid model identity")
)

// ErrorClass categorizes model errors for retry and fallback decisions.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassEmptyResponse indicates a reply with no usable content.
	ErrorClassEmptyResponse ErrorClass = "EMPTY_RESPONSE"

	// ErrorClassInvalidModel indicates an unrecognized model identity.
	ErrorClassInvalidModel ErrorClass = "INVALID_MODEL"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// Retryable reports whether the class is worth retrying against the same
// identity within the round budget.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassRateLimit || c == ErrorClassTimeout
}

// TriggersFallback reports whether the class should switch the task to its
// fallback identity.
func (c ErrorClass) TriggersFallback() bool {
	return c == ErrorClassEmptyResponse || c == ErrorClassInvalidModel
}

// ClassifyError categorizes a model error. Sentinels are checked first, then
// the message is inspected for known provider patterns.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrEmptyResponse) {
		return ErrorClassEmptyResponse
	}
	if errors.Is(err, ErrInvalidModel) {
		return ErrorClassInvalidModel
	}
	msg := strings.ToLower(err.Error())

	// Auth errors: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	// Billing: billing, payment, insufficient funds, 402.
	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "402") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	// Unknown model identity.
	if strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "unknown model") ||
		strings.Contains(msg, "is not a valid model") {
		return ErrorClassInvalidModel
	}

	// Context overflow: context_length, token limit, max tokens, context window.
	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}

	return ErrorClassUnknown
}
