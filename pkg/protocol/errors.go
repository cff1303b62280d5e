// Package protocol defines the wire-level vocabulary of the Nooterra control
// plane: error codes, canonical headers, and the response envelope shared by
// every API surface.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error code constants. Codes are stable identifiers carried in the response
// body; the HTTP status is derived, never the other way around.
const (
	// Validation (400).
	CodeSchemaInvalid        = "SCHEMA_INVALID"
	CodePayloadRequired      = "PAYLOAD_REQUIRED"
	CodeRequiredFieldMissing = "REQUIRED_FIELD_MISSING"
	CodeSHA256FieldInvalid   = "SHA256_FIELD_INVALID"

	// Idempotency / chain (409).
	CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_BODY"
	CodeChainHashMismatch    = "CHAIN_HASH_MISMATCH"
	CodeRevisionConflict     = "REVISION_CONFLICT"

	// Artifacts (409).
	CodeArtifactHashConflict = "ARTIFACT_HASH_CONFLICT"

	// Wallet (422).
	CodeWalletInsufficientFunds = "WALLET_INSUFFICIENT_FUNDS"
	CodeWalletCurrencyMismatch  = "WALLET_CURRENCY_MISMATCH"

	// Signature (401/409).
	CodeSignatureInvalid = "SIGNATURE_INVALID"
	CodeSignerCannotSign = "SIGNER_CANNOT_SIGN"
	CodeUnknownKey       = "UNKNOWN_KEY"

	// x402 execution intent and gate verification (409/422).
	CodeX402ExecutionIntentHashMismatch = "X402_EXECUTION_INTENT_HASH_MISMATCH"
	CodeX402ExecutionIntentRequired     = "X402_EXECUTION_INTENT_REQUIRED"
	CodeX402ExecutionIntentExpired      = "X402_EXECUTION_INTENT_EXPIRED"
	CodeX402RequestMismatch             = "X402_REQUEST_MISMATCH"
	CodeX402GateVerifyPolicyRequired    = "X402_GATE_VERIFY_POLICY_REQUIRED"
	CodeX402GateVerifyAlreadySettled    = "X402_GATE_VERIFY_ALREADY_SETTLED"
	CodeX402GateNotAuthorized           = "X402_GATE_NOT_AUTHORIZED"

	// Binding evidence (409).
	CodeX402DisputeCloseBindingEvidenceRequired   = "X402_DISPUTE_CLOSE_BINDING_EVIDENCE_REQUIRED"
	CodeX402DisputeCloseBindingEvidenceMismatch   = "X402_DISPUTE_CLOSE_BINDING_EVIDENCE_MISMATCH"
	CodeX402ArbitrationOpenBindingEvidenceRequired = "X402_ARBITRATION_OPEN_BINDING_EVIDENCE_REQUIRED"
	CodeX402ArbitrationOpenBindingEvidenceMismatch = "X402_ARBITRATION_OPEN_BINDING_EVIDENCE_MISMATCH"

	// Arbitration replay (409).
	CodeClosepackBindingVerdictHashMismatch = "CLOSEPACK_BINDING_VERDICT_HASH_MISMATCH"

	// Generic.
	CodeNotFound    = "NOT_FOUND"
	CodeForbidden   = "FORBIDDEN"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL"
)

// Error is a tagged protocol error. It is both a Go error and the exact shape
// rendered into the API error body.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	// Status is the HTTP status the error maps to. Not serialized; the
	// transport writes it as the response status line.
	Status int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a protocol error with the status derived from the code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: StatusFor(code)}
}

// Errorf builds a protocol error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithDetail attaches a detail key and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case CodeSchemaInvalid, CodePayloadRequired, CodeRequiredFieldMissing, CodeSHA256FieldInvalid:
		return http.StatusBadRequest
	case CodeIdempotencyKeyReused, CodeChainHashMismatch, CodeRevisionConflict,
		CodeArtifactHashConflict,
		CodeX402ExecutionIntentHashMismatch, CodeX402RequestMismatch,
		CodeX402GateVerifyAlreadySettled, CodeX402GateNotAuthorized,
		CodeX402DisputeCloseBindingEvidenceRequired, CodeX402DisputeCloseBindingEvidenceMismatch,
		CodeX402ArbitrationOpenBindingEvidenceRequired, CodeX402ArbitrationOpenBindingEvidenceMismatch,
		CodeClosepackBindingVerdictHashMismatch:
		return http.StatusConflict
	case CodeWalletInsufficientFunds, CodeWalletCurrencyMismatch,
		CodeX402ExecutionIntentRequired, CodeX402ExecutionIntentExpired,
		CodeX402GateVerifyPolicyRequired:
		return http.StatusUnprocessableEntity
	case CodeSignatureInvalid:
		return http.StatusUnauthorized
	case CodeSignerCannotSign, CodeUnknownKey:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// AsError unwraps err into a *Error if one is anywhere in the chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsCode reports whether err carries the given protocol code.
func IsCode(err error, code string) bool {
	pe, ok := AsError(err)
	return ok && pe.Code == code
}

// Retryable reports whether an HTTP status belongs to the canonical retry set
// used by parity adapters.
func Retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly,
		http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
