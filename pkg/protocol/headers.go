package protocol

// Canonical request headers.
const (
	HeaderTenantID              = "x-proxy-tenant-id"
	HeaderProtocol              = "x-nooterra-protocol"
	HeaderRequestID             = "x-request-id"
	HeaderIdempotencyKey        = "x-idempotency-key"
	HeaderExpectedPrevChainHash = "x-proxy-expected-prev-chain-hash"
	HeaderAPIKey                = "x-api-key"
	HeaderOpsToken              = "x-proxy-ops-token"
)

// Version is the protocol version this build speaks. Clients sending an
// incompatible major are rejected.
const Version = "1.0"

// SuccessEnvelope is the body of every successful API response.
type SuccessEnvelope struct {
	OK        bool `json:"ok"`
	RequestID string `json:"requestId"`
	Body      any  `json:"body"`
}

// ErrorEnvelope is the body of every failed API response.
type ErrorEnvelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId"`
}
