// Package types holds the x402 wire types shared by the facilitator, its
// payment schemes, the cross-chain router and the HTTP surface.
package types

import (
	"encoding/json"
)

// X402Version is the protocol version spoken by this facilitator.
const X402Version = 2

// PaymentRequirements defines a single acceptable payment option issued by a
// resource server. Values are treated as immutable; callers that need a
// modified copy use Clone.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme string `json:"scheme" validate:"required"`

	// Network in CAIP-2 form (e.g., "eip155:84532").
	Network string `json:"network" validate:"required,caip2"`

	// Asset is the token contract address on Network.
	Asset string `json:"asset" validate:"required"`

	// Amount in atomic units of Asset. A string because Go has no uint256.
	Amount string `json:"amount" validate:"required,number"`

	// PayTo is the address that must receive the payment.
	PayTo string `json:"payTo" validate:"required"`

	// MaxTimeoutSeconds is the validity period of the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gte=0"`

	// Extra carries scheme specific data. For `exact` on EVM it holds the
	// EIP-712 domain `name` and `version` of the token.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Clone returns a copy of the requirements whose Extra map can be modified
// without touching the original.
func (pr PaymentRequirements) Clone() PaymentRequirements {
	out := pr
	if pr.Extra != nil {
		out.Extra = make(map[string]interface{}, len(pr.Extra))
		for k, v := range pr.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// ExtraString returns Extra[key] when it is a non-empty string.
func (pr PaymentRequirements) ExtraString(key string) (string, bool) {
	if pr.Extra == nil {
		return "", false
	}
	s, ok := pr.Extra[key].(string)
	return s, ok && s != ""
}

// Extension is the wire envelope of one protocol extension. Both halves are
// kept raw; only a registered decoder interprets Info.
type Extension struct {
	Info   json.RawMessage `json:"info"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// PaymentPayload is produced once by a payer. Payload and Extensions stay as
// raw bytes so that a replayed payload is byte-identical to the original.
type PaymentPayload struct {
	X402Version int `json:"x402Version"`

	Scheme string `json:"scheme,omitempty"`

	Network string `json:"network,omitempty"`

	// Accepted echoes the requirements the payer accepted (x402 v2 clients).
	Accepted *PaymentRequirements `json:"accepted,omitempty"`

	// Payload is the scheme specific signed payload.
	Payload json.RawMessage `json:"payload"`

	// Extensions maps an extension key to its raw envelope.
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// SchemeName returns the scheme the payload was made for, falling back to the
// accepted requirements sent by v2 clients.
func (p PaymentPayload) SchemeName() string {
	if p.Scheme == "" && p.Accepted != nil {
		return p.Accepted.Scheme
	}
	return p.Scheme
}

// NetworkID returns the CAIP-2 network the payload was signed for.
func (p PaymentPayload) NetworkID() string {
	if p.Network == "" && p.Accepted != nil {
		return p.Accepted.Network
	}
	return p.Network
}

// Extension returns the raw envelope stored under key.
func (p PaymentPayload) Extension(key string) (Extension, bool, error) {
	raw, ok := p.Extensions[key]
	if !ok || len(raw) == 0 {
		return Extension{}, false, nil
	}
	var ext Extension
	if err := json.Unmarshal(raw, &ext); err != nil {
		return Extension{}, true, err
	}
	return ext, true, nil
}

// VerifyRequest is the body of POST /verify and POST /settle.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's verification result.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason is a machine readable code, set iff IsValid is false.
	InvalidReason string `json:"invalidReason,omitempty"`

	// InvalidMessage is an optional human readable explanation.
	InvalidMessage string `json:"invalidMessage,omitempty"`

	// Payer is the paying address, set iff IsValid is true.
	Payer string `json:"payer,omitempty"`
}

// Invalid builds a rejected VerifyResponse.
func Invalid(reason, message string) *VerifyResponse {
	return &VerifyResponse{InvalidReason: reason, InvalidMessage: message}
}

// Valid builds an accepted VerifyResponse.
func Valid(payer string) *VerifyResponse {
	return &VerifyResponse{IsValid: true, Payer: payer}
}

// SettleResponse is the facilitator's settlement result.
type SettleResponse struct {
	Success bool `json:"success"`

	ErrorReason string `json:"errorReason,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	// Transaction hash, empty when settlement failed.
	Transaction string `json:"transaction"`

	// Network where the transaction was submitted. For cross-chain payments
	// this is always the source network.
	Network string `json:"network"`

	Payer string `json:"payer,omitempty"`
}

// SettleFailed builds a failed SettleResponse.
func SettleFailed(network, payer, reason, message string) *SettleResponse {
	return &SettleResponse{
		Network:      network,
		Payer:        payer,
		ErrorReason:  reason,
		ErrorMessage: message,
	}
}

// SupportedKind describes one (scheme, network) pair the facilitator handles.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by GET /supported.
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions"`
	Signers    map[string][]string `json:"signers"`
}
