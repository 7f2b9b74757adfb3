package clients

import "github.com/vitwit/x402-facilitator/types"

// Reasons returned by the exact EVM scheme.
const (
	// -----------------------------
	// SCHEME / NETWORK
	// -----------------------------
	ErrUnsupportedScheme = "unsupported_scheme"
	ErrInvalidNetwork    = types.ReasonInvalidNetwork
	ErrInvalidScheme     = types.ReasonInvalidScheme

	// -----------------------------
	// GENERIC PAYLOAD
	// -----------------------------
	ErrInvalidExactEvmPayload = "invalid_exact_evm_payload"
	ErrAssetMismatch          = "invalid_exact_evm_payload_asset_mismatch"

	// -----------------------------
	// AUTHORIZATION CHECKS
	// -----------------------------
	ErrInvalidSignature      = "invalid_exact_evm_payload_signature"
	ErrRecipientMismatch     = "invalid_exact_evm_payload_recipient_mismatch"
	ErrAmountMismatch        = "invalid_exact_evm_payload_authorization_value"
	ErrValidAfterInFuture    = "invalid_exact_evm_payload_authorization_valid_after"
	ErrValidBeforeExpired    = "invalid_exact_evm_payload_authorization_valid_before"
	ErrAuthorizationNonceUse = "invalid_exact_evm_payload_authorization_nonce_used"
	ErrInsufficientFunds     = "insufficient_funds"
	ErrSimulationFailed      = "invalid_exact_evm_payload_simulation_failed"

	// -----------------------------
	// SETTLEMENT ERRORS
	// -----------------------------
	ErrSettleTransactionFailed = "settle_exact_evm_transaction_failed"
	ErrSettleReverted          = "settle_exact_evm_transaction_reverted"
	ErrSettleNonceExhausted    = "settle_exact_evm_nonce_retries_exhausted"
)
