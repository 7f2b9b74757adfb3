package types

// Machine readable reasons returned in VerifyResponse.InvalidReason and
// SettleResponse.ErrorReason.
const (
	// -----------------------------
	// DISPATCH / REQUEST
	// -----------------------------
	ReasonUnsupportedSchemeOrNetwork = "unsupported_scheme_or_network"
	ReasonInvalidPayload             = "invalid_payload"
	ReasonInvalidRequirements        = "invalid_payment_requirements"
	ReasonInvalidNetwork             = "invalid_network"
	ReasonInvalidScheme              = "invalid_scheme"

	// -----------------------------
	// CROSS CHAIN
	// -----------------------------
	ReasonMissingCrossChainExtension       = "missing_cross_chain_extension"
	ReasonInvalidCrossChainExtension       = "invalid_cross_chain_extension"
	ReasonInvalidCrossChainDestination     = "invalid_cross_chain_destination"
	ReasonCrossChainNotSupportedForScheme  = "cross_chain_not_supported_for_scheme"
	ReasonSourceChainVerificationFailed    = "source_chain_verification_failed"
	ReasonCrossChainDestinationUnsupported = "cross_chain_destination_not_supported"

	// -----------------------------
	// BRIDGE GATING
	// -----------------------------
	ReasonInsufficientBridgeLiquidity = "insufficient_bridge_liquidity"
	ReasonInvalidExchangeRate         = "invalid_exchange_rate"

	// -----------------------------
	// SETTLEMENT
	// -----------------------------
	ReasonUnexpectedVerifyError = "unexpected_verify_error"
	ReasonUnexpectedSettleError = "unexpected_settle_error"
	ReasonTransactionFailed     = "transaction_failed"
)

// Extension keys understood by this facilitator.
const (
	ExtensionCrossChain = "cross-chain"
)

// ReasonInvalidVersion is returned for an x402Version other than 1 or 2.
const ReasonInvalidVersion = "invalid_x402_version"
