// Package clients holds the payment schemes the facilitator dispatches to and
// the registry that selects one per (scheme, network).
package clients

import (
	"context"

	"github.com/vitwit/x402-facilitator/types"
)

// Handler verifies and settles a payment. Both payment schemes and routing
// layers such as the cross-chain router implement it.
type Handler interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.VerifyResponse, error)
	Settle(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.SettleResponse, error)
}

// Client is a payment scheme bound to one network.
//
// Verify returns an invalid response for anything the payer got wrong and an
// error only when the check itself could not run. Settle follows the same
// split for chain rejections.
type Client interface {
	Handler

	// Scheme name, e.g. "exact".
	Scheme() string

	// Network in CAIP-2 form.
	Network() string

	// Signers returns the addresses the facilitator settles from.
	Signers() []string

	// Extra is advertised with the kind in /supported.
	Extra() map[string]interface{}

	Close()
}
