package crosschain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	facilitator "github.com/vitwit/x402-facilitator"
	"github.com/vitwit/x402-facilitator/bridge"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils"
)

// Gatekeeper answers the two questions asked before a cross-chain payment is
// accepted. *bridge.Coordinator implements it.
type Gatekeeper interface {
	CheckLiquidity(ctx context.Context, sourceChain, destChain, asset, amount string) (bool, error)
	GetExchangeRate(ctx context.Context, sourceChain, destChain, assetA, assetB string) (decimal.Decimal, error)
}

// LiquidityGate rejects cross-chain payments the bridge could not pay out,
// before any scheme is asked to verify. Liquidity is checked against the
// amount converted at the current rate. Payloads without the extension, or
// with a malformed one, pass through for the router to report.
func LiquidityGate(g Gatekeeper, enabled bool) facilitator.BeforeVerifyHook {
	return func(ctx context.Context, pc facilitator.PaymentContext) (facilitator.HookResult, error) {
		if !enabled {
			return facilitator.Continue, nil
		}
		info, err := Extract(pc.Payload)
		if err != nil {
			return facilitator.Continue, nil
		}
		req := pc.Requirements
		if info.DestinationNetwork == req.Network {
			return facilitator.Continue, nil
		}

		rate, err := g.GetExchangeRate(ctx, req.Network, info.DestinationNetwork, req.Asset, info.DestinationAsset)
		if errors.Is(err, bridge.ErrUnknownNetwork) {
			return unsupportedDestination(info), nil
		}
		if err != nil {
			return facilitator.Abort(types.ReasonInvalidExchangeRate, err.Error()), nil
		}
		if !rate.IsPositive() {
			return facilitator.Abort(types.ReasonInvalidExchangeRate, fmt.Sprintf("rate %s is not positive", rate)), nil
		}

		amount, err := utils.ParseAtomicAmount(req.Amount)
		if err != nil {
			return facilitator.Abort(types.ReasonInvalidRequirements, err.Error()), nil
		}
		payout := bridge.Payout(amount, rate).String()

		ok, err := g.CheckLiquidity(ctx, req.Network, info.DestinationNetwork, info.DestinationAsset, payout)
		if errors.Is(err, bridge.ErrUnknownNetwork) {
			return unsupportedDestination(info), nil
		}
		if err != nil {
			return facilitator.HookResult{}, types.NewError(types.KindLiquidity, types.ReasonInsufficientBridgeLiquidity,
				"liquidity check failed", err)
		}
		if !ok {
			return facilitator.Abort(types.ReasonInsufficientBridgeLiquidity,
				fmt.Sprintf("bridge cannot pay out %s on %s", payout, info.DestinationNetwork)), nil
		}
		return facilitator.Continue, nil
	}
}

func unsupportedDestination(info *Info) facilitator.HookResult {
	return facilitator.Abort(types.ReasonCrossChainDestinationUnsupported,
		fmt.Sprintf("no payout configured for %s", info.DestinationNetwork))
}
