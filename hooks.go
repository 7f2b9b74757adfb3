package facilitator

import (
	"context"

	"github.com/vitwit/x402-facilitator/types"
)

// PaymentContext is what every hook sees. Hooks must treat it as read-only.
type PaymentContext struct {
	Payload      *types.PaymentPayload
	Requirements *types.PaymentRequirements
}

// HookResult lets a before hook reject a payment.
type HookResult struct {
	Abort   bool
	Reason  string
	Message string
}

// Continue is the zero HookResult.
var Continue = HookResult{}

// Abort rejects with reason.
func Abort(reason, message string) HookResult {
	return HookResult{Abort: true, Reason: reason, Message: message}
}

// BeforeVerifyHook runs before the scheme is asked to verify. An abort
// short-circuits the call: the scheme is not invoked.
type BeforeVerifyHook func(ctx context.Context, pc PaymentContext) (HookResult, error)

// AfterVerifyHook runs after the scheme returned a verdict.
type AfterVerifyHook func(ctx context.Context, pc PaymentContext, resp *types.VerifyResponse) error

// VerifyFailureHook observes a hook or scheme error during verify.
type VerifyFailureHook func(ctx context.Context, pc PaymentContext, err error)

// BeforeSettleHook runs after verification passed and before the scheme
// settles.
type BeforeSettleHook func(ctx context.Context, pc PaymentContext) (HookResult, error)

// AfterSettleHook runs after the scheme returned a settlement result.
type AfterSettleHook func(ctx context.Context, pc PaymentContext, resp *types.SettleResponse) error

// SettleFailureHook observes a hook or scheme error during settle.
type SettleFailureHook func(ctx context.Context, pc PaymentContext, err error)

// Hooks are run in slice order.
type Hooks struct {
	BeforeVerify    []BeforeVerifyHook
	AfterVerify     []AfterVerifyHook
	OnVerifyFailure []VerifyFailureHook

	BeforeSettle    []BeforeSettleHook
	AfterSettle     []AfterSettleHook
	OnSettleFailure []SettleFailureHook
}

func hookError(stage string, err error) *types.X402Error {
	return types.NewError(types.KindHookFailure, "hook_failure", stage+" hook failed", err)
}

func runBefore[H ~func(context.Context, PaymentContext) (HookResult, error)](ctx context.Context, stage string, hooks []H, pc PaymentContext) (HookResult, error) {
	for _, h := range hooks {
		res, err := h(ctx, pc)
		if err != nil {
			return HookResult{}, hookError(stage, err)
		}
		if res.Abort {
			return res, nil
		}
	}
	return Continue, nil
}

func runFailure[H ~func(context.Context, PaymentContext, error)](ctx context.Context, hooks []H, pc PaymentContext, err error) {
	for _, h := range hooks {
		h(ctx, pc, err)
	}
}
