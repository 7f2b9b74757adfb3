// Package facilitator verifies and settles x402 payments for resource
// servers. It dispatches each payment to a registered scheme, or to a router
// selected by a payload extension, and runs lifecycle hooks around both calls.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils"
)

// Config is everything a Facilitator needs. It is read once by New.
type Config struct {
	// Schemes are indexed by (scheme, network).
	Schemes []clients.Client

	// Router handles payloads carrying RouterExtension. Optional.
	Router clients.Handler

	// RouterExtension defaults to types.ExtensionCrossChain.
	RouterExtension string

	Hooks Hooks

	// Extensions are advertised in /supported.
	Extensions []string
}

// Facilitator is safe for concurrent use.
type Facilitator struct {
	registry        *clients.Registry
	router          clients.Handler
	routerExtension string
	hooks           Hooks
	extensions      []string

	log     logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
}

// New builds a Facilitator from cfg.
func New(cfg Config, opts ...Option) (*Facilitator, error) {
	registry, err := clients.NewRegistry(cfg.Schemes...)
	if err != nil {
		return nil, err
	}

	ext := cfg.RouterExtension
	if ext == "" {
		ext = types.ExtensionCrossChain
	}

	f := &Facilitator{
		registry:        registry,
		router:          cfg.Router,
		routerExtension: ext,
		hooks:           cfg.Hooks,
		extensions:      dedupe(cfg.Extensions),
		log:             logger.NoopLogger{},
		metrics:         metrics.NoopRecorder{},
		timeout:         30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Registry returns the scheme registry.
func (f *Facilitator) Registry() *clients.Registry { return f.registry }

// Close releases every scheme's chain connection.
func (f *Facilitator) Close() { f.registry.Close() }

// Supported lists the registered kinds, extensions and signer addresses.
func (f *Facilitator) Supported() *types.SupportedResponse {
	return &types.SupportedResponse{
		Kinds:      f.registry.Kinds(),
		Extensions: append([]string(nil), f.extensions...),
		Signers:    f.registry.Signers(),
	}
}

// dispatch selects the handler. The router is chosen only by extension
// presence, never by the scheme name.
func (f *Facilitator) dispatch(payload *types.PaymentPayload, req *types.PaymentRequirements) clients.Handler {
	if f.router != nil {
		if _, ok := payload.Extensions[f.routerExtension]; ok {
			return f.router
		}
	}
	if c, ok := f.registry.Lookup(req.Scheme, req.Network); ok {
		return c
	}
	return nil
}

func (f *Facilitator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}

// precheck rejects requests no scheme should see.
func precheck(payload *types.PaymentPayload, req *types.PaymentRequirements) *types.VerifyResponse {
	if payload.X402Version != 0 && payload.X402Version != 1 && payload.X402Version != types.X402Version {
		return types.Invalid(types.ReasonInvalidVersion, fmt.Sprintf("unsupported x402Version %d", payload.X402Version))
	}
	if len(payload.Payload) == 0 {
		return types.Invalid(types.ReasonInvalidPayload, "payload is empty")
	}
	if err := utils.ValidateRequirements(req); err != nil {
		var xe *types.X402Error
		if errors.As(err, &xe) {
			return types.Invalid(xe.Code, xe.Message)
		}
		return types.Invalid(types.ReasonInvalidRequirements, err.Error())
	}
	return nil
}

// Verify checks a payment without writing to any chain.
func (f *Facilitator) Verify(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.VerifyResponse, error) {
	if payload == nil || req == nil {
		return nil, types.NewError(types.KindValidation, types.ReasonInvalidPayload, "payload and requirements are required", nil)
	}

	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, _, err := f.verify(ctx, PaymentContext{Payload: payload, Requirements: req})
	f.metrics.ObserveLatency(metrics.EventVerify, time.Since(start), map[string]string{"network": req.Network})
	return resp, err
}

func (f *Facilitator) verify(ctx context.Context, pc PaymentContext) (*types.VerifyResponse, clients.Handler, error) {
	req := pc.Requirements
	labels := map[string]string{"network": req.Network}

	if resp := precheck(pc.Payload, req); resp != nil {
		f.countVerify(labels, resp)
		return resp, nil, nil
	}

	handler := f.dispatch(pc.Payload, req)
	if handler == nil {
		resp := types.Invalid(types.ReasonUnsupportedSchemeOrNetwork,
			fmt.Sprintf("no scheme %q registered for %s", req.Scheme, req.Network))
		f.countVerify(labels, resp)
		return resp, nil, nil
	}

	res, err := runBefore(ctx, "before verify", f.hooks.BeforeVerify, pc)
	if err != nil {
		return nil, nil, f.verifyFailed(ctx, pc, err)
	}
	if res.Abort {
		f.metrics.IncCounter(metrics.EventHookAbort, map[string]string{"network": req.Network, "result": res.Reason})
		f.log.Info("verify aborted by hook", map[string]any{"network": req.Network, "reason": res.Reason})
		resp := types.Invalid(res.Reason, res.Message)
		f.countVerify(labels, resp)
		return resp, nil, nil
	}

	resp, err := handler.Verify(ctx, pc.Payload, req)
	if err != nil {
		return nil, nil, f.verifyFailed(ctx, pc, types.NewError(types.KindVerification, types.ReasonUnexpectedVerifyError, "verification could not complete", err))
	}
	if resp == nil {
		return nil, nil, f.verifyFailed(ctx, pc, types.NewError(types.KindVerification, types.ReasonUnexpectedVerifyError, "scheme returned no verdict", nil))
	}

	for _, h := range f.hooks.AfterVerify {
		if err := h(ctx, pc, resp); err != nil {
			return nil, nil, f.verifyFailed(ctx, pc, hookError("after verify", err))
		}
	}

	f.countVerify(labels, resp)
	return resp, handler, nil
}

func (f *Facilitator) countVerify(labels map[string]string, resp *types.VerifyResponse) {
	result := "valid"
	if !resp.IsValid {
		result = resp.InvalidReason
	}
	f.metrics.IncCounter(metrics.EventVerify, map[string]string{"network": labels["network"], "result": result})
}

func (f *Facilitator) verifyFailed(ctx context.Context, pc PaymentContext, err error) error {
	f.countFailure(pc, err)
	f.log.Error("verify failed", map[string]any{
		"network": pc.Requirements.Network,
		"scheme":  pc.Requirements.Scheme,
		"error":   err,
	})
	runFailure(ctx, f.hooks.OnVerifyFailure, pc, err)
	return err
}

func (f *Facilitator) settleFailed(ctx context.Context, pc PaymentContext, err error) error {
	f.countFailure(pc, err)
	f.log.Error("settle failed", map[string]any{
		"network": pc.Requirements.Network,
		"scheme":  pc.Requirements.Scheme,
		"error":   err,
	})
	runFailure(ctx, f.hooks.OnSettleFailure, pc, err)
	return err
}

func (f *Facilitator) countFailure(pc PaymentContext, err error) {
	var xe *types.X402Error
	if errors.As(err, &xe) && xe.Kind == types.KindHookFailure {
		f.metrics.IncCounter(metrics.EventHookFailure, map[string]string{"network": pc.Requirements.Network})
	}
}

// Settle re-runs the full verify pipeline and, only when the payment is
// valid, asks the scheme to write it on chain.
func (f *Facilitator) Settle(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.SettleResponse, error) {
	if payload == nil || req == nil {
		return nil, types.NewError(types.KindValidation, types.ReasonInvalidPayload, "payload and requirements are required", nil)
	}

	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		f.metrics.ObserveLatency(metrics.EventSettle, time.Since(start), map[string]string{"network": req.Network})
	}()

	pc := PaymentContext{Payload: payload, Requirements: req}

	verdict, handler, err := f.verify(ctx, pc)
	if err != nil {
		return nil, err
	}
	if !verdict.IsValid {
		f.countSettle(req.Network, verdict.InvalidReason)
		return types.SettleFailed(req.Network, "", verdict.InvalidReason, verdict.InvalidMessage), nil
	}

	res, err := runBefore(ctx, "before settle", f.hooks.BeforeSettle, pc)
	if err != nil {
		return nil, f.settleFailed(ctx, pc, err)
	}
	if res.Abort {
		f.metrics.IncCounter(metrics.EventHookAbort, map[string]string{"network": req.Network, "result": res.Reason})
		f.countSettle(req.Network, res.Reason)
		return types.SettleFailed(req.Network, verdict.Payer, res.Reason, res.Message), nil
	}

	resp, err := handler.Settle(ctx, payload, req)
	if err != nil {
		return nil, f.settleFailed(ctx, pc, types.NewError(types.KindSettlement, types.ReasonUnexpectedSettleError, "settlement could not complete", err))
	}
	if resp == nil {
		return nil, f.settleFailed(ctx, pc, types.NewError(types.KindSettlement, types.ReasonUnexpectedSettleError, "scheme returned no result", nil))
	}

	for _, h := range f.hooks.AfterSettle {
		if err := h(ctx, pc, resp); err != nil {
			return nil, f.settleFailed(ctx, pc, hookError("after settle", err))
		}
	}

	if resp.Success {
		f.countSettle(req.Network, "success")
		f.log.Info("payment settled", map[string]any{
			"network": resp.Network,
			"tx":      resp.Transaction,
			"payer":   resp.Payer,
		})
	} else {
		f.countSettle(req.Network, resp.ErrorReason)
		f.log.Warn("settlement rejected", map[string]any{
			"network": resp.Network,
			"reason":  resp.ErrorReason,
			"message": resp.ErrorMessage,
		})
	}
	return resp, nil
}

func (f *Facilitator) countSettle(network, result string) {
	f.metrics.IncCounter(metrics.EventSettle, map[string]string{"network": network, "result": result})
}
