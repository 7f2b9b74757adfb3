package crosschain

import (
	"context"
	"errors"
	"fmt"

	"github.com/vitwit/x402-facilitator/bridge"
	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/types"
)

// Enqueuer persists a bridge record for asynchronous completion.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec bridge.Record) (bridge.Job, error)
}

// Router verifies and settles cross-chain payments by delegating the source
// leg to the base scheme registered for the source network.
type Router struct {
	registry    *clients.Registry
	queue       Enqueuer
	lockAddress string
	enabled     bool

	log     logger.Logger
	metrics metrics.Recorder
}

type Option func(*Router)

func WithLogger(l logger.Logger) Option {
	return func(r *Router) {
		r.log = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithBridging turns on bridging: the payer pays lockAddress on the source
// chain and a bridge job pays the merchant on the destination.
func WithBridging(lockAddress string) Option {
	return func(r *Router) {
		r.lockAddress = lockAddress
		r.enabled = lockAddress != ""
	}
}

// NewRouter builds a Router over the base schemes in registry. Without
// WithBridging the source payment goes straight to the merchant's payTo.
func NewRouter(registry *clients.Registry, queue Enqueuer, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		queue:    queue,
		log:      logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether bridging is on.
func (r *Router) Enabled() bool { return r.enabled }

type route struct {
	info   *Info
	source types.PaymentRequirements
	base   clients.Client
}

// resolve decodes the extension and selects the base scheme. A non-nil
// response is a rejection.
func (r *Router) resolve(payload *types.PaymentPayload, req *types.PaymentRequirements) (*route, *types.VerifyResponse) {
	info, err := Extract(payload)
	switch {
	case errors.Is(err, ErrMissingExtension):
		return nil, types.Invalid(types.ReasonMissingCrossChainExtension, err.Error())
	case err != nil:
		return nil, types.Invalid(types.ReasonInvalidCrossChainExtension, err.Error())
	}

	if r.enabled && info.DestinationNetwork == req.Network {
		return nil, types.Invalid(types.ReasonInvalidCrossChainDestination,
			fmt.Sprintf("destination %s equals source network", info.DestinationNetwork))
	}

	source := req.Clone()
	if r.enabled {
		source.PayTo = r.lockAddress
	}

	base, ok := r.registry.Lookup(req.Scheme, req.Network)
	if !ok {
		return nil, types.Invalid(types.ReasonCrossChainNotSupportedForScheme,
			fmt.Sprintf("no base scheme %q on %s", req.Scheme, req.Network))
	}
	return &route{info: info, source: source, base: base}, nil
}

// Verify checks the source leg with the base scheme.
func (r *Router) Verify(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.VerifyResponse, error) {
	rt, rejected := r.resolve(payload, req)
	if rejected != nil {
		return rejected, nil
	}
	return r.verifySource(ctx, payload, rt)
}

func (r *Router) verifySource(ctx context.Context, payload *types.PaymentPayload, rt *route) (*types.VerifyResponse, error) {
	resp, err := rt.base.Verify(ctx, payload, &rt.source)
	if err != nil {
		r.log.Warn("source chain verification failed", map[string]any{
			"network": rt.source.Network,
			"error":   err,
		})
		return types.Invalid(types.ReasonSourceChainVerificationFailed, err.Error()), nil
	}
	return resp, nil
}

// Settle verifies, settles the source leg and, with bridging on, queues the
// payout. It never waits for the bridge.
func (r *Router) Settle(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.SettleResponse, error) {
	rt, rejected := r.resolve(payload, req)
	if rejected != nil {
		return types.SettleFailed(req.Network, "", rejected.InvalidReason, rejected.InvalidMessage), nil
	}

	verdict, err := r.verifySource(ctx, payload, rt)
	if err != nil {
		return nil, err
	}
	if !verdict.IsValid {
		return types.SettleFailed(req.Network, "", verdict.InvalidReason, verdict.InvalidMessage), nil
	}

	resp, err := rt.base.Settle(ctx, payload, &rt.source)
	if err != nil || resp == nil || !resp.Success {
		return resp, err
	}

	if !r.enabled {
		return resp, nil
	}

	rec := bridge.Record{
		SourceChain: req.Network,
		SourceTx:    resp.Transaction,
		DestChain:   rt.info.DestinationNetwork,
		SourceAsset: req.Asset,
		Asset:       rt.info.DestinationAsset,
		Amount:      req.Amount,
		Recipient:   rt.info.DestinationPayTo,
		Payer:       resp.Payer,
	}

	// The source transfer is final at this point; a lost request context must
	// not drop the job.
	job, err := r.queue.Enqueue(context.WithoutCancel(ctx), rec)
	if err != nil {
		r.metrics.IncCounter(metrics.EventBridgeFailure, map[string]string{"network": rec.DestChain, "result": "enqueue"})
		r.log.Error("failed to queue bridge, manual payout required", map[string]any{
			"source_chain": rec.SourceChain,
			"source_tx":    rec.SourceTx,
			"dest_chain":   rec.DestChain,
			"asset":        rec.Asset,
			"amount":       rec.Amount,
			"recipient":    rec.Recipient,
			"payer":        rec.Payer,
			"error":        err,
		})
		return resp, nil
	}

	r.log.Info("cross-chain payment settled", map[string]any{
		"job_id":       job.ID,
		"source_chain": rec.SourceChain,
		"source_tx":    rec.SourceTx,
		"dest_chain":   rec.DestChain,
	})
	return resp, nil
}
