package crosschain_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/vitwit/x402-facilitator"
	"github.com/vitwit/x402-facilitator/bridge"
	"github.com/vitwit/x402-facilitator/clients"
	"github.com/vitwit/x402-facilitator/crosschain"
	"github.com/vitwit/x402-facilitator/types"
)

const (
	usdc     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	usdce    = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	merchant = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	lock     = "0x4Fd2a7bA1Cd3A8d1c6f1d4b57e1C3c2B1E9f6a01"
)

type baseScheme struct {
	mu        sync.Mutex
	network   string
	verify    *types.VerifyResponse
	verifyErr error
	settle    *types.SettleResponse
	seen      []types.PaymentRequirements
	verCalls  int
	setCalls  int
}

func newBase() *baseScheme {
	return &baseScheme{
		network: types.NetworkBaseSepolia,
		verify:  types.Valid("0xPayer"),
		settle: &types.SettleResponse{
			Success:     true,
			Transaction: "0xabc",
			Network:     types.NetworkBaseSepolia,
			Payer:       "0xPayer",
		},
	}
}

func (b *baseScheme) Verify(_ context.Context, _ *types.PaymentPayload, req *types.PaymentRequirements) (*types.VerifyResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verCalls++
	b.seen = append(b.seen, *req)
	return b.verify, b.verifyErr
}

func (b *baseScheme) Settle(_ context.Context, _ *types.PaymentPayload, req *types.PaymentRequirements) (*types.SettleResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setCalls++
	b.seen = append(b.seen, *req)
	return b.settle, nil
}

func (b *baseScheme) Scheme() string                { return clients.SchemeExact }
func (b *baseScheme) Network() string               { return b.network }
func (b *baseScheme) Signers() []string             { return nil }
func (b *baseScheme) Extra() map[string]interface{} { return nil }
func (b *baseScheme) Close()                        {}

type recordingQueue struct {
	mu      sync.Mutex
	records []bridge.Record
	err     error
}

func (q *recordingQueue) Enqueue(_ context.Context, rec bridge.Record) (bridge.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return bridge.Job{}, q.err
	}
	q.records = append(q.records, rec)
	return bridge.Job{ID: fmt.Sprintf("job-%d", len(q.records)), Record: rec, Status: bridge.StatusPending}, nil
}

type gatekeeper struct {
	liquid   bool
	liqErr   error
	rate     decimal.Decimal
	rateErr  error
	liqCalls int
	amounts  []string
}

func (g *gatekeeper) CheckLiquidity(_ context.Context, _, _, _, amount string) (bool, error) {
	g.liqCalls++
	g.amounts = append(g.amounts, amount)
	return g.liquid, g.liqErr
}

func (g *gatekeeper) GetExchangeRate(context.Context, string, string, string, string) (decimal.Decimal, error) {
	return g.rate, g.rateErr
}

func requirements() *types.PaymentRequirements {
	return &types.PaymentRequirements{
		Scheme:            clients.SchemeExact,
		Network:           types.NetworkBaseSepolia,
		Asset:             usdc,
		Amount:            "10000",
		PayTo:             merchant,
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

func crossChainPayload(t *testing.T, dest string) *types.PaymentPayload {
	t.Helper()
	ext, err := crosschain.Declare(crosschain.Info{
		DestinationNetwork: dest,
		DestinationAsset:   usdce,
		DestinationPayTo:   merchant,
	})
	require.NoError(t, err)
	return &types.PaymentPayload{
		X402Version: 2,
		Scheme:      clients.SchemeExact,
		Network:     types.NetworkBaseSepolia,
		Payload:     json.RawMessage(`{"signature":"0x"}`),
		Extensions:  map[string]json.RawMessage{types.ExtensionCrossChain: ext},
	}
}

func newRouter(t *testing.T, base *baseScheme, queue crosschain.Enqueuer, opts ...crosschain.Option) *crosschain.Router {
	t.Helper()
	reg, err := clients.NewRegistry(base)
	require.NoError(t, err)
	return crosschain.NewRouter(reg, queue, opts...)
}

func TestExtractInfo(t *testing.T) {
	p := crossChainPayload(t, types.NetworkSepolia)
	info, err := crosschain.Extract(p)
	require.NoError(t, err)
	assert.Equal(t, types.NetworkSepolia, info.DestinationNetwork)
	assert.Equal(t, usdce, info.DestinationAsset)
	assert.Equal(t, merchant, info.DestinationPayTo)

	_, err = crosschain.Extract(&types.PaymentPayload{})
	assert.ErrorIs(t, err, crosschain.ErrMissingExtension)

	bad := []string{
		`{"info":{"destinationNetwork":"solana:mainnet","destinationAsset":"` + usdce + `","destinationPayTo":"` + merchant + `"}}`,
		`{"info":{"destinationNetwork":"eip155:1","destinationAsset":"nope","destinationPayTo":"` + merchant + `"}}`,
		`{"info":{"destinationNetwork":"eip155:1"}}`,
		`{"info":"x"}`,
		`[]`,
	}
	for _, raw := range bad {
		p := &types.PaymentPayload{Extensions: map[string]json.RawMessage{types.ExtensionCrossChain: json.RawMessage(raw)}}
		_, err := crosschain.Extract(p)
		assert.ErrorIs(t, err, crosschain.ErrInvalidExtension, raw)
	}
}

func TestDeclareRejectsInvalidInfo(t *testing.T) {
	_, err := crosschain.Declare(crosschain.Info{DestinationNetwork: "eip155:1"})
	assert.ErrorIs(t, err, crosschain.ErrInvalidExtension)
}

func TestVerifyRewritesPayToWhenBridging(t *testing.T) {
	base := newBase()
	r := newRouter(t, base, &recordingQueue{}, crosschain.WithBridging(lock))

	req := requirements()
	resp, err := r.Verify(context.Background(), crossChainPayload(t, types.NetworkSepolia), req)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)

	require.Len(t, base.seen, 1)
	assert.Equal(t, lock, base.seen[0].PayTo)
	assert.Equal(t, merchant, req.PayTo, "caller requirements must not be mutated")
}

func TestVerifyRejections(t *testing.T) {
	base := newBase()
	r := newRouter(t, base, &recordingQueue{}, crosschain.WithBridging(lock))

	resp, err := r.Verify(context.Background(), &types.PaymentPayload{Payload: json.RawMessage(`{}`)}, requirements())
	require.NoError(t, err)
	assert.Equal(t, types.ReasonMissingCrossChainExtension, resp.InvalidReason)

	resp, err = r.Verify(context.Background(), crossChainPayload(t, types.NetworkBaseSepolia), requirements())
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInvalidCrossChainDestination, resp.InvalidReason)

	req := requirements()
	req.Scheme = "upto"
	resp, err = r.Verify(context.Background(), crossChainPayload(t, types.NetworkSepolia), req)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonCrossChainNotSupportedForScheme, resp.InvalidReason)

	assert.Zero(t, base.verCalls)
}

func TestVerifyWrapsSourceError(t *testing.T) {
	base := newBase()
	base.verifyErr = errors.New("rpc unavailable")
	r := newRouter(t, base, &recordingQueue{}, crosschain.WithBridging(lock))

	resp, err := r.Verify(context.Background(), crossChainPayload(t, types.NetworkSepolia), requirements())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, types.ReasonSourceChainVerificationFailed, resp.InvalidReason)
}

func TestSameNetworkDestinationAllowedWithoutBridging(t *testing.T) {
	base := newBase()
	r := newRouter(t, base, &recordingQueue{})

	resp, err := r.Verify(context.Background(), crossChainPayload(t, types.NetworkBaseSepolia), requirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

// Scenario: cross-chain success.
func TestSettleQueuesBridge(t *testing.T) {
	base := newBase()
	queue := &recordingQueue{}
	router := newRouter(t, base, queue, crosschain.WithBridging(lock))
	gate := &gatekeeper{liquid: true, rate: decimal.NewFromInt(1)}

	f, err := facilitator.New(facilitator.Config{
		Schemes: []clients.Client{base},
		Router:  router,
		Hooks:   facilitator.Hooks{BeforeVerify: []facilitator.BeforeVerifyHook{crosschain.LiquidityGate(gate, true)}},
	})
	require.NoError(t, err)

	resp, err := f.Settle(context.Background(), crossChainPayload(t, types.NetworkSepolia), requirements())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, types.NetworkBaseSepolia, resp.Network)
	assert.Equal(t, "0xabc", resp.Transaction)

	require.Len(t, queue.records, 1)
	assert.Equal(t, bridge.Record{
		SourceChain: types.NetworkBaseSepolia,
		SourceTx:    "0xabc",
		DestChain:   types.NetworkSepolia,
		SourceAsset: usdc,
		Asset:       usdce,
		Amount:      "10000",
		Recipient:   merchant,
		Payer:       "0xPayer",
	}, queue.records[0])

	assert.Equal(t, 1, base.setCalls)
	for _, seen := range base.seen {
		assert.Equal(t, lock, seen.PayTo)
	}
}

// Scenario: liquidity failure.
func TestLiquidityGateSkipsScheme(t *testing.T) {
	base := newBase()
	router := newRouter(t, base, &recordingQueue{}, crosschain.WithBridging(lock))
	gate := &gatekeeper{liquid: false, rate: decimal.NewFromInt(1)}

	f, err := facilitator.New(facilitator.Config{
		Schemes: []clients.Client{base},
		Router:  router,
		Hooks:   facilitator.Hooks{BeforeVerify: []facilitator.BeforeVerifyHook{crosschain.LiquidityGate(gate, true)}},
	})
	require.NoError(t, err)

	resp, err := f.Verify(context.Background(), crossChainPayload(t, types.NetworkSepolia), requirements())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, types.ReasonInsufficientBridgeLiquidity, resp.InvalidReason)
	assert.Zero(t, base.verCalls)
}

// Scenario: bridging disabled.
func TestSettleWithoutBridgingPaysMerchant(t *testing.T) {
	base := newBase()
	queue := &recordingQueue{}
	router := newRouter(t, base, queue)
	gate := &gatekeeper{}

	f, err := facilitator.New(facilitator.Config{
		Schemes: []clients.Client{base},
		Router:  router,
		Hooks:   facilitator.Hooks{BeforeVerify: []facilitator.BeforeVerifyHook{crosschain.LiquidityGate(gate, false)}},
	})
	require.NoError(t, err)

	resp, err := f.Settle(context.Background(), crossChainPayload(t, types.NetworkSepolia), requirements())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Empty(t, queue.records)
	assert.Zero(t, gate.liqCalls)
	for _, seen := range base.seen {
		assert.Equal(t, merchant, seen.PayTo)
	}
}

func TestSettleFailureReturnedUnchanged(t *testing.T) {
	base := newBase()
	base.settle = types.SettleFailed(types.NetworkBaseSepolia, "0xPayer", clients.ErrSettleReverted, "reverted")
	queue := &recordingQueue{}
	r := newRouter(t, base, queue, crosschain.WithBridging(lock))

	resp, err := r.Settle(context.Background(), crossChainPayload(t, types.NetworkSepolia), requirements())
	require.NoError(t, err)
	assert.Same(t, base.settle, resp)
	assert.Empty(t, queue.records)
}

func TestSettleInvalidSkipsSourceWrite(t *testing.T) {
	base := newBase()
	base.verify = types.Invalid(clients.ErrInvalidSignature, "bad")
	r := newRouter(t, base, &recordingQueue{}, crosschain.WithBridging(lock))

	resp, err := r.Settle(context.Background(), crossChainPayload(t, types.NetworkSepolia), requirements())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, clients.ErrInvalidSignature, resp.ErrorReason)
	assert.Zero(t, base.setCalls)
}

func TestEnqueueFailureKeepsSourceResult(t *testing.T) {
	base := newBase()
	queue := &recordingQueue{err: errors.New("disk full")}
	r := newRouter(t, base, queue, crosschain.WithBridging(lock))

	resp, err := r.Settle(context.Background(), crossChainPayload(t, types.NetworkSepolia), requirements())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xabc", resp.Transaction)
}

func TestLiquidityGateOutcomes(t *testing.T) {
	ctx := context.Background()
	pc := facilitator.PaymentContext{Payload: crossChainPayload(t, types.NetworkSepolia), Requirements: requirements()}

	tests := []struct {
		name    string
		gate    *gatekeeper
		reason  string
		err     bool
		checked []string
	}{
		{name: "ok", gate: &gatekeeper{liquid: true, rate: decimal.RequireFromString("0.99")}, checked: []string{"9900"}},
		{name: "converted payout exceeds liquidity", gate: &gatekeeper{liquid: false, rate: decimal.NewFromInt(2)}, reason: types.ReasonInsufficientBridgeLiquidity, checked: []string{"20000"}},
		{name: "unknown destination", gate: &gatekeeper{rate: decimal.NewFromInt(1), liqErr: fmt.Errorf("%w: eip155:1", bridge.ErrUnknownNetwork)}, reason: types.ReasonCrossChainDestinationUnsupported, checked: []string{"10000"}},
		{name: "unknown destination rate", gate: &gatekeeper{rateErr: fmt.Errorf("%w: eip155:1", bridge.ErrUnknownNetwork)}, reason: types.ReasonCrossChainDestinationUnsupported},
		{name: "rpc error", gate: &gatekeeper{rate: decimal.NewFromInt(1), liqErr: errors.New("timeout")}, err: true, checked: []string{"10000"}},
		{name: "zero rate", gate: &gatekeeper{liquid: true, rate: decimal.Zero}, reason: types.ReasonInvalidExchangeRate},
		{name: "negative rate", gate: &gatekeeper{liquid: true, rate: decimal.NewFromInt(-1)}, reason: types.ReasonInvalidExchangeRate},
		{name: "rate error", gate: &gatekeeper{liquid: true, rateErr: errors.New("no quote")}, reason: types.ReasonInvalidExchangeRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := crosschain.LiquidityGate(tt.gate, true)(ctx, pc)
			assert.Equal(t, tt.checked, tt.gate.amounts)
			if tt.err {
				var xe *types.X402Error
				require.True(t, errors.As(err, &xe))
				assert.Equal(t, types.KindLiquidity, xe.Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.reason != "", res.Abort)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}

	// Plain payloads are not gated.
	gate := &gatekeeper{}
	res, err := crosschain.LiquidityGate(gate, true)(ctx, facilitator.PaymentContext{
		Payload:      &types.PaymentPayload{Payload: json.RawMessage(`{}`)},
		Requirements: requirements(),
	})
	require.NoError(t, err)
	assert.False(t, res.Abort)
	assert.Zero(t, gate.liqCalls)
}
