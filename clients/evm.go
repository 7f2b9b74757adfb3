package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/txsubmit"
	"github.com/vitwit/x402-facilitator/types"
	"github.com/vitwit/x402-facilitator/utils"
)

// SchemeExact is the x402 "exact" scheme.
const SchemeExact = "exact"

var _ Client = (*EVMClient)(nil)

// EVMClient implements the exact scheme over EIP-3009
// transferWithAuthorization on one EVM network.
type EVMClient struct {
	network   string
	chainID   *big.Int
	backend   chain.Backend
	submitter *txsubmit.Submitter
	log       logger.Logger
	now       func() time.Time
}

// EVMOption configures an EVMClient.
type EVMOption func(*EVMClient)

// WithEVMLogger sets the logger.
func WithEVMLogger(l logger.Logger) EVMOption {
	return func(e *EVMClient) { e.log = l }
}

// WithClock overrides time.Now for authorization window checks.
func WithClock(now func() time.Time) EVMOption {
	return func(e *EVMClient) { e.now = now }
}

// NewEVMClient binds the exact scheme to network. The submitter settles from
// the facilitator's key through the same backend.
func NewEVMClient(network string, submitter *txsubmit.Submitter, opts ...EVMOption) (*EVMClient, error) {
	chainID, err := types.EVMChainID(network)
	if err != nil {
		return nil, err
	}

	e := &EVMClient{
		network:   network,
		chainID:   chainID,
		backend:   submitter.Backend(),
		submitter: submitter,
		log:       logger.NoopLogger{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *EVMClient) Scheme() string { return SchemeExact }

func (e *EVMClient) Network() string { return e.network }

func (e *EVMClient) Signers() []string { return []string{e.submitter.Address().Hex()} }

func (e *EVMClient) Extra() map[string]interface{} { return nil }

func (e *EVMClient) Close() { e.backend.Close() }

// Verify checks, in order: scheme and network, payload shape, recipient,
// amount, validity window, signature, payer balance, nonce state and finally
// an eth_call simulation of the transfer.
func (e *EVMClient) Verify(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.VerifyResponse, error) {
	if s := payload.SchemeName(); s != "" && s != req.Scheme {
		return types.Invalid(ErrInvalidScheme, fmt.Sprintf("payload scheme %q does not match %q", s, req.Scheme)), nil
	}
	if req.Scheme != SchemeExact {
		return types.Invalid(ErrUnsupportedScheme, fmt.Sprintf("client serves %s", SchemeExact)), nil
	}
	if n := payload.NetworkID(); n != "" && n != req.Network {
		return types.Invalid(ErrInvalidNetwork, fmt.Sprintf("payload network %q does not match %q", n, req.Network)), nil
	}
	if req.Network != e.network {
		return types.Invalid(ErrInvalidNetwork, fmt.Sprintf("client serves %s", e.network)), nil
	}
	if payload.Accepted != nil && payload.Accepted.Asset != "" && !utils.SameAddress(payload.Accepted.Asset, req.Asset) {
		return types.Invalid(ErrAssetMismatch, "accepted asset does not match requirements"), nil
	}
	if !utils.ValidateAddress(req.Asset) || !utils.ValidateAddress(req.PayTo) {
		return types.Invalid(types.ReasonInvalidRequirements, "asset and payTo must be EVM addresses"), nil
	}

	p, auth, err := ParseExactEvmPayload(payload.Payload)
	if err != nil {
		return types.Invalid(ErrInvalidExactEvmPayload, err.Error()), nil
	}

	if auth.To != common.HexToAddress(req.PayTo) {
		return types.Invalid(ErrRecipientMismatch, "authorization recipient does not match payTo"), nil
	}

	required, err := utils.ParseAtomicAmount(req.Amount)
	if err != nil {
		return types.Invalid(types.ReasonInvalidRequirements, err.Error()), nil
	}
	if auth.Value.Cmp(required) != 0 {
		return types.Invalid(ErrAmountMismatch, fmt.Sprintf("authorized %s, required %s", auth.Value, required)), nil
	}

	now := big.NewInt(e.now().Unix())
	if now.Cmp(auth.ValidAfter) < 0 {
		return types.Invalid(ErrValidAfterInFuture, "authorization is not valid yet"), nil
	}
	if now.Cmp(auth.ValidBefore) >= 0 {
		return types.Invalid(ErrValidBeforeExpired, "authorization expired"), nil
	}

	token := common.HexToAddress(req.Asset)
	signer, err := RecoverAuthorizationSigner(e.domain(req, token), auth, p.Signature)
	if err != nil || signer != auth.From {
		return types.Invalid(ErrInvalidSignature, "signature does not match authorization.from"), nil
	}

	erc20 := chain.NewERC20(e.backend, token)

	balance, err := erc20.BalanceOf(ctx, auth.From)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance.Cmp(required) < 0 {
		return types.Invalid(ErrInsufficientFunds, fmt.Sprintf("balance %s below %s", balance, required)), nil
	}

	used, err := erc20.AuthorizationState(ctx, auth.From, auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("read authorization state: %w", err)
	}
	if used {
		return types.Invalid(ErrAuthorizationNonceUse, "authorization nonce already used"), nil
	}

	callData, err := packTransferWithAuthorization(auth, p.Signature)
	if err != nil {
		return types.Invalid(ErrInvalidSignature, err.Error()), nil
	}
	_, err = e.backend.CallContract(ctx, ethereum.CallMsg{
		From: e.submitter.Address(),
		To:   &token,
		Data: callData,
	}, nil)
	if err != nil {
		e.log.Debug("transferWithAuthorization simulation reverted", map[string]any{
			"network": e.network,
			"payer":   auth.From.Hex(),
			"error":   err,
		})
		return types.Invalid(ErrSimulationFailed, err.Error()), nil
	}

	return types.Valid(auth.From.Hex()), nil
}

// Settle submits transferWithAuthorization. The caller is expected to have run
// Verify on the same arguments.
func (e *EVMClient) Settle(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*types.SettleResponse, error) {
	p, auth, err := ParseExactEvmPayload(payload.Payload)
	if err != nil {
		return types.SettleFailed(e.network, "", ErrInvalidExactEvmPayload, err.Error()), nil
	}
	payer := auth.From.Hex()

	callData, err := packTransferWithAuthorization(auth, p.Signature)
	if err != nil {
		return types.SettleFailed(e.network, payer, ErrInvalidSignature, err.Error()), nil
	}

	receipt, err := e.submitter.Submit(ctx, txsubmit.Request{
		To:   common.HexToAddress(req.Asset),
		Data: callData,
	})
	switch {
	case err == nil:
	case errors.Is(err, txsubmit.ErrTransactionReverted):
		return types.SettleFailed(e.network, payer, ErrSettleReverted, err.Error()), nil
	case errors.Is(err, txsubmit.ErrMaxAttempts):
		return types.SettleFailed(e.network, payer, ErrSettleNonceExhausted, err.Error()), nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		return types.SettleFailed(e.network, payer, ErrSettleTransactionFailed, err.Error()), nil
	}

	e.log.Info("payment settled", map[string]any{
		"network": e.network,
		"payer":   payer,
		"tx":      receipt.TxHash.Hex(),
		"block":   receipt.BlockNumber,
	})

	return &types.SettleResponse{
		Success:     true,
		Transaction: receipt.TxHash.Hex(),
		Network:     e.network,
		Payer:       payer,
	}, nil
}

func (e *EVMClient) domain(req *types.PaymentRequirements, token common.Address) TokenDomain {
	d := TokenDomain{
		Name:    DefaultTokenName,
		Version: DefaultTokenVersion,
		ChainID: e.chainID,
		Token:   token,
	}
	if name, ok := req.ExtraString("name"); ok {
		d.Name = name
	}
	if version, ok := req.ExtraString("version"); ok {
		d.Version = version
	}
	return d
}

func packTransferWithAuthorization(auth *Authorization, signature string) ([]byte, error) {
	v, r, s, err := SplitSignature(signature)
	if err != nil {
		return nil, err
	}
	tokenABI := chain.TokenABIParsed()
	return tokenABI.Pack(
		"transferWithAuthorization",
		auth.From,
		auth.To,
		auth.Value,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.Nonce,
		v,
		r,
		s,
	)
}
