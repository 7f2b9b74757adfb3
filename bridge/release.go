package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/txsubmit"
	"github.com/vitwit/x402-facilitator/utils"
)

var _ Bridge = (*ReleaseBridge)(nil)

// ReleaseBridge is a lock-and-release bridge: the source payment stays at the
// lock address and the facilitator's wallet on the destination chain pays the
// merchant out of its own liquidity. The bridge id is the payout transaction
// hash.
type ReleaseBridge struct {
	submitters map[string]*txsubmit.Submitter
}

// NewReleaseBridge pays out through one submitter per destination network.
func NewReleaseBridge(submitters map[string]*txsubmit.Submitter) *ReleaseBridge {
	return &ReleaseBridge{submitters: submitters}
}

func (r *ReleaseBridge) Initiate(ctx context.Context, t Transfer) (string, error) {
	s, ok := r.submitters[t.DestChain]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNetwork, t.DestChain)
	}
	if !utils.ValidateAddress(t.Asset) || !utils.ValidateAddress(t.Recipient) {
		return "", fmt.Errorf("invalid asset or recipient for release")
	}
	if t.Payout == nil || t.Payout.Sign() <= 0 {
		return "", fmt.Errorf("payout must be positive")
	}

	data, err := chain.PackTransfer(common.HexToAddress(t.Recipient), t.Payout)
	if err != nil {
		return "", err
	}

	// confirmation is left to Status so the hash is known before any wait
	tx, err := s.Broadcast(ctx, txsubmit.Request{To: common.HexToAddress(t.Asset), Data: data})
	if err != nil {
		return "", fmt.Errorf("release on %s: %w", t.DestChain, err)
	}
	return tx.Hash().Hex(), nil
}

func (r *ReleaseBridge) Status(ctx context.Context, destChain, bridgeTx string) (Status, error) {
	s, ok := r.submitters[destChain]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, destChain)
	}

	receipt, err := s.Backend().TransactionReceipt(ctx, common.HexToHash(bridgeTx))
	if errors.Is(err, ethereum.NotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return Status{Failed: true, Reason: "release transaction reverted"}, nil
	}
	return Status{DestinationTx: bridgeTx}, nil
}
