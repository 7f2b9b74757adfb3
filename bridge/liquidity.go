package bridge

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/utils"
)

// Liquidity reads the destination balance of the wallet that pays merchants
// out.
type Liquidity struct {
	chains *chain.Set
	payout common.Address
}

// NewLiquidity checks balances of payout on the backends in chains.
func NewLiquidity(chains *chain.Set, payout common.Address) *Liquidity {
	return &Liquidity{chains: chains, payout: payout}
}

// Available returns the payout wallet's balance of asset on destChain.
func (l *Liquidity) Available(ctx context.Context, destChain, asset string) (*big.Int, error) {
	backend, err := l.chains.Get(destChain)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, destChain)
	}
	if !utils.ValidateAddress(asset) {
		return nil, fmt.Errorf("invalid destination asset %q", asset)
	}
	return chain.NewERC20(backend, common.HexToAddress(asset)).BalanceOf(ctx, l.payout)
}

// Enough reports whether the balance covers amount.
func (l *Liquidity) Enough(ctx context.Context, destChain, asset string, amount *big.Int) (bool, error) {
	balance, err := l.Available(ctx, destChain, asset)
	if err != nil {
		return false, err
	}
	return balance.Cmp(amount) >= 0, nil
}
