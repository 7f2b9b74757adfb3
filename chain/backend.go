// Package chain adapts EVM JSON-RPC endpoints to the narrow surface the
// facilitator needs, and translates broadcast errors into typed values.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the chain client used by schemes, the submitter and bridges.
// SendTransaction errors from implementations in this package are already
// classified (see NonceError).
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	Close()
}

var _ Backend = (*EthBackend)(nil)

// EthBackend wraps an ethclient connection.
type EthBackend struct {
	*ethclient.Client
	rpcURL string
}

// Dial connects to an Ethereum RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*EthBackend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}
	return &EthBackend{Client: client, rpcURL: rpcURL}, nil
}

// SendTransaction broadcasts tx and classifies the node's error.
func (b *EthBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return ClassifySendError(b.Client.SendTransaction(ctx, tx))
}

// URL returns the RPC endpoint the backend is connected to.
func (b *EthBackend) URL() string { return b.rpcURL }
