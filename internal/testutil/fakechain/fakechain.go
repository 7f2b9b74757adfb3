// Package fakechain is an in-memory chain.Backend for tests.
package fakechain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vitwit/x402-facilitator/chain"
)

var _ chain.Backend = (*Backend)(nil)

// Backend records every broadcast and mines it instantly unless a send error
// is queued.
type Backend struct {
	mu sync.Mutex

	chainID  *big.Int
	gasPrice *big.Int
	gasLimit uint64

	nonces   map[common.Address]uint64
	sendErrs []error
	sent     []*ethtypes.Transaction
	attempts []uint64

	receipts      map[common.Hash]*ethtypes.Receipt
	receiptStatus uint64
	receiptDelay  int
	receiptPolls  map[common.Hash]int

	balances   map[common.Address]map[common.Address]*big.Int
	usedNonces map[common.Address]map[[32]byte]bool
	callErr    error

	closed bool
}

// New returns a backend for chainID with every sent transaction succeeding.
func New(chainID int64) *Backend {
	return &Backend{
		chainID:       big.NewInt(chainID),
		gasPrice:      big.NewInt(1_000_000_000),
		gasLimit:      100_000,
		nonces:        make(map[common.Address]uint64),
		receipts:      make(map[common.Hash]*ethtypes.Receipt),
		receiptStatus: ethtypes.ReceiptStatusSuccessful,
		receiptPolls:  make(map[common.Hash]int),
		balances:      make(map[common.Address]map[common.Address]*big.Int),
		usedNonces:    make(map[common.Address]map[[32]byte]bool),
	}
}

// SetNonce sets the pending nonce reported for account.
func (b *Backend) SetNonce(account common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[account] = nonce
}

// QueueSendErrors makes the next SendTransaction calls fail with errs, in
// order. A nil entry lets that call succeed. Errors pass through
// chain.ClassifySendError like a real node response would.
func (b *Backend) QueueSendErrors(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErrs = append(b.sendErrs, errs...)
}

// SetReceiptStatus sets the status of receipts for transactions sent later.
func (b *Backend) SetReceiptStatus(status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptStatus = status
}

// SetReceiptDelay makes each receipt lookup return NotFound n times first.
func (b *Backend) SetReceiptDelay(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptDelay = n
}

// SetBalance sets the token balance of owner.
func (b *Backend) SetBalance(token, owner common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[token] == nil {
		b.balances[token] = make(map[common.Address]*big.Int)
	}
	b.balances[token][owner] = new(big.Int).Set(amount)
}

// MarkNonceUsed flags an EIP-3009 authorization nonce as consumed.
func (b *Backend) MarkNonceUsed(authorizer common.Address, nonce [32]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.usedNonces[authorizer] == nil {
		b.usedNonces[authorizer] = make(map[[32]byte]bool)
	}
	b.usedNonces[authorizer][nonce] = true
}

// SetCallError makes state changing eth_call simulations revert with err.
func (b *Backend) SetCallError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callErr = err
}

// AddReceipt registers a mined receipt for an externally produced hash.
func (b *Backend) AddReceipt(hash common.Hash, status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[hash] = &ethtypes.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(1)}
}

// Sent returns the successfully broadcast transactions.
func (b *Backend) Sent() []*ethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ethtypes.Transaction(nil), b.sent...)
}

// AttemptNonces returns the nonce of every SendTransaction call, including
// rejected ones.
func (b *Backend) AttemptNonces() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.attempts...)
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return b.gasLimit, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts = append(b.attempts, tx.Nonce())

	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return chain.ClassifySendError(err)
		}
	}

	signer := ethtypes.LatestSignerForChainID(b.chainID)
	from, err := ethtypes.Sender(signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() >= b.nonces[from] {
		b.nonces[from] = tx.Nonce() + 1
	}

	b.sent = append(b.sent, tx)
	b.receipts[tx.Hash()] = &ethtypes.Receipt{
		TxHash:      tx.Hash(),
		Status:      b.receiptStatus,
		BlockNumber: big.NewInt(int64(len(b.sent))),
		GasUsed:     tx.Gas(),
	}
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.receiptPolls[hash] < b.receiptDelay {
		b.receiptPolls[hash]++
		return nil, ethereum.NotFound
	}
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("fakechain: unsupported call")
	}

	tokenABI := chain.TokenABIParsed()
	method, err := tokenABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "balanceOf":
		owner := args[0].(common.Address)
		bal := big.NewInt(0)
		if v, ok := b.balances[*msg.To][owner]; ok {
			bal = v
		}
		return method.Outputs.Pack(bal)
	case "authorizationState":
		authorizer := args[0].(common.Address)
		nonce := args[1].([32]byte)
		return method.Outputs.Pack(b.usedNonces[authorizer][nonce])
	case "transferWithAuthorization", "transfer":
		if b.callErr != nil {
			return nil, b.callErr
		}
		return method.Outputs.Pack(outputsFor(method.Name)...)
	default:
		return nil, fmt.Errorf("fakechain: no handler for %s", method.Name)
	}
}

func outputsFor(name string) []interface{} {
	if name == "transfer" {
		return []interface{}{true}
	}
	return nil
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
