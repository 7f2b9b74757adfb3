package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TokenABI covers the ERC-20 and EIP-3009 methods the facilitator calls.
const TokenABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"authorizationState","type":"function","stateMutability":"view",
   "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"transferWithAuthorization","type":"function","stateMutability":"nonpayable",
   "inputs":[
     {"name":"from","type":"address"},
     {"name":"to","type":"address"},
     {"name":"value","type":"uint256"},
     {"name":"validAfter","type":"uint256"},
     {"name":"validBefore","type":"uint256"},
     {"name":"nonce","type":"bytes32"},
     {"name":"v","type":"uint8"},
     {"name":"r","type":"bytes32"},
     {"name":"s","type":"bytes32"}],
   "outputs":[]}
]`

var tokenABI = mustParseABI(TokenABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse token abi: %v", err))
	}
	return parsed
}

// TokenABIParsed returns the parsed token ABI.
func TokenABIParsed() abi.ABI { return tokenABI }

// ERC20 reads token state through eth_call.
type ERC20 struct {
	backend Backend
	token   common.Address
}

// NewERC20 binds the token at address to backend.
func NewERC20(backend Backend, token common.Address) *ERC20 {
	return &ERC20{backend: backend, token: token}
}

// Address of the token contract.
func (e *ERC20) Address() common.Address { return e.token }

// BalanceOf returns the token balance of owner.
func (e *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := e.call(ctx, common.Address{}, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected return type %T", out[0])
	}
	return balance, nil
}

// AuthorizationState reports whether an EIP-3009 nonce was already used.
func (e *ERC20) AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (bool, error) {
	out, err := e.call(ctx, common.Address{}, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState: unexpected return type %T", out[0])
	}
	return used, nil
}

// PackTransfer returns calldata for transfer(to, value).
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return tokenABI.Pack("transfer", to, value)
}

func (e *ERC20) call(ctx context.Context, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	raw, err := e.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &e.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, e.token.Hex(), err)
	}

	out, err := tokenABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}
