// Package txsubmit broadcasts transactions from the facilitator's account and
// recovers from nonce races without serializing callers.
package txsubmit

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/types"
)

// MaxAttempts is the number of broadcasts one Broadcast call may make.
const MaxAttempts = 5

// MarkerSize is the length of the per attempt marker appended to calldata.
const MarkerSize = 16

var (
	// ErrMaxAttempts is returned once every attempt hit a nonce conflict.
	ErrMaxAttempts = fmt.Errorf("max retry attempts reached (%d)", MaxAttempts)

	// ErrTransactionReverted is returned when the mined receipt reports
	// failure. It is never retried.
	ErrTransactionReverted = errors.New("transaction reverted")
)

// Request is one value transfer or contract call.
type Request struct {
	To    common.Address
	Value *big.Int
	Data  []byte

	// GasLimit is estimated when zero.
	GasLimit uint64
}

// Submitter signs with a single key on a single chain. It is safe for
// concurrent use; concurrent calls race on the nonce and correct on
// conflict.
type Submitter struct {
	backend chain.Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	network string

	poll      chain.Poll
	newMarker func() []byte
	log       logger.Logger
	metrics   metrics.Recorder
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Submitter) { s.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Submitter) { s.metrics = m }
}

// WithReceiptPoll sets how the receipt of a broadcast transaction is awaited.
func WithReceiptPoll(p chain.Poll) Option {
	return func(s *Submitter) { s.poll = p }
}

// WithNetwork labels logs and metrics with a CAIP-2 network.
func WithNetwork(network string) Option {
	return func(s *Submitter) { s.network = network }
}

// WithMarker replaces the uuid marker source. The returned slice should be
// unique per call.
func WithMarker(fn func() []byte) Option {
	return func(s *Submitter) { s.newMarker = fn }
}

// New creates a Submitter sending from key's address over backend.
func New(backend chain.Backend, key *ecdsa.PrivateKey, opts ...Option) *Submitter {
	s := &Submitter{
		backend:   backend,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		poll:      chain.DefaultPoll,
		newMarker: uuidMarker,
		log:       logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func uuidMarker() []byte {
	id := uuid.New()
	return id[:]
}

// Address returns the sending account.
func (s *Submitter) Address() common.Address { return s.from }

// Backend returns the chain the submitter writes to.
func (s *Submitter) Backend() chain.Backend { return s.backend }

// Submit broadcasts req and blocks until its receipt is available.
func (s *Submitter) Submit(ctx context.Context, req Request) (*ethtypes.Receipt, error) {
	signed, err := s.Broadcast(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, signed)
}

// Broadcast signs and sends req and returns once a node accepted it, without
// waiting for it to be mined.
//
// The first nonce comes from the pending count. A nonce-conflict rejection
// moves to the nonce the node reported, or to the previous nonce plus one when
// the node did not report one. Any other broadcast error is returned at once.
func (s *Submitter) Broadcast(ctx context.Context, req Request) (*ethtypes.Transaction, error) {
	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce failed: %w", err)
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price failed: %w", err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	signer := ethtypes.LatestSignerForChainID(chainID)
	gasLimit := req.GasLimit

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		data := withMarker(req.Data, s.newMarker())

		if gasLimit == 0 {
			to := req.To
			estimated, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
				From:  s.from,
				To:    &to,
				Value: value,
				Data:  data,
			})
			if err != nil {
				return nil, fmt.Errorf("estimate gas failed: %w", err)
			}
			// markers differ per attempt; 16 gas per non-zero calldata byte
			gasLimit = estimated + MarkerSize*16
		}

		tx := ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &req.To,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})

		signed, err := ethtypes.SignTx(tx, signer, s.key)
		if err != nil {
			return nil, fmt.Errorf("sign tx failed: %w", err)
		}

		err = s.backend.SendTransaction(ctx, signed)
		if err == nil {
			s.log.Info("transaction broadcast", map[string]any{
				"network": s.network,
				"tx":      signed.Hash().Hex(),
				"nonce":   nonce,
				"attempt": attempt,
			})
			return signed, nil
		}

		ne, ok := chain.AsNonceError(err)
		if !ok {
			return nil, fmt.Errorf("send tx failed: %w", err)
		}
		lastErr = err

		next := nonce + 1
		if ne.HasExpected && ne.Expected != nonce {
			next = ne.Expected
		}

		s.metrics.IncCounter(metrics.EventNonceRetry, map[string]string{"network": s.network, "result": ne.Kind.String()})
		s.log.Warn("nonce conflict, retrying", map[string]any{
			"network":    s.network,
			"attempt":    attempt,
			"nonce":      nonce,
			"next_nonce": next,
			"kind":       ne.Kind.String(),
			"error":      err,
		})
		nonce = next
	}

	return nil, types.NewError(types.KindNonceConflict, "nonce_retries_exhausted", "nonce retries exhausted",
		fmt.Errorf("%w: %v", ErrMaxAttempts, lastErr))
}

func (s *Submitter) await(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error) {
	receipt, err := chain.WaitReceipt(ctx, s.backend, tx.Hash(), s.poll)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		s.metrics.IncCounter(metrics.EventTxReverted, map[string]string{"network": s.network})
		s.log.Error("transaction reverted", map[string]any{
			"network": s.network,
			"tx":      tx.Hash().Hex(),
		})
		return receipt, fmt.Errorf("%w: %s", ErrTransactionReverted, tx.Hash().Hex())
	}
	return receipt, nil
}

func withMarker(data, marker []byte) []byte {
	out := make([]byte, 0, len(data)+len(marker))
	out = append(out, data...)
	return append(out, marker...)
}
