package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/utils"
)

// Bridge executes a transfer on an underlying bridge.
type Bridge interface {
	// Initiate locks or submits the transfer and returns the bridge's id for
	// it.
	Initiate(ctx context.Context, t Transfer) (string, error)

	// Status reports progress of a transfer started by Initiate.
	Status(ctx context.Context, destChain, bridgeTx string) (Status, error)
}

// Status of an in-flight transfer.
type Status struct {
	// DestinationTx is set once the release on the destination was observed.
	DestinationTx string
	Failed        bool
	Reason        string
}

// Coordinator gates payments on destination liquidity and exchange rate and
// runs the bridge sequence for settled payments.
type Coordinator struct {
	chains    *chain.Set
	liquidity *Liquidity
	rates     RateSource
	bridge    Bridge

	sourcePoll chain.Poll
	statusPoll chain.Poll

	log     logger.Logger
	metrics metrics.Recorder
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSourcePoll sets how the source transaction receipt is awaited.
func WithSourcePoll(p chain.Poll) CoordinatorOption {
	return func(c *Coordinator) { c.sourcePoll = p }
}

// WithStatusPoll sets how bridge completion is polled.
func WithStatusPoll(p chain.Poll) CoordinatorOption {
	return func(c *Coordinator) { c.statusPoll = p }
}

// NewCoordinator wires the collaborators. rates may be nil when only same
// asset routes are used.
func NewCoordinator(chains *chain.Set, liquidity *Liquidity, rates RateSource, b Bridge, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		chains:     chains,
		liquidity:  liquidity,
		rates:      rates,
		bridge:     b,
		sourcePoll: chain.DefaultPoll,
		statusPoll: chain.Poll{Interval: 5 * time.Second, Attempts: 120},
		log:        logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckLiquidity reports whether the destination payout wallet holds at least
// amount of asset on destChain.
func (c *Coordinator) CheckLiquidity(ctx context.Context, sourceChain, destChain, asset, amount string) (bool, error) {
	value, err := utils.ParseAtomicAmount(amount)
	if err != nil {
		return false, err
	}
	ok, err := c.liquidity.Enough(ctx, destChain, asset, value)
	if err != nil {
		return false, fmt.Errorf("check liquidity %s -> %s: %w", sourceChain, destChain, err)
	}
	return ok, nil
}

// GetExchangeRate returns exactly one for the same asset and asks the rate
// source otherwise.
func (c *Coordinator) GetExchangeRate(ctx context.Context, sourceChain, destChain, assetA, assetB string) (decimal.Decimal, error) {
	if strings.EqualFold(assetA, assetB) {
		return decimal.NewFromInt(1), nil
	}
	if c.rates == nil {
		return decimal.Zero, fmt.Errorf("no rate source for %s -> %s", assetA, assetB)
	}
	return c.rates.Rate(ctx, sourceChain, destChain, assetA, assetB)
}

// Payout converts a source amount with rate, truncating to whole units.
func Payout(amount *big.Int, rate decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(amount, 0).Mul(rate).Truncate(0).BigInt()
}

// Bridge waits for the source transaction, initiates the transfer and polls
// until the destination release is seen.
func (c *Coordinator) Bridge(ctx context.Context, rec Record) (*Result, error) {
	return c.Resume(ctx, rec, "", nil)
}

// Resume continues a bridge. With an empty bridgeTx it runs the full sequence
// and calls onInitiated once the bridge accepted the transfer; otherwise it
// only polls for completion of bridgeTx. A failing onInitiated stops the
// attempt with ErrCheckpoint.
func (c *Coordinator) Resume(ctx context.Context, rec Record, bridgeTx string, onInitiated func(bridgeTx string) error) (*Result, error) {
	log := logger.With(c.log, map[string]any{
		"source_chain": rec.SourceChain,
		"source_tx":    rec.SourceTx,
		"dest_chain":   rec.DestChain,
	})

	if bridgeTx == "" {
		var err error
		bridgeTx, err = c.initiate(ctx, rec, log)
		if err != nil {
			return nil, err
		}
		if onInitiated != nil {
			if err := onInitiated(bridgeTx); err != nil {
				log.Error("failed to checkpoint bridge", map[string]any{"bridge_tx": bridgeTx, "error": err})
				return nil, fmt.Errorf("%w: %s: %v", ErrCheckpoint, bridgeTx, err)
			}
		}
	}

	destTx, err := c.awaitRelease(ctx, rec.DestChain, bridgeTx)
	if err != nil {
		return nil, err
	}

	log.Info("bridge completed", map[string]any{"bridge_tx": bridgeTx, "dest_tx": destTx})
	return &Result{BridgeTx: bridgeTx, DestinationTx: destTx}, nil
}

func (c *Coordinator) initiate(ctx context.Context, rec Record, log logger.Logger) (string, error) {
	source, err := c.chains.Get(rec.SourceChain)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownNetwork, rec.SourceChain)
	}

	receipt, err := chain.WaitReceipt(ctx, source, common.HexToHash(rec.SourceTx), c.sourcePoll)
	if err != nil {
		return "", fmt.Errorf("wait source transaction: %w", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%w: source transaction %s reverted", ErrBridgeFailed, rec.SourceTx)
	}

	amount, err := utils.ParseAtomicAmount(rec.Amount)
	if err != nil {
		return "", err
	}

	sourceAsset := rec.SourceAsset
	if sourceAsset == "" {
		sourceAsset = rec.Asset
	}
	rate, err := c.GetExchangeRate(ctx, rec.SourceChain, rec.DestChain, sourceAsset, rec.Asset)
	if err != nil {
		return "", fmt.Errorf("exchange rate: %w", err)
	}
	if !rate.IsPositive() {
		return "", fmt.Errorf("%w: exchange rate %s", ErrBridgeFailed, rate)
	}

	bridgeTx, err := c.bridge.Initiate(ctx, Transfer{Record: rec, Payout: Payout(amount, rate)})
	if err != nil {
		return "", fmt.Errorf("initiate bridge: %w", err)
	}
	log.Info("bridge initiated", map[string]any{"bridge_tx": bridgeTx, "rate": rate.String()})
	return bridgeTx, nil
}

func (c *Coordinator) awaitRelease(ctx context.Context, destChain, bridgeTx string) (string, error) {
	interval := c.statusPoll.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		st, err := c.bridge.Status(ctx, destChain, bridgeTx)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			return "", err
		case err != nil:
			c.log.Warn("bridge status check failed", map[string]any{"bridge_tx": bridgeTx, "error": err})
		case st.Failed:
			return "", fmt.Errorf("%w: %s", ErrBridgeFailed, st.Reason)
		case st.DestinationTx != "":
			return st.DestinationTx, nil
		}

		if c.statusPoll.Attempts > 0 && attempt >= c.statusPoll.Attempts {
			return "", fmt.Errorf("%w: %s after %d checks", ErrBridgeTimeout, bridgeTx, attempt)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
