package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrReceiptTimeout is returned when a receipt did not show up within the
// polling bound.
var ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")

// Poll is a fixed interval, bounded attempt polling policy.
type Poll struct {
	Interval time.Duration
	Attempts int
}

// DefaultPoll waits up to two minutes in two second steps.
var DefaultPoll = Poll{Interval: 2 * time.Second, Attempts: 60}

// WaitReceipt polls for the receipt of hash. A zero Attempts polls until ctx
// is done.
func WaitReceipt(ctx context.Context, b Backend, hash common.Hash, p Poll) (*ethtypes.Receipt, error) {
	if p.Interval <= 0 {
		p.Interval = DefaultPoll.Interval
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		receipt, err := b.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
		}
		if p.Attempts > 0 && attempt >= p.Attempts {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrReceiptTimeout, hash.Hex(), attempt)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
