package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-facilitator/chain"
	"github.com/vitwit/x402-facilitator/txsubmit"
)

// flakyStore rejects writes that carry a bridge id while failing is set.
type flakyStore struct {
	*MemoryStore
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) Save(ctx context.Context, job Job) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing && job.BridgeTx != "" {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, job)
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func newReleaseQueue(t *testing.T, e *env, store Store, clk *clock) *Queue {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	rb := NewReleaseBridge(map[string]*txsubmit.Submitter{
		dstNet: txsubmit.New(e.dst, key, txsubmit.WithReceiptPoll(chain.Poll{Interval: time.Millisecond, Attempts: 2})),
	})
	rates := StaticRates{RateKey(srcAsset.Hex(), dstAsset.Hex()): decimal.RequireFromString("0.998")}
	coord := NewCoordinator(e.chains, NewLiquidity(e.chains, payout), rates, rb,
		WithSourcePoll(fastPoll), WithStatusPoll(chain.Poll{Interval: time.Millisecond, Attempts: 2}))
	return NewQueue(store, coord, QueueConfig{
		Workers:       1,
		MaxAttempts:   3,
		BaseBackoff:   time.Second,
		MaxBackoff:    time.Minute,
		SweepInterval: time.Millisecond,
	}, WithQueueClock(clk.Now))
}

func TestSlowPayoutReceiptIsNotPaidTwice(t *testing.T) {
	e := newEnv(t, nil)
	e.dst.SetReceiptDelay(5)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	q := newReleaseQueue(t, e, NewMemoryStore(), clk)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sourceRecord(e))
	require.NoError(t, err)

	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	require.Len(t, e.dst.Sent(), 1)
	assert.Equal(t, e.dst.Sent()[0].Hash().Hex(), got.BridgeTx)

	e.dst.SetReceiptDelay(0)
	clk.Advance(time.Minute)
	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)

	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, got.BridgeTx, got.Record.DestTx)
	assert.Len(t, e.dst.Sent(), 1)
}

func TestUnsavedCheckpointIsNotPaidTwice(t *testing.T) {
	e := newEnv(t, nil)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := &flakyStore{MemoryStore: NewMemoryStore(), failing: true}
	q := newReleaseQueue(t, e, store, clk)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, sourceRecord(e))
	require.NoError(t, err)

	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	require.Len(t, e.dst.Sent(), 1)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BridgeTx)
	assert.NotEqual(t, StatusCompleted, got.Status)

	store.setFailing(false)
	clk.Advance(time.Minute)
	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)

	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, e.dst.Sent()[0].Hash().Hex(), got.BridgeTx)
	assert.Len(t, e.dst.Sent(), 1)
}

func TestResumeFailsWhenCheckpointFails(t *testing.T) {
	e := newEnv(t, StaticRates{RateKey(srcAsset.Hex(), dstAsset.Hex()): decimal.NewFromInt(1)})

	_, err := e.coord.Resume(context.Background(), sourceRecord(e), "", func(string) error {
		return errors.New("disk full")
	})
	require.ErrorIs(t, err, ErrCheckpoint)
	assert.Len(t, e.bridge.initiated, 1)
	assert.Zero(t, e.bridge.checks)
}
