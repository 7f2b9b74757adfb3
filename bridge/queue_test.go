package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProcessor struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	resumed  []string
	bridgeTx string
}

func (p *scriptedProcessor) Resume(_ context.Context, rec Record, bridgeTx string, onInitiated func(string) error) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.resumed = append(p.resumed, bridgeTx)

	if bridgeTx == "" && p.bridgeTx != "" && onInitiated != nil {
		_ = onInitiated(p.bridgeTx)
	}

	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Result{BridgeTx: "bridge-" + rec.SourceTx, DestinationTx: "0xdest-" + rec.SourceTx}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(proc Processor, clk *clock) *Queue {
	return NewQueue(NewMemoryStore(), proc, QueueConfig{
		Workers:       1,
		MaxAttempts:   3,
		BaseBackoff:   time.Second,
		MaxBackoff:    3 * time.Second,
		SweepInterval: time.Millisecond,
	}, WithQueueClock(clk.Now))
}

func testRecord() Record {
	return Record{SourceChain: srcNet, SourceTx: "0xabc", DestChain: dstNet, Asset: dstAsset.Hex(), Amount: "10000", Recipient: merchant.Hex()}
}

func TestQueueCompletesJob(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	proc := &scriptedProcessor{}
	q := newTestQueue(proc, clk)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, testRecord())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, testRecord(), stored.Record)

	n, err := q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, "0xdest-0xabc", done.Record.DestTx)
	assert.Equal(t, "bridge-0xabc", done.Result.BridgeTx)

	n, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueRetriesWithBackoffThenDeadLetters(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	boom := errors.New("bridge unavailable")
	proc := &scriptedProcessor{errs: []error{boom, boom, boom}}
	q := newTestQueue(proc, clk)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, testRecord())
	require.NoError(t, err)

	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	got, _ := q.Get(ctx, job.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, clk.Now().Add(time.Second), got.NextRunAt)
	assert.Equal(t, "bridge: bridge attempt failed: "+boom.Error(), got.LastError)

	// not due yet
	n, _ := q.ProcessDue(ctx)
	assert.Zero(t, n)

	clk.Advance(time.Second)
	_, _ = q.ProcessDue(ctx)
	got, _ = q.Get(ctx, job.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, clk.Now().Add(2*time.Second), got.NextRunAt)

	clk.Advance(2 * time.Second)
	_, _ = q.ProcessDue(ctx)
	got, _ = q.Get(ctx, job.ID)
	assert.Equal(t, StatusDeadLetter, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.True(t, got.Terminal())

	clk.Advance(time.Hour)
	n, _ = q.ProcessDue(ctx)
	assert.Zero(t, n)
	assert.Equal(t, 3, proc.calls)
}

func TestQueueResumesFromCheckpoint(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	proc := &scriptedProcessor{errs: []error{errors.New("status poll timed out")}, bridgeTx: "bridge-7"}
	q := newTestQueue(proc, clk)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, testRecord())
	require.NoError(t, err)

	_, _ = q.ProcessDue(ctx)
	got, _ := q.Get(ctx, job.ID)
	assert.Equal(t, "bridge-7", got.BridgeTx)

	clk.Advance(time.Second)
	_, _ = q.ProcessDue(ctx)
	got, _ = q.Get(ctx, job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, []string{"", "bridge-7"}, proc.resumed)
}

func TestQueueRunProcessesEnqueuedJobs(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	proc := &scriptedProcessor{}
	q := newTestQueue(proc, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	job, err := q.Enqueue(context.Background(), testRecord())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := q.Get(context.Background(), job.ID)
		return err == nil && got.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue did not stop")
	}
}

func TestQueueBackoffCap(t *testing.T) {
	q := newTestQueue(&scriptedProcessor{}, &clock{})
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 3*time.Second, q.backoff(3))
	assert.Equal(t, 3*time.Second, q.backoff(10))
}
