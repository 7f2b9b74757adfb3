package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402-facilitator/logger"
	"github.com/vitwit/x402-facilitator/metrics"
	"github.com/vitwit/x402-facilitator/types"
)

// Processor runs or resumes one bridge. *Coordinator implements it.
type Processor interface {
	Resume(ctx context.Context, rec Record, bridgeTx string, onInitiated func(bridgeTx string) error) (*Result, error)
}

// QueueConfig controls retries and concurrency.
type QueueConfig struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// SweepInterval is how often the store is scanned for due jobs when no
	// new job arrives.
	SweepInterval time.Duration
}

// DefaultQueueConfig retries a bridge five times over about a quarter hour.
var DefaultQueueConfig = QueueConfig{
	Workers:       2,
	MaxAttempts:   5,
	BaseBackoff:   30 * time.Second,
	MaxBackoff:    10 * time.Minute,
	SweepInterval: 15 * time.Second,
}

// Queue hands settled payments to bridge workers. Every job is in the store
// before Enqueue returns, so a restart picks up whatever was not finished.
type Queue struct {
	store Store
	proc  Processor
	cfg   QueueConfig

	log     logger.Logger
	metrics metrics.Recorder
	now     func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	running map[string]bool
	// initiated holds bridge ids by job id, covering checkpoints the store
	// failed to persist.
	initiated map[string]string
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger.
func WithQueueLogger(l logger.Logger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// WithQueueMetrics sets the metrics recorder.
func WithQueueMetrics(m metrics.Recorder) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// WithQueueClock overrides time.Now.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a queue. Zero fields of cfg take DefaultQueueConfig values.
func NewQueue(store Store, proc Processor, cfg QueueConfig, opts ...QueueOption) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultQueueConfig.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultQueueConfig.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultQueueConfig.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultQueueConfig.MaxBackoff
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultQueueConfig.SweepInterval
	}

	q := &Queue{
		store:   store,
		proc:    proc,
		cfg:     cfg,
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		running:   make(map[string]bool),
		initiated: make(map[string]string),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a pending job for rec and wakes the dispatcher.
func (q *Queue) Enqueue(ctx context.Context, rec Record) (Job, error) {
	now := q.now()
	job := Job{
		ID:        uuid.NewString(),
		Record:    rec,
		Status:    StatusPending,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Save(ctx, job); err != nil {
		return Job{}, fmt.Errorf("persist bridge job: %w", err)
	}

	q.metrics.IncCounter(metrics.EventBridgeQueued, map[string]string{"network": rec.DestChain})
	q.log.Info("bridge job queued", map[string]any{
		"job_id":       job.ID,
		"source_chain": rec.SourceChain,
		"source_tx":    rec.SourceTx,
		"dest_chain":   rec.DestChain,
	})

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	return q.store.Get(ctx, id)
}

// Run dispatches due jobs to workers until ctx is cancelled, then waits for
// in-flight jobs to return.
func (q *Queue) Run(ctx context.Context) {
	jobs := make(chan Job)
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				q.process(ctx, job)
			}
		}()
	}

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer func() {
		ticker.Stop()
		close(jobs)
		wg.Wait()
	}()

	for {
		due, err := q.claimDue(ctx)
		if err != nil {
			q.log.Error("failed to list bridge jobs", map[string]any{"error": err})
		}
		for _, job := range due {
			select {
			case jobs <- job:
			case <-ctx.Done():
				q.release(job.ID)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// ProcessDue runs every due job in the calling goroutine and returns how many
// ran.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	due, err := q.claimDue(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range due {
		q.process(ctx, job)
	}
	return len(due), nil
}

func (q *Queue) claimDue(ctx context.Context) ([]Job, error) {
	all, err := q.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Job
	for _, job := range all {
		if job.Terminal() || q.running[job.ID] || job.NextRunAt.After(now) {
			continue
		}
		q.running[job.ID] = true
		due = append(due, job)
	}
	return due, nil
}

func (q *Queue) remember(id, bridgeTx string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.initiated[id] = bridgeTx
}

func (q *Queue) recalled(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.initiated[id]
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.initiated, id)
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
}

func (q *Queue) save(ctx context.Context, job *Job) {
	job.UpdatedAt = q.now()
	if err := q.store.Save(context.WithoutCancel(ctx), *job); err != nil {
		q.log.Error("failed to persist bridge job", map[string]any{"job_id": job.ID, "status": job.Status, "error": err})
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	defer q.release(job.ID)

	if job.BridgeTx == "" {
		job.BridgeTx = q.recalled(job.ID)
	}
	job.Status = StatusInProgress
	job.Attempts++
	q.save(ctx, &job)

	start := q.now()
	res, err := q.proc.Resume(ctx, job.Record, job.BridgeTx, func(bridgeTx string) error {
		q.remember(job.ID, bridgeTx)
		job.BridgeTx = bridgeTx
		job.UpdatedAt = q.now()
		return q.store.Save(context.WithoutCancel(ctx), job)
	})
	q.metrics.ObserveLatency("bridge", q.now().Sub(start), map[string]string{"network": job.Record.DestChain})

	labels := map[string]string{"network": job.Record.DestChain}
	fields := map[string]any{
		"job_id":     job.ID,
		"attempt":    job.Attempts,
		"source_tx":  job.Record.SourceTx,
		"dest_chain": job.Record.DestChain,
	}

	switch {
	case err == nil:
		job.Status = StatusCompleted
		job.Result = res
		job.Record.DestTx = res.DestinationTx
		job.LastError = ""
		q.save(ctx, &job)
		q.forget(job.ID)
		q.metrics.IncCounter(metrics.EventBridgeDone, labels)
		fields["dest_tx"] = res.DestinationTx
		q.log.Info("bridge job completed", fields)

	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// shutdown; the attempt does not count
		job.Status = StatusPending
		job.Attempts--
		q.save(ctx, &job)

	case job.Attempts >= q.cfg.MaxAttempts:
		job.Status = StatusDeadLetter
		job.LastError = bridgeError(err).Error()
		q.save(ctx, &job)
		q.metrics.IncCounter(metrics.EventBridgeDead, labels)
		fields["error"] = err
		q.log.Error("bridge job moved to dead letter, manual reconciliation required", fields)

	default:
		job.Status = StatusPending
		job.LastError = bridgeError(err).Error()
		job.NextRunAt = q.now().Add(q.backoff(job.Attempts))
		q.save(ctx, &job)
		q.metrics.IncCounter(metrics.EventBridgeRetry, labels)
		fields["error"] = err
		fields["next_run_at"] = job.NextRunAt
		q.log.Warn("bridge attempt failed, retrying", fields)
	}
}

// bridgeError classifies a failed attempt. The source payment has settled by
// the time any job runs.
func bridgeError(err error) error {
	return types.NewError(types.KindBridge, "bridge_failed", "bridge attempt failed", err)
}

// backoff is BaseBackoff doubled per failed attempt, capped at MaxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return d
}
