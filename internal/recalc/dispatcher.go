package recalc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"go.uber.org/zap"
)

// Recomputer recomputes and stores one user's risk score.
type Recomputer interface {
	Recompute(ctx context.Context, userID int64, reason string) (*risk.RiskScore, error)
	Subjects(ctx context.Context) ([]int64, error)
}

// Outcome labels a processed job for metrics.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRetry      Outcome = "retry"
	OutcomeFailure    Outcome = "failure"
	OutcomeDeadLetter Outcome = "dead_letter"
)

// MetricsRecorder is an optional callback for recording job outcomes.
type MetricsRecorder func(outcome Outcome)

// Job is one scheduled recomputation.
type Job struct {
	ID         uuid.UUID `json:"id"`
	UserID     int64     `json:"user_id"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Config controls the worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// Backoff is multiplied by the attempt number before each retry.
	Backoff time.Duration
}

// Defaults applied by NewDispatcher for zero Config fields. Backoff is the
// exception: zero retries immediately.
const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 1024
	DefaultMaxAttempts = 3
)

// DefaultBackoff is the retry backoff ledgerd configures.
const DefaultBackoff = time.Second

var errQueueFull = errors.New("recompute queue full")
var errStopped = errors.New("dispatcher stopped")

// Dispatcher runs recomputations on a bounded worker pool.
type Dispatcher struct {
	cfg        Config
	recomputer Recomputer
	sink       DeadLetterSink
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	mu      sync.RWMutex
	jobs    chan Job
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A nil sink logs dead letters.
func NewDispatcher(cfg Config, recomputer Recomputer, sink DeadLetterSink, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	return &Dispatcher{
		cfg:        cfg,
		recomputer: recomputer,
		sink:       sink,
		logger:     logger,
		jobs:       make(chan Job, cfg.QueueSize),
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// Start launches the workers. Jobs scheduled before Start are kept queued.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.closed {
		return
	}
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("recompute dispatcher started", zap.Int("workers", d.cfg.Workers))
}

// Stop closes the queue and waits for the workers to drain it. Jobs
// scheduled after Stop are dead-lettered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	started := d.running
	d.mu.Unlock()

	if !started {
		for job := range d.jobs {
			job.LastError = errStopped.Error()
			d.deadLetter(context.Background(), job)
		}
	}
	d.wg.Wait()
	d.logger.Info("recompute dispatcher stopped")
}

// Schedule queues a recomputation for userID and returns the job id. It
// never blocks: when the queue is full the job is dead-lettered.
func (d *Dispatcher) Schedule(userID int64, reason string) uuid.UUID {
	job := Job{ID: uuid.New(), UserID: userID, Reason: reason, EnqueuedAt: time.Now().UTC()}

	d.mu.RLock()
	var err error
	if d.closed {
		err = errStopped
	} else {
		select {
		case d.jobs <- job:
		default:
			err = errQueueFull
		}
	}
	d.mu.RUnlock()

	if err != nil {
		job.LastError = err.Error()
		d.deadLetter(context.Background(), job)
	}
	return job.ID
}

// Notify schedules recomputation for every user affected by e, if e is a
// qualifying action.
func (d *Dispatcher) Notify(e *ledger.Entry) {
	reason, users, ok := Trigger(e)
	if !ok {
		return
	}
	for _, u := range users {
		id := d.Schedule(u, reason)
		d.logger.Debug("risk recompute scheduled",
			zap.String("job_id", id.String()),
			zap.Int64("user_id", u),
			zap.Int64("entry_id", e.ID),
			zap.String("reason", reason),
		)
	}
}

// BulkResult summarises a RecomputeAll run.
type BulkResult struct {
	Recomputed int              `json:"recomputed"`
	Failed     map[int64]string `json:"failed"`
}

// RecomputeAll synchronously recomputes every known user. A failure for one
// user is recorded and does not stop the run.
func (d *Dispatcher) RecomputeAll(ctx context.Context) (*BulkResult, error) {
	users, err := d.recomputer.Subjects(ctx)
	if err != nil {
		return nil, err
	}
	res := &BulkResult{Failed: make(map[int64]string)}
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := d.recomputer.Recompute(ctx, u, ReasonBulkAdmin); err != nil {
			res.Failed[u] = err.Error()
			d.record(OutcomeFailure)
			d.logger.Warn("bulk recompute failed", zap.Int64("user_id", u), zap.Error(err))
			continue
		}
		res.Recomputed++
		d.record(OutcomeSuccess)
	}
	d.logger.Info("bulk recompute completed",
		zap.Int("recomputed", res.Recomputed),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.process(ctx, job)
	}
}

// process runs job with up to MaxAttempts attempts and linear backoff.
func (d *Dispatcher) process(ctx context.Context, job Job) {
	for job.Attempts < d.cfg.MaxAttempts {
		if job.Attempts > 0 {
			if err := sleep(ctx, d.cfg.Backoff*time.Duration(job.Attempts)); err != nil {
				job.LastError = err.Error()
				break
			}
		}
		job.Attempts++

		_, err := d.recomputer.Recompute(ctx, job.UserID, job.Reason)
		if err == nil {
			d.record(OutcomeSuccess)
			return
		}
		job.LastError = err.Error()
		d.record(OutcomeRetry)
		d.logger.Warn("risk recompute failed",
			zap.String("job_id", job.ID.String()),
			zap.Int64("user_id", job.UserID),
			zap.Int("attempt", job.Attempts),
			zap.Error(err),
		)
	}
	d.deadLetter(ctx, job)
}

func (d *Dispatcher) deadLetter(ctx context.Context, job Job) {
	d.record(OutcomeDeadLetter)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.sink.DeadLetter(ctx, job); err != nil {
		d.logger.Error("dead-letter sink failed",
			zap.String("job_id", job.ID.String()),
			zap.Int64("user_id", job.UserID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) record(o Outcome) {
	if d.onMetrics != nil {
		d.onMetrics(o)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
