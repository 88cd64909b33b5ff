// Package engine runs the worker pool that consumes queued attempts. It
// owns the retry, stall and terminal-state handling around the applier.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/applier"
	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"github.com/jobpilot-dev/jobpilot/internal/queue"
	"github.com/jobpilot-dev/jobpilot/internal/store"
)

// -- Interfaces for Dependency Inversion --

// Queue is the durable queue surface the engine consumes. Implemented by
// queue.RedisQ; mocked in tests.
type Queue interface {
	Enqueue(ctx context.Context, attemptID string, runAt time.Time) error
	Dequeue(ctx context.Context, block time.Duration) (string, error)
	MoveDue(ctx context.Context, now time.Time, batch int64) error
	Lease(ctx context.Context, attemptID, workerID string, ttl time.Duration) (bool, error)
	Heartbeat(ctx context.Context, attemptID, workerID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, attemptID, workerID string) error
	LeaseHeld(ctx context.Context, attemptID string) (bool, error)
	AllowStart(ctx context.Context, now time.Time, limit int, window time.Duration) (bool, error)
	FetchProfile(ctx context.Context, attemptID string) ([]byte, error)
	DropProfile(ctx context.Context, attemptID string) error
}

// AttemptStore is the slice of persistence the engine needs for terminal
// transitions and the stall sweep.
type AttemptStore interface {
	GetAttempt(ctx context.Context, id string) (*domain.ApplicationAttempt, error)
	MarkStarted(ctx context.Context, id string) error
	MarkSubmitted(ctx context.Context, id string, method domain.Method, confirmationID, confirmationURL string) error
	MarkRetrying(ctx context.Context, id string, errMsg string, kind domain.ErrorKind) error
	MarkFailed(ctx context.Context, id string, errMsg string, kind domain.ErrorKind) error
	MarkStalledRequeued(ctx context.Context, id string) error
	ListStalled(ctx context.Context, olderThan time.Duration) ([]store.StallCandidate, error)
}

// Runner executes one attempt end to end.
type Runner interface {
	Run(ctx context.Context, attempt *domain.ApplicationAttempt, profile schemas.Profile) (applier.Outcome, error)
}

var _ Queue = (*queue.RedisQ)(nil)
var _ AttemptStore = (*store.Store)(nil)
var _ Runner = (*applier.Applier)(nil)

const (
	// rateRetryDelay is how far back in the delay set a rate-limited attempt
	// goes. Short: the window slides continuously.
	rateRetryDelay = 5 * time.Second
	pumpInterval   = time.Second
	sweepInterval  = 30 * time.Second
	moveBatch      = 100
)

// Engine is the worker pool. One per process.
type Engine struct {
	cfg    config.QueueConfig
	logger *zap.Logger
	queue  Queue
	store  AttemptStore
	runner Runner
	nodeID string
	wg     sync.WaitGroup
}

func New(cfg config.QueueConfig, logger *zap.Logger, q Queue, s AttemptStore, runner Runner, nodeID string) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "engine")),
		queue:  q,
		store:  s,
		runner: runner,
		nodeID: nodeID,
	}
}

// Start launches the workers, the delay pump and the stall janitor. All
// goroutines exit when ctx is cancelled; Stop waits for them.
func (e *Engine) Start(ctx context.Context) {
	concurrency := e.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	e.logger.Info("Starting worker pool", zap.Int("concurrency", concurrency))

	for i := 0; i < concurrency; i++ {
		workerID := fmt.Sprintf("%s-w%d", e.nodeID, i+1)
		e.wg.Add(1)
		go e.runWorker(ctx, workerID)
	}

	e.wg.Add(1)
	go e.runPump(ctx)
	e.wg.Add(1)
	go e.runJanitor(ctx)
}

// Stop waits for all engine goroutines to finish.
func (e *Engine) Stop() {
	e.logger.Info("Stopping engine, waiting for workers to finish")
	e.wg.Wait()
	e.logger.Info("Engine stopped")
}

// runWorker is the main loop of one worker goroutine.
func (e *Engine) runWorker(ctx context.Context, workerID string) {
	defer e.wg.Done()
	logger := e.logger.With(zap.String("worker_id", workerID))
	logger.Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker shutting down")
			return
		default:
		}

		attemptID, err := e.queue.Dequeue(ctx, e.cfg.DequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Worker shutting down")
				return
			}
			logger.Error("Dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if attemptID == "" {
			continue
		}
		e.process(ctx, workerID, attemptID)
	}
}

// process handles one dequeued attempt id through to a terminal decision.
func (e *Engine) process(ctx context.Context, workerID, attemptID string) {
	logger := e.logger.With(zap.String("worker_id", workerID), zap.String("attempt_id", attemptID))

	// Pool-wide rate gate. Denied attempts go back on the delay set; the
	// window slides, they will get another shot shortly.
	allowed, err := e.queue.AllowStart(ctx, time.Now().UTC(), e.cfg.RateLimit, e.cfg.RateWindow)
	if err != nil {
		logger.Error("Rate gate check failed", zap.Error(err))
		e.requeue(ctx, logger, attemptID)
		return
	}
	if !allowed {
		logger.Debug("Rate limit reached, deferring attempt")
		if err := e.queue.Enqueue(ctx, attemptID, time.Now().UTC().Add(rateRetryDelay)); err != nil {
			logger.Error("Failed to defer rate-limited attempt", zap.Error(err))
		}
		return
	}

	got, err := e.queue.Lease(ctx, attemptID, workerID, e.cfg.StallLock)
	if err != nil {
		logger.Error("Lease acquisition failed", zap.Error(err))
		e.requeue(ctx, logger, attemptID)
		return
	}
	if !got {
		logger.Debug("Attempt already leased elsewhere, skipping")
		return
	}
	defer func() {
		if err := e.queue.ReleaseLease(context.Background(), attemptID, workerID); err != nil {
			logger.Warn("Failed to release lease", zap.Error(err))
		}
	}()

	attempt, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("Dequeued attempt no longer exists, discarding")
			return
		}
		logger.Error("Failed to load attempt", zap.Error(err))
		e.requeue(ctx, logger, attemptID)
		return
	}
	if attempt.Status.Terminal() {
		// Cancelled or completed while queued.
		logger.Info("Attempt already terminal, discarding", zap.String("status", string(attempt.Status)))
		_ = e.queue.DropProfile(ctx, attemptID)
		return
	}

	if err := e.store.MarkStarted(ctx, attemptID); err != nil {
		logger.Error("Failed to mark attempt started", zap.Error(err))
		e.requeue(ctx, logger, attemptID)
		return
	}

	profile, err := e.fetchProfile(ctx, attemptID)
	if err != nil {
		logger.Error("Profile unavailable, failing attempt", zap.Error(err))
		if err := e.store.MarkFailed(ctx, attemptID, "staged profile unavailable", domain.ErrKindStructural); err != nil {
			logger.Error("Failed to mark attempt failed", zap.Error(err))
		}
		return
	}

	// The heartbeat keeps the lease alive for as long as the run takes.
	// A lost lease cancels the run: another worker may already own it.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	hbDone := make(chan struct{})
	go e.heartbeat(runCtx, attemptID, workerID, cancelRun, hbDone)

	outcome, runErr := e.runner.Run(runCtx, attempt, profile)
	cancelRun()
	<-hbDone

	if runErr != nil {
		e.handleFailure(ctx, logger, attempt, runErr)
		return
	}

	if err := e.store.MarkSubmitted(ctx, attemptID, outcome.Method, outcome.ConfirmationID, outcome.ConfirmationURL); err != nil {
		logger.Error("Failed to mark attempt submitted", zap.Error(err))
		return
	}
	if err := e.queue.DropProfile(ctx, attemptID); err != nil {
		logger.Warn("Failed to drop staged profile", zap.Error(err))
	}
	logger.Info("Attempt submitted",
		zap.String("method", string(outcome.Method)),
		zap.Float64("cost", outcome.Cost))
}

// requeue puts an already dequeued id back on the delay set after an
// admission error. The id left the ready list on dequeue and the janitor
// only watches executing rows, so dropping it here would strand the
// attempt in QUEUED with no recovery path.
func (e *Engine) requeue(ctx context.Context, logger *zap.Logger, attemptID string) {
	if err := e.queue.Enqueue(ctx, attemptID, time.Now().UTC().Add(rateRetryDelay)); err != nil {
		logger.Error("Failed to requeue attempt after admission error", zap.Error(err))
	}
}

func (e *Engine) fetchProfile(ctx context.Context, attemptID string) (schemas.Profile, error) {
	var profile schemas.Profile
	raw, err := e.queue.FetchProfile(ctx, attemptID)
	if err != nil {
		return profile, err
	}
	if raw == nil {
		return profile, errors.New("no staged profile for attempt")
	}
	if err := json.Unmarshal(raw, &profile); err != nil {
		return profile, fmt.Errorf("corrupt staged profile: %w", err)
	}
	return profile, nil
}

// heartbeat extends the lease on an interval until the run context ends.
// Losing the lease cancels the run.
func (e *Engine) heartbeat(ctx context.Context, attemptID, workerID string, cancelRun context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.queue.Heartbeat(ctx, attemptID, workerID, e.cfg.StallLock)
			if err != nil {
				e.logger.Warn("Heartbeat failed", zap.String("attempt_id", attemptID), zap.Error(err))
				continue
			}
			if !ok {
				e.logger.Warn("Lease lost mid-run, aborting attempt", zap.String("attempt_id", attemptID))
				cancelRun()
				return
			}
		}
	}
}

// handleFailure applies the error taxonomy: retryable kinds re-enqueue with
// exponential backoff until the retry budget runs out, everything else is
// terminal immediately.
func (e *Engine) handleFailure(ctx context.Context, logger *zap.Logger, attempt *domain.ApplicationAttempt, runErr error) {
	if errors.Is(runErr, domain.ErrAttemptCancelled) {
		// The row is already CANCELLED; nothing to transition.
		logger.Info("Attempt cancelled mid-run")
		_ = e.queue.DropProfile(ctx, attempt.ID)
		return
	}

	kind := domain.ClassifyError(runErr)
	logger.Warn("Attempt run failed",
		zap.String("error_kind", string(kind)),
		zap.Int("retry_count", attempt.RetryCount),
		zap.Error(runErr))

	if kind.Retryable() && !attempt.RetriesExhausted() {
		if err := e.store.MarkRetrying(ctx, attempt.ID, runErr.Error(), kind); err != nil {
			logger.Error("Failed to mark attempt retrying", zap.Error(err))
			return
		}
		delay := queue.Backoff(e.cfg.BackoffBase, e.cfg.BackoffCap, attempt.RetryCount)
		if err := e.queue.Enqueue(ctx, attempt.ID, time.Now().UTC().Add(delay)); err != nil {
			logger.Error("Failed to re-enqueue attempt", zap.Error(err))
		}
		logger.Info("Attempt scheduled for retry", zap.Duration("delay", delay))
		return
	}

	reason := runErr.Error()
	if kind.Retryable() {
		reason = fmt.Sprintf("retries exhausted: %s", reason)
	}
	if err := e.store.MarkFailed(ctx, attempt.ID, reason, kind); err != nil {
		logger.Error("Failed to mark attempt failed", zap.Error(err))
		return
	}
	if err := e.queue.DropProfile(ctx, attempt.ID); err != nil {
		logger.Warn("Failed to drop staged profile", zap.Error(err))
	}
}

// runPump promotes delayed attempts whose backoff has elapsed.
func (e *Engine) runPump(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.queue.MoveDue(ctx, time.Now().UTC(), moveBatch); err != nil && ctx.Err() == nil {
				e.logger.Error("Delay pump failed", zap.Error(err))
			}
		}
	}
}

// runJanitor sweeps for stalled attempts on an interval.
func (e *Engine) runJanitor(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepStalled(ctx)
		}
	}
}

// sweepStalled requeues attempts whose worker died. The database flags
// candidates by age; the redis lease is the authority, because a slow but
// alive worker still heartbeats. One requeue per attempt, then it fails
// for good: repeated stalls on the same attempt mean the attempt itself
// kills workers.
func (e *Engine) sweepStalled(ctx context.Context) {
	candidates, err := e.store.ListStalled(ctx, e.cfg.StallLock)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("Stall sweep query failed", zap.Error(err))
		}
		return
	}
	for _, c := range candidates {
		held, err := e.queue.LeaseHeld(ctx, c.ID)
		if err != nil {
			e.logger.Error("Stall sweep lease check failed", zap.String("attempt_id", c.ID), zap.Error(err))
			continue
		}
		if held {
			continue
		}

		if c.StallRequeues >= 1 {
			e.logger.Warn("Attempt stalled twice, failing", zap.String("attempt_id", c.ID))
			if err := e.store.MarkFailed(ctx, c.ID, "worker stalled and requeue budget exhausted", domain.ErrKindStalled); err != nil {
				e.logger.Error("Failed to fail stalled attempt", zap.String("attempt_id", c.ID), zap.Error(err))
			}
			_ = e.queue.DropProfile(ctx, c.ID)
			continue
		}

		e.logger.Warn("Requeuing stalled attempt", zap.String("attempt_id", c.ID))
		if err := e.store.MarkStalledRequeued(ctx, c.ID); err != nil {
			e.logger.Error("Failed to mark stalled attempt requeued", zap.String("attempt_id", c.ID), zap.Error(err))
			continue
		}
		if err := e.queue.Enqueue(ctx, c.ID, time.Time{}); err != nil {
			e.logger.Error("Failed to requeue stalled attempt", zap.String("attempt_id", c.ID), zap.Error(err))
		}
	}
}
