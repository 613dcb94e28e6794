// Package jobs implements the durable backlog for operations deferred by
// admission control. When the rate limiter denies or the circuit is open,
// the operation is persisted as a PendingJob instead of being dropped; a
// periodic sweep replays pending jobs once budget and upstream health allow.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"appforge/internal/breaker"
	"appforge/internal/logging"
	"appforge/internal/ratelimit"
	"appforge/internal/telemetry"
	"appforge/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Executor replays one deferred operation. Implementations perform their own
// admission (limiter + breaker) and must return ErrRateLimited or
// ErrCircuitOpen unchanged when the operation still cannot be admitted;
// the sweep treats those as "not yet", not as a failed attempt.
type Executor interface {
	ExecuteJob(ctx context.Context, job *models.PendingJob) error
}

// Queue is the gorm-backed durable job queue.
type Queue struct {
	db          *gorm.DB
	limiter     *ratelimit.Limiter
	breaker     *breaker.Breaker
	executor    Executor
	maxAttempts int
	staleClaim  time.Duration
	log         *zap.Logger
}

// defaultStaleClaim bounds how long a job may sit in Processing before a
// sweep assumes its claimer died and returns it to Pending.
const defaultStaleClaim = 10 * time.Minute

// New creates a queue. The executor is attached later via SetExecutor
// because the lifecycle manager both enqueues into and executes from the
// queue.
func New(db *gorm.DB, limiter *ratelimit.Limiter, brk *breaker.Breaker, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{
		db:          db,
		limiter:     limiter,
		breaker:     brk,
		maxAttempts: maxAttempts,
		staleClaim:  defaultStaleClaim,
		log:         logging.L().Named("jobs"),
	}
}

// SetExecutor wires the component that replays deferred operations.
func (q *Queue) SetExecutor(e Executor) { q.executor = e }

// Enqueue persists a deferred operation and returns its job ID.
func (q *Queue) Enqueue(ctx context.Context, operationType string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	job := &models.PendingJob{
		ID:            uuid.New().String(),
		OperationType: operationType,
		Payload:       string(body),
		Status:        models.JobPending,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	q.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("operation_type", operationType))
	return job.ID, nil
}

// Sweep replays pending jobs and returns how many reached a new state.
// Jobs are processed FIFO per operation type, and each pass consumes at most
// half of the operation's remaining window so queued work cannot starve live
// traffic. Each job is claimed (Pending -> Processing) with a conditional
// update before execution, so overlapping sweeps never double-process.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	if q.executor == nil {
		return 0, errors.New("jobs: no executor attached")
	}

	// Short-circuit the pass only while the Open cooldown is still running;
	// jobs stay pending and the next sweep retries. Once the cooldown
	// elapses the pass proceeds even with no live traffic, so the first
	// replayed job can claim the HalfOpen probe slot and recover the
	// breaker on its own.
	snap, err := q.breaker.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap.State == breaker.StateOpen && time.Now().UTC().Before(snap.NextProbeAt) {
		q.log.Debug("sweep skipped: circuit open, cooldown pending")
		return 0, nil
	}

	if err := q.reclaimStale(ctx); err != nil {
		return 0, err
	}

	var opTypes []string
	err = q.db.WithContext(ctx).
		Model(&models.PendingJob{}).
		Where("status = ?", models.JobPending).
		Distinct("operation_type").
		Pluck("operation_type", &opTypes).Error
	if err != nil {
		return 0, fmt.Errorf("sweep: list operation types: %w", err)
	}

	processed := 0
	for _, op := range opTypes {
		n, err := q.sweepOperation(ctx, op)
		processed += n
		if err != nil {
			return processed, err
		}
	}
	return processed, nil
}

func (q *Queue) sweepOperation(ctx context.Context, op string) (int, error) {
	remaining, err := q.limiter.Remaining(ctx, op)
	if err != nil {
		return 0, err
	}
	// Leave the other half of the window for synchronous traffic.
	budget := remaining / 2
	if budget == 0 && remaining > 0 {
		budget = 1
	}
	if budget == 0 {
		return 0, nil
	}

	var jobs []models.PendingJob
	err = q.db.WithContext(ctx).
		Where("operation_type = ? AND status = ?", op, models.JobPending).
		Order("created_at ASC").
		Limit(budget).
		Find(&jobs).Error
	if err != nil {
		return 0, fmt.Errorf("sweep: select jobs: %w", err)
	}

	processed := 0
	for i := range jobs {
		job := &jobs[i]
		if !q.claim(ctx, job) {
			continue // another sweep got it first
		}
		if q.runJob(ctx, job) {
			processed++
		}
	}
	return processed, nil
}

// reclaimStale returns jobs stuck in Processing to Pending when their claim
// is older than the stale-claim timeout. Covers a claimer that crashed
// between claiming and recording an outcome.
func (q *Queue) reclaimStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-q.staleClaim)
	res := q.db.WithContext(ctx).
		Model(&models.PendingJob{}).
		Where("status = ? AND claimed_at < ?", models.JobProcessing, cutoff).
		Update("status", models.JobPending)
	if res.Error != nil {
		return fmt.Errorf("sweep: reclaim stale claims: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Warn("reclaimed stale job claims", zap.Int64("count", res.RowsAffected))
	}
	return nil
}

// claim marks a job Processing if and only if it is still Pending.
func (q *Queue) claim(ctx context.Context, job *models.PendingJob) bool {
	now := time.Now().UTC()
	res := q.db.WithContext(ctx).
		Model(&models.PendingJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobPending).
		Updates(map[string]interface{}{
			"status":     models.JobProcessing,
			"claimed_at": now,
		})
	if res.Error != nil {
		q.log.Warn("job claim failed", zap.String("job_id", job.ID), zap.Error(res.Error))
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	job.Status = models.JobProcessing
	job.ClaimedAt = &now
	return true
}

// runJob executes one claimed job and records the outcome. Returns true when
// the job reached a new durable state (completed, failed, or an attempt
// burned); a released claim leaves the job exactly where it started.
func (q *Queue) runJob(ctx context.Context, job *models.PendingJob) bool {
	err := q.executor.ExecuteJob(ctx, job)

	switch {
	case err == nil:
		q.finish(ctx, job, models.JobCompleted, "")
		telemetry.RecordJobSwept("completed")
		return true
	case errors.Is(err, ratelimit.ErrRateLimited), errors.Is(err, breaker.ErrCircuitOpen):
		// Still not admissible: release the claim without burning an attempt.
		q.release(ctx, job, err.Error())
		telemetry.RecordJobSwept("released")
		return false
	default:
		job.Attempts++
		if job.Attempts >= q.maxAttempts {
			q.finish(ctx, job, models.JobFailed, err.Error())
			telemetry.RecordJobSwept("failed")
			q.log.Warn("job failed permanently",
				zap.String("job_id", job.ID),
				zap.Int("attempts", job.Attempts),
				zap.Error(err))
		} else {
			q.requeue(ctx, job, err.Error())
			telemetry.RecordJobSwept("retried")
		}
		return true
	}
}

func (q *Queue) finish(ctx context.Context, job *models.PendingJob, status models.JobStatus, lastErr string) {
	err := q.db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status":     status,
		"attempts":   job.Attempts,
		"last_error": lastErr,
	}).Error
	if err != nil {
		// The stale-claim reclaim returns the job to Pending later.
		q.log.Error("job status update failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (q *Queue) release(ctx context.Context, job *models.PendingJob, lastErr string) {
	err := q.db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status":     models.JobPending,
		"last_error": lastErr,
	}).Error
	if err != nil {
		q.log.Error("job claim release failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

func (q *Queue) requeue(ctx context.Context, job *models.PendingJob, lastErr string) {
	err := q.db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status":     models.JobPending,
		"attempts":   job.Attempts,
		"last_error": lastErr,
	}).Error
	if err != nil {
		q.log.Error("job requeue failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

// DepthByStatus reports queue depth per status for the health view.
func (q *Queue) DepthByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := q.db.WithContext(ctx).
		Model(&models.PendingJob{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// Get returns one job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*models.PendingJob, error) {
	var job models.PendingJob
	if err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}
