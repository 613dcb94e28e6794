package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"appforge/internal/breaker"
	"appforge/internal/config"
	"appforge/internal/jobs"
	"appforge/internal/logging"
	"appforge/internal/ratelimit"
	"appforge/internal/telemetry"
	"appforge/pkg/models"
)

// Operation types consumed by the rate limiter and the job queue.
const (
	OpCreate  = "sandbox_create"
	OpCommand = "sandbox_command"
)

// ErrNoSession is returned when an operation references a session that does
// not exist or is no longer running.
var ErrNoSession = errors.New("no running sandbox session")

// CreatePayload is the queued form of a denied sandbox_create.
type CreatePayload struct {
	FragmentID string `json:"fragment_id"`
	ProjectID  string `json:"project_id"`
}

// Manager owns sandbox session lifecycle. Every upstream call passes through
// the rate limiter and the circuit breaker; creation requests that cannot be
// admitted are enqueued and replayed by the sweep.
type Manager struct {
	db      *gorm.DB
	svc     Service
	limiter *ratelimit.Limiter
	brk     *breaker.Breaker
	queue   *jobs.Queue

	createTimeout  time.Duration
	commandTimeout time.Duration
	log            *zap.Logger
}

// NewManager wires the lifecycle manager. The queue may be nil in tests that
// never exercise the deferred path.
func NewManager(db *gorm.DB, svc Service, limiter *ratelimit.Limiter, brk *breaker.Breaker, queue *jobs.Queue, cfg config.SandboxConfig) *Manager {
	createTimeout := cfg.CreateTimeout
	if createTimeout <= 0 {
		createTimeout = 60 * time.Second
	}
	commandTimeout := cfg.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = 120 * time.Second
	}
	return &Manager{
		db:             db,
		svc:            svc,
		limiter:        limiter,
		brk:            brk,
		queue:          queue,
		createTimeout:  createTimeout,
		commandTimeout: commandTimeout,
		log:            logging.L(),
	}
}

// RegisterJobHandler binds the manager's deferred-create replay to the
// dispatcher.
func (m *Manager) RegisterJobHandler(d *jobs.Dispatcher) {
	d.Register(OpCreate, func(ctx context.Context, job *models.PendingJob) error {
		var p CreatePayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("malformed sandbox_create payload: %w", err)
		}
		_, err := m.Provision(ctx, p.FragmentID, p.ProjectID)
		return err
	})
}

// GetOrCreate returns the fragment's running session, creating one if none
// exists. When admission is denied the request is enqueued instead: the
// returned pendingJobID is non-empty and the session is nil.
func (m *Manager) GetOrCreate(ctx context.Context, fragmentID, projectID string) (sess *models.SandboxSession, pendingJobID string, err error) {
	if existing, err := m.runningSession(ctx, fragmentID); err == nil {
		m.touch(ctx, existing)
		return existing, "", nil
	} else if !errors.Is(err, ErrNoSession) {
		return nil, "", err
	}

	sess, err = m.Provision(ctx, fragmentID, projectID)
	if err == nil {
		return sess, "", nil
	}
	if errors.Is(err, ratelimit.ErrRateLimited) || errors.Is(err, breaker.ErrCircuitOpen) {
		if m.queue == nil {
			return nil, "", err
		}
		jobID, qerr := m.queue.Enqueue(ctx, OpCreate, CreatePayload{FragmentID: fragmentID, ProjectID: projectID})
		if qerr != nil {
			return nil, "", fmt.Errorf("failed to defer sandbox creation: %w", qerr)
		}
		m.log.Info("Sandbox creation deferred",
			zap.String("fragment_id", fragmentID),
			zap.String("job_id", jobID),
			zap.String("reason", err.Error()))
		return nil, jobID, nil
	}
	return nil, "", err
}

// Provision creates a session immediately or fails with ErrRateLimited /
// ErrCircuitOpen when not admissible. The job queue replays it through this
// path, so denials must surface unchanged for the claim to be released.
func (m *Manager) Provision(ctx context.Context, fragmentID, projectID string) (*models.SandboxSession, error) {
	// Replayed creates may race a live request for the same fragment.
	if existing, err := m.runningSession(ctx, fragmentID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNoSession) {
		return nil, err
	}

	// Limiter first: a rate-limit denial must not consume the breaker's
	// HalfOpen probe slot.
	dec, err := m.limiter.Admit(ctx, OpCreate)
	if err != nil {
		return nil, fmt.Errorf("admission check failed: %w", err)
	}
	telemetry.RecordAdmission(OpCreate, dec.Allowed)
	if !dec.Allowed {
		return nil, fmt.Errorf("%w: retry in %s", ratelimit.ErrRateLimited, dec.RetryAfter.Round(time.Second))
	}

	sess := &models.SandboxSession{
		ID:              uuid.New().String(),
		OwnerFragmentID: fragmentID,
		ProjectID:       projectID,
		Status:          models.SessionProvisioning,
		LastUsedAt:      time.Now(),
	}
	if err := m.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.createTimeout)
	defer cancel()

	var handle string
	err = m.brk.Execute(cctx, func(ctx context.Context) error {
		h, createErr := m.svc.Create(ctx)
		handle = h
		return createErr
	})
	if err != nil {
		telemetry.RecordSandboxOp("create", "error")
		if terr := m.transition(ctx, sess, models.SessionFailed); terr != nil {
			m.log.Error("Failed to mark session failed", zap.String("session_id", sess.ID), zap.Error(terr))
		}
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("sandbox creation failed: %w", err)
	}

	sess.Handle = handle
	if err := m.db.WithContext(ctx).Model(sess).Update("handle", handle).Error; err != nil {
		return nil, fmt.Errorf("failed to persist session handle: %w", err)
	}
	if err := m.transition(ctx, sess, models.SessionRunning); err != nil {
		return nil, err
	}

	telemetry.RecordSandboxOp("create", "ok")
	m.log.Info("Sandbox session created",
		zap.String("session_id", sess.ID),
		zap.String("fragment_id", fragmentID),
		zap.String("handle", handle))
	return sess, nil
}

// WriteFiles materializes generated files in the session's sandbox. File
// writes ride on the session's existing admission; they are not separately
// rate limited.
func (m *Manager) WriteFiles(ctx context.Context, sess *models.SandboxSession, files map[string]string) error {
	if sess == nil || sess.Status != models.SessionRunning {
		return ErrNoSession
	}
	cctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	err := m.brk.Execute(cctx, func(ctx context.Context) error {
		return m.svc.WriteFiles(ctx, sess.Handle, files)
	})
	if err != nil {
		telemetry.RecordSandboxOp("write_files", "error")
		return err
	}
	telemetry.RecordSandboxOp("write_files", "ok")
	m.touch(ctx, sess)
	return nil
}

// Run executes one command in the session under the command admission class
// and the hard wall-clock timeout. A denied admission returns ErrRateLimited
// or ErrCircuitOpen for the caller to defer; a timed-out command returns a
// failed report, not an error.
func (m *Manager) Run(ctx context.Context, sess *models.SandboxSession, command string, sink Sink) (*Report, error) {
	if sess == nil || sess.Status != models.SessionRunning {
		return nil, ErrNoSession
	}

	dec, err := m.limiter.Admit(ctx, OpCommand)
	if err != nil {
		return nil, fmt.Errorf("admission check failed: %w", err)
	}
	telemetry.RecordAdmission(OpCommand, dec.Allowed)
	if !dec.Allowed {
		return nil, fmt.Errorf("%w: retry in %s", ratelimit.ErrRateLimited, dec.RetryAfter.Round(time.Second))
	}

	cctx, cancel := context.WithTimeout(ctx, m.commandTimeout)
	defer cancel()

	var report *Report
	err = m.brk.Execute(cctx, func(ctx context.Context) error {
		r, runErr := m.svc.RunCommand(ctx, sess.Handle, command, sink)
		report = r
		return runErr
	})
	if err != nil {
		telemetry.RecordSandboxOp("command", "error")
		return nil, err
	}

	m.touch(ctx, sess)
	telemetry.RecordSandboxOp("command", "ok")
	telemetry.RecordCommandDuration(report.Duration.Seconds())
	if report.TimedOut {
		m.log.Warn("Sandbox command timed out",
			zap.String("session_id", sess.ID),
			zap.String("command", command),
			zap.Duration("timeout", m.commandTimeout))
	}
	return report, nil
}

// Stop tears down the session. The local record is marked Stopped even when
// the upstream destroy cannot go through; the upstream evicts idle sandboxes
// on its own.
func (m *Manager) Stop(ctx context.Context, sess *models.SandboxSession) error {
	if sess == nil {
		return ErrNoSession
	}
	if sess.Status == models.SessionStopped || sess.Status == models.SessionFailed {
		return nil
	}

	if sess.Handle != "" {
		err := m.brk.Execute(ctx, func(ctx context.Context) error {
			return m.svc.Destroy(ctx, sess.Handle)
		})
		if err != nil {
			telemetry.RecordSandboxOp("destroy", "error")
			m.log.Warn("Upstream sandbox destroy failed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		} else {
			telemetry.RecordSandboxOp("destroy", "ok")
		}
	}
	return m.transition(ctx, sess, models.SessionStopped)
}

// Transfer reassigns session ownership to another fragment without touching
// the underlying sandbox. Used when a generation is resumed under a new
// fragment. Fails if the target fragment already owns a running session.
func (m *Manager) Transfer(ctx context.Context, sess *models.SandboxSession, newFragmentID string) error {
	if sess == nil || sess.Status != models.SessionRunning {
		return ErrNoSession
	}
	if sess.OwnerFragmentID == newFragmentID {
		return nil
	}
	if _, err := m.runningSession(ctx, newFragmentID); err == nil {
		return fmt.Errorf("fragment %s already owns a running session", newFragmentID)
	} else if !errors.Is(err, ErrNoSession) {
		return err
	}

	if err := m.db.WithContext(ctx).Model(sess).Update("owner_fragment_id", newFragmentID).Error; err != nil {
		return fmt.Errorf("failed to transfer session: %w", err)
	}
	old := sess.OwnerFragmentID
	sess.OwnerFragmentID = newFragmentID
	m.log.Info("Sandbox session transferred",
		zap.String("session_id", sess.ID),
		zap.String("from", old),
		zap.String("to", newFragmentID))
	return nil
}

// Session loads a session by ID.
func (m *Manager) Session(ctx context.Context, id string) (*models.SandboxSession, error) {
	var sess models.SandboxSession
	if err := m.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	return &sess, nil
}

func (m *Manager) runningSession(ctx context.Context, fragmentID string) (*models.SandboxSession, error) {
	var sess models.SandboxSession
	err := m.db.WithContext(ctx).
		Where("owner_fragment_id = ? AND status = ?", fragmentID, models.SessionRunning).
		Order("created_at DESC").
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	return &sess, nil
}

// transition enforces the forward-only status machine before persisting.
func (m *Manager) transition(ctx context.Context, sess *models.SandboxSession, next models.SessionStatus) error {
	if !sess.Status.CanTransition(next) {
		return fmt.Errorf("illegal session transition %s -> %s", sess.Status, next)
	}
	if err := m.db.WithContext(ctx).Model(sess).Update("status", next).Error; err != nil {
		return fmt.Errorf("failed to persist session status: %w", err)
	}
	sess.Status = next
	return nil
}

func (m *Manager) touch(ctx context.Context, sess *models.SandboxSession) {
	now := time.Now()
	if err := m.db.WithContext(ctx).Model(sess).Update("last_used_at", now).Error; err != nil {
		m.log.Warn("Failed to touch session", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	sess.LastUsedAt = now
}
