// Package api is the HTTP surface of the orchestration core: generation
// runs, sandbox session control, run event streaming, and operational
// health.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"appforge/internal/agents"
	"appforge/internal/breaker"
	"appforge/internal/jobs"
	"appforge/internal/logging"
	"appforge/internal/ratelimit"
	"appforge/internal/sandbox"
	"appforge/internal/telemetry"
)

// Handler carries the orchestration components the API fronts.
type Handler struct {
	runner  *agents.Runner
	manager *sandbox.Manager
	queue   *jobs.Queue
	limiter *ratelimit.Limiter
	brk     *breaker.Breaker
	bus     *telemetry.Bus
	healthy func(ctx context.Context) error
	log     *zap.Logger
}

// NewHandler wires the API handler. healthy reports shared-store liveness
// (database and Redis) for the health endpoint; it may be nil.
func NewHandler(runner *agents.Runner, manager *sandbox.Manager, queue *jobs.Queue, limiter *ratelimit.Limiter, brk *breaker.Breaker, bus *telemetry.Bus, healthy func(ctx context.Context) error) *Handler {
	return &Handler{
		runner:  runner,
		manager: manager,
		queue:   queue,
		limiter: limiter,
		brk:     brk,
		bus:     bus,
		healthy: healthy,
		log:     logging.L(),
	}
}

type startGenerationRequest struct {
	Request    string `json:"request" binding:"required"`
	FragmentID string `json:"fragment_id"`
}

// StartGeneration creates an agent run for a project and drives it in the
// background. Responds 202 with the run; progress arrives over the run's
// event stream.
func (h *Handler) StartGeneration(c *gin.Context) {
	projectID := c.Param("id")

	var req startGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request body must include a non-empty 'request'",
			"code":  "INVALID_REQUEST",
		})
		return
	}

	fragmentID := req.FragmentID
	if fragmentID == "" {
		fragmentID = uuid.New().String()
	}

	run, err := h.runner.Start(c.Request.Context(), projectID, fragmentID, req.Request)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to create run",
			"code":  "RUN_CREATE_FAILED",
		})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := h.runner.Advance(ctx, run.ID); err != nil {
			h.log.Error("Run advance failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

// GetRun returns a run with its validation history.
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("id")

	run, err := h.runner.Run(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, agents.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found", "code": "RUN_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run", "code": "DATABASE_ERROR"})
		return
	}

	records, err := h.runner.Records(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load validation records", "code": "DATABASE_ERROR"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"run": run, "validations": records})
}

// StopSession tears down a sandbox session.
func (h *Handler) StopSession(c *gin.Context) {
	sess, err := h.manager.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sandbox.ErrNoSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "code": "SESSION_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session", "code": "DATABASE_ERROR"})
		return
	}

	if err := h.manager.Stop(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop session", "code": "SESSION_STOP_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type transferRequest struct {
	FragmentID string `json:"fragment_id" binding:"required"`
}

// TransferSession reassigns session ownership to another fragment.
func (h *Handler) TransferSession(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request body must include 'fragment_id'",
			"code":  "INVALID_REQUEST",
		})
		return
	}

	sess, err := h.manager.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sandbox.ErrNoSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "code": "SESSION_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session", "code": "DATABASE_ERROR"})
		return
	}

	if err := h.manager.Transfer(c.Request.Context(), sess, req.FragmentID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "TRANSFER_REJECTED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// Health reports shared-store liveness plus the live admission picture:
// breaker state, per-operation window usage, and queue depth.
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	out := gin.H{"status": "ok"}

	if h.healthy != nil {
		if err := h.healthy(ctx); err != nil {
			status = http.StatusServiceUnavailable
			out["status"] = "degraded"
			out["store_error"] = err.Error()
		}
	}

	if snap, err := h.brk.Snapshot(ctx); err == nil {
		out["breaker"] = gin.H{
			"state":         snap.State,
			"failures":      snap.Failures,
			"next_probe_at": snap.NextProbeAt,
		}
	}

	if usage, err := h.limiter.UsageByOperation(ctx); err == nil {
		out["rate_limits"] = usage
	}

	if depth, err := h.queue.DepthByStatus(ctx); err == nil {
		out["queue"] = depth
		for s, n := range depth {
			telemetry.RecordQueueDepth(s, n)
		}
	}

	c.JSON(status, out)
}
