package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"appforge/internal/breaker"
	"appforge/internal/config"
	"appforge/internal/jobs"
	"appforge/internal/llm"
	"appforge/internal/logging"
	"appforge/internal/ratelimit"
	"appforge/internal/sandbox"
	"appforge/internal/telemetry"
	"appforge/pkg/models"
)

// Operation types owned by the pipeline.
const (
	OpGenerate = "llm_generate"
	OpResume   = "agent_resume"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("agent run not found")

// ErrRepairBudgetExhausted marks a run that failed validation more times
// than the repair budget allows.
var ErrRepairBudgetExhausted = errors.New("repair budget exhausted")

// ResumePayload is the queued form of a run deferred on admission denial.
type ResumePayload struct {
	RunID string `json:"run_id"`
}

// Runner drives one AgentRun through the pipeline stages and the bounded
// validate-and-repair loop. A run that hits a transient admission denial is
// parked as an agent_resume job and picked up again by the sweep; the repair
// budget is the only termination guarantee, so it is enforced strictly.
type Runner struct {
	db       *gorm.DB
	selector *Selector
	planner  *Planner
	coder    *Coder
	manager  *sandbox.Manager
	limiter  *ratelimit.Limiter
	queue    *jobs.Queue
	bus      *telemetry.Bus
	archiver *telemetry.Archiver

	repairBudget int
	log          *zap.Logger
}

// NewRunner wires the pipeline. The archiver may be nil when audit shipping
// is not configured.
func NewRunner(db *gorm.DB, gen llm.Generator, manager *sandbox.Manager, limiter *ratelimit.Limiter, queue *jobs.Queue, bus *telemetry.Bus, archiver *telemetry.Archiver, cfg config.AgentsConfig) *Runner {
	budget := cfg.RepairBudget
	if budget <= 0 {
		budget = 3
	}
	retries := cfg.MalformedRetries
	if retries <= 0 {
		retries = 2
	}
	return &Runner{
		db:           db,
		selector:     NewSelector(gen, retries),
		planner:      NewPlanner(gen, retries),
		coder:        NewCoder(gen, retries),
		manager:      manager,
		limiter:      limiter,
		queue:        queue,
		bus:          bus,
		archiver:     archiver,
		repairBudget: budget,
		log:          logging.L(),
	}
}

// RegisterJobHandler binds the deferred-resume replay to the dispatcher.
// Denials inside a replay surface unchanged so the queue releases the claim
// instead of burning an attempt.
func (r *Runner) RegisterJobHandler(d *jobs.Dispatcher) {
	d.Register(OpResume, func(ctx context.Context, job *models.PendingJob) error {
		var p ResumePayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("malformed agent_resume payload: %w", err)
		}
		run, err := r.Run(ctx, p.RunID)
		if err != nil {
			return err
		}
		if run.Stage.Terminal() {
			return nil
		}
		return r.advance(ctx, run, false)
	})
}

// Start creates a run in the Planning stage. Execution happens via Advance,
// which the serving layer calls on a background goroutine.
func (r *Runner) Start(ctx context.Context, projectID, fragmentID, request string) (*models.AgentRun, error) {
	if strings.TrimSpace(request) == "" {
		return nil, errors.New("request is required")
	}
	run := &models.AgentRun{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		FragmentID: fragmentID,
		Request:    request,
		Stage:      models.StagePlanning,
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}
	r.publish(run, "stage", "run created")
	return run, nil
}

// Run loads a run by ID.
func (r *Runner) Run(ctx context.Context, id string) (*models.AgentRun, error) {
	var run models.AgentRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// Records returns the run's validation history in execution order.
func (r *Runner) Records(ctx context.Context, runID string) ([]models.ValidationRecord, error) {
	var records []models.ValidationRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// Advance drives the run until it reaches a terminal stage or defers on a
// transient admission denial. Pipeline failures mark the run Error rather
// than returning an error; only store faults propagate.
func (r *Runner) Advance(ctx context.Context, runID string) error {
	run, err := r.Run(ctx, runID)
	if err != nil {
		return err
	}
	if run.Stage.Terminal() {
		return nil
	}
	return r.advance(ctx, run, true)
}

func (r *Runner) advance(ctx context.Context, run *models.AgentRun, deferOnDenial bool) error {
	for !run.Stage.Terminal() {
		var err error
		switch run.Stage {
		case models.StagePlanning:
			err = r.plan(ctx, run)
		case models.StageCoding:
			err = r.code(ctx, run, run.RepairCount > 0)
		case models.StageRepairing:
			err = r.setStage(ctx, run, models.StageCoding)
		case models.StageValidating:
			err = r.validate(ctx, run)
		default:
			err = fmt.Errorf("run %s in unknown stage %s", run.ID, run.Stage)
		}
		if err == nil {
			continue
		}

		if isTransientDenial(err) {
			if !deferOnDenial {
				return err
			}
			return r.deferRun(ctx, run, err)
		}
		return r.fail(ctx, run, err)
	}
	return nil
}

func (r *Runner) plan(ctx context.Context, run *models.AgentRun) error {
	if run.Stack == "" {
		if err := r.admitGenerate(ctx); err != nil {
			return err
		}
		stack, err := r.selector.Select(ctx, run.Request)
		if err != nil {
			return err
		}
		if err := r.update(ctx, run, map[string]interface{}{"stack": stack.ID}); err != nil {
			return err
		}
		run.Stack = stack.ID
		r.publish(run, "stage", "selected stack "+stack.ID)
	}

	stack, ok := StackByID(run.Stack)
	if !ok {
		return fmt.Errorf("run references unknown stack %q", run.Stack)
	}

	if err := r.admitGenerate(ctx); err != nil {
		return err
	}
	plan, err := r.planner.CreatePlan(ctx, run.Request, stack)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if err := r.update(ctx, run, map[string]interface{}{"plan": string(raw)}); err != nil {
		return err
	}
	run.Plan = string(raw)
	r.publish(run, "stage", fmt.Sprintf("planned %d steps", len(plan.Steps)))
	return r.setStage(ctx, run, models.StageCoding)
}

func (r *Runner) code(ctx context.Context, run *models.AgentRun, repair bool) error {
	stack, ok := StackByID(run.Stack)
	if !ok {
		return fmt.Errorf("run references unknown stack %q", run.Stack)
	}
	var plan Plan
	if err := json.Unmarshal([]byte(run.Plan), &plan); err != nil {
		return fmt.Errorf("run has no usable plan: %w", err)
	}

	var repairReport *sandbox.Report
	if repair {
		report, err := r.lastFailedReport(ctx, run.ID)
		if err != nil {
			return err
		}
		repairReport = report
	}

	if err := r.admitGenerate(ctx); err != nil {
		return err
	}
	files, err := r.coder.GenerateFiles(ctx, run.Request, stack, &plan, repairReport)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}
	if err := r.update(ctx, run, map[string]interface{}{"files": string(raw)}); err != nil {
		return err
	}
	run.Files = string(raw)
	r.publish(run, "stage", fmt.Sprintf("generated %d files", len(files)))
	return r.setStage(ctx, run, models.StageValidating)
}

func (r *Runner) validate(ctx context.Context, run *models.AgentRun) error {
	sess, err := r.manager.Provision(ctx, run.FragmentID, run.ProjectID)
	if err != nil {
		return err
	}

	var files map[string]string
	if err := json.Unmarshal([]byte(run.Files), &files); err != nil {
		return fmt.Errorf("run has no usable file set: %w", err)
	}
	if err := r.manager.WriteFiles(ctx, sess, files); err != nil {
		return err
	}

	stack, ok := StackByID(run.Stack)
	if !ok {
		return fmt.Errorf("run references unknown stack %q", run.Stack)
	}

	sink := &eventSink{runID: run.ID, stage: run.Stage, bus: r.bus}
	for _, cmd := range stack.ValidationCommands {
		report, err := r.manager.Run(ctx, sess, cmd, sink)
		if err != nil {
			return err
		}

		record := models.ValidationRecord{
			RunID:    run.ID,
			Command:  cmd,
			Stdout:   report.Stdout,
			Stderr:   report.Stderr,
			ExitCode: report.ExitCode,
			Passed:   report.Passed,
		}
		if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to persist validation record: %w", err)
		}

		if !report.Passed {
			return r.repair(ctx, run, report)
		}
	}

	r.archive(run.ID)
	telemetry.RecordRepairCycles(run.RepairCount)
	r.publish(run, "stage", "validation passed")
	return r.setStage(ctx, run, models.StageDone)
}

// repair decides between another coding cycle and Error after a failed
// validation. The repair budget is enforced here and nowhere else.
func (r *Runner) repair(ctx context.Context, run *models.AgentRun, report *sandbox.Report) error {
	summary := fmt.Sprintf("%s failed with exit %d", report.Command, report.ExitCode)
	if report.TimedOut {
		summary = fmt.Sprintf("%s exceeded its time budget", report.Command)
	}

	next := run.RepairCount + 1
	if next > r.repairBudget {
		r.archive(run.ID)
		telemetry.RecordRepairCycles(run.RepairCount)
		return fmt.Errorf("%w after %d cycles: %s", ErrRepairBudgetExhausted, r.repairBudget, summary)
	}

	if err := r.update(ctx, run, map[string]interface{}{
		"repair_count": next,
		"last_error":   summary,
	}); err != nil {
		return err
	}
	run.RepairCount = next
	run.LastError = summary
	r.publish(run, "stage", fmt.Sprintf("repair cycle %d/%d: %s", next, r.repairBudget, summary))
	return r.setStage(ctx, run, models.StageRepairing)
}

func (r *Runner) lastFailedReport(ctx context.Context, runID string) (*sandbox.Report, error) {
	var record models.ValidationRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND passed = ?", runID, false).
		Order("id DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sandbox.Report{
		Command:  record.Command,
		Stdout:   record.Stdout,
		Stderr:   record.Stderr,
		ExitCode: record.ExitCode,
	}, nil
}

// deferRun parks the run as an agent_resume job. The run keeps its current
// stage; the sweep replays it once admission frees up.
func (r *Runner) deferRun(ctx context.Context, run *models.AgentRun, cause error) error {
	jobID, err := r.queue.Enqueue(ctx, OpResume, ResumePayload{RunID: run.ID})
	if err != nil {
		return fmt.Errorf("failed to defer run: %w", err)
	}
	r.publish(run, "deferred", cause.Error())
	r.log.Info("Agent run deferred",
		zap.String("run_id", run.ID),
		zap.String("stage", string(run.Stage)),
		zap.String("job_id", jobID),
		zap.String("reason", cause.Error()))
	return nil
}

func (r *Runner) fail(ctx context.Context, run *models.AgentRun, cause error) error {
	telemetry.RecordError(string(run.Stage), "pipeline")
	if err := r.update(ctx, run, map[string]interface{}{"last_error": cause.Error()}); err != nil {
		return err
	}
	run.LastError = cause.Error()
	r.publish(run, "error", cause.Error())
	r.log.Error("Agent run failed",
		zap.String("run_id", run.ID),
		zap.String("stage", string(run.Stage)),
		zap.Error(cause))
	return r.setStage(ctx, run, models.StageError)
}

func (r *Runner) setStage(ctx context.Context, run *models.AgentRun, next models.RunStage) error {
	if err := r.update(ctx, run, map[string]interface{}{"stage": next}); err != nil {
		return err
	}
	run.Stage = next
	telemetry.RecordRunStage(string(next))
	r.publish(run, "stage", "entered "+string(next))
	return nil
}

func (r *Runner) update(ctx context.Context, run *models.AgentRun, fields map[string]interface{}) error {
	if err := r.db.WithContext(ctx).Model(run).Updates(fields).Error; err != nil {
		return fmt.Errorf("failed to persist run update: %w", err)
	}
	return nil
}

func (r *Runner) admitGenerate(ctx context.Context) error {
	dec, err := r.limiter.Admit(ctx, OpGenerate)
	if err != nil {
		return fmt.Errorf("admission check failed: %w", err)
	}
	telemetry.RecordAdmission(OpGenerate, dec.Allowed)
	if !dec.Allowed {
		return fmt.Errorf("%w: retry in %s", ratelimit.ErrRateLimited, dec.RetryAfter.Round(time.Second))
	}
	return nil
}

func (r *Runner) publish(run *models.AgentRun, kind, message string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(telemetry.RunEvent{
		RunID:     run.ID,
		Stage:     string(run.Stage),
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// archive ships the run's validation history to the audit store, best effort.
func (r *Runner) archive(runID string) {
	if r.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		records, err := r.Records(ctx, runID)
		if err != nil || len(records) == 0 {
			return
		}
		if err := r.archiver.ArchiveRun(ctx, runID, records); err != nil {
			r.log.Warn("Validation report archive failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

func isTransientDenial(err error) bool {
	return errors.Is(err, ratelimit.ErrRateLimited) || errors.Is(err, breaker.ErrCircuitOpen)
}

// eventSink forwards live command output onto the run's event stream.
type eventSink struct {
	runID string
	stage models.RunStage
	bus   *telemetry.Bus
}

func (s *eventSink) Stdout(p []byte) { s.emit("stdout", p) }
func (s *eventSink) Stderr(p []byte) { s.emit("stderr", p) }

func (s *eventSink) emit(kind string, p []byte) {
	if s.bus == nil || len(p) == 0 {
		return
	}
	s.bus.Publish(telemetry.RunEvent{
		RunID:     s.runID,
		Stage:     string(s.stage),
		Kind:      kind,
		Message:   string(p),
		Timestamp: time.Now(),
	})
}
