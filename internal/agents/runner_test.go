package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"appforge/internal/breaker"
	"appforge/internal/config"
	"appforge/internal/jobs"
	"appforge/internal/llm"
	"appforge/internal/ratelimit"
	"appforge/internal/sandbox"
	"appforge/internal/telemetry"
	"appforge/pkg/models"
)

// fakeGen answers each pipeline stage by recognizing its prompt shape.
type fakeGen struct {
	mu           sync.Mutex
	selectorOut  string
	coderPrompts []string
	calls        int
}

func (g *fakeGen) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	switch {
	case strings.Contains(req.Prompt, "Classify the following"):
		out := g.selectorOut
		if out == "" {
			out = "nextjs"
		}
		return &llm.Response{Content: out}, nil
	case strings.Contains(req.Prompt, "Decompose the following"):
		return &llm.Response{Content: `{"steps":["scaffold project","add pages"],"assumptions":["no auth"],"risks":[]}`}, nil
	default:
		g.coderPrompts = append(g.coderPrompts, req.Prompt)
		return &llm.Response{Content: `{"files":[{"path":"package.json","content":"{}"},{"path":"app/page.tsx","content":"export default function Page(){return null}"}]}`}, nil
	}
}

// fakeRunService passes or fails validation commands from a script; once the
// script is exhausted it keeps returning the final default.
type fakeRunService struct {
	mu      sync.Mutex
	script  []bool // per-command: true = pass
	failAll bool
	handles int
}

func (f *fakeRunService) Create(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles++
	return fmt.Sprintf("handle-%d", f.handles), nil
}

func (f *fakeRunService) WriteFiles(_ context.Context, _ string, _ map[string]string) error {
	return nil
}

func (f *fakeRunService) RunCommand(_ context.Context, _, command string, _ sandbox.Sink) (*sandbox.Report, error) {
	f.mu.Lock()
	pass := !f.failAll
	if len(f.script) > 0 {
		pass = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	report := &sandbox.Report{Command: command, Passed: pass}
	if !pass {
		report.ExitCode = 1
		report.Stderr = "error TS2304: Cannot find name 'foo'."
	}
	return report, nil
}

func (f *fakeRunService) Destroy(_ context.Context, _ string) error { return nil }

type runnerFixture struct {
	runner *Runner
	gen    *fakeGen
	svc    *fakeRunService
	queue  *jobs.Queue
	store  *ratelimit.MemoryStore
	db     *gorm.DB
}

func newRunnerFixture(t *testing.T, llmLimit, repairBudget int) *runnerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.SandboxSession{}, &models.PendingJob{},
		&models.AgentRun{}, &models.ValidationRecord{}))

	store := ratelimit.NewMemoryStore()
	limiter := ratelimit.New(store, time.Minute, map[string]int{
		sandbox.OpCreate:  100,
		sandbox.OpCommand: 100,
		OpGenerate:        llmLimit,
	}, 100)
	brk := breaker.New(breaker.NewMemoryStore(), breaker.Config{FailureThreshold: 5})

	queue := jobs.New(db, limiter, brk, 5)
	dispatcher := jobs.NewDispatcher()
	queue.SetExecutor(dispatcher)

	svc := &fakeRunService{}
	mgr := sandbox.NewManager(db, svc, limiter, brk, queue, config.SandboxConfig{
		CreateTimeout:  time.Second,
		CommandTimeout: time.Second,
	})
	mgr.RegisterJobHandler(dispatcher)

	gen := &fakeGen{}
	runner := NewRunner(db, gen, mgr, limiter, queue, telemetry.NewBus(), nil,
		config.AgentsConfig{RepairBudget: repairBudget, MalformedRetries: 2})
	runner.RegisterJobHandler(dispatcher)

	return &runnerFixture{runner: runner, gen: gen, svc: svc, queue: queue, store: store, db: db}
}

func TestRunCompletesWithoutRepairs(t *testing.T) {
	fx := newRunnerFixture(t, 100, 3)
	ctx := context.Background()

	run, err := fx.runner.Start(ctx, "proj-1", "frag-1", "a todo list app")
	require.NoError(t, err)
	require.NoError(t, fx.runner.Advance(ctx, run.ID))

	got, err := fx.runner.Run(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageDone, got.Stage)
	require.Equal(t, "nextjs", got.Stack)
	require.Zero(t, got.RepairCount)

	records, err := fx.runner.Records(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		require.True(t, rec.Passed)
	}
}

func TestRunRepairsOnceThenCompletes(t *testing.T) {
	fx := newRunnerFixture(t, 100, 3)
	ctx := context.Background()

	// First validation fails its opening command; everything after passes.
	fx.svc.script = []bool{false}

	run, err := fx.runner.Start(ctx, "proj-1", "frag-1", "a todo list app")
	require.NoError(t, err)
	require.NoError(t, fx.runner.Advance(ctx, run.ID))

	got, err := fx.runner.Run(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageDone, got.Stage)
	require.Equal(t, 1, got.RepairCount)

	// The repair-cycle coder prompt carries the captured failure output.
	require.Len(t, fx.gen.coderPrompts, 2)
	require.Contains(t, fx.gen.coderPrompts[1], "previous attempt failed validation")
	require.Contains(t, fx.gen.coderPrompts[1], "TS2304")

	records, err := fx.runner.Records(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 4) // 1 failed + 3 passed
	require.False(t, records[0].Passed)
}

func TestRunFailsAfterRepairBudgetExhausted(t *testing.T) {
	fx := newRunnerFixture(t, 100, 2)
	ctx := context.Background()

	fx.svc.failAll = true

	run, err := fx.runner.Start(ctx, "proj-1", "frag-1", "a todo list app")
	require.NoError(t, err)
	require.NoError(t, fx.runner.Advance(ctx, run.ID))

	got, err := fx.runner.Run(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageError, got.Stage)
	require.Equal(t, 2, got.RepairCount)
	require.Contains(t, got.LastError, "repair budget exhausted")

	// Initial attempt plus exactly two repair cycles, never more.
	require.Len(t, fx.gen.coderPrompts, 3)
}

func TestRunDefersOnGenerationRateLimitAndResumes(t *testing.T) {
	// Budget of one generation: the selector is admitted, the planner is
	// denied, and the run parks as a resume job.
	fx := newRunnerFixture(t, 1, 3)
	ctx := context.Background()

	run, err := fx.runner.Start(ctx, "proj-1", "frag-1", "a todo list app")
	require.NoError(t, err)
	require.NoError(t, fx.runner.Advance(ctx, run.ID))

	got, err := fx.runner.Run(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.StagePlanning, got.Stage)

	var job models.PendingJob
	require.NoError(t, fx.db.First(&job, "operation_type = ?", OpResume).Error)
	require.Equal(t, models.JobPending, job.Status)

	// One generation per window: the planner and the coder each need a
	// fresh window, so the run completes over successive sweeps. A denial
	// mid-replay releases the claim without burning an attempt.
	for i := 1; i <= 3; i++ {
		offset := time.Duration(i) * 2 * time.Minute
		fx.store.SetNow(func() time.Time { return time.Now().Add(offset) })
		_, err = fx.queue.Sweep(ctx)
		require.NoError(t, err)
	}

	got, err = fx.runner.Run(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageDone, got.Stage)

	require.NoError(t, fx.db.First(&job, "operation_type = ?", OpResume).Error)
	require.Equal(t, models.JobCompleted, job.Status)
	require.Zero(t, job.Attempts) // denials released the claim, never burned an attempt
}

func TestSelectorRetriesMalformedThenFailsHard(t *testing.T) {
	gen := &scriptedGen{outputs: []string{"flask", "django", "rails"}}
	sel := NewSelector(gen, 2)

	_, err := sel.Select(context.Background(), "a blog")
	require.ErrorIs(t, err, ErrMalformedOutput)
	require.Equal(t, 3, gen.calls)
}

func TestSelectorAcceptsIdentifierAfterRetry(t *testing.T) {
	gen := &scriptedGen{outputs: []string{"i'd suggest flask", "react-vite"}}
	sel := NewSelector(gen, 2)

	stack, err := sel.Select(context.Background(), "a dashboard")
	require.NoError(t, err)
	require.Equal(t, "react-vite", stack.ID)
	require.Equal(t, 2, gen.calls)
}

func TestSelectorExtractsIdentifierFromProse(t *testing.T) {
	gen := &scriptedGen{outputs: []string{"The best fit here is `static-site`."}}
	sel := NewSelector(gen, 0)

	stack, err := sel.Select(context.Background(), "a landing page")
	require.NoError(t, err)
	require.Equal(t, "static-site", stack.ID)
}

func TestCoderRejectsTraversalPaths(t *testing.T) {
	out := coderOutput{}
	require.NoError(t, json.Unmarshal([]byte(
		`{"files":[{"path":"../etc/passwd","content":"x"}]}`), &out))
	_, err := validateFiles(out)
	require.Error(t, err)
}

type scriptedGen struct {
	outputs []string
	calls   int
}

func (g *scriptedGen) Generate(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	out := "nextjs"
	if g.calls < len(g.outputs) {
		out = g.outputs[g.calls]
	}
	g.calls++
	return &llm.Response{Content: out}, nil
}
