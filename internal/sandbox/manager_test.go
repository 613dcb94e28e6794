package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"appforge/internal/breaker"
	"appforge/internal/config"
	"appforge/internal/jobs"
	"appforge/internal/ratelimit"
	"appforge/pkg/models"
)

type fakeService struct {
	mu        sync.Mutex
	created   int
	destroyed []string
	createErr error
	runResult *Report
	runErr    error
}

func (f *fakeService) Create(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return fmt.Sprintf("handle-%d", f.created), nil
}

func (f *fakeService) RunCommand(_ context.Context, _, command string, sink Sink) (*Report, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.runResult != nil {
		r := *f.runResult
		r.Command = command
		return &r, nil
	}
	if sink != nil {
		sink.Stdout([]byte("ok\n"))
	}
	return &Report{Command: command, Stdout: "ok\n", ExitCode: 0, Passed: true}, nil
}

func (f *fakeService) WriteFiles(_ context.Context, _ string, _ map[string]string) error {
	return nil
}

func (f *fakeService) Destroy(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, handle)
	return nil
}

type managerFixture struct {
	mgr        *Manager
	svc        *fakeService
	queue      *jobs.Queue
	dispatcher *jobs.Dispatcher
	store      *ratelimit.MemoryStore
	db         *gorm.DB
}

func newFixture(t *testing.T, createLimit int) *managerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.SandboxSession{}, &models.PendingJob{}))

	store := ratelimit.NewMemoryStore()
	limiter := ratelimit.New(store, time.Minute,
		map[string]int{OpCreate: createLimit, OpCommand: 100}, 100)
	brk := breaker.New(breaker.NewMemoryStore(), breaker.Config{FailureThreshold: 5})

	queue := jobs.New(db, limiter, brk, 5)
	dispatcher := jobs.NewDispatcher()
	queue.SetExecutor(dispatcher)

	svc := &fakeService{}
	mgr := NewManager(db, svc, limiter, brk, queue, config.SandboxConfig{
		CreateTimeout:  time.Second,
		CommandTimeout: time.Second,
	})
	mgr.RegisterJobHandler(dispatcher)

	return &managerFixture{mgr: mgr, svc: svc, queue: queue, dispatcher: dispatcher, store: store, db: db}
}

func TestGetOrCreateReusesRunningSession(t *testing.T) {
	fx := newFixture(t, 10)
	ctx := context.Background()

	first, jobID, err := fx.mgr.GetOrCreate(ctx, "frag-1", "proj-1")
	require.NoError(t, err)
	require.Empty(t, jobID)
	require.Equal(t, models.SessionRunning, first.Status)

	second, jobID, err := fx.mgr.GetOrCreate(ctx, "frag-1", "proj-1")
	require.NoError(t, err)
	require.Empty(t, jobID)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, fx.svc.created)
}

func TestConcurrentCreatesHonorLimitAndDeferOverflow(t *testing.T) {
	fx := newFixture(t, 2)
	ctx := context.Background()

	type outcome struct {
		sess  *models.SandboxSession
		jobID string
		err   error
	}
	results := make(chan outcome, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s, j, err := fx.mgr.GetOrCreate(ctx, fmt.Sprintf("frag-%d", n), "proj-1")
			results <- outcome{s, j, err}
		}(i)
	}
	wg.Wait()
	close(results)

	var created, deferred int
	for r := range results {
		require.NoError(t, r.err)
		if r.sess != nil {
			created++
		} else {
			require.NotEmpty(t, r.jobID)
			deferred++
		}
	}
	require.Equal(t, 2, created)
	require.Equal(t, 1, deferred)

	// Next window: the sweep replays the deferred create to completion.
	fx.store.SetNow(func() time.Time { return time.Now().Add(2 * time.Minute) })
	processed, err := fx.queue.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	var sessions int64
	require.NoError(t, fx.db.Model(&models.SandboxSession{}).
		Where("status = ?", models.SessionRunning).Count(&sessions).Error)
	require.EqualValues(t, 3, sessions)

	var job models.PendingJob
	require.NoError(t, fx.db.First(&job).Error)
	require.Equal(t, models.JobCompleted, job.Status)
}

func TestProvisionMarksSessionFailedOnUpstreamError(t *testing.T) {
	fx := newFixture(t, 10)
	fx.svc.createErr = errors.New("connection refused")

	_, err := fx.mgr.Provision(context.Background(), "frag-1", "proj-1")
	require.Error(t, err)

	var sess models.SandboxSession
	require.NoError(t, fx.db.First(&sess).Error)
	require.Equal(t, models.SessionFailed, sess.Status)
}

func TestRunDeniedSurfacesRateLimit(t *testing.T) {
	fx := newFixture(t, 10)
	ctx := context.Background()

	sess, _, err := fx.mgr.GetOrCreate(ctx, "frag-1", "proj-1")
	require.NoError(t, err)

	// Exhaust the command window.
	for i := 0; i < 100; i++ {
		_, err := fx.mgr.Run(ctx, sess, "true", nil)
		require.NoError(t, err)
	}
	_, err = fx.mgr.Run(ctx, sess, "true", nil)
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
}

func TestRunReportsTimeoutAsFailedReport(t *testing.T) {
	fx := newFixture(t, 10)
	ctx := context.Background()

	sess, _, err := fx.mgr.GetOrCreate(ctx, "frag-1", "proj-1")
	require.NoError(t, err)

	fx.svc.runResult = &Report{ExitCode: -1, TimedOut: true}
	report, err := fx.mgr.Run(ctx, sess, "sleep 600", nil)
	require.NoError(t, err)
	require.True(t, report.TimedOut)
	require.False(t, report.Passed)
}

func TestStopDestroysUpstreamAndIsIdempotent(t *testing.T) {
	fx := newFixture(t, 10)
	ctx := context.Background()

	sess, _, err := fx.mgr.GetOrCreate(ctx, "frag-1", "proj-1")
	require.NoError(t, err)

	require.NoError(t, fx.mgr.Stop(ctx, sess))
	require.Equal(t, models.SessionStopped, sess.Status)
	require.Len(t, fx.svc.destroyed, 1)

	// Second stop is a no-op, not a resurrection or an error.
	require.NoError(t, fx.mgr.Stop(ctx, sess))
	require.Len(t, fx.svc.destroyed, 1)
}

func TestTransferMovesOwnershipWithoutDestroying(t *testing.T) {
	fx := newFixture(t, 10)
	ctx := context.Background()

	sess, _, err := fx.mgr.GetOrCreate(ctx, "frag-1", "proj-1")
	require.NoError(t, err)

	require.NoError(t, fx.mgr.Transfer(ctx, sess, "frag-2"))
	require.Equal(t, "frag-2", sess.OwnerFragmentID)
	require.Empty(t, fx.svc.destroyed)

	reused, jobID, err := fx.mgr.GetOrCreate(ctx, "frag-2", "proj-1")
	require.NoError(t, err)
	require.Empty(t, jobID)
	require.Equal(t, sess.ID, reused.ID)
}

func TestTransferRejectsFragmentWithRunningSession(t *testing.T) {
	fx := newFixture(t, 10)
	ctx := context.Background()

	a, _, err := fx.mgr.GetOrCreate(ctx, "frag-a", "proj-1")
	require.NoError(t, err)
	_, _, err = fx.mgr.GetOrCreate(ctx, "frag-b", "proj-1")
	require.NoError(t, err)

	require.Error(t, fx.mgr.Transfer(ctx, a, "frag-b"))
	require.Equal(t, "frag-a", a.OwnerFragmentID)
}

func TestCreateShortCircuitsWhileBreakerOpen(t *testing.T) {
	fx := newFixture(t, 10)
	ctx := context.Background()

	// Five consecutive upstream failures open the circuit.
	fx.svc.createErr = errors.New("connection refused")
	for i := 0; i < 5; i++ {
		_, err := fx.mgr.Provision(ctx, fmt.Sprintf("frag-%d", i), "proj-1")
		require.Error(t, err)
	}

	fx.svc.createErr = nil
	_, err := fx.mgr.Provision(ctx, "frag-next", "proj-1")
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	require.Equal(t, 0, fx.svc.created)
}
