package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"appforge/internal/agents"
	"appforge/internal/auth"
	"appforge/internal/breaker"
	"appforge/internal/config"
	"appforge/internal/jobs"
	"appforge/internal/llm"
	"appforge/internal/ratelimit"
	"appforge/internal/sandbox"
	"appforge/internal/telemetry"
	"appforge/pkg/models"
)

type stubGen struct{}

func (stubGen) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	switch {
	case strings.Contains(req.Prompt, "Classify the following"):
		return &llm.Response{Content: "static-site"}, nil
	case strings.Contains(req.Prompt, "Decompose the following"):
		return &llm.Response{Content: `{"steps":["write index.html"],"assumptions":[],"risks":[]}`}, nil
	default:
		return &llm.Response{Content: `{"files":[{"path":"index.html","content":"<html></html>"}]}`}, nil
	}
}

type stubService struct{}

func (stubService) Create(context.Context) (string, error) { return "handle-1", nil }
func (stubService) WriteFiles(context.Context, string, map[string]string) error {
	return nil
}
func (stubService) RunCommand(_ context.Context, _, command string, _ sandbox.Sink) (*sandbox.Report, error) {
	return &sandbox.Report{Command: command, ExitCode: 0, Passed: true}, nil
}
func (stubService) Destroy(context.Context, string) error { return nil }

func newTestServer(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.SandboxSession{}, &models.PendingJob{},
		&models.AgentRun{}, &models.ValidationRecord{}))

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), time.Minute, map[string]int{
		sandbox.OpCreate:  10,
		sandbox.OpCommand: 100,
		agents.OpGenerate: 100,
	}, 100)
	brk := breaker.New(breaker.NewMemoryStore(), breaker.Config{FailureThreshold: 5})
	queue := jobs.New(db, limiter, brk, 5)
	dispatcher := jobs.NewDispatcher()
	queue.SetExecutor(dispatcher)

	mgr := sandbox.NewManager(db, stubService{}, limiter, brk, queue, config.SandboxConfig{})
	mgr.RegisterJobHandler(dispatcher)

	bus := telemetry.NewBus()
	runner := agents.NewRunner(db, stubGen{}, mgr, limiter, queue, bus, nil, config.AgentsConfig{})
	runner.RegisterJobHandler(dispatcher)

	h := NewHandler(runner, mgr, queue, limiter, brk, bus, nil)
	return NewRouter(h, auth.NoopAuthenticator{}), db
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer test")
	r.ServeHTTP(w, req)
	return w
}

func TestStartGenerationAcceptsAndRuns(t *testing.T) {
	r, db := newTestServer(t)

	w := doJSON(r, http.MethodPost, "/api/projects/proj-1/generations",
		`{"request":"a landing page","fragment_id":"frag-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Run models.AgentRun `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Run.ID)

	// The run advances on a background goroutine.
	require.Eventually(t, func() bool {
		var run models.AgentRun
		if err := db.First(&run, "id = ?", resp.Run.ID).Error; err != nil {
			return false
		}
		return run.Stage.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	w = doJSON(r, http.MethodGet, "/api/runs/"+resp.Run.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"done"`)
	require.Contains(t, w.Body.String(), "htmlhint")
}

func TestStartGenerationRejectsEmptyRequest(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(r, http.MethodPost, "/api/projects/proj-1/generations", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "INVALID_REQUEST")
}

func TestGetRunNotFound(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(r, http.MethodGet, "/api/runs/unknown", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "RUN_NOT_FOUND")
}

func TestHealthReportsAdmissionState(t *testing.T) {
	r, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Contains(t, body, "breaker")
	require.Contains(t, body, "rate_limits")
	require.Contains(t, body, "queue")
}

func TestStopSessionNotFound(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(r, http.MethodPost, "/api/sessions/unknown/stop", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "SESSION_NOT_FOUND")
}

func TestStreamEventsSendsSnapshotForFinishedRun(t *testing.T) {
	r, db := newTestServer(t)

	require.NoError(t, db.Create(&models.AgentRun{
		ID:         "run-finished",
		ProjectID:  "proj-1",
		FragmentID: "frag-1",
		Request:    "a landing page",
		Stage:      models.StageDone,
	}).Error)

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/run-finished/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer test"}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The terminal stage is read after subscribing, so a run that finished
	// before (or while) the client connected still gets its snapshot frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame struct {
		RunID string `json:"run_id"`
		Stage string `json:"stage"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "run-finished", frame.RunID)
	require.Equal(t, string(models.StageDone), frame.Stage)
}
