package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/internal/application/workers"
	"github.com/aescanero/stepflow/internal/plan"
	"github.com/aescanero/stepflow/pkg/adapters/decision"
	"github.com/aescanero/stepflow/pkg/adapters/storage/memory"
	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatedPlan = `
id: nightly
steps:
  - id: collect
    kind: calculate
    expression: "6 * 7"
  - id: publish
    kind: review
    approval: plan
    summary: publish the numbers
    depends_on: [collect]
`

type testEnv struct {
	server    *Server
	manager   *orchestrator.Manager
	approvals *decision.Queue
	pool      *workers.Pool
}

func newTestEnv(t *testing.T, token string, startPool bool) *testEnv {
	t.Helper()

	approvals := decision.NewQueue(nil)
	runner := orchestrator.NewRunner(orchestrator.NewApprovalPolicy(), approvals)
	manager := orchestrator.NewManager(runner, memory.NewInMemoryJobStorage(0), nil, nil, nil, 4, time.Minute)
	pool := workers.NewPool(1, manager, nil, nil, time.Minute)
	if startPool {
		require.NoError(t, pool.Start())
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
		_ = pool.Shutdown(ctx)
	})

	server := NewServer(&Config{
		Orchestrator: manager,
		Plans:        plan.NewLoader(nil, nil, plan.WithAllowedDSNs()),
		Approvals:    approvals,
		Pool:         pool,
		Gatherer:     prometheus.NewRegistry(),
		APIToken:     token,
	})
	return &testEnv{server: server, manager: manager, approvals: approvals, pool: pool}
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type approvalList struct {
	Approvals []decision.PendingApproval `json:"approvals"`
	Total     int                        `json:"total"`
}

func TestServer_SubmitRefusesHostConnectors(t *testing.T) {
	env := newTestEnv(t, "", false)
	path := filepath.Join(t.TempDir(), "host.db")

	doc := "id: wf\nconnectors:\n  db: {dsn: '" + path + "', init: ['CREATE TABLE t (x INTEGER)']}\nsteps:\n  - {id: a, kind: review}\n"
	w := env.do(http.MethodPost, "/api/v1/runs", doc)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_PLAN")
	assert.Contains(t, w.Body.String(), "connector db not allowed")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	doc = "id: wf\nconnectors:\n  db: {dsn: ':memory:', init: ['CREATE TABLE t (x INTEGER)']}\nsteps:\n  - {id: a, kind: review}\n"
	w = env.do(http.MethodPost, "/api/v1/runs", doc)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestServer_RunWithApproval(t *testing.T) {
	env := newTestEnv(t, "", true)

	created := env.do(http.MethodPost, "/api/v1/runs", gatedPlan)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	submitted := decode[RunSubmitResponse](t, created)
	assert.Equal(t, "nightly", submitted.WorkflowID)
	assert.Equal(t, domain.JobStatusPending, submitted.Status)

	var pending approvalList
	require.Eventually(t, func() bool {
		pending = decode[approvalList](t, env.do(http.MethodGet, "/api/v1/approvals?workflow_id=nightly", ""))
		return pending.Total == 1
	}, 2*time.Second, 10*time.Millisecond)
	req := pending.Approvals[0].Request
	assert.Equal(t, "publish", req.StepID)
	assert.Equal(t, domain.ApprovalTypePlan, req.ApprovalType)

	assert.Eventually(t, func() bool {
		record := decode[domain.JobRecord](t, env.do(http.MethodGet, "/api/v1/runs/"+submitted.JobID, ""))
		return record.Status == domain.JobStatusWaitingForApproval
	}, time.Second, 10*time.Millisecond)

	w := env.do(http.MethodGet, "/api/v1/approvals/"+req.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/v1/approvals/"+req.ID+"/approve", `{"actor_id":"alice","reason":"ok"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		record := decode[domain.JobRecord](t, env.do(http.MethodGet, "/api/v1/runs/"+submitted.JobID, ""))
		return record.Status == domain.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	record := decode[domain.JobRecord](t, env.do(http.MethodGet, "/api/v1/runs/"+submitted.JobID, ""))
	assert.Equal(t, []string{"collect", "publish"}, record.Completed)

	runs := decode[struct {
		Total int `json:"total"`
	}](t, env.do(http.MethodGet, "/api/v1/runs?status=completed", ""))
	assert.Equal(t, 1, runs.Total)

	audit := decode[struct {
		Records []domain.ApprovalAuditRecord `json:"records"`
		Total   int                          `json:"total"`
	}](t, env.do(http.MethodGet, "/api/v1/audit?workflow_id=nightly", ""))
	require.Equal(t, 1, audit.Total)
	assert.Equal(t, "alice", audit.Records[0].Decision.ActorID)
	assert.True(t, audit.Records[0].Decision.Approved)
}

func TestServer_DenyRun(t *testing.T) {
	env := newTestEnv(t, "", true)

	submitted := decode[RunSubmitResponse](t, env.do(http.MethodPost, "/api/v1/runs", gatedPlan))

	var pending approvalList
	require.Eventually(t, func() bool {
		pending = decode[approvalList](t, env.do(http.MethodGet, "/api/v1/approvals", ""))
		return pending.Total == 1
	}, 2*time.Second, 10*time.Millisecond)
	id := pending.Approvals[0].Request.ID

	w := env.do(http.MethodPost, "/api/v1/approvals/"+id+"/deny", `{"reason":"no actor"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/approvals/"+id+"/deny", `{"actor_id":"bob","reason":"not today"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		record := decode[domain.JobRecord](t, env.do(http.MethodGet, "/api/v1/runs/"+submitted.JobID, ""))
		return record.Status == domain.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	record := decode[domain.JobRecord](t, env.do(http.MethodGet, "/api/v1/runs/"+submitted.JobID, ""))
	assert.Equal(t, "publish", record.FailedStep)
	assert.Contains(t, record.Error, "approval denied for step publish by bob")
}

func TestServer_CancelRun(t *testing.T) {
	env := newTestEnv(t, "", false)

	submitted := decode[RunSubmitResponse](t, env.do(http.MethodPost, "/api/v1/runs", gatedPlan))

	w := env.do(http.MethodPost, "/api/v1/runs/"+submitted.JobID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelling", decode[map[string]any](t, w)["status"])

	w = env.do(http.MethodPost, "/api/v1/runs/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_SubmitErrors(t *testing.T) {
	env := newTestEnv(t, "", false)

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "empty body", body: "", code: "INVALID_REQUEST"},
		{name: "no steps", body: "id: wf\n", code: "INVALID_PLAN"},
		{name: "query without agent", body: "steps:\n  - {id: q, kind: query, goal: g}\n", code: "INVALID_PLAN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Error.Code)
		})
	}
}

func TestServer_NotFound(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodGet, "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, w).Error.Code)

	w = env.do(http.MethodGet, "/api/v1/approvals/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/api/v1/approvals/missing/approve", `{"actor_id":"alice"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[map[string]any](t, w)["status"])

	require.NoError(t, env.pool.Start())
	w = env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	workersResp := decode[struct {
		Workers []workers.WorkerInfo `json:"workers"`
	}](t, env.do(http.MethodGet, "/api/v1/workers", ""))
	require.Len(t, workersResp.Workers, 1)
	assert.Equal(t, "worker-0", workersResp.Workers[0].ID)
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Auth(t *testing.T) {
	env := newTestEnv(t, "s3cret", false)

	w := env.do(http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, w).Error.Code)

	w = env.do(http.MethodGet, "/api/v1/runs", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/api/v1/runs", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	// health stays public
	w = env.do(http.MethodGet, "/health", "")
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodOptions, "/api/v1/runs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_WithoutOptionalComponents(t *testing.T) {
	runner := orchestrator.NewRunner(orchestrator.NewApprovalPolicy(), decision.AutoApprove("ci"))
	manager := orchestrator.NewManager(runner, memory.NewInMemoryJobStorage(0), nil, nil, nil, 1, 0)
	server := NewServer(&Config{Orchestrator: manager, Gatherer: prometheus.NewRegistry()})

	for _, path := range []string{"/api/v1/approvals", "/api/v1/workers"} {
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(gatedPlan)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
