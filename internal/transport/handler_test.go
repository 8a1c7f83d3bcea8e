package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/claimflow/internal/catalog"
	"github.com/pitabwire/claimflow/internal/config"
	"github.com/pitabwire/claimflow/internal/idempotency"
	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/internal/openapi"
	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

// --- Test helpers ---

const subjectHeader = "X-Subject-Id"

type testEnv struct {
	router  chi.Router
	engine  *workflow.Engine
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, opts ...func(*Dependencies)) *testEnv {
	t.Helper()

	cfg := config.Defaults()
	cfg.Identity.Mode = config.IdentityHeader
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	store := workflow.NewMemoryWorkflowStore()
	broker := workflow.NewMemoryBroker(16)
	idem := idempotency.NewMemoryStore()
	engine := workflow.NewEngine(catalog.Default(), store,
		workflow.WithPublisher(broker),
		workflow.WithObserver(metrics),
	)
	api, err := openapi.Load(context.Background())
	require.NoError(t, err)

	deps := Dependencies{
		Config:      cfg,
		Logger:      zaptest.NewLogger(t),
		Engine:      engine,
		Catalog:     engine.Catalog(),
		Events:      broker,
		Idempotency: idem,
		API:         api,
		Metrics:     metrics,
		Gatherer:    reg,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded:    func() bool { return true },
			WorkflowStore:    store,
			IdempotencyStore: idem,
		},
		Authenticate: HeaderAuthenticator(subjectHeader),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testEnv{router: NewRouter(deps), engine: engine, metrics: metrics}
}

// do sends a request as alice unless header names another subject.
func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if _, ok := header[subjectHeader]; !ok {
		req.Header.Set(subjectHeader, "alice")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func as(subject string) http.Header {
	return http.Header{subjectHeader: []string{subject}}
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	return decodeJSON[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w).Error
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return errorOf(t, w).Code
}

func (e *testEnv) create(t *testing.T, name string) model.WorkflowInstance {
	t.Helper()
	w := e.do(t, "POST", "/api/workflows", `{"name":"`+name+`"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeJSON[model.WorkflowInstance](t, w)
}

// --- Step catalog ---

func TestListSteps(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/steps", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	steps := decodeJSON[[]model.StepDefinition](t, w)
	require.Len(t, steps, 7)
	names := make([]model.StepName, len(steps))
	for i, s := range steps {
		names[i] = s.Name
		assert.Equal(t, i+1, s.Order)
	}
	assert.Equal(t, []model.StepName{
		model.StepUpload, model.StepProcess, model.StepReview, model.StepClaims,
		model.StepMap, model.StepDecision, model.StepReports,
	}, names)
}

// --- Create ---

func TestCreateWorkflow(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "Kharif 2024 - District 4")

	assert.Equal(t, model.WorkflowStatusActive, inst.Status)
	assert.Equal(t, model.StepUpload, inst.CurrentStep)
	assert.Equal(t, "alice", inst.OwnerID)
	assert.Equal(t, 7, inst.TotalSteps)
	require.Len(t, inst.Steps, 7)
	assert.Equal(t, model.StepStatusInProgress, inst.Steps[0].Status)
	for _, s := range inst.Steps[1:] {
		assert.Equal(t, model.StepStatusPending, s.Status)
	}
	require.Len(t, inst.Transitions, 1)
	assert.Empty(t, inst.Transitions[0].FromStepID)
}

func TestCreateWorkflow_validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"missing name", `{"description":"x"}`, 422, model.ErrValidationError},
		{"blank name", `{"name":"   "}`, 422, model.ErrValidationError},
		{"unknown field", `{"name":"a","stage":"review"}`, 422, model.ErrValidationError},
		{"empty body", ``, 422, model.ErrValidationError},
		{"malformed JSON", `{"name":`, 400, model.ErrBadRequest},
		{"other owner", `{"name":"a","ownerId":"bob"}`, 403, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/workflows", tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}
}

func TestCreateWorkflow_validationDetails(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/workflows", `{"description":"x"}`, nil)

	ee := errorOf(t, w)
	require.NotEmpty(t, ee.Details)
	assert.Equal(t, model.FieldRequired, ee.Details[0].Code)
	assert.Contains(t, ee.Details[0].Field+ee.Details[0].Message, "name")
}

func TestCreateWorkflow_idempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	key := http.Header{"X-Idempotency-Key": []string{"upload-batch-7"}}

	first := env.do(t, "POST", "/api/workflows", `{"name":"Batch 7"}`, key)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decodeJSON[model.WorkflowInstance](t, first)

	replay := env.do(t, "POST", "/api/workflows", `{"name":"Batch 7"}`, key)
	require.Equal(t, http.StatusOK, replay.Code, replay.Body.String())
	assert.Equal(t, created.ID, decodeJSON[model.WorkflowInstance](t, replay).ID)

	changed := env.do(t, "POST", "/api/workflows", `{"name":"Batch 8"}`, key)
	assert.Equal(t, http.StatusConflict, changed.Code)
	assert.Equal(t, model.ErrConflict, errorCode(t, changed))

	// Keys are scoped to the caller.
	bobKey := as("bob")
	bobKey.Set("X-Idempotency-Key", "upload-batch-7")
	other := env.do(t, "POST", "/api/workflows", `{"name":"Batch 7"}`, bobKey)
	require.Equal(t, http.StatusCreated, other.Code)
	assert.NotEqual(t, created.ID, decodeJSON[model.WorkflowInstance](t, other).ID)

	list := decodeJSON[[]model.WorkflowInstance](t, env.do(t, "GET", "/api/workflows", "", nil))
	assert.Len(t, list, 1)

	lookups := env.metrics.IdempotencyLookupsTotal
	assert.Equal(t, 2.0, testutil.ToFloat64(lookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(lookups.WithLabelValues("replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(lookups.WithLabelValues("conflict")))
}

// slowCreateStore delays Create so concurrent requests overlap.
type slowCreateStore struct {
	*workflow.MemoryWorkflowStore
	delay time.Duration
}

func (s *slowCreateStore) Create(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	time.Sleep(s.delay)
	return s.MemoryWorkflowStore.Create(ctx, inst, events...)
}

func TestCreateWorkflow_idempotencyKeyConcurrent(t *testing.T) {
	store := &slowCreateStore{MemoryWorkflowStore: workflow.NewMemoryWorkflowStore(), delay: 20 * time.Millisecond}
	env := newTestEnv(t, func(d *Dependencies) {
		d.Engine = workflow.NewEngine(catalog.Default(), store)
	})
	key := http.Header{"X-Idempotency-Key": []string{"batch-9"}}

	const n = 8
	codes := make([]int, n)
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := env.do(t, "POST", "/api/workflows", `{"name":"Batch 9"}`, key)
			codes[i] = w.Code
			var inst model.WorkflowInstance
			if err := json.Unmarshal(w.Body.Bytes(), &inst); err == nil {
				ids[i] = inst.ID
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for i, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusOK:
		default:
			t.Errorf("request %d status = %d", i, code)
		}
		assert.Equal(t, ids[0], ids[i], "request %d got another workflow", i)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, store.Len())
}

func TestCreateWorkflow_failedCreateReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	key := http.Header{"X-Idempotency-Key": []string{"for-bob"}}
	body := `{"name":"Batch 3","ownerId":"bob"}`

	first := env.do(t, "POST", "/api/workflows", body, key)
	require.Equal(t, http.StatusForbidden, first.Code, first.Body.String())

	again := env.do(t, "POST", "/api/workflows", body, key)
	assert.Equal(t, http.StatusForbidden, again.Code, again.Body.String())
}

func TestCreateWorkflow_idempotencyKeyInFlight(t *testing.T) {
	defer func(wait time.Duration) { inFlightWait = wait }(inFlightWait)
	inFlightWait = 60 * time.Millisecond

	idem := idempotency.NewMemoryStore()
	env := newTestEnv(t, func(d *Dependencies) { d.Idempotency = idem })

	body := `{"name":"Batch 5"}`
	var parsed createWorkflowRequest
	require.NoError(t, json.Unmarshal([]byte(body), &parsed))
	scoped := idempotency.FormatKey("alice", idempotencyCreates, "batch-5")
	_, reserved, err := idem.Reserve(context.Background(), scoped, idempotency.HashInput(parsed))
	require.NoError(t, err)
	require.True(t, reserved)

	w := env.do(t, "POST", "/api/workflows", body, http.Header{"X-Idempotency-Key": []string{"batch-5"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, errorOf(t, w).Message, "still in progress")
}

func TestCreateWorkflow_withoutIdempotencyStore(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.Idempotency = nil })
	key := http.Header{"X-Idempotency-Key": []string{"k"}}

	a := env.do(t, "POST", "/api/workflows", `{"name":"A"}`, key)
	b := env.do(t, "POST", "/api/workflows", `{"name":"A"}`, key)
	require.Equal(t, http.StatusCreated, a.Code)
	require.Equal(t, http.StatusCreated, b.Code)
	assert.NotEqual(t,
		decodeJSON[model.WorkflowInstance](t, a).ID,
		decodeJSON[model.WorkflowInstance](t, b).ID)
}

// --- Audit log ---

func TestGetAuditLog(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	w := env.do(t, "POST", "/api/workflows/"+inst.ID+"/steps/upload/complete", `{"notes":"scanned"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "GET", "/api/workflows/"+inst.ID+"/audit", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	events := decodeJSON[[]model.WorkflowEvent](t, w)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventWorkflowCreated, events[0].Type)
	assert.Equal(t, model.EventStepCompleted, events[1].Type)
	assert.Equal(t, "alice", events[1].ActorID)

	w = env.do(t, "GET", "/api/workflows/"+inst.ID+"/audit", "", as("bob"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ErrNotFound, errorCode(t, w))
}

// --- Get / List ---

func TestGetWorkflow(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	w := env.do(t, "GET", "/api/workflows/"+inst.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, inst.ID, decodeJSON[model.WorkflowInstance](t, w).ID)

	w = env.do(t, "GET", "/api/workflows/"+inst.ID, "", as("bob"))
	assert.Equal(t, http.StatusNotFound, w.Code, "other owners must not see the workflow")

	w = env.do(t, "GET", "/api/workflows/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListWorkflows(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "first")
	second := env.create(t, "second")
	env.do(t, "POST", "/api/workflows", `{"name":"bob's"}`, as("bob"))

	w := env.do(t, "GET", "/api/workflows", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]model.WorkflowInstance](t, w), 2)

	w = env.do(t, "GET", "/api/workflows?limit=1", "", nil)
	page := decodeJSON[[]model.WorkflowInstance](t, w)
	require.Len(t, page, 1)
	assert.Equal(t, second.ID, page[0].ID, "most recently started first")

	w = env.do(t, "GET", "/api/workflows?status=paused", "", nil)
	assert.Empty(t, decodeJSON[[]model.WorkflowInstance](t, w))
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestListWorkflows_errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		query      string
		wantStatus int
	}{
		{"limit=ten", 422},
		{"offset=-1", 422},
		{"status=archived", 422},
		{"ownerId=bob", 403},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(t, "GET", "/api/workflows?"+tt.query, "", nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

// --- Step completion and updates ---

func TestCompleteStep_autoAdvances(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	w := env.do(t, "POST", "/api/workflows/"+inst.ID+"/steps/upload/complete",
		`{"data":{"fileNames":["a.pdf","b.pdf"],"totalBytes":2048},"resourceId":"batch-1","resourceType":"upload_batch"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decodeJSON[model.WorkflowInstance](t, w)
	assert.Equal(t, model.StepProcess, got.CurrentStep)
	assert.Equal(t, 1, got.CompletedSteps)
	upload := got.Step(model.StepUpload)
	require.NotNil(t, upload)
	assert.Equal(t, model.StepStatusCompleted, upload.Status)
	assert.Equal(t, 100, upload.Progress)
	assert.Equal(t, "batch-1", upload.ResourceID)
	assert.Equal(t, model.StepStatusInProgress, got.Step(model.StepProcess).Status)
}

func TestCompleteStep_withoutBody(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	w := env.do(t, "POST", "/api/workflows/"+inst.ID+"/steps/upload/complete", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCompleteStep_fullPipeline(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	var got model.WorkflowInstance
	for _, def := range catalog.Default().OrderedSteps() {
		w := env.do(t, "POST", "/api/workflows/"+inst.ID+"/steps/"+string(def.Name)+"/complete", "{}", nil)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", def.Name, w.Body.String())
		got = decodeJSON[model.WorkflowInstance](t, w)
	}

	assert.Equal(t, model.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, 7, got.CompletedSteps)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, model.StepReports, got.CurrentStep)
	assert.Len(t, got.Transitions, 7)
}

func TestCompleteStep_errors(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")
	env.do(t, "POST", "/api/workflows/"+inst.ID+"/steps/upload/complete", "", nil)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown step", "/steps/approval/complete", "", 422, model.ErrValidationError},
		{"already completed", "/steps/upload/complete", "", 422, model.ErrInvalidTransition},
		{"unknown field", "/steps/process/complete", `{"score":1}`, 422, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/workflows/"+inst.ID+tt.path, tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}

	w := env.do(t, "POST", "/api/workflows/"+inst.ID+"/steps/process/complete", "", as("bob"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateStep(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	w := env.do(t, "PATCH", "/api/workflows/"+inst.ID+"/steps/upload",
		`{"progress":40,"data":{"fileNames":["a.pdf"]},"notes":"first batch"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	step := decodeJSON[model.WorkflowStep](t, w)
	assert.Equal(t, model.StepUpload, step.StepName)
	assert.Equal(t, 40, step.Progress)
	assert.Equal(t, "first batch", step.Notes)
	assert.Equal(t, model.StepStatusInProgress, step.Status)

	// Addressed by ID.
	w = env.do(t, "PATCH", "/api/workflows/"+inst.ID+"/steps/"+step.ID, `{"progress":60}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 60, decodeJSON[model.WorkflowStep](t, w).Progress)
}

func TestUpdateStep_completedAdvances(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	w := env.do(t, "PATCH", "/api/workflows/"+inst.ID+"/steps/upload", `{"status":"completed"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StepStatusCompleted, decodeJSON[model.WorkflowStep](t, w).Status)

	got := decodeJSON[model.WorkflowInstance](t, env.do(t, "GET", "/api/workflows/"+inst.ID, "", nil))
	assert.Equal(t, model.StepProcess, got.CurrentStep)
}

func TestUpdateStep_errors(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	tests := []struct {
		name       string
		step       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"progress above 100", "upload", `{"progress":140}`, 422, model.ErrValidationError},
		{"unknown status", "upload", `{"status":"done"}`, 422, model.ErrValidationError},
		{"empty patch", "upload", `{}`, 422, model.ErrValidationError},
		{"unknown step", "nope", `{"progress":1}`, 404, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "PATCH", "/api/workflows/"+inst.ID+"/steps/"+tt.step, tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}
}

// --- Lifecycle ---

func TestUpdateWorkflow_pauseResumeCancel(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")
	path := "/api/workflows/" + inst.ID

	w := env.do(t, "PATCH", path, `{"status":"paused"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.WorkflowStatusPaused, decodeJSON[model.WorkflowInstance](t, w).Status)

	w = env.do(t, "POST", path+"/steps/upload/complete", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "paused workflows do not accept completions")
	assert.Equal(t, model.ErrInvalidTransition, errorCode(t, w))

	w = env.do(t, "PATCH", path, `{"status":"active"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.WorkflowStatusActive, decodeJSON[model.WorkflowInstance](t, w).Status)

	w = env.do(t, "PATCH", path, `{"status":"cancelled"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.WorkflowStatusCancelled, decodeJSON[model.WorkflowInstance](t, w).Status)

	w = env.do(t, "PATCH", path, `{"status":"active"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrInvalidTransition, errorCode(t, w))
}

func TestUpdateWorkflow_errors(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"completed is not requestable", `{"status":"completed"}`, 422},
		{"empty", `{}`, 422},
		{"pause with step", `{"status":"paused","currentStep":"upload"}`, 422},
		{"locked step", `{"currentStep":"decision"}`, 409},
		{"unknown step", `{"currentStep":"approval"}`, 422},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "PATCH", "/api/workflows/"+inst.ID, tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestContinueWorkflow(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")
	path := "/api/workflows/" + inst.ID
	env.do(t, "POST", path+"/steps/upload/complete", "", nil)
	env.do(t, "POST", path+"/steps/process/complete", "", nil)

	w := env.do(t, "POST", path+"/continue", `{"fromStep":"upload"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeJSON[model.WorkflowInstance](t, w)
	assert.Equal(t, model.StepUpload, got.CurrentStep)
	assert.Equal(t, model.StepStatusCompleted, got.Step(model.StepUpload).Status, "revisiting does not reopen a step")

	w = env.do(t, "POST", path+"/continue", `{"fromStep":"map"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, model.ErrInvalidNavigation, errorCode(t, w))

	w = env.do(t, "POST", path+"/continue", `{}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// --- Event stream ---

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	inst := env.create(t, "District 4")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/workflows/"+inst.ID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(subjectHeader, "alice")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	w := env.do(t, "POST", "/api/workflows/"+inst.ID+"/steps/upload/complete", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var eventType, data string
	for eventType == "" || data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, string(model.EventStepCompleted), eventType)

	var evt model.WorkflowEvent
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	assert.Equal(t, inst.ID, evt.WorkflowID)
	assert.Equal(t, model.StepUpload, evt.StepName)
	assert.Equal(t, "alice", evt.ActorID)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.EventStreamsOpen))
}

func TestStreamEvents_ownership(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	w := env.do(t, "GET", "/api/workflows/"+inst.ID+"/events", "", as("bob"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.EventStreamsOpen))
}

func TestStreamEvents_withoutBroker(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.Events = nil })
	inst := env.create(t, "District 4")

	w := env.do(t, "GET", "/api/workflows/"+inst.ID+"/events", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, model.ErrUnavailable, errorCode(t, w))
}

func TestStreamEvents_keepAlive(t *testing.T) {
	orig := keepAliveInterval
	keepAliveInterval = 10 * time.Millisecond
	t.Cleanup(func() { keepAliveInterval = orig })

	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	inst := env.create(t, "District 4")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/workflows/"+inst.ID+"/events", nil)
	req.Header.Set(subjectHeader, "alice")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == ": keepalive\n" {
			return
		}
	}
}

func TestCompleteStep_rejectsForeignPayload(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, "District 4")

	w := env.do(t, "POST", "/api/workflows/"+inst.ID+"/steps/upload/complete",
		`{"data":{"claimantName":"R. Devi"}}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "claims fields do not belong to the upload step")
	assert.Equal(t, model.ErrValidationError, errorCode(t, w))
}

func TestStreamEvents_endsOnShutdown(t *testing.T) {
	done := make(chan struct{})
	env := newTestEnv(t, func(d *Dependencies) { d.StreamsDone = done })
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	inst := env.create(t, "District 4")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/workflows/"+inst.ID+"/events", nil)
	req.Header.Set(subjectHeader, "alice")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	close(done)
	_, err = io.ReadAll(reader)
	require.NoError(t, err, "stream should end cleanly")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.EventStreamsOpen) == 0
	}, time.Second, 10*time.Millisecond)
}
