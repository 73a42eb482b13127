package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven/mocks"
)

// Mock services for testing

type mockDispatcher struct {
	callFn func(ctx context.Context, call domain.ToolCall) *domain.ToolResponse
}

func (m *mockDispatcher) Call(ctx context.Context, call domain.ToolCall) *domain.ToolResponse {
	if m.callFn != nil {
		return m.callFn(ctx, call)
	}
	return &domain.ToolResponse{Error: &domain.ToolError{Code: domain.CodeInternal, Message: "not implemented"}}
}

func (m *mockDispatcher) Tools() []domain.ToolDescriptor {
	return []domain.ToolDescriptor{{Name: domain.ToolGetListing, Description: "Fetch a listing"}}
}

type mockJobService struct {
	getFn     func(ctx context.Context, id string) (*domain.SyncJob, error)
	listFn    func(ctx context.Context, filter driven.JobFilter) ([]*domain.SyncJob, error)
	cancelFn  func(ctx context.Context, id string) (*domain.SyncJob, error)
	triggerFn func(ctx context.Context) (*domain.SyncJob, error)
}

func (m *mockJobService) GetJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockJobService) ListJobs(ctx context.Context, filter driven.JobFilter) ([]*domain.SyncJob, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, errors.New("not implemented")
}

func (m *mockJobService) CancelJob(ctx context.Context, id string) (*domain.SyncJob, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockJobService) TriggerReconcile(ctx context.Context) (*domain.SyncJob, error) {
	if m.triggerFn != nil {
		return m.triggerFn(ctx)
	}
	return nil, errors.New("not implemented")
}

func (m *mockJobService) RefreshListing(ctx context.Context, listingID string) (*domain.SyncJob, error) {
	return domain.NewRefreshJob(listingID), nil
}

func (m *mockJobService) Stats(ctx context.Context) (*driven.QueueStats, error) {
	return &driven.QueueStats{QueuedCount: 3, RunningCount: 1}, nil
}

type mockConflictService struct {
	getFn     func(ctx context.Context, id string) (*domain.ConflictCase, error)
	listFn    func(ctx context.Context, filter domain.ConflictFilter) ([]*domain.ConflictCase, error)
	resolveFn func(ctx context.Context, id string, choice domain.Resolution, operator string) (*domain.ConflictCase, error)
}

func (m *mockConflictService) GetConflict(ctx context.Context, id string) (*domain.ConflictCase, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockConflictService) ListConflicts(ctx context.Context, filter domain.ConflictFilter) ([]*domain.ConflictCase, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, errors.New("not implemented")
}

func (m *mockConflictService) ResolveConflict(ctx context.Context, id string, choice domain.Resolution, operator string) (*domain.ConflictCase, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, id, choice, operator)
	}
	return nil, errors.New("not implemented")
}

type mockScheduleService struct {
	schedules map[string]*domain.ScheduledJob
}

func (m *mockScheduleService) ListSchedules(ctx context.Context) ([]*domain.ScheduledJob, error) {
	out := make([]*domain.ScheduledJob, 0, len(m.schedules))
	for _, sj := range m.schedules {
		out = append(out, sj)
	}
	return out, nil
}

func (m *mockScheduleService) SetScheduleEnabled(ctx context.Context, id string, enabled bool) (*domain.ScheduledJob, error) {
	sj, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	sj.Enabled = enabled
	return sj, nil
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.err
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	dispatch  *mockDispatcher
	jobs      *mockJobService
	conflicts *mockConflictService
	schedules *mockScheduleService
	audit     *mocks.MockAuditStore
	db        *mockPinger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		dispatch:  &mockDispatcher{},
		jobs:      &mockJobService{},
		conflicts: &mockConflictService{},
		schedules: &mockScheduleService{schedules: map[string]*domain.ScheduledJob{
			"full-reconcile": {ID: "full-reconcile", Name: "Full reconcile", Kind: domain.JobKindFullReconcile, Interval: time.Hour, Enabled: true},
		}},
		audit:     mocks.NewMockAuditStore(),
		db:        &mockPinger{},
	}
	env.server = NewServer(DefaultConfig(), Deps{
		Dispatcher: env.dispatch,
		Jobs:       env.jobs,
		Conflicts:  env.conflicts,
		Schedules:  env.schedules,
		Auth:       mocks.NewMockAuthAdapter(),
		Audit:      env.audit,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
		DB:       env.db,
		JobQueue: &mockPinger{},
	})
	env.handler = env.server.Handler()
	return env
}

func token(t *testing.T, agentID, scope string) string {
	t.Helper()
	tok, err := mocks.NewMockAuthAdapter().GenerateToken(&domain.AgentClaims{
		AgentID:   agentID,
		Scope:     scope,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// Health endpoints

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestHandleReady(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	env.db.err = errors.New("connection refused")
	rr = env.do(t, "GET", "/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}

	var resp ReadyResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Checks["database"] != "connection refused" {
		t.Errorf("expected database check failure, got %q", resp.Checks["database"])
	}
	if resp.Checks["queue"] != "ok" {
		t.Errorf("expected queue ok, got %q", resp.Checks["queue"])
	}
}

func TestHandleVersion(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/version", "", nil)

	var resp VersionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Version != "dev" {
		t.Errorf("expected version dev, got %s", resp.Version)
	}
}

func TestHandleSwaggerDoc(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/swagger/doc.json", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("expected valid JSON document: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/api/v1/tools/call"]; !ok {
		t.Error("expected tools/call path in document")
	}
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

// Tool endpoints

func TestHandleToolCall(t *testing.T) {
	env := newTestEnv(t)
	var got domain.ToolCall
	env.dispatch.callFn = func(ctx context.Context, call domain.ToolCall) *domain.ToolResponse {
		got = call
		return &domain.ToolResponse{Result: map[string]string{"id": "item-1"}}
	}

	rr := env.do(t, "POST", "/api/v1/tools/call", token(t, "agent-7", domain.ScopeTools), map[string]any{
		"tool_name": "get_listing",
		"arguments": map[string]string{"id": "item-1"},
		"AgentID":   "spoofed",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Tool != domain.ToolGetListing {
		t.Errorf("expected get_listing, got %s", got.Tool)
	}
	if got.AgentID != "agent-7" {
		t.Errorf("expected agent id from token, got %q", got.AgentID)
	}
}

func TestHandleToolCall_ToolErrorIsOK(t *testing.T) {
	env := newTestEnv(t)
	env.dispatch.callFn = func(ctx context.Context, call domain.ToolCall) *domain.ToolResponse {
		return &domain.ToolResponse{Error: &domain.ToolError{Code: domain.CodeNotFound, Message: "listing not found", Tool: call.Tool}}
	}

	rr := env.do(t, "POST", "/api/v1/tools/call", token(t, "a", domain.ScopeTools), map[string]any{"tool_name": "get_listing"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp domain.ToolResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != domain.CodeNotFound {
		t.Errorf("expected NotFound tool error, got %+v", resp.Error)
	}
}

func TestHandleToolCall_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/tools/call", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, "a", domain.ScopeTools))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestHandleToolCall_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "POST", "/api/v1/tools/call", "", map[string]any{"tool_name": "get_listing"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rr.Code)
	}
}

func TestHandleListTools(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/v1/tools", token(t, "a", domain.ScopeTools), nil)

	var tools []domain.ToolDescriptor
	if err := json.NewDecoder(rr.Body).Decode(&tools); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != domain.ToolGetListing {
		t.Errorf("unexpected tools: %+v", tools)
	}
}

func TestHandleListInvocations(t *testing.T) {
	env := newTestEnv(t)
	_ = env.audit.Record(context.Background(), &domain.ToolInvocation{ID: "inv-1", Tool: domain.ToolUpdatePrice, Success: true})

	rr := env.do(t, "GET", "/api/v1/tools/invocations?limit=10", token(t, "ops", domain.ScopeOperator), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var invs []domain.ToolInvocation
	if err := json.NewDecoder(rr.Body).Decode(&invs); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(invs) != 1 {
		t.Errorf("expected 1 invocation, got %d", len(invs))
	}
}

// Job endpoints

func TestOperatorRoutesRequireScope(t *testing.T) {
	env := newTestEnv(t)
	routes := []struct{ method, path string }{
		{"GET", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/stats"},
		{"GET", "/api/v1/jobs/j-1"},
		{"POST", "/api/v1/jobs/j-1/cancel"},
		{"POST", "/api/v1/reconcile"},
		{"GET", "/api/v1/conflicts"},
		{"GET", "/api/v1/conflicts/c-1"},
		{"POST", "/api/v1/conflicts/c-1/resolve"},
		{"GET", "/api/v1/schedules"},
		{"POST", "/api/v1/schedules/full-reconcile"},
		{"GET", "/api/v1/tools/invocations"},
	}

	agent := token(t, "agent", domain.ScopeTools)
	for _, rt := range routes {
		t.Run(fmt.Sprintf("%s %s", rt.method, rt.path), func(t *testing.T) {
			rr := env.do(t, rt.method, rt.path, agent, nil)
			if rr.Code != http.StatusForbidden {
				t.Errorf("expected status 403, got %d", rr.Code)
			}
		})
	}
}

func TestHandleListJobs(t *testing.T) {
	env := newTestEnv(t)
	var got driven.JobFilter
	env.jobs.listFn = func(ctx context.Context, filter driven.JobFilter) ([]*domain.SyncJob, error) {
		got = filter
		return []*domain.SyncJob{domain.NewRefreshJob("item-1")}, nil
	}

	rr := env.do(t, "GET", "/api/v1/jobs?state=retrying&kind=push_update&scope=item-1&limit=5&offset=10", token(t, "ops", domain.ScopeOperator), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got.State != domain.JobStateRetrying || got.Kind != domain.JobKindPushUpdate || got.Scope != "item-1" {
		t.Errorf("unexpected filter: %+v", got)
	}
	if got.Limit != 5 || got.Offset != 10 {
		t.Errorf("unexpected paging: %+v", got)
	}
}

func TestHandleGetJob(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.getFn = func(ctx context.Context, id string) (*domain.SyncJob, error) {
		if id == "missing" {
			return nil, domain.ErrNotFound
		}
		job := domain.NewRefreshJob("item-1")
		job.ID = id
		return job, nil
	}
	ops := token(t, "ops", domain.ScopeOperator)

	rr := env.do(t, "GET", "/api/v1/jobs/j-1", ops, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = env.do(t, "GET", "/api/v1/jobs/missing", ops, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestHandleCancelJob(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.cancelFn = func(ctx context.Context, id string) (*domain.SyncJob, error) {
		return nil, fmt.Errorf("cancel %s: %w", id, domain.ErrJobNotCancellable)
	}

	rr := env.do(t, "POST", "/api/v1/jobs/j-1/cancel", token(t, "ops", domain.ScopeOperator), nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
}

func TestHandleTriggerReconcile(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.triggerFn = func(ctx context.Context) (*domain.SyncJob, error) {
		return domain.NewFullReconcileJob("manual"), nil
	}

	rr := env.do(t, "POST", "/api/v1/reconcile", token(t, "ops", domain.ScopeOperator), nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}

	var job domain.SyncJob
	if err := json.NewDecoder(rr.Body).Decode(&job); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if job.Kind != domain.JobKindFullReconcile {
		t.Errorf("expected full_reconcile, got %s", job.Kind)
	}
}

func TestHandleListSchedules(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/schedules", token(t, "ops", domain.ScopeOperator), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var schedules []domain.ScheduledJob
	if err := json.NewDecoder(rr.Body).Decode(&schedules); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(schedules) != 1 || schedules[0].ID != "full-reconcile" {
		t.Errorf("unexpected schedules: %+v", schedules)
	}
}

func TestHandleSetSchedule(t *testing.T) {
	env := newTestEnv(t)
	ops := token(t, "ops", domain.ScopeOperator)

	rr := env.do(t, "POST", "/api/v1/schedules/full-reconcile", ops, map[string]bool{"enabled": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var sj domain.ScheduledJob
	if err := json.NewDecoder(rr.Body).Decode(&sj); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if sj.Enabled {
		t.Error("expected schedule to be disabled")
	}
	if env.schedules.schedules["full-reconcile"].Enabled {
		t.Error("expected service to receive enabled=false")
	}

	rr = env.do(t, "POST", "/api/v1/schedules/full-reconcile", ops, map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without enabled, got %d", rr.Code)
	}

	rr = env.do(t, "POST", "/api/v1/schedules/missing", ops, map[string]bool{"enabled": true})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestHandleJobStats(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/api/v1/jobs/stats", token(t, "ops", domain.ScopeOperator), nil)

	var stats driven.QueueStats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.QueuedCount != 3 {
		t.Errorf("expected 3 queued, got %d", stats.QueuedCount)
	}
}

// Conflict endpoints

func TestHandleListConflicts(t *testing.T) {
	env := newTestEnv(t)
	var got domain.ConflictFilter
	env.conflicts.listFn = func(ctx context.Context, filter domain.ConflictFilter) ([]*domain.ConflictCase, error) {
		got = filter
		return []*domain.ConflictCase{}, nil
	}

	rr := env.do(t, "GET", "/api/v1/conflicts?listing_id=item-1&open=true", token(t, "ops", domain.ScopeOperator), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got.ListingID != "item-1" || !got.OpenOnly {
		t.Errorf("unexpected filter: %+v", got)
	}
}

func TestHandleResolveConflict(t *testing.T) {
	env := newTestEnv(t)
	var gotChoice domain.Resolution
	var gotOperator string
	env.conflicts.resolveFn = func(ctx context.Context, id string, choice domain.Resolution, operator string) (*domain.ConflictCase, error) {
		gotChoice, gotOperator = choice, operator
		now := time.Now()
		return &domain.ConflictCase{ID: id, Resolution: domain.ResolutionManualReview, ResolvedAt: &now, OperatorChoice: choice, ResolvedBy: operator}, nil
	}

	rr := env.do(t, "POST", "/api/v1/conflicts/c-1/resolve", token(t, "ops-1", domain.ScopeOperator),
		ResolveConflictRequest{Resolution: domain.ResolutionLocalWins})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotChoice != domain.ResolutionLocalWins {
		t.Errorf("expected local_wins, got %s", gotChoice)
	}
	if gotOperator != "ops-1" {
		t.Errorf("expected operator ops-1, got %s", gotOperator)
	}
}

func TestHandleResolveConflict_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid choice", domain.Invalid("resolution", "must be local_wins or remote_wins"), http.StatusBadRequest},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"already resolved", fmt.Errorf("resolve: %w", domain.ErrVersionConflict), http.StatusConflict},
		{"upstream down", domain.ErrUpstreamUnavailable, http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.conflicts.resolveFn = func(ctx context.Context, id string, choice domain.Resolution, operator string) (*domain.ConflictCase, error) {
				return nil, tt.err
			}

			rr := env.do(t, "POST", "/api/v1/conflicts/c-1/resolve", token(t, "ops", domain.ScopeOperator),
				ResolveConflictRequest{Resolution: domain.ResolutionRemoteWins})
			if rr.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rr.Code)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=7&bad=x&neg=-1", nil)
	if got := queryInt(req, "limit", 1); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	if got := queryInt(req, "bad", 1); got != 1 {
		t.Errorf("expected default for bad value, got %d", got)
	}
	if got := queryInt(req, "neg", 1); got != 1 {
		t.Errorf("expected default for negative value, got %d", got)
	}
	if got := queryInt(req, "missing", 3); got != 3 {
		t.Errorf("expected default for missing value, got %d", got)
	}
}
