package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
	"github.com/hbellare/reclaim/internal/dispatch"
	"github.com/hbellare/reclaim/internal/platform"
	"github.com/hbellare/reclaim/internal/scheduler"
	"github.com/hbellare/reclaim/internal/webhook"
)

type mockIngestor struct {
	result webhook.IngestResult
	err    error
	hdr    webhook.Headers
	body   []byte
}

func (m *mockIngestor) Ingest(ctx context.Context, body []byte, hdr webhook.Headers) (webhook.IngestResult, error) {
	m.body = body
	m.hdr = hdr
	return m.result, m.err
}

type mockCycleRunner struct {
	stats     scheduler.CycleStats
	err       error
	companies []string
}

func (m *mockCycleRunner) RunCycle(ctx context.Context, companyIDs []string) (scheduler.CycleStats, error) {
	m.companies = companyIDs
	return m.stats, m.err
}

type mockCaseRepo struct {
	cases  map[uuid.UUID]*db.RecoveryCase
	closed []uuid.UUID
	listed []*db.RecoveryCase
}

func newMockCaseRepo() *mockCaseRepo {
	return &mockCaseRepo{cases: make(map[uuid.UUID]*db.RecoveryCase)}
}

func (m *mockCaseRepo) GetCase(ctx context.Context, id uuid.UUID) (*db.RecoveryCase, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, db.ErrCaseNotFound
	}
	return c, nil
}

func (m *mockCaseRepo) ListCasesByCompany(ctx context.Context, companyID string, limit, offset int) ([]*db.RecoveryCase, error) {
	return m.listed, nil
}

func (m *mockCaseRepo) MarkClosedNoRecovery(ctx context.Context, id uuid.UUID) error {
	c, ok := m.cases[id]
	if !ok || c.Status != db.StatusOpen {
		return db.ErrCaseNotFound
	}
	c.Status = db.StatusClosedNoRecovery
	m.closed = append(m.closed, id)
	return nil
}

func (m *mockCaseRepo) GetSettings(ctx context.Context, companyID string) (*db.CompanySettings, error) {
	return db.DefaultSettings(companyID), nil
}

type mockCaseDispatcher struct {
	result  dispatch.Result
	attempt int
	calls   int
}

func (m *mockCaseDispatcher) Dispatch(ctx context.Context, c *db.RecoveryCase, attempt int, s dispatch.Settings) dispatch.Result {
	m.calls++
	m.attempt = attempt
	return m.result
}

type mockTerminator struct {
	err   error
	calls int
}

func (m *mockTerminator) TerminateMembership(ctx context.Context, companyID, membershipID string) error {
	m.calls++
	return m.err
}

type testEnv struct {
	handler    *Handler
	ingestor   *mockIngestor
	cycles     *mockCycleRunner
	repo       *mockCaseRepo
	dispatcher *mockCaseDispatcher
	terminator *mockTerminator
	router     *chi.Mux
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		ingestor:   &mockIngestor{},
		cycles:     &mockCycleRunner{},
		repo:       newMockCaseRepo(),
		dispatcher: &mockCaseDispatcher{},
		terminator: &mockTerminator{},
	}
	env.handler = NewHandler(zap.NewNop(), env.ingestor, env.cycles, env.repo, env.dispatcher, env.terminator)

	r := chi.NewRouter()
	r.Post("/v1/webhooks/billing", env.handler.HandleWebhook)
	r.Post("/v1/cycle", env.handler.RunCycle)
	r.Get("/v1/cases", env.handler.ListCases)
	r.Post("/v1/cases/{id}/nudge", env.handler.NudgeCase)
	r.Post("/v1/cases/{id}/cancel", env.handler.CancelCase)
	r.Post("/v1/cases/{id}/terminate", env.handler.TerminateMembership)
	env.router = r

	return env
}

func (e *testEnv) addOpenCase() *db.RecoveryCase {
	c := &db.RecoveryCase{
		ID:           uuid.New(),
		CompanyID:    "co_1",
		MembershipID: "mem_1",
		Status:       db.StatusOpen,
	}
	e.repo.cases[c.ID] = c
	return c
}

func decodeAction(t *testing.T, rec *httptest.ResponseRecorder) ActionResponse {
	t.Helper()
	var resp ActionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode action response: %v", err)
	}
	return resp
}

func TestHandleWebhook_Applied(t *testing.T) {
	env := setupTestHandler(t)
	caseID := uuid.New()
	env.ingestor.result = webhook.IngestResult{Status: webhook.StatusApplied, CaseID: caseID}

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Reclaim-Signature", "sig")
	req.Header.Set("Reclaim-Timestamp", "1760000000")
	req.Header.Set("Reclaim-Event-Type", "payment.failed")
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "applied" || resp["case_id"] != caseID.String() {
		t.Errorf("response = %v", resp)
	}
	if env.ingestor.hdr.EventType != "payment.failed" || env.ingestor.hdr.Signature != "sig" {
		t.Errorf("headers not forwarded: %+v", env.ingestor.hdr)
	}
}

func TestHandleWebhook_DuplicateIsOK(t *testing.T) {
	env := setupTestHandler(t)
	env.ingestor.result = webhook.IngestResult{Status: webhook.StatusDuplicate}

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewBufferString(`{"id":"evt_1"}`))
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so the provider stops retrying", rec.Code)
	}
}

func TestHandleWebhook_Rejected(t *testing.T) {
	env := setupTestHandler(t)
	env.ingestor.result = webhook.IngestResult{Status: webhook.StatusRejected, Err: webhook.ErrInvalidSignature}

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewBufferString(`{"id":"evt_1"}`))
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var problem ErrorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &problem)
	if problem.Type != "invalid_event" {
		t.Errorf("problem type = %s", problem.Type)
	}
}

func TestHandleWebhook_TransientFailureIs503(t *testing.T) {
	env := setupTestHandler(t)
	env.ingestor.err = errors.New("ledger down")

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewBufferString(`{"id":"evt_1"}`))
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 so the provider retries", rec.Code)
	}
}

func TestRunCycle_ReturnsStats(t *testing.T) {
	env := setupTestHandler(t)
	env.cycles.stats = scheduler.CycleStats{Companies: 2, Processed: 5, Successful: 4, Failed: 1}

	req := httptest.NewRequest(http.MethodPost, "/v1/cycle", bytes.NewBufferString(`{"company_ids":["co_1","co_2"]}`))
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(env.cycles.companies) != 2 {
		t.Errorf("companies = %v", env.cycles.companies)
	}

	var stats scheduler.CycleStats
	_ = json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Processed != 5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunCycle_EmptyBodyRunsAllCompanies(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/cycle", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if env.cycles.companies != nil {
		t.Errorf("companies = %v, want nil for discovery", env.cycles.companies)
	}
}

func TestNudgeCase_SendsManualReminder(t *testing.T) {
	env := setupTestHandler(t)
	c := env.addOpenCase()
	c.Attempts = 1

	req := httptest.NewRequest(http.MethodPost, "/v1/cases/"+c.ID.String()+"/nudge", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeAction(t, rec)
	if !resp.Success {
		t.Fatalf("success = false: %s", resp.Message)
	}
	if env.dispatcher.attempt != 2 {
		t.Errorf("attempt = %d, want case.Attempts+1", env.dispatcher.attempt)
	}
}

func TestNudgeCase_MissingCaseAnswersHandled(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/cases/"+uuid.NewString()+"/nudge", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 per the action contract", rec.Code)
	}
	resp := decodeAction(t, rec)
	if resp.Success {
		t.Error("success should be false for a missing case")
	}
	if env.dispatcher.calls != 0 {
		t.Error("no dispatch for a missing case")
	}
}

func TestNudgeCase_TerminalCaseAnswersHandled(t *testing.T) {
	env := setupTestHandler(t)
	c := env.addOpenCase()
	c.Status = db.StatusRecovered

	req := httptest.NewRequest(http.MethodPost, "/v1/cases/"+c.ID.String()+"/nudge", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeAction(t, rec); resp.Success {
		t.Error("success should be false for a terminal case")
	}
	if env.dispatcher.calls != 0 {
		t.Error("no dispatch for a terminal case")
	}
}

func TestNudgeCase_InvalidID(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/cases/not-a-uuid/nudge", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestNudgeCase_NoManageURL(t *testing.T) {
	env := setupTestHandler(t)
	c := env.addOpenCase()
	env.dispatcher.result = dispatch.Result{Err: platform.ErrManageURLUnavailable}

	req := httptest.NewRequest(http.MethodPost, "/v1/cases/"+c.ID.String()+"/nudge", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeAction(t, rec); resp.Success {
		t.Error("success should be false when no manage link resolves")
	}
}

func TestCancelCase_ClosesCase(t *testing.T) {
	env := setupTestHandler(t)
	c := env.addOpenCase()

	req := httptest.NewRequest(http.MethodPost, "/v1/cases/"+c.ID.String()+"/cancel", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeAction(t, rec); !resp.Success {
		t.Fatalf("success = false: %s", resp.Message)
	}
	if c.Status != db.StatusClosedNoRecovery {
		t.Errorf("status = %s, want closed_no_recovery", c.Status)
	}
}

func TestTerminateMembership_CallsPlatformThenCloses(t *testing.T) {
	env := setupTestHandler(t)
	c := env.addOpenCase()

	req := httptest.NewRequest(http.MethodPost, "/v1/cases/"+c.ID.String()+"/terminate", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeAction(t, rec); !resp.Success {
		t.Fatalf("success = false: %s", resp.Message)
	}
	if env.terminator.calls != 1 {
		t.Errorf("terminator calls = %d, want 1", env.terminator.calls)
	}
	if c.Status != db.StatusClosedNoRecovery {
		t.Errorf("status = %s, want closed_no_recovery", c.Status)
	}
}

func TestTerminateMembership_PlatformFailureKeepsCaseOpen(t *testing.T) {
	env := setupTestHandler(t)
	c := env.addOpenCase()
	env.terminator.err = errors.New("platform 500")

	req := httptest.NewRequest(http.MethodPost, "/v1/cases/"+c.ID.String()+"/terminate", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp := decodeAction(t, rec); resp.Success {
		t.Error("success should be false when the platform call fails")
	}
	if c.Status != db.StatusOpen {
		t.Error("case must stay open when the membership was not terminated")
	}
}

func TestListCases_RequiresCompanyID(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/cases", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListCases_ReturnsPage(t *testing.T) {
	env := setupTestHandler(t)
	env.repo.listed = []*db.RecoveryCase{
		{ID: uuid.New(), CompanyID: "co_1", Status: db.StatusOpen},
		{ID: uuid.New(), CompanyID: "co_1", Status: db.StatusRecovered},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/cases?company_id=co_1&limit=10", nil)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 2 || resp.Limit != 10 {
		t.Errorf("count = %d limit = %d", resp.Count, resp.Limit)
	}
}
