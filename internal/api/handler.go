package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hbellare/reclaim/internal/db"
	"github.com/hbellare/reclaim/internal/dispatch"
	"github.com/hbellare/reclaim/internal/metrics"
	"github.com/hbellare/reclaim/internal/scheduler"
	"github.com/hbellare/reclaim/internal/webhook"
)

// maxWebhookBody bounds inbound payload size.
const maxWebhookBody = 1 << 20

// Ingestor processes raw webhook deliveries.
type Ingestor interface {
	Ingest(ctx context.Context, body []byte, hdr webhook.Headers) (webhook.IngestResult, error)
}

// CycleRunner triggers a reminder cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, companyIDs []string) (scheduler.CycleStats, error)
}

// CaseRepository is the store surface behind the operator endpoints.
type CaseRepository interface {
	GetCase(ctx context.Context, id uuid.UUID) (*db.RecoveryCase, error)
	ListCasesByCompany(ctx context.Context, companyID string, limit, offset int) ([]*db.RecoveryCase, error)
	MarkClosedNoRecovery(ctx context.Context, id uuid.UUID) error
	GetSettings(ctx context.Context, companyID string) (*db.CompanySettings, error)
}

// CaseDispatcher sends a manual reminder.
type CaseDispatcher interface {
	Dispatch(ctx context.Context, c *db.RecoveryCase, attempt int, s dispatch.Settings) dispatch.Result
}

// MembershipTerminator cancels a membership on the platform.
type MembershipTerminator interface {
	TerminateMembership(ctx context.Context, companyID, membershipID string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ActionResponse is the uniform reply for case actions: a boolean plus a
// human-readable message, so the dashboard renders feedback without
// interpreting error types.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	ingestor   Ingestor
	cycles     CycleRunner
	repo       CaseRepository
	dispatcher CaseDispatcher
	terminator MembershipTerminator // nil if the platform client is not wired
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, ingestor Ingestor, cycles CycleRunner, repo CaseRepository, dispatcher CaseDispatcher, terminator MembershipTerminator) *Handler {
	return &Handler{
		logger:     logger,
		ingestor:   ingestor,
		cycles:     cycles,
		repo:       repo,
		dispatcher: dispatcher,
		terminator: terminator,
	}
}

// HandleWebhook handles POST /v1/webhooks/billing.
// Duplicates are a success from the provider's point of view; only transient
// store failures return 503 so the provider retries the delivery.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	hdr := webhook.Headers{
		Signature: r.Header.Get("Reclaim-Signature"),
		Timestamp: r.Header.Get("Reclaim-Timestamp"),
		EventType: r.Header.Get("Reclaim-Event-Type"),
	}

	result, err := h.ingestor.Ingest(ctx, body, hdr)
	if err != nil {
		metrics.RecordIngest("error")
		h.logger.Error("webhook processing failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "processing_unavailable",
			"Processing Unavailable", "Event processing failed; safe to retry this delivery.")
		return
	}

	metrics.RecordIngest(string(result.Status))

	switch result.Status {
	case webhook.StatusRejected:
		detail := ""
		if result.Err != nil {
			detail = result.Err.Error()
		}
		h.writeError(w, http.StatusBadRequest, "invalid_event", "Event Rejected", detail)

	default:
		resp := map[string]string{"status": string(result.Status)}
		if result.CaseID != uuid.Nil {
			resp["case_id"] = result.CaseID.String()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// RunCycle handles POST /v1/cycle. The trigger is idempotent: the due policy
// depends only on persisted state, so repeated triggers cannot double-send.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		CompanyIDs []string `json:"company_ids"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	stats, err := h.cycles.RunCycle(ctx, req.CompanyIDs)
	if err != nil {
		h.logger.Error("reminder cycle failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "cycle_failed", "Cycle Failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// NudgeCase handles POST /v1/cases/{id}/nudge, a manual reminder outside the
// schedule. The manual attempt still consumes a schedule slot.
func (h *Handler) NudgeCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, ok := h.loadActionableCase(ctx, w, r)
	if !ok {
		return
	}

	settings, err := h.repo.GetSettings(ctx, c.CompanyID)
	if err != nil {
		h.logger.Error("failed to load settings", zap.Error(err), zap.String("company_id", c.CompanyID))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Store Unavailable", "")
		return
	}

	result := h.dispatcher.Dispatch(ctx, c, c.Attempts+1, dispatch.Settings{
		EnablePush:    settings.EnablePush,
		EnableDM:      settings.EnableDM,
		IncentiveDays: settings.IncentiveDays,
	})

	switch {
	case result.Err == nil:
		h.writeAction(w, true, "reminder sent")
	case dispatch.IsManageURLUnavailable(result.Err):
		h.writeAction(w, false, "no manage link available for this membership; reminder not sent")
	default:
		h.logger.Error("manual nudge failed", zap.Error(result.Err), zap.String("case_id", c.ID.String()))
		h.writeAction(w, false, "reminder could not be sent")
	}
}

// CancelCase handles POST /v1/cases/{id}/cancel. It closes the case without
// touching the membership.
func (h *Handler) CancelCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, ok := h.loadActionableCase(ctx, w, r)
	if !ok {
		return
	}

	if err := h.repo.MarkClosedNoRecovery(ctx, c.ID); err != nil {
		if errors.Is(err, db.ErrCaseNotFound) {
			h.writeAction(w, false, "case already handled")
			return
		}
		h.logger.Error("failed to cancel case", zap.Error(err), zap.String("case_id", c.ID.String()))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Store Unavailable", "")
		return
	}

	metrics.RecordCaseClosed()
	h.writeAction(w, true, "case closed")
}

// TerminateMembership handles POST /v1/cases/{id}/terminate. It cancels the
// membership on the platform and closes the case.
func (h *Handler) TerminateMembership(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, ok := h.loadActionableCase(ctx, w, r)
	if !ok {
		return
	}

	if h.terminator == nil {
		h.writeAction(w, false, "membership termination is not configured")
		return
	}

	if err := h.terminator.TerminateMembership(ctx, c.CompanyID, c.MembershipID); err != nil {
		h.logger.Error("membership termination failed",
			zap.Error(err),
			zap.String("case_id", c.ID.String()),
		)
		h.writeAction(w, false, "membership termination failed")
		return
	}

	if err := h.repo.MarkClosedNoRecovery(ctx, c.ID); err != nil {
		if !errors.Is(err, db.ErrCaseNotFound) {
			// Membership is gone either way; the cancellation webhook will
			// close the case if this write raced.
			h.logger.Warn("case close after termination failed", zap.Error(err))
		}
	} else {
		metrics.RecordCaseClosed()
	}

	h.writeAction(w, true, "membership terminated and case closed")
}

// ListCases handles GET /v1/cases?company_id=xxx&limit=20&offset=0
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing company_id", "company_id query parameter is required")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	cases, err := h.repo.ListCasesByCompany(ctx, companyID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list cases",
			zap.Error(err),
			zap.String("company_id", companyID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list cases", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   cases,
		"limit":  limit,
		"offset": offset,
		"count":  len(cases),
	})
}

// loadActionableCase resolves the {id} path param to an open case. Missing or
// terminal cases answer success=false "already handled" with HTTP 200, per
// the action contract.
func (h *Handler) loadActionableCase(ctx context.Context, w http.ResponseWriter, r *http.Request) (*db.RecoveryCase, bool) {
	idStr := chi.URLParam(r, "id")
	caseID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid case ID", "ID must be a valid UUID")
		return nil, false
	}

	c, err := h.repo.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, db.ErrCaseNotFound) {
			h.writeAction(w, false, "case already handled")
			return nil, false
		}
		h.logger.Error("failed to load case", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Store Unavailable", "")
		return nil, false
	}

	if c.IsTerminal() {
		h.writeAction(w, false, "case already handled")
		return nil, false
	}

	return c, true
}

func (h *Handler) writeAction(w http.ResponseWriter, success bool, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ActionResponse{Success: success, Message: message})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}
