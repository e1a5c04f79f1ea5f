// Package handler exposes the approval engine over HTTP. Every response is
// a {success, data|error} envelope; error codes map onto status codes here
// and nowhere else.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/edusuite/be-approvals/internal/errors"
	"github.com/edusuite/be-approvals/internal/logger"
	"github.com/edusuite/be-approvals/internal/middleware"
	"github.com/edusuite/be-approvals/internal/repository"
	"github.com/edusuite/be-approvals/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	service *service.ApprovalService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc *service.ApprovalService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{service: svc, log: log}
}

// ── Envelope ─────────────────────────────────────────────────────────────────

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	body := &errorBody{Code: string(code), Message: err.Error()}

	var status int
	switch code {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeInvalidStateTransition:
		status = http.StatusConflict
	case errors.ErrCodeWrongApprovalLevel, errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case errors.ErrCodeValidation:
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
		// Internal details stay in the logs.
		body.Message = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: body})
}

func actor(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	a, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		writeError(w, errors.New(errors.ErrCodeUnauthorized, "missing identity"))
	}
	return a, ok
}

// ── Requests ─────────────────────────────────────────────────────────────────

// Submit handles POST /api/v1/approvals.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req service.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeValidation, "invalid request body"))
		return
	}

	created, err := h.service.Submit(r.Context(), a, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Get handles GET /api/v1/approvals/get?id=.
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	req, err := h.service.Get(r.Context(), a, r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// List handles GET /api/v1/approvals.
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := repository.ListFilter{}

	if state := q.Get("state"); state != "" {
		f.State = &state
	}
	if rt := q.Get("request_type"); rt != "" {
		f.RequestType = &rt
	}

	f.Page, _ = strconv.Atoi(q.Get("page"))
	if f.Page < 1 {
		f.Page = 1
	}
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 50
	}

	reqs, total, err := h.service.List(r.Context(), a, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":  reqs,
		"total":     total,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

// Approve handles POST /api/v1/approvals/approve.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req service.ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeValidation, "invalid request body"))
		return
	}

	updated, err := h.service.Approve(r.Context(), a, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Reject handles POST /api/v1/approvals/reject.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req service.RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeValidation, "invalid request body"))
		return
	}

	updated, err := h.service.Reject(r.Context(), a, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Cancel handles POST /api/v1/approvals/cancel.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req service.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeValidation, "invalid request body"))
		return
	}

	updated, err := h.service.Cancel(r.Context(), a, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Pending handles GET /api/v1/approvals/pending.
func (h *HTTPHandler) Pending(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	reqs, err := h.service.GetPendingApprovals(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// Audit handles GET /api/v1/approvals/audit?id=.
func (h *HTTPHandler) Audit(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	entries, err := h.service.GetAuditTrail(r.Context(), a, r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ── Rules ────────────────────────────────────────────────────────────────────

// CreateRule handles POST /api/v1/approval-rules.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	var req service.CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(err, errors.ErrCodeValidation, "invalid request body"))
		return
	}

	rule, err := h.service.CreateRule(r.Context(), a, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /api/v1/approval-rules.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := h.service.ListRules(r.Context(), a, activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// DeleteRule handles DELETE /api/v1/approval-rules?id=.
func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteRule(r.Context(), a, r.URL.Query().Get("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
