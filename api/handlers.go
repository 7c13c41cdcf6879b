/*
handlers.go - HTTP API handlers for the scheduling engine

PURPOSE:
  Exposes the scheduling engine via REST API. Handles HTTP request/response,
  JSON serialization, input validation, and delegates to schedule.Engine.

ENDPOINTS:
  Policies:
    GET    /api/policies?site_id=                  Effective policy for a site
    PUT    /api/policies                           Supersede the tenant/site policy

  Periods:
    GET    /api/periods?site_id=&status=           List periods
    POST   /api/periods                            Create a draft period
    GET    /api/periods/{id}                       Get one period
    POST   /api/periods/{id}/publish|lock|unlock|archive
    POST   /api/periods/{id}/validate              Re-run detection for the period

  Conflicts:
    GET    /api/conflicts?period_id=&severity=&blocking_only=&include_archived=

  Shift trades:
    GET    /api/trades?period_id=&ticket_id=&status=
    POST   /api/trades                             Request a swap, release or open pickup
    GET    /api/trades/{id}
    POST   /api/trades/{id}/accept|deny|cancel|apply

  Planning board:
    POST   /api/planning/boards/{boardId}/proposals
    POST   /api/planning/boards/{boardId}/items/{itemId}/apply
    GET    /api/planning/boards/{boardId}/items/{itemId}/drift

CALLER CONTEXT:
  Authentication happens at the gateway. The caller is read from trusted
  headers (see caller.go); the engine enforces capabilities.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the error class:
  - 400: Validation errors, malformed input (ErrPrecondition)
  - 403: Capability not held (ErrForbidden)
  - 404: Resource not found
  - 409: Invalid transition, locked period, blocked by conflicts, lost update
  - 428: Conflicts need acknowledgement and a reason (ErrConflictOverrideRequired)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/schedule-engine/factory"
	"github.com/warp/schedule-engine/schedule"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine        *schedule.Engine
	Store         schedule.TxStore
	PolicyFactory *factory.PolicyFactory

	// Reset clears the backing store before a scenario load. Nil disables
	// scenario loading.
	Reset func(ctx context.Context) error

	log      *zap.Logger
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around an engine and the store it runs on.
func NewHandler(engine *schedule.Engine, store schedule.TxStore, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:        engine,
		Store:         store,
		PolicyFactory: factory.NewPolicyFactory(),
		log:           log,
		validate:      validator.New(),
	}
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// GetPolicy returns the effective policy for a site.
// GET /api/policies?site_id=
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	p, err := h.Engine.GetPolicy(r.Context(), caller, r.URL.Query().Get("site_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SavePolicy supersedes the policy for the document's site (or the tenant
// default when site_id is empty).
// PUT /api/policies
func (h *Handler) SavePolicy(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := caller.Require(schedule.CanWritePolicy); err != nil {
		h.fail(w, r, err)
		return
	}
	var doc factory.PolicyDocument
	if !h.decode(w, r, &doc) {
		return
	}
	p, err := h.PolicyFactory.FromDocument(caller.TenantID, doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.Engine.SavePolicy(r.Context(), caller, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// ListPeriods returns the caller's periods, newest first.
// GET /api/periods?site_id=&status=
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	periods, err := h.Engine.ListPeriods(r.Context(), caller, schedule.PeriodFilter{
		SiteID: q.Get("site_id"),
		Status: schedule.PeriodStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(periods))
}

// CreatePeriod opens a draft period.
// POST /api/periods
func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req CreatePeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.Engine.CreatePeriod(r.Context(), caller, schedule.NewPeriod{
		SiteID: req.SiteID,
		Name:   req.Name,
		Start:  req.Start,
		End:    req.End,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPeriod returns a single period.
// GET /api/periods/{id}
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	p, err := h.Engine.GetPeriod(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type periodTransition func(ctx context.Context, caller schedule.Caller, id string) (schedule.SchedulePeriod, error)

// transitionPeriod adapts one of the engine's lifecycle operations.
// POST /api/periods/{id}/publish|lock|unlock|archive
func (h *Handler) transitionPeriod(op periodTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := h.caller(w, r)
		if !ok {
			return
		}
		p, err := op(r.Context(), caller, chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// ValidatePeriod re-runs detection over every live assignment in the period.
// POST /api/periods/{id}/validate
func (h *Handler) ValidatePeriod(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.Validate(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res.Conflicts = nonNil(res.Conflicts)
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// CONFLICT HANDLERS
// =============================================================================

// ListConflicts returns stored conflict records.
// GET /api/conflicts?period_id=&severity=&blocking_only=&include_archived=
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := schedule.ConflictFilter{
		PeriodID: q.Get("period_id"),
		Severity: schedule.Severity(q.Get("severity")),
	}
	var err error
	if f.BlockingOnly, err = queryBool(q.Get("blocking_only")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid blocking_only", err)
		return
	}
	if f.IncludeArchived, err = queryBool(q.Get("include_archived")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid include_archived", err)
		return
	}
	recs, err := h.Engine.ListConflicts(r.Context(), caller, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

// =============================================================================
// TRADE HANDLERS
// =============================================================================

// ListTrades returns shift trade requests, newest first.
// GET /api/trades?period_id=&ticket_id=&status=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	trades, err := h.Engine.ListTrades(r.Context(), caller, schedule.TradeFilter{
		PeriodID: q.Get("period_id"),
		TicketID: q.Get("ticket_id"),
		Status:   schedule.TradeStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(trades))
}

// RequestTrade opens a swap, release or open pickup for the caller's assignment.
// POST /api/trades
func (h *Handler) RequestTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req RequestTradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.Engine.RequestTrade(r.Context(), caller, schedule.TradeRequestInput{
		AssignmentID:  req.AssignmentID,
		RequestType:   schedule.TradeType(req.RequestType),
		TargetStaffID: req.TargetStaffID,
		Note:          req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTrade returns one trade request.
// GET /api/trades/{id}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	t, err := h.Engine.GetTrade(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// AcceptTrade approves a pending trade.
// POST /api/trades/{id}/accept
func (h *Handler) AcceptTrade(w http.ResponseWriter, r *http.Request) {
	h.tradeStep(w, r, h.Engine.Accept)
}

// CancelTrade withdraws a trade.
// POST /api/trades/{id}/cancel
func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	h.tradeStep(w, r, h.Engine.Cancel)
}

func (h *Handler) tradeStep(w http.ResponseWriter, r *http.Request, op func(context.Context, schedule.Caller, string) (schedule.ShiftTradeRequest, error)) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	t, err := op(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DenyTrade rejects a pending trade with an optional note.
// POST /api/trades/{id}/deny
func (h *Handler) DenyTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req DenyTradeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	t, err := h.Engine.Deny(r.Context(), caller, chi.URLParam(r, "id"), req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ApplyTrade reassigns the shift of an approved trade.
// POST /api/trades/{id}/apply
func (h *Handler) ApplyTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req OverrideRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	res, err := h.Engine.ApplyTrade(r.Context(), caller, chi.URLParam(r, "id"), schedule.Override{
		AcknowledgedIDs: req.AcknowledgedConflictIDs,
		Reason:          req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res.Conflicts = nonNil(res.Conflicts)
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// PLANNING BOARD HANDLERS
// =============================================================================

// Propose records a candidate worker for a ticket.
// POST /api/planning/boards/{boardId}/proposals
func (h *Handler) Propose(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req ProposeRequest
	if !h.decode(w, r, &req) {
		return
	}
	item, prop, err := h.Engine.Propose(r.Context(), caller, schedule.ProposalInput{
		BoardID:     chi.URLParam(r, "boardId"),
		BoardItemID: req.BoardItemID,
		TicketID:    req.TicketID,
		Worker:      schedule.Worker{StaffID: req.StaffID, SubcontractorID: req.SubcontractorID},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ProposeResponse{Item: item, Proposal: prop})
}

// ApplyProposal writes a board proposal into the live schedule.
// POST /api/planning/boards/{boardId}/items/{itemId}/apply
func (h *Handler) ApplyProposal(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req PlanningApplyRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.ApplyProposal(r.Context(), caller, schedule.PlanningApplyInput{
		BoardID:                chi.URLParam(r, "boardId"),
		BoardItemID:            chi.URLParam(r, "itemId"),
		ProposalID:             req.ProposalID,
		AcknowledgedWarningIDs: req.AcknowledgedWarningIDs,
		OverrideLockedPeriod:   req.OverrideLockedPeriod,
		OverrideReason:         req.OverrideReason,
		DriftChoice:            schedule.DriftChoice(req.DriftChoice),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListDriftEvents returns the drift resolutions recorded for a board item.
// GET /api/planning/boards/{boardId}/items/{itemId}/drift
func (h *Handler) ListDriftEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	events, err := h.Engine.ListDriftEvents(r.Context(), caller, chi.URLParam(r, "itemId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Healthz reports liveness, and store reachability when the store can ping.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (schedule.Caller, bool) {
	c, err := CallerFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid caller headers", err)
		return schedule.Caller{}, false
	}
	return c, true
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: fields})
	return false
}

// fail maps an engine error onto a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ce *schedule.ConflictError
	switch {
	case errors.As(err, &ce):
		status := http.StatusConflict
		msg := "Blocked by conflicts"
		if ce.OverrideRequired {
			status = http.StatusPreconditionRequired
			msg = "Override required"
		}
		writeJSON(w, status, ErrorResponse{
			Error:          msg,
			Details:        err.Error(),
			Conflicts:      ce.Conflicts,
			Unacknowledged: ce.Unacknowledged,
			ReasonMissing:  ce.ReasonMissing,
			DriftChoice:    ce.DriftChoiceRequired,
		})
	case errors.Is(err, schedule.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden", err)
	case schedule.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, schedule.ErrPrecondition):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, schedule.ErrPeriodLocked):
		writeError(w, http.StatusConflict, "Period locked", err)
	case errors.Is(err, schedule.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Invalid transition", err)
	case errors.Is(err, schedule.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "Concurrent modification, retry", err)
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func queryBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// nonNil keeps empty lists as [] rather than null on the wire.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
