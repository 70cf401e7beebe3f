/*
handlers.go - HTTP API handlers for the points ledger and approval workflow

PURPOSE:
  Exposes intake, admin decisions, and balance queries via REST API.
  Handles HTTP request/response and JSON serialization, and delegates to
  the approval package.

ENDPOINTS:
  Intake:
    POST   /api/complaints                 Submit a complaint
    POST   /api/withdrawals                Request a withdrawal

  Entities:
    GET    /api/entities                   List (?kind=&status=&owner=&limit=)
    GET    /api/entities/{id}              Entity with timeline
    GET    /api/entities/{id}/ledger       Ledger entries posted for the entity
    POST   /api/entities/{id}/transitions  Admin decision

  Users:
    GET    /api/users/{id}/balance         Cached balance
    GET    /api/users/{id}/history         Running-balance history (?page=&size=)
    GET    /api/users/{id}/rank            Leaderboard rank
    POST   /api/users/{id}/reconcile       Recompute balance from the ledger

  Hierarchy:
    GET    /api/hierarchy/{kind}           Approval chain
    PUT    /api/hierarchy/{kind}           Replace chain (override role only)

  Ops:
    GET    /api/healthz                    Liveness and store ping
    GET    /api/metrics                    In-memory counters

PRINCIPAL:
  The identity gateway in front of this service sets X-Principal-ID and
  X-Principal-Role. Mutations without a principal get 401.

ERROR HANDLING:
  Errors are returned as JSON with a stable code:
  - 400: missing_reason, invalid_input
  - 401: no principal
  - 403: not_eligible
  - 404: not_found
  - 409: invalid_transition, stale_version
  - 422: insufficient_balance
  - 500: duplicate_ledger_entry, internal
  - 503: persistence_unavailable

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/civic-points/approval"
	"github.com/warp/civic-points/observability"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HierarchyStore reads and replaces approval chains.
type HierarchyStore interface {
	approval.HierarchySource
	SetApprovalHierarchy(ctx context.Context, kind approval.Kind, roles []approval.Role) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      approval.Store
	Hierarchy  HierarchyStore
	Workflow   *approval.Workflow
	Intake     *approval.Intake
	Projection *approval.Projection
	Metrics    *observability.Metrics
	Logger     *zap.Logger

	// Checked by /healthz; keyed by dependency name.
	Health map[string]Pinger
}

// NewHandler wires the approval components around one store.
func NewHandler(store approval.Store, hierarchy HierarchyStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics()

	workflow := approval.NewWorkflow(store, hierarchy, logger)
	workflow.Recorder = metrics

	return &Handler{
		Store:      store,
		Hierarchy:  hierarchy,
		Workflow:   workflow,
		Intake:     approval.NewIntake(store, logger),
		Projection: approval.NewProjection(store, logger),
		Metrics:    metrics,
		Logger:     logger,
		Health:     map[string]Pinger{},
	}
}

// =============================================================================
// INTAKE HANDLERS
// =============================================================================

// SubmitComplaint creates a pending complaint.
// POST /api/complaints
func (h *Handler) SubmitComplaint(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req SubmitComplaintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	owner := ownerOrCaller(req.OwnerID, p)
	e, err := h.Intake.SubmitComplaint(r.Context(), owner, req.Points, req.Description, req.EvidenceRefs)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntityDTO(e))
}

// RequestWithdrawal creates a pending withdrawal.
// POST /api/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req RequestWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	owner := ownerOrCaller(req.OwnerID, p)
	if owner != p.ID && p.Role != h.Workflow.OverrideRole {
		h.writeDomainError(w, &approval.NotEligibleError{
			Actor:  p,
			Reason: "withdrawals can only be requested against the caller's own points",
		})
		return
	}
	e, err := h.Intake.RequestWithdrawal(r.Context(), owner, req.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntityDTO(e))
}

func ownerOrCaller(owner string, p approval.Principal) approval.UserID {
	if strings.TrimSpace(owner) != "" {
		return approval.UserID(owner)
	}
	return p.ID
}

// =============================================================================
// ENTITY HANDLERS
// =============================================================================

// ListEntities returns entities matching the query filters.
// GET /api/entities?kind=&status=&owner=&limit=
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := approval.EntityFilter{
		Kind:    approval.Kind(q.Get("kind")),
		Status:  approval.Status(q.Get("status")),
		OwnerID: approval.UserID(q.Get("owner")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown kind", nil)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	entities, err := h.Store.ListEntities(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, approval.PersistenceError("list entities", err))
		return
	}

	dtos := make([]EntityDTO, len(entities))
	for i := range entities {
		dtos[i] = toEntityDTO(&entities[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEntity returns one entity with its timeline.
// GET /api/entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := approval.EntityID(chi.URLParam(r, "id"))

	e, err := h.Store.GetEntity(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityDTO(e))
}

// GetEntityLedger returns every ledger entry posted for the entity.
// GET /api/entities/{id}/ledger
func (h *Handler) GetEntityLedger(w http.ResponseWriter, r *http.Request) {
	id := approval.EntityID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetEntity(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	entries, err := h.Store.LedgerByEntity(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, approval.PersistenceError("read entity ledger", err))
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// Transition applies an admin decision.
// POST /api/entities/{id}/transitions
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	decision, err := approval.ParseDecision(req.Action, req.Reason, req.Points)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	result, err := h.Workflow.AttemptTransition(r.Context(), approval.Attempt{
		EntityID:  approval.EntityID(chi.URLParam(r, "id")),
		Principal: p,
		Decision:  decision,
		AttemptID: strings.TrimSpace(req.AttemptID),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TransitionResponse{
		Entity:   toEntityDTO(result.Entity),
		Event:    toEventDTO(result.Event),
		Entries:  toEntryDTOs(result.Entries),
		Replayed: result.Replayed,
	})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetBalance returns the cached balance.
// GET /api/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := approval.UserID(chi.URLParam(r, "id"))

	points, err := h.Projection.CurrentBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(userID), Points: points})
}

// GetHistory returns a page of running-balance history.
// GET /api/users/{id}/history?page=&size=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := approval.UserID(chi.URLParam(r, "id"))

	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page parameters", err)
		return
	}

	hist, err := h.Projection.History(r.Context(), userID, page)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(hist))
}

// GetRank returns the user's leaderboard position.
// GET /api/users/{id}/rank
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	userID := approval.UserID(chi.URLParam(r, "id"))

	pos, err := h.Projection.LeaderboardRank(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RankDTO{
		UserID:     string(pos.UserID),
		Points:     pos.Balance,
		UsersAhead: pos.UsersAhead,
		Rank:       pos.Rank,
	})
}

// Reconcile recomputes the balance from the ledger.
// POST /api/users/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	userID := approval.UserID(chi.URLParam(r, "id"))

	points, err := h.Projection.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(userID), Points: points})
}

func parsePage(r *http.Request) (approval.Page, error) {
	var page approval.Page
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, fmt.Errorf("page: %w", err)
		}
		page.Number = n
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, fmt.Errorf("size: %w", err)
		}
		page.Size = n
	}
	return page, nil
}

// =============================================================================
// HIERARCHY HANDLERS
// =============================================================================

// GetHierarchy returns the approval chain for a kind.
// GET /api/hierarchy/{kind}
func (h *Handler) GetHierarchy(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	hier, err := approval.LoadHierarchy(r.Context(), h.Hierarchy, kind, h.Workflow.OverrideRole)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHierarchyDTO(hier))
}

// SetHierarchy replaces the approval chain. Entities already decided keep
// their recorded ranks.
// PUT /api/hierarchy/{kind}
func (h *Handler) SetHierarchy(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	if p.Role != h.Workflow.OverrideRole {
		h.writeDomainError(w, &approval.NotEligibleError{
			Actor:  p,
			Reason: fmt.Sprintf("only %s may change the approval hierarchy", h.Workflow.OverrideRole),
		})
		return
	}

	var req SetHierarchyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	roles := make([]approval.Role, 0, len(req.Roles))
	seen := make(map[approval.Role]bool, len(req.Roles))
	for _, s := range req.Roles {
		role := approval.Role(strings.TrimSpace(s))
		if role == "" || role == h.Workflow.OverrideRole || seen[role] {
			writeError(w, http.StatusBadRequest, "Roles must be unique, non-empty, and exclude the override role", nil)
			return
		}
		seen[role] = true
		roles = append(roles, role)
	}

	if err := h.Hierarchy.SetApprovalHierarchy(r.Context(), kind, roles); err != nil {
		h.writeDomainError(w, approval.PersistenceError("set approval hierarchy", err))
		return
	}

	h.Logger.Info("approval hierarchy changed",
		zap.String("kind", string(kind)),
		zap.Strings("roles", req.Roles),
		zap.String("actor_id", string(p.ID)),
	)

	writeJSON(w, http.StatusOK, toHierarchyDTO(approval.Hierarchy{
		Kind:     kind,
		Roles:    roles,
		Override: h.Workflow.OverrideRole,
	}))
}

func kindParam(w http.ResponseWriter, r *http.Request) (approval.Kind, bool) {
	kind := approval.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusNotFound, "Unknown kind", nil)
		return "", false
	}
	return kind, true
}

func toHierarchyDTO(h approval.Hierarchy) HierarchyDTO {
	roles := make([]string, len(h.Roles))
	for i, role := range h.Roles {
		roles[i] = string(role)
	}
	return HierarchyDTO{Kind: string(h.Kind), Roles: roles, OverrideRole: string(h.Override)}
}

// =============================================================================
// OPS HANDLERS
// =============================================================================

// Healthz pings every registered dependency.
// GET /api/healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	code := http.StatusOK
	for name, p := range h.Health {
		if err := p.Ping(r.Context()); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
}

// GetMetrics returns the in-memory counters.
// GET /api/metrics
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

// =============================================================================
// HELPERS
// =============================================================================

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

// writeDomainError maps approval errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.Error(err), zap.Int("status", status))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: approval.ErrorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, approval.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, approval.ErrMissingReason), errors.Is(err, approval.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, approval.ErrStaleVersion):
		return http.StatusConflict
	case errors.Is(err, approval.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
