/*
handlers.go - HTTP API handlers for the matching engine

PURPOSE:
  Exposes the matching engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to recon.Engine.

ENDPOINTS:
  Manual wizard:
    POST   /api/selection/validate                 Cardinality gate + detected type
    GET    /api/deposit-lines/{id}/candidates      Ranked schedules for a line
    POST   /api/allocations/preview                Plan without writing
    POST   /api/matches                            Plan and apply

  Match groups:
    GET    /api/match-groups/{id}                  Members and group status
    POST   /api/match-groups/{id}/reverse          Undo the whole group

  Auto-match:
    POST   /api/deposits/{id}/auto-match/preview   Bucket every line
    POST   /api/deposits/{id}/auto-match/confirm   Apply candidates

  Schedules:
    GET    /api/revenue-schedules/{id}             Schedule with metrics

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (go-playground/validator)
  3. Call the engine
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, failed field validation
  - 404: Line, schedule or match group not found
  - 409: Concurrent modification ("please retry"), line balance consumed
  - 422: Selection, allocation and policy errors, with a typed code
  - 500: Conservation failures and internal errors

SECURITY NOTE:
  No authentication or authorization. Permission checks belong to the
  caller in front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/revenue-reconciler/recon"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *recon.Engine
	validate *validator.Validate
	log      logrus.FieldLogger
}

// NewHandler creates a new handler.
func NewHandler(engine *recon.Engine, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		engine:   engine,
		validate: validator.New(),
		log:      log,
	}
}

// =============================================================================
// SELECTION ENDPOINTS
// =============================================================================

// ValidateSelection reports whether the counts fit the chosen cardinality.
func (h *Handler) ValidateSelection(w http.ResponseWriter, r *http.Request) {
	var req ValidateSelectionRequest
	if !h.decode(w, r, &req) {
		return
	}

	c := recon.CardinalityType(req.Cardinality)
	resp := ValidateSelectionResponse{
		Compatible: recon.IsCompatible(c, len(req.LineIDs), len(req.ScheduleIDs)),
	}
	if detected, ok := recon.DetectCardinality(len(req.LineIDs), len(req.ScheduleIDs)); ok {
		resp.Detected = string(detected)
	}
	if err := recon.ValidateSelection(c, len(req.LineIDs), len(req.ScheduleIDs)); err != nil {
		resp.Message = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCandidates ranks schedules for one deposit line.
func (h *Handler) GetCandidates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	candidates, err := h.engine.Candidates(r.Context(), recon.LineID(id))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if candidates == nil {
		candidates = []recon.Candidate{}
	}
	writeJSON(w, http.StatusOK, CandidatesResponse{LineID: id, Candidates: candidates})
}

// PreviewAllocation returns the plan an apply would commit.
func (h *Handler) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if !h.decode(w, r, &req) {
		return
	}

	plan, err := h.engine.PreviewAllocation(r.Context(), req.toEngine())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ApplyMatch plans and commits one match group.
func (h *Handler) ApplyMatch(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.engine.ApplySelection(r.Context(), req.toEngine())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// =============================================================================
// MATCH GROUP ENDPOINTS
// =============================================================================

func (h *Handler) GetMatchGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.engine.MatchGroup(r.Context(), recon.MatchGroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// ReverseMatchGroup undoes a group. Reversing twice is a 200 with a notice.
func (h *Handler) ReverseMatchGroup(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Reverse(r.Context(), recon.MatchGroupID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// AUTO-MATCH ENDPOINTS
// =============================================================================

func (h *Handler) AutoMatchPreview(w http.ResponseWriter, r *http.Request) {
	var req AutoMatchPreviewRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	summary, err := h.engine.AutoMatchPreview(r.Context(), recon.DepositID(chi.URLParam(r, "id")), req.Threshold)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AutoMatchConfirm applies candidates. Per-candidate failures are reported
// in the body; the response is 200 even when some candidates failed.
func (h *Handler) AutoMatchConfirm(w http.ResponseWriter, r *http.Request) {
	var req AutoMatchConfirmRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	depositID := recon.DepositID(chi.URLParam(r, "id"))

	var candidates []recon.AutoMatchCandidate
	if len(req.Candidates) > 0 {
		for _, c := range req.Candidates {
			candidates = append(candidates, c.toEngine())
		}
	} else {
		summary, err := h.engine.AutoMatchPreview(r.Context(), depositID, req.Threshold)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		candidates = summary.Candidates
	}

	result := h.engine.AutoMatchConfirm(r.Context(), candidates, nil)
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// SCHEDULE ENDPOINTS
// =============================================================================

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.ScheduleView(r.Context(), recon.ScheduleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "Validation failed", Code: "invalid_request", Details: fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var (
		selErr     *recon.SelectionError
		policyErr  *recon.PolicyError
		allocErr   *recon.AllocationError
		balanceErr *recon.BalanceConsumedError
	)

	switch {
	case errors.As(err, &selErr):
		writeCoded(w, http.StatusUnprocessableEntity, "selection_incompatible", selErr.Error(), selErr)
	case errors.As(err, &policyErr):
		writeCoded(w, http.StatusUnprocessableEntity, "allocation_policy_unsupported", policyErr.Guidance, policyErr)
	case errors.As(err, &allocErr):
		writeCoded(w, http.StatusUnprocessableEntity, allocErr.Code, allocErr.Message, allocErr)
	case errors.As(err, &balanceErr):
		writeCoded(w, http.StatusConflict, "balance_consumed", balanceErr.Error(), balanceErr)
	case recon.IsNotFound(err):
		writeCoded(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case recon.IsRetryable(err):
		writeCoded(w, http.StatusConflict, "concurrent_modification",
			"Another change touched the same records; nothing was applied, please retry", nil)
	case errors.Is(err, recon.ErrConservationViolation):
		h.log.WithError(err).Error("conservation violation surfaced to API")
		writeCoded(w, http.StatusInternalServerError, "conservation_violation", "Allocation did not balance; nothing was applied", nil)
	default:
		h.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
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

func writeCoded(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
