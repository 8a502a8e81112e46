package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/vc-policy-gateway/middleware"
	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/repositories"
	"github.com/upb/vc-policy-gateway/services/normalizer"
	"github.com/upb/vc-policy-gateway/services/policy"
	"github.com/upb/vc-policy-gateway/services/units"
	"github.com/upb/vc-policy-gateway/utils"
	"go.uber.org/zap"
)

// EvaluateRequest is the body of the decision endpoints
type EvaluateRequest struct {
	Request    normalizer.RawRequest `json:"request"`
	Credential string                `json:"credential"`
	Resource   string                `json:"resource" validate:"required,resource"`
}

// UnitBinding describes one resource pattern and the unit bound to it
type UnitBinding struct {
	Pattern string `json:"pattern"`
	Unit    string `json:"unit"`
	Version string `json:"version"`
}

// UnitsResponse lists the active bindings
type UnitsResponse struct {
	Bindings []UnitBinding        `json:"bindings"`
	Stats    policy.RegistryStats `json:"stats"`
}

// UnitCatalog exposes the active registry snapshot
type UnitCatalog interface {
	Bindings() []policy.Binding
	Stats() policy.RegistryStats
}

// BundleReloader reloads the policy bundle on demand
type BundleReloader interface {
	Reload(ctx context.Context) (int, error)
	Status() units.ReloadStatus
}

// DecisionStore reads the decision trail
type DecisionStore interface {
	GetDecision(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error)
	ListDecisions(ctx context.Context, requestID string, filter repositories.DecisionFilter) ([]*models.DecisionRecord, error)
}

// PDPHandler serves the policy decision point API
type PDPHandler struct {
	evaluator middleware.PolicyEvaluator
	catalog   UnitCatalog
	reloader  BundleReloader
	decisions DecisionStore
	logger    *zap.Logger
}

// NewPDPHandler creates a new PDPHandler. decisions may be nil when the
// decision trail is disabled.
func NewPDPHandler(evaluator middleware.PolicyEvaluator, catalog UnitCatalog, reloader BundleReloader, decisions DecisionStore, logger *zap.Logger) *PDPHandler {
	return &PDPHandler{
		evaluator: evaluator,
		catalog:   catalog,
		reloader:  reloader,
		decisions: decisions,
		logger:    logger,
	}
}

// HandleAuthenticate handles POST /api/v1/pdp/authenticate
func (h *PDPHandler) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, models.PhaseAuthenticate)
}

// HandleAuthorize handles POST /api/v1/pdp/authorize
func (h *PDPHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	h.evaluate(w, r, models.PhaseAuthorize)
}

// evaluate always answers 200 with a verdict once the body is well formed.
// Denials are verdicts, not errors.
func (h *PDPHandler) evaluate(w http.ResponseWriter, r *http.Request, phase models.Phase) {
	var req EvaluateRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var verdict models.Verdict
	if phase == models.PhaseAuthenticate {
		verdict = h.evaluator.EvaluateAuthenticate(r.Context(), req.Request, req.Credential, req.Resource)
	} else {
		verdict = h.evaluator.EvaluateAuthorize(r.Context(), req.Request, req.Credential, req.Resource)
	}

	if err := utils.WriteOK(w, verdict); err != nil {
		h.logger.Error("failed to write verdict response", zap.Error(err))
	}
}

// HandleListUnits handles GET /api/v1/pdp/units
func (h *PDPHandler) HandleListUnits(w http.ResponseWriter, r *http.Request) {
	bindings := h.catalog.Bindings()
	response := UnitsResponse{
		Bindings: make([]UnitBinding, 0, len(bindings)),
		Stats:    h.catalog.Stats(),
	}
	for _, b := range bindings {
		response.Bindings = append(response.Bindings, UnitBinding{
			Pattern: b.Pattern,
			Unit:    b.Unit.Name(),
			Version: b.Unit.Version(),
		})
	}

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write units response", zap.Error(err))
	}
}

// HandleReload handles POST /api/v1/pdp/reload
// A failed reload keeps the previous bindings and answers 400 with the cause
func (h *PDPHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if _, err := h.reloader.Reload(r.Context()); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, h.reloader.Status()); err != nil {
		h.logger.Error("failed to write reload response", zap.Error(err))
	}
}

// HandleListDecisions handles GET /api/v1/pdp/decisions
func (h *PDPHandler) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	if h.decisions == nil {
		h.writeTrailDisabled(w)
		return
	}

	filter, err := parseDecisionFilter(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	records, err := h.decisions.ListDecisions(r.Context(), r.URL.Query().Get("request_id"), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if records == nil {
		records = []*models.DecisionRecord{}
	}

	if err := utils.WriteOK(w, records); err != nil {
		h.logger.Error("failed to write decisions response", zap.Error(err))
	}
}

// HandleGetDecision handles GET /api/v1/pdp/decisions/{id}
func (h *PDPHandler) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	if h.decisions == nil {
		h.writeTrailDisabled(w)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		HandleValidationError(w, fmt.Errorf("invalid decision id: %s", chi.URLParam(r, "id")), h.logger)
		return
	}

	record, err := h.decisions.GetDecision(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, record); err != nil {
		h.logger.Error("failed to write decision response", zap.Error(err))
	}
}

func (h *PDPHandler) writeTrailDisabled(w http.ResponseWriter) {
	if err := utils.WriteServiceUnavailable(w, "Decision trail is disabled"); err != nil {
		h.logger.Error("failed to write unavailable response", zap.Error(err))
	}
}

func parseDecisionFilter(r *http.Request) (repositories.DecisionFilter, error) {
	q := r.URL.Query()
	var filter repositories.DecisionFilter

	switch phase := models.Phase(q.Get("phase")); phase {
	case "":
	case models.PhaseAuthenticate, models.PhaseAuthorize:
		filter.Phase = phase
	default:
		return filter, fmt.Errorf("phase must be one of: authenticate authorize")
	}

	filter.Resource = q.Get("resource")

	if v := q.Get("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("allowed must be a boolean: %s", v)
		}
		filter.Allowed = &allowed
	}

	var err error
	if filter.Since, err = parseTimeParam(q.Get("since"), "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTimeParam(q.Get("until"), "until"); err != nil {
		return filter, err
	}

	if filter.Limit, err = parseIntParam(q.Get("limit"), "limit", 1000); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseIntParam(q.Get("offset"), "offset", 0); err != nil {
		return filter, err
	}

	return filter, nil
}

func parseTimeParam(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp: %s", name, v)
	}
	return t, nil
}

// parseIntParam parses a non-negative integer; max of 0 means unbounded
func parseIntParam(v, name string, max int) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %s", name, v)
	}
	if max > 0 && n > max {
		return 0, fmt.Errorf("%s must be at most %d", name, max)
	}
	return n, nil
}
