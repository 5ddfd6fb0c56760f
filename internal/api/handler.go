package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"campaign-dispatch/internal/audience"
	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/engine"
	"campaign-dispatch/internal/observability"
)

const maxBody = 1 << 20

type CustomerStore interface {
	ListCustomers(ctx context.Context) ([]engine.Customer, error)
	GetCustomersByIDs(ctx context.Context, ids []string) ([]engine.Customer, error)
}

type DeliveryStore interface {
	ListDeliveries(ctx context.Context, campaignID string) ([]engine.DeliveryResult, error)
}

type Handler struct {
	Campaigns  *campaign.Service
	Dispatch   *dispatch.Engine
	Audience   *audience.Resolver
	Customers  CustomerStore
	Deliveries DeliveryStore
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInvalidCampaign), errors.Is(err, engine.ErrInvalidAudienceSpec):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrDispatchAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, engine.ErrSenderUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := log.With().Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Logger()
	observability.LogError(logger, err, "request failed")

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Type: engine.Kind(err)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", engine.ErrInvalidCampaign, err)
	}
	return nil
}

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Customers.ListCustomers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

type ruleRequest struct {
	Name       string             `json:"name"`
	LogicType  engine.LogicType   `json:"logicType"`
	Conditions []engine.Condition `json:"conditions"`
}

func (rr ruleRequest) rule() engine.SegmentRule {
	return engine.SegmentRule{Name: rr.Name, LogicType: rr.LogicType, Conditions: rr.Conditions}
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", engine.ErrInvalidRule, err))
		return
	}
	rule, err := h.Campaigns.CreateRule(r.Context(), req.rule())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Campaigns.ListRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// RuleFields lists the customer attributes a condition may reference.
func (h *Handler) RuleFields(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"fields": engine.KnownFields()})
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Campaigns.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

type previewRequest struct {
	RuleID     string             `json:"ruleId"`
	LogicType  engine.LogicType   `json:"logicType"`
	Conditions []engine.Condition `json:"conditions"`
	Limit      int                `json:"limit"`
}

type previewResponse struct {
	Description  string            `json:"description"`
	AudienceSize int               `json:"audienceSize"`
	Customers    []engine.Customer `json:"customers"`
}

// PreviewRule evaluates a saved or unsaved rule without creating anything.
func (h *Handler) PreviewRule(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", engine.ErrInvalidRule, err))
		return
	}

	var rule engine.SegmentRule
	var err error
	if id := strings.TrimSpace(req.RuleID); id != "" {
		rule, err = h.Campaigns.GetRule(r.Context(), id)
	} else {
		rule, err = engine.NormalizeRule(engine.SegmentRule{LogicType: req.LogicType, Conditions: req.Conditions})
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	aud, err := h.Audience.Preview(r.Context(), rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sample := aud.Customers
	if len(sample) > limit {
		sample = sample[:limit]
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Description:  engine.Describe(rule),
		AudienceSize: aud.Size(),
		Customers:    sample,
	})
}

type explainResponse struct {
	RuleID     string                   `json:"ruleId"`
	CustomerID string                   `json:"customerId"`
	Matched    bool                     `json:"matched"`
	Conditions []engine.ConditionResult `json:"conditions"`
}

func (h *Handler) ExplainRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rule, err := h.Campaigns.GetRule(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	customerID := chi.URLParam(r, "customerID")
	cs, err := h.Customers.GetCustomersByIDs(ctx, []string{customerID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(cs) == 0 {
		writeError(w, r, fmt.Errorf("customer %s: %w", customerID, engine.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, explainResponse{
		RuleID:     rule.ID,
		CustomerID: customerID,
		Matched:    engine.Evaluate(rule, cs[0]),
		Conditions: engine.Explain(rule, cs[0]),
	})
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var d campaign.Draft
	if err := decode(w, r, &d); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.Campaigns.CreateDraft(r.Context(), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type campaignView struct {
	engine.Campaign
	DeliveryRate int `json:"deliveryRate"`
}

func viewOf(c engine.Campaign) campaignView {
	return campaignView{Campaign: c, DeliveryRate: c.DeliveryRate()}
}

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cs, err := h.Campaigns.List(r.Context(), campaign.Filter{
		Query:  q.Get("q"),
		Status: engine.Status(strings.ToLower(q.Get("status"))),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]campaignView, len(cs))
	for i, c := range cs {
		out[i] = viewOf(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Campaigns.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

func (h *Handler) CampaignStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.Dispatch.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) CampaignDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.Campaigns.Get(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	ds, err := h.Deliveries.ListDeliveries(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// DispatchCampaign starts a run and answers immediately; clients poll the
// status endpoint.
func (h *Handler) DispatchCampaign(w http.ResponseWriter, r *http.Request) {
	run, err := h.Dispatch.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run.Progress())
}

func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	run, err := h.Dispatch.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run.Progress())
}

func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Dispatch.Cancel(id) {
		writeError(w, r, fmt.Errorf("%w: campaign %s has no active run", engine.ErrInvalidTransition, id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"campaignId": id, "status": "cancelling"})
}

func (h *Handler) DuplicateCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Campaigns.Duplicate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type generateRequest struct {
	Name   string `json:"name"`
	RuleID string `json:"ruleId"`
}

func (h *Handler) GenerateMessage(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := h.Campaigns.SuggestMessage(r.Context(), req.Name, req.RuleID)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			observability.LogError(log.Logger, err, "message generation failed")
			writeJSON(w, http.StatusBadGateway, errorBody{Error: "message generation failed", Type: "upstream"})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}
