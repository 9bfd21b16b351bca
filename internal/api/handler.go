package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/ai"
	"github.com/beaconcrm/beacon/internal/audience"
	"github.com/beaconcrm/beacon/internal/campaign"
	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/metrics"
	"github.com/beaconcrm/beacon/internal/redis"
	"github.com/beaconcrm/beacon/internal/rules"
)

// CampaignService defines the campaign operations the API exposes.
type CampaignService interface {
	Create(ctx context.Context, in campaign.CreateInput) (*db.Campaign, error)
	Update(ctx context.Context, id uuid.UUID, in campaign.CreateInput) (*db.Campaign, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	List(ctx context.Context, limit, offset int) ([]*db.Campaign, error)
	Launch(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	Preview(ctx context.Context, ruleJSON json.RawMessage) (*audience.Preview, error)
	SetStatus(ctx context.Context, id uuid.UUID, to string) (*db.Campaign, error)
	Stats(ctx context.Context, id uuid.UUID) (*campaign.StatsReport, error)
	Deliveries(ctx context.Context, id uuid.UUID, limit, offset int) ([]*db.DeliveryLog, error)
}

// CustomerStore defines the customer read operations the API exposes.
type CustomerStore interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (*db.Customer, error)
	ListCustomers(ctx context.Context) ([]*db.Customer, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the campaign API handlers.
type Handler struct {
	logger      *zap.Logger
	svc         CampaignService
	customers   CustomerStore
	assistant   ai.Assistant
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler. The idempotency service may be nil.
func NewHandler(logger *zap.Logger, svc CampaignService, customers CustomerStore, assistant ai.Assistant, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		svc:         svc,
		customers:   customers,
		assistant:   assistant,
		idempotency: idempotency,
	}
}

// CreateCampaign handles POST /v1/campaigns.
// Supports idempotency via the Idempotency-Key header; a retried
// create-and-launch returns the original campaign instead of dispatching a
// second time.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.CampaignID})
			return
		}
	}

	c, err := h.svc.Create(ctx, req)
	if err != nil {
		if idempotencyKey != "" && h.idempotency != nil {
			if relErr := h.idempotency.Release(ctx, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.writeServiceError(w, err, "Failed to create campaign")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			CampaignID: c.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("campaign created",
		zap.String("id", c.ID.String()),
		zap.String("name", c.Name),
		zap.String("status", c.Status),
	)

	h.writeJSON(w, http.StatusCreated, c)
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	c, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// ListCampaigns handles GET /v1/campaigns?limit=20&offset=0
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	campaigns, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list campaigns")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   campaigns,
		"limit":  limit,
		"offset": offset,
		"count":  len(campaigns),
	})
}

// UpdateCampaign handles PUT /v1/campaigns/{id}. Only drafts are mutable.
func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	c, err := h.svc.Update(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// DeleteCampaign handles DELETE /v1/campaigns/{id}. Only drafts can go.
func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "Failed to delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LaunchCampaign handles POST /v1/campaigns/{id}/launch
func (h *Handler) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	c, err := h.svc.Launch(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to launch campaign")
		return
	}

	h.logger.Info("campaign launch accepted",
		zap.String("id", c.ID.String()),
		zap.Int("audience_size", c.AudienceSize),
	)
	h.writeJSON(w, http.StatusOK, c)
}

// PreviewAudience handles POST /v1/campaigns/preview. The body carries the
// rule only; nothing is persisted.
func (h *Handler) PreviewAudience(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule json.RawMessage `json:"audience_rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	preview, err := h.svc.Preview(r.Context(), req.Rule)
	if err != nil {
		h.writeServiceError(w, err, "Failed to preview audience")
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

// SetCampaignStatus handles PATCH /v1/campaigns/{id}/status for operator
// transitions: pause, resume, cancel.
func (h *Handler) SetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	c, err := h.svc.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		h.writeServiceError(w, err, "Failed to change campaign status")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// GetCampaignStats handles GET /v1/campaigns/{id}/stats
func (h *Handler) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	report, err := h.svc.Stats(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get campaign stats")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ListCampaignDeliveries handles GET /v1/campaigns/{id}/deliveries
func (h *Handler) ListCampaignDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	limit, offset := pagination(r)

	logs, err := h.svc.Deliveries(r.Context(), id, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list deliveries")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   logs,
		"limit":  limit,
		"offset": offset,
		"count":  len(logs),
	})
}

// GetCustomer handles GET /v1/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	c, err := h.customers.GetCustomer(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get customer")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// ListCustomers handles GET /v1/customers
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.customers.ListCustomers(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Failed to list customers")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  customers,
		"count": len(customers),
	})
}

// GenerateRules handles POST /v1/ai/rules: natural language in, validated
// segmentation rule out.
func (h *Handler) GenerateRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Query == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing query", "query is required")
		return
	}

	rule, err := h.assistant.GenerateRules(r.Context(), req.Query)
	if err != nil {
		h.logger.Error("rule generation failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "assistant_error", "Failed to generate rules", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"audience_rules": rule,
		"description":    rule.Describe(),
	})
}

// SuggestMessages handles POST /v1/ai/messages.
func (h *Handler) SuggestMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Objective string `json:"objective"`
		Audience  string `json:"audience,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Objective == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing objective", "objective is required")
		return
	}

	msgs, err := h.assistant.SuggestMessages(r.Context(), req.Objective, req.Audience)
	if err != nil {
		h.logger.Error("message suggestion failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "assistant_error", "Failed to suggest messages", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": msgs})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid identifier", name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0
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
	return limit, offset
}

// writeServiceError maps service errors to HTTP problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, err.Error())
	case errors.Is(err, db.ErrNotDraft):
		h.writeError(w, http.StatusConflict, "invalid_state", title, err.Error())
	case errors.Is(err, campaign.ErrNameRequired),
		errors.Is(err, campaign.ErrTemplateRequired),
		errors.Is(err, campaign.ErrBadChannel),
		errors.Is(err, campaign.ErrBadType),
		errors.Is(err, campaign.ErrBadTransition),
		errors.Is(err, rules.ErrInvalid):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
