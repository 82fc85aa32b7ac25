package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/menza-app/menza/internal/domain"
	"github.com/menza-app/menza/internal/service"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *service.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		svc:     svc,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRestaurants handles GET /restaurants?city=.
func (h *Handler) ListRestaurants(w http.ResponseWriter, r *http.Request) {
	views := h.svc.Board(r.Context(), r.URL.Query().Get("city"))
	writeJSON(w, http.StatusOK, map[string]any{
		"restaurants": views,
		"count":       len(views),
	})
}

// GetCrowd handles GET /restaurants/{id}/crowd.
func (h *Handler) GetCrowd(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.View(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListReports handles GET /restaurants/{id}/reports.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.svc.Reports(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

// SubmitReportRequest is the request body for POST /restaurants/{id}/reports.
type SubmitReportRequest struct {
	Level string `json:"level" validate:"required,oneof=low medium high"`
}

// SubmitReport handles POST /restaurants/{id}/reports.
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeJSON[SubmitReportRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.svc.SubmitReport(ctx, service.SubmitRequest{
		RestaurantID: chi.URLParam(r, "id"),
		UserID:       GetUserID(ctx),
		Level:        req.Level,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// SetVerifiedRequest is the request body for PUT /restaurants/{id}/verified.
type SetVerifiedRequest struct {
	Verified *bool `json:"verified" validate:"required"`
}

// SetVerified handles PUT /restaurants/{id}/verified.
func (h *Handler) SetVerified(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[SetVerifiedRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.svc.SetVerified(r.Context(), id, *req.Verified); err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("verified flag updated", "restaurant_id", id, "verified", *req.Verified)
	writeJSON(w, http.StatusOK, map[string]any{
		"restaurantId": id,
		"verified":     *req.Verified,
	})
}

// Compare handles GET /compare?a=&b=.
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "query parameters a and b are required")
		return
	}

	cmp, err := h.svc.Compare(r.Context(), a, b)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// Heatmap handles GET /heatmap?city=&slot=. Forecast slots are shown to
// premium users only.
func (h *Handler) Heatmap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slot := 0
	if raw := r.URL.Query().Get("slot"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "slot must be a non-negative integer")
			return
		}
		slot = n
	}

	premium := false
	if userID := GetUserID(ctx); userID != "" {
		p, err := h.svc.Profile(ctx, userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		premium = p.IsPremium
	}

	cells := h.svc.Heatmap(ctx, r.URL.Query().Get("city"), slot, premium)
	writeJSON(w, http.StatusOK, map[string]any{
		"slot":    slot,
		"premium": premium,
		"cells":   cells,
	})
}

// GetProfile handles GET /users/{id}/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Profile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ProfileRequest is the request body for PUT /users/{id}/profile.
type ProfileRequest struct {
	Points                int  `json:"points" validate:"gte=0"`
	CrowdReportsSubmitted int  `json:"crowdReportsSubmitted" validate:"gte=0"`
	ReviewsCount          int  `json:"reviewsCount" validate:"gte=0"`
	IsPremium             bool `json:"isPremium"`
}

// PutProfile handles PUT /users/{id}/profile.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[ProfileRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := domain.UserTrustProfile{
		Points:                req.Points,
		CrowdReportsSubmitted: req.CrowdReportsSubmitted,
		ReviewsCount:          req.ReviewsCount,
		IsPremium:             req.IsPremium,
	}
	if err := h.svc.SaveProfile(r.Context(), chi.URLParam(r, "id"), p); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RecordReview handles POST /users/{id}/reviews.
func (h *Handler) RecordReview(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.RecordReview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListSpikeRules handles GET /spike-rules.
func (h *Handler) ListSpikeRules(w http.ResponseWriter, r *http.Request) {
	stored, err := h.svc.SpikeRules(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"loaded": h.svc.LoadedRulesCount(),
	})
}

// GetSpikeRule handles GET /spike-rules/{id}.
func (h *Handler) GetSpikeRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.SpikeRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateSpikeRuleRequest is the request body for POST /spike-rules.
type CreateSpikeRuleRequest struct {
	ID          string `json:"id" validate:"required,max=64"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression" validate:"required"`
	Reason      string `json:"reason,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// CreateSpikeRule handles POST /spike-rules. The rule is compiled, stored
// and activated in one step.
func (h *Handler) CreateSpikeRule(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[CreateSpikeRuleRequest](r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rule := &domain.SpikeRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}
	if err := h.svc.SaveSpikeRule(r.Context(), rule); err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("spike rule saved", "id", rule.ID, "name", rule.Name, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":   rule,
		"loaded": h.svc.LoadedRulesCount(),
	})
}

// ReloadSpikeRules handles POST /spike-rules/reload.
func (h *Handler) ReloadSpikeRules(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ReloadSpikeRules(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "spike rules reloaded successfully",
		"count":   h.svc.LoadedRulesCount(),
	})
}

// writeServiceError maps service errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownRestaurant),
		errors.Is(err, service.ErrUnknownRule):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrMissingUser):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrInvalidLevel),
		errors.Is(err, service.ErrInvalidProfile),
		errors.Is(err, service.ErrInvalidRule),
		errors.Is(err, service.ErrInvalidTimestamp):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRulesDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
