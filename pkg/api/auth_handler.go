package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/auth"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
)

// AuthHandler serves the token-exchange and identity endpoints.
type AuthHandler struct {
	service *auth.Service
	logger  *logger.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(service *auth.Service, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  log,
	}
}

// ExchangeToken handles POST /auth/token. It swaps a provider-issued ID token
// for a backend session token.
func (h *AuthHandler) ExchangeToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)

	var req models.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.IDToken == "" {
		h.respondError(w, http.StatusBadRequest, "id_token is required", nil)
		return
	}

	resp, err := h.service.ExchangeToken(ctx, req.IDToken)
	if err != nil {
		h.logger.Warn("token exchange rejected", zap.Error(err))
		h.respondError(w, http.StatusUnauthorized, "token exchange failed", err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// GetConfig handles GET /auth/config. Clients use it to discover which
// identity provider is active and what it supports.
func (h *AuthHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.ConfigResponse())
}

// Logout handles POST /auth/logout. The provider token, not the session
// token, is revoked; providers without server-side revocation reject this.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)

	var req struct {
		ProviderToken string `json:"provider_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ProviderToken == "" {
		h.respondError(w, http.StatusBadRequest, "provider_token is required", nil)
		return
	}

	if err := h.service.Logout(ctx, req.ProviderToken); err != nil {
		h.respondError(w, http.StatusBadRequest, "logout failed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetCurrentUser handles GET /auth/me
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, user)
}

// ListUsers handles GET /admin/users
func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	usersList, err := h.service.GetUserService().ListUsers(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list users", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"users": usersList,
		"total": len(usersList),
	})
}

// UpdateUserTier handles PUT /admin/users/{id}/tier
func (h *AuthHandler) UpdateUserTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	tier := models.UserTier(strings.ToLower(req.Tier))
	if tier != models.TierMetered && tier != models.TierUnmetered {
		h.respondError(w, http.StatusBadRequest, "tier must be metered or unmetered", nil)
		return
	}

	userID := mux.Vars(r)["id"]
	if err := h.service.GetUserService().UpdateTier(r.Context(), userID, tier); err != nil {
		h.respondError(w, http.StatusNotFound, "user not found", err)
		return
	}

	h.logger.Info("user tier updated",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
	)

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (h *AuthHandler) respondError(w http.ResponseWriter, status int, message string, err error) {
	detail := message
	if err != nil {
		detail = err.Error()
	}

	h.respondJSON(w, status, models.ErrorResponse{
		Error:   message,
		Message: detail,
		Code:    status,
	})
}
