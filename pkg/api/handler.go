package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/auth"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/k8s"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/lifecycle"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/platform"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/storage"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/validator"
)

const version = "1.0.0"

// Handler holds dependencies for HTTP handlers
type Handler struct {
	manager   *lifecycle.Manager
	storage   storage.Provider
	k8sClient k8s.ClientInterface
	validator *validator.Validator
	logger    *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(manager *lifecycle.Manager, storageProvider storage.Provider, k8sClient k8s.ClientInterface, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{
		manager:   manager,
		storage:   storageProvider,
		k8sClient: k8sClient,
		validator: val,
		logger:    log,
	}
}

// CreateEnvironment handles POST /environments
func (h *Handler) CreateEnvironment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	var req models.CreateEnvironmentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	if err := h.validator.ValidateCreateRequest(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "validation failed", err)
		return
	}

	env, err := h.manager.Create(ctx, user, &req)
	if err != nil {
		h.respondPlatformError(w, "failed to create environment", err)
		return
	}

	h.logger.Info("environment created",
		zap.String("environment_id", env.ID),
		zap.String("user_id", user.ID),
	)

	h.respondJSON(w, http.StatusCreated, env)
}

// GetEnvironment handles GET /environments/{id}
func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	env, err := h.manager.Get(ctx, mux.Vars(r)["id"], ownerFilter(user))
	if err != nil {
		h.respondPlatformError(w, "failed to get environment", err)
		return
	}

	h.respondJSON(w, http.StatusOK, env)
}

// ListEnvironments handles GET /environments
func (h *Handler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	envs, err := h.manager.List(ctx, user.ID)
	if err != nil {
		h.respondPlatformError(w, "failed to list environments", err)
		return
	}

	resp := models.ListEnvironmentsResponse{
		Environments: make([]models.Environment, 0, len(envs)),
		Total:        len(envs),
	}
	for _, env := range envs {
		resp.Environments = append(resp.Environments, *env)
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// DeleteEnvironment handles DELETE /environments/{id}
func (h *Handler) DeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	envID := mux.Vars(r)["id"]

	var req models.DeleteEnvironmentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	if r.URL.Query().Get("keep_storage") == "true" {
		req.KeepStorage = true
	}

	if err := h.manager.Delete(ctx, envID, ownerFilter(user), req.KeepStorage); err != nil {
		h.respondPlatformError(w, "failed to delete environment", err)
		return
	}

	h.logger.Info("environment deleted",
		zap.String("environment_id", envID),
		zap.String("user_id", user.ID),
	)

	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /environments/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	envID := mux.Vars(r)["id"]
	if err := h.manager.Heartbeat(ctx, envID, ownerFilter(user)); err != nil {
		h.respondPlatformError(w, "failed to record heartbeat", err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.HeartbeatResponse{
		EnvironmentID: envID,
		ReceivedAt:    time.Now().UTC(),
	})
}

// ListEvents handles GET /environments/{id}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	events, err := h.manager.Events(ctx, mux.Vars(r)["id"], ownerFilter(user), limit)
	if err != nil {
		h.respondPlatformError(w, "failed to list events", err)
		return
	}

	resp := models.ListEventsResponse{
		Events: make([]models.EnvironmentEvent, 0, len(events)),
		Total:  len(events),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, *e)
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// GetLogs handles GET /environments/{id}/logs
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	env, err := h.manager.Get(ctx, mux.Vars(r)["id"], ownerFilter(user))
	if err != nil {
		h.respondPlatformError(w, "failed to get environment", err)
		return
	}

	var tailLines *int64
	if tailStr := r.URL.Query().Get("tail"); tailStr != "" {
		if tail, err := strconv.ParseInt(tailStr, 10, 64); err == nil && tail > 0 {
			tailLines = &tail
		}
	}

	logs, err := h.k8sClient.GetPodLogs(ctx, env.Namespace, env.PodName, tailLines)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "failed to get logs", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(logs))
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := models.HealthResponse{
		Status:  "healthy",
		Version: version,
	}

	if err := h.k8sClient.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		h.logger.Error("kubernetes health check failed", zap.Error(err))
	} else {
		resp.Kubernetes.Connected = true
		if v, err := h.k8sClient.GetServerVersion(ctx); err == nil {
			resp.Kubernetes.Version = v
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	h.respondJSON(w, statusCode, resp)
}

// Helper functions

// ownerFilter scopes environment lookups to the caller unless the caller is
// an admin.
func ownerFilter(user *models.User) string {
	if user.Role == models.RoleAdmin {
		return ""
	}
	return user.ID
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string, err error) {
	detail := message
	if err != nil {
		detail = err.Error()
	}
	h.logger.Error(message, zap.Error(err))

	h.respondJSON(w, status, models.ErrorResponse{
		Error:   message,
		Message: detail,
		Code:    status,
	})
}

// respondPlatformError maps the shared error taxonomy onto HTTP statuses.
func (h *Handler) respondPlatformError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError

	var pe *platform.Error
	if errors.As(err, &pe) {
		switch pe.Category {
		case platform.CategoryQuota:
			status = http.StatusConflict
		case platform.CategoryAuth:
			status = http.StatusUnauthorized
		case platform.CategoryNotFound:
			status = http.StatusNotFound
		case platform.CategoryProvider, platform.CategoryOrchestrator:
			status = http.StatusBadGateway
		}
	}

	h.respondError(w, status, message, err)
}
