package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/CMBAgents/cmbcluster-sub000/pkg/auth"
)

// NewRouter creates and configures the HTTP router
func NewRouter(handler *Handler, authHandler *AuthHandler, authService *auth.Service) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/api/v1").Subrouter()

	// Public routes (no auth required)
	api.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	api.HandleFunc("/auth/token", authHandler.ExchangeToken).Methods("POST")
	api.HandleFunc("/auth/config", authHandler.GetConfig).Methods("GET")

	// Authenticated routes
	protected := api.NewRoute().Subrouter()
	protected.Use(authService.Middleware)

	protected.HandleFunc("/auth/me", authHandler.GetCurrentUser).Methods("GET")
	protected.HandleFunc("/auth/logout", authHandler.Logout).Methods("POST")

	protected.HandleFunc("/environments", handler.CreateEnvironment).Methods("POST")
	protected.HandleFunc("/environments", handler.ListEnvironments).Methods("GET")
	protected.HandleFunc("/environments/{id}", handler.GetEnvironment).Methods("GET")
	protected.HandleFunc("/environments/{id}", handler.DeleteEnvironment).Methods("DELETE")
	protected.HandleFunc("/environments/{id}/heartbeat", handler.Heartbeat).Methods("POST")
	protected.HandleFunc("/environments/{id}/events", handler.ListEvents).Methods("GET")
	protected.HandleFunc("/environments/{id}/logs", handler.GetLogs).Methods("GET")

	protected.HandleFunc("/environments/{id}/objects", handler.ListObjects).Methods("GET")
	protected.HandleFunc("/environments/{id}/objects/{key:.+}/info", handler.GetObjectInfo).Methods("GET")
	protected.HandleFunc("/environments/{id}/objects/{key:.+}", handler.UploadObject).Methods("PUT")
	protected.HandleFunc("/environments/{id}/objects/{key:.+}", handler.DownloadObject).Methods("GET")
	protected.HandleFunc("/environments/{id}/objects/{key:.+}", handler.DeleteObject).Methods("DELETE")

	// Admin routes
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(authService.Middleware, authService.RequireAdmin)

	admin.HandleFunc("/users", authHandler.ListUsers).Methods("GET")
	admin.HandleFunc("/users/{id}/tier", authHandler.UpdateUserTier).Methods("PUT")
	admin.HandleFunc("/environments", handler.ListAllActive).Methods("GET")

	return r
}

// ListAllActive handles GET /admin/environments
func (h *Handler) ListAllActive(w http.ResponseWriter, r *http.Request) {
	envs, err := h.manager.ListActive(r.Context())
	if err != nil {
		h.respondPlatformError(w, "failed to list environments", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"environments": envs,
		"total":        len(envs),
	})
}
