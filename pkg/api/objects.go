package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/pkg/auth"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
)

// UploadObject handles PUT /environments/{id}/objects/{key}
func (h *Handler) UploadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	vars := mux.Vars(r)
	key := vars["key"]
	if err := h.validator.ValidateObjectKey(key); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid object key", err)
		return
	}

	env, err := h.manager.Get(ctx, vars["id"], ownerFilter(user))
	if err != nil {
		h.respondPlatformError(w, "failed to get environment", err)
		return
	}
	if env.BucketName == "" {
		h.respondError(w, http.StatusConflict, "environment has no storage bucket", nil)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := h.storage.UploadObject(ctx, env.BucketName, key, r.Body, contentType); err != nil {
		h.respondPlatformError(w, "failed to upload object", err)
		return
	}

	h.logger.Info("object uploaded",
		zap.String("environment_id", env.ID),
		zap.String("bucket", env.BucketName),
		zap.String("key", key),
	)

	w.WriteHeader(http.StatusCreated)
}

// DownloadObject handles GET /environments/{id}/objects/{key}
func (h *Handler) DownloadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	vars := mux.Vars(r)
	key := vars["key"]
	if err := h.validator.ValidateObjectKey(key); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid object key", err)
		return
	}

	env, err := h.manager.Get(ctx, vars["id"], ownerFilter(user))
	if err != nil {
		h.respondPlatformError(w, "failed to get environment", err)
		return
	}

	info, err := h.storage.GetObjectInfo(ctx, env.BucketName, key)
	if err != nil {
		h.respondPlatformError(w, "failed to get object", err)
		return
	}

	body, err := h.storage.DownloadObject(ctx, env.BucketName, key)
	if err != nil {
		h.respondPlatformError(w, "failed to download object", err)
		return
	}
	defer body.Close()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		h.logger.Error("failed to stream object", zap.Error(err), zap.String("key", key))
	}
}

// ListObjects handles GET /environments/{id}/objects
func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request) {
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

	objects, err := h.storage.ListObjects(ctx, env.BucketName, r.URL.Query().Get("prefix"))
	if err != nil {
		h.respondPlatformError(w, "failed to list objects", err)
		return
	}

	h.respondJSON(w, http.StatusOK, models.ListObjectsResponse{
		Objects: objects,
		Total:   len(objects),
	})
}

// GetObjectInfo handles HEAD-style metadata via GET /environments/{id}/objects/{key}/info
func (h *Handler) GetObjectInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	vars := mux.Vars(r)
	key := vars["key"]
	if err := h.validator.ValidateObjectKey(key); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid object key", err)
		return
	}

	env, err := h.manager.Get(ctx, vars["id"], ownerFilter(user))
	if err != nil {
		h.respondPlatformError(w, "failed to get environment", err)
		return
	}

	info, err := h.storage.GetObjectInfo(ctx, env.BucketName, key)
	if err != nil {
		h.respondPlatformError(w, "failed to get object info", err)
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// DeleteObject handles DELETE /environments/{id}/objects/{key}
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := auth.GetUserFromContext(ctx)
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "authentication required", nil)
		return
	}

	vars := mux.Vars(r)
	key := vars["key"]
	if err := h.validator.ValidateObjectKey(key); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid object key", err)
		return
	}

	env, err := h.manager.Get(ctx, vars["id"], ownerFilter(user))
	if err != nil {
		h.respondPlatformError(w, "failed to get environment", err)
		return
	}

	if err := h.storage.DeleteObject(ctx, env.BucketName, key); err != nil {
		h.respondPlatformError(w, "failed to delete object", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
