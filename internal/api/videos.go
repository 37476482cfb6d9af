package api

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/video-qc/internal/video"
	"github.com/amillerrr/video-qc/pkg/models"
)

// UpdateVideoRequest is the request payload for retagging a video.
type UpdateVideoRequest struct {
	Role models.VideoRole `json:"role"`
}

// RegisterVideoHandler probes a media file and stores it as a video asset.
func (h *Handlers) RegisterVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "register-video-handler",
		trace.WithAttributes(attribute.String("handler", "register-video")))
	defer span.End()

	var req video.Registration
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := validateFilename(req.Filename); err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	v, err := h.videos.Register(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(ctx, w, err)
		return
	}

	span.SetAttributes(
		attribute.String("video.id", v.ID),
		attribute.String("video.resolution", v.Resolution()),
	)
	h.writeJSON(ctx, w, http.StatusCreated, v)
}

// ListVideosHandler lists videos, optionally filtered by ?role=.
func (h *Handlers) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	videos, err := h.videos.List(ctx, models.VideoRole(r.URL.Query().Get("role")))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	if videos == nil {
		videos = []models.VideoAsset{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"videos": videos})
}

// GetVideoHandler returns one video.
func (h *Handlers) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	v, err := h.videos.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, v)
}

// UpdateVideoHandler changes a video's role.
func (h *Handlers) UpdateVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateVideoRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	v, err := h.videos.UpdateRole(ctx, r.PathValue("id"), req.Role)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, v)
}

// DeleteVideoHandler removes a video not used by a running assessment.
func (h *Handlers) DeleteVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.videos.Delete(ctx, r.PathValue("id")); err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
