package api

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/video-qc/pkg/models"
)

// CreateBatchRequest is the request payload for creating a batch.
type CreateBatchRequest struct {
	ReferenceVideoID  string   `json:"referenceVideoId"`
	DistortedVideoIDs []string `json:"distortedVideoIds"`
	AutoStart         bool     `json:"autoStart"`
}

// CreateBatchResponse reports the new batch and its members.
type CreateBatchResponse struct {
	BatchID     string               `json:"batchId"`
	Assessments []*models.Assessment `json:"assessments"`
	Started     *models.Assessment   `json:"started,omitempty"`
	StartError  string               `json:"startError,omitempty"`
}

// CreateBatchHandler stores one pending assessment per distorted video.
func (h *Handlers) CreateBatchHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "create-batch-handler",
		trace.WithAttributes(attribute.String("handler", "create-batch")))
	defer span.End()

	var req CreateBatchRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.ReferenceVideoID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "referenceVideoId is required")
		return
	}

	batchID, members, err := h.batches.Create(ctx, req.ReferenceVideoID, req.DistortedVideoIDs)
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(ctx, w, err)
		return
	}
	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.size", len(members)),
	)

	resp := CreateBatchResponse{BatchID: batchID, Assessments: members}
	if req.AutoStart {
		started, err := h.batches.Start(ctx, batchID)
		if err != nil {
			h.log.WarnContext(ctx, "Batch auto start rejected", "batchId", batchID, "error", err)
			resp.StartError = err.Error()
		} else {
			resp.Started = started
		}
	}

	h.writeJSON(ctx, w, http.StatusCreated, resp)
}

// StartBatchHandler starts the next pending member of a batch.
func (h *Handlers) StartBatchHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := r.PathValue("id")

	started, err := h.batches.Start(ctx, batchID)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	if started == nil {
		h.writeJSON(ctx, w, http.StatusOK, map[string]string{
			"batchId": batchID,
			"message": "no pending assessments",
		})
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, started)
}

// BatchStatusHandler returns batch members, counts, and overall progress.
func (h *Handlers) BatchStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := h.batches.Status(ctx, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, st)
}
