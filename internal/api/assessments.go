package api

import (
	"math"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/video-qc/pkg/models"
)

// CreateAssessmentRequest is the request payload for creating an assessment.
type CreateAssessmentRequest struct {
	ReferenceVideoID string `json:"referenceVideoId"`
	DistortedVideoID string `json:"distortedVideoId"`
	AutoStart        bool   `json:"autoStart"`
}

// CreateAssessmentResponse reports the stored assessment and, with autoStart,
// whether it was started.
type CreateAssessmentResponse struct {
	Assessment *models.Assessment `json:"assessment"`
	Started    bool               `json:"started"`
	StartError string             `json:"startError,omitempty"`
}

// ListAssessmentsResponse is one page of assessments.
type ListAssessmentsResponse struct {
	Assessments []models.Assessment `json:"assessments"`
	Total       int                 `json:"total"`
	Skip        int                 `json:"skip"`
	Limit       int                 `json:"limit"`
}

// ProblemFramesResponse lists the worst frames of an assessment.
type ProblemFramesResponse struct {
	AssessmentID string                `json:"assessmentId"`
	Threshold    float64               `json:"threshold"`
	Frames       []models.FrameMetrics `json:"frames"`
}

// CompareRequest is the request payload for comparing assessments.
type CompareRequest struct {
	AssessmentIDs []string `json:"assessmentIds"`
}

// CreateAssessmentHandler stores a pending assessment and optionally starts it.
func (h *Handlers) CreateAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "create-assessment-handler",
		trace.WithAttributes(attribute.String("handler", "create-assessment")))
	defer span.End()

	var req CreateAssessmentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.ReferenceVideoID == "" || req.DistortedVideoID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "referenceVideoId and distortedVideoId are required")
		return
	}

	a, err := h.assessments.Create(ctx, req.ReferenceVideoID, req.DistortedVideoID)
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(ctx, w, err)
		return
	}
	span.SetAttributes(attribute.String("assessment.id", a.ID))

	resp := CreateAssessmentResponse{Assessment: a}
	if req.AutoStart {
		started, err := h.assessments.Start(ctx, a.ID)
		if err != nil {
			// The assessment exists either way; report why it stayed pending.
			h.log.WarnContext(ctx, "Auto start rejected", "assessmentId", a.ID, "error", err)
			resp.StartError = err.Error()
		} else {
			resp.Assessment = started
			resp.Started = true
		}
	}

	h.writeJSON(ctx, w, http.StatusCreated, resp)
}

// ListAssessmentsHandler returns assessments newest first.
func (h *Handlers) ListAssessmentsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	skip, err := intParam(r, "skip", 0, 0, math.MaxInt)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	limit, err := intParam(r, "limit", DefaultListLimit, 1, MaxListLimit)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	items, total, err := h.assessments.List(ctx, skip, limit)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	if items == nil {
		items = []models.Assessment{}
	}

	h.writeJSON(ctx, w, http.StatusOK, ListAssessmentsResponse{
		Assessments: items,
		Total:       total,
		Skip:        skip,
		Limit:       limit,
	})
}

// GetAssessmentHandler returns one assessment.
func (h *Handlers) GetAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	a, err := h.assessments.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, a)
}

// DeleteAssessmentHandler removes a non-running assessment.
func (h *Handlers) DeleteAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.assessments.Delete(ctx, r.PathValue("id")); err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartAssessmentHandler starts a pending assessment.
func (h *Handlers) StartAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "start-assessment-handler",
		trace.WithAttributes(attribute.String("assessment.id", r.PathValue("id"))))
	defer span.End()

	a, err := h.assessments.Start(ctx, r.PathValue("id"))
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, a)
}

// CancelAssessmentHandler cancels a running assessment.
func (h *Handlers) CancelAssessmentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "cancel-assessment-handler",
		trace.WithAttributes(attribute.String("assessment.id", r.PathValue("id"))))
	defer span.End()

	a, err := h.assessments.Cancel(ctx, r.PathValue("id"))
	if err != nil {
		span.RecordError(err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, a)
}

// FramesHandler returns a page of per-frame metrics.
func (h *Handlers) FramesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	skip, err := intParam(r, "skip", 0, 0, math.MaxInt)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	limit, err := intParam(r, "limit", DefaultFrameLimit, 1, MaxFrameLimit)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	page, err := h.assessments.Frames(ctx, r.PathValue("id"), skip, limit)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	if page == nil {
		h.writeError(ctx, w, http.StatusNotFound, models.ErrFrameDataNotFound.Error())
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, page)
}

// StatisticsHandler returns descriptive statistics over the per-frame metrics.
func (h *Handlers) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st, err := h.assessments.Statistics(ctx, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	if st == nil {
		h.writeError(ctx, w, http.StatusNotFound, models.ErrFrameDataNotFound.Error())
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, st)
}

// ProblemFramesHandler returns frames scoring below the threshold, worst first.
func (h *Handlers) ProblemFramesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	threshold, err := floatParam(r, "threshold", DefaultThreshold, 0, 100)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	limit, err := intParam(r, "limit", DefaultProblemLimit, 1, MaxProblemLimit)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	frames, err := h.assessments.ProblemFrames(ctx, id, threshold, limit)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, ProblemFramesResponse{
		AssessmentID: id,
		Threshold:    threshold,
		Frames:       frames,
	})
}

// CompareHandler lines up several completed assessments.
func (h *Handlers) CompareHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CompareRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	cmp, err := h.assessments.Compare(ctx, req.AssessmentIDs)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, cmp)
}
