package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/amillerrr/video-qc/internal/assessment"
	"github.com/amillerrr/video-qc/internal/auth"
	"github.com/amillerrr/video-qc/internal/batch"
	"github.com/amillerrr/video-qc/internal/config"
	"github.com/amillerrr/video-qc/internal/stats"
	"github.com/amillerrr/video-qc/internal/video"
	"github.com/amillerrr/video-qc/pkg/models"
)

var tracer = otel.Tracer("vqc-api")

// Configuration constants
const (
	MaxRequestBodySize = 1 << 20 // 1 MB
	RetryAfterSeconds  = 30
	MaxFilenameLength  = 255

	DefaultListLimit    = 20
	MaxListLimit        = 100
	DefaultFrameLimit   = 1000
	MaxFrameLimit       = 10000
	DefaultThreshold    = 70.0
	DefaultProblemLimit = 10
	MaxProblemLimit     = 100
)

// AssessmentService is the assessment surface the handlers use.
type AssessmentService interface {
	Create(ctx context.Context, referenceID, distortedID string) (*models.Assessment, error)
	Get(ctx context.Context, assessmentID string) (*models.Assessment, error)
	List(ctx context.Context, skip, limit int) ([]models.Assessment, int, error)
	Start(ctx context.Context, assessmentID string) (*models.Assessment, error)
	Cancel(ctx context.Context, assessmentID string) (*models.Assessment, error)
	Delete(ctx context.Context, assessmentID string) error
	Frames(ctx context.Context, assessmentID string, skip, limit int) (*assessment.FramePage, error)
	Statistics(ctx context.Context, assessmentID string) (*stats.Statistics, error)
	ProblemFrames(ctx context.Context, assessmentID string, threshold float64, limit int) ([]models.FrameMetrics, error)
	Compare(ctx context.Context, assessmentIDs []string) (*assessment.Comparison, error)
}

// BatchService is the batch surface the handlers use.
type BatchService interface {
	Create(ctx context.Context, referenceID string, distortedIDs []string) (string, []*models.Assessment, error)
	Start(ctx context.Context, batchID string) (*models.Assessment, error)
	Status(ctx context.Context, batchID string) (*batch.Status, error)
}

// VideoService is the video surface the handlers use.
type VideoService interface {
	Register(ctx context.Context, reg video.Registration) (*models.VideoAsset, error)
	Get(ctx context.Context, videoID string) (*models.VideoAsset, error)
	List(ctx context.Context, role models.VideoRole) ([]models.VideoAsset, error)
	UpdateRole(ctx context.Context, videoID string, role models.VideoRole) (*models.VideoAsset, error)
	Delete(ctx context.Context, videoID string) error
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg         *config.Config
	log         *slog.Logger
	jwtService  *auth.JWTService
	rateLimiter *auth.RateLimiter
	assessments AssessmentService
	batches     BatchService
	videos      VideoService
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config      *config.Config
	Logger      *slog.Logger
	JWTService  *auth.JWTService
	RateLimiter *auth.RateLimiter
	Assessments AssessmentService
	Batches     BatchService
	Videos      VideoService
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:         cfg.Config,
		log:         cfg.Logger,
		jwtService:  cfg.JWTService,
		rateLimiter: cfg.RateLimiter,
		assessments: cfg.Assessments,
		batches:     cfg.Batches,
		videos:      cfg.Videos,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// writeServiceError maps a domain error to its HTTP status.
func (h *Handlers) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "Request failed", "error", err)
		h.writeError(ctx, w, status, "Internal server error")
		return
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	h.writeError(ctx, w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrVideoNotFound),
		errors.Is(err, models.ErrAssessmentNotFound),
		errors.Is(err, models.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument),
		errors.Is(err, models.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrVideoInUse):
		return http.StatusConflict
	case errors.Is(err, models.ErrConcurrencyLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrProbeFailed),
		errors.Is(err, models.ErrNoVideoStream):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a size-limited JSON body into v, writing the error response itself.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(r.Context(), w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// intParam parses an optional integer query parameter within [lo, hi].
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s must be an integer in [%d, %d]", models.ErrInvalidArgument, name, lo, hi)
	}
	return v, nil
}

// floatParam parses an optional float query parameter within [lo, hi].
func floatParam(r *http.Request, name string, def, lo, hi float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s must be a number in [%g, %g]", models.ErrInvalidArgument, name, lo, hi)
	}
	return v, nil
}

// LoginHandler exchanges basic auth credentials for a JWT.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	clientIP := auth.GetClientIP(r)

	if h.rateLimiter != nil {
		if wait, blocked := h.rateLimiter.Blocked(clientIP); blocked {
			w.Header().Set("Retry-After", auth.RetryAfterValue(wait))
			h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
			return
		}
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.cfg.GetAPICredentials()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(expectedUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(expectedPassword)) == 1
	if !userOK || !passOK {
		if h.rateLimiter != nil {
			h.rateLimiter.RecordFailure(clientIP)
		}
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	if h.rateLimiter != nil {
		h.rateLimiter.Reset(clientIP)
	}

	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// validateFilename checks an optional display filename.
func validateFilename(filename string) error {
	if len(filename) > MaxFilenameLength {
		return fmt.Errorf("%w: filename longer than %d characters", models.ErrInvalidArgument, MaxFilenameLength)
	}
	if strings.ContainsAny(filename, `/\`) {
		return fmt.Errorf("%w: filename must not contain path separators", models.ErrInvalidArgument)
	}
	return nil
}
