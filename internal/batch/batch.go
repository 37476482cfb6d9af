// Package batch runs groups of assessments against one reference sequentially.
// Ordering comes from batch membership plus a terminal hook on the assessment
// service; there is no separate queue.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/video-qc/internal/assessment"
	"github.com/amillerrr/video-qc/internal/metrics"
	"github.com/amillerrr/video-qc/pkg/models"
)

// Batch size bounds.
const (
	MinSize = 1
	MaxSize = 10
)

var tracer = otel.Tracer("vqc-batch")

// Assessments is the part of the assessment service a batch drives.
type Assessments interface {
	Prepare(ctx context.Context, referenceID string, distortedIDs []string) ([]*models.Assessment, error)
	Start(ctx context.Context, assessmentID string) (*models.Assessment, error)
	OnTerminal(hook assessment.TerminalHook)
}

// Repository stores and lists batch members.
type Repository interface {
	CreateAssessments(ctx context.Context, assessments []*models.Assessment) error
	ListBatch(ctx context.Context, batchID string) ([]models.Assessment, error)
}

// Status summarizes a batch.
type Status struct {
	BatchID     string              `json:"batchId"`
	Total       int                 `json:"total"`
	Pending     int                 `json:"pending"`
	Running     int                 `json:"running"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Cancelled   int                 `json:"cancelled"`
	Progress    float64             `json:"progress"`
	Assessments []models.Assessment `json:"assessments"`
}

// Config holds orchestrator dependencies.
type Config struct {
	Assessments Assessments
	Repo        Repository
	Logger      *slog.Logger
}

// Orchestrator creates batches and advances them one assessment at a time.
type Orchestrator struct {
	assessments Assessments
	repo        Repository
	log         *slog.Logger

	mu    sync.Mutex
	newID func() string
}

// New creates an Orchestrator and registers its terminal hook.
func New(cfg *Config) *Orchestrator {
	o := &Orchestrator{
		assessments: cfg.Assessments,
		repo:        cfg.Repo,
		log:         cfg.Logger,
		newID:       uuid.NewString,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.assessments.OnTerminal(o.onTerminal)
	return o
}

// Create validates every video and stores one pending assessment per distorted
// id under a fresh batch id. Nothing is written if any id is invalid.
func (o *Orchestrator) Create(ctx context.Context, referenceID string, distortedIDs []string) (string, []*models.Assessment, error) {
	if n := len(distortedIDs); n < MinSize || n > MaxSize {
		return "", nil, fmt.Errorf("%w: batch needs %d to %d distorted videos, got %d",
			models.ErrInvalidArgument, MinSize, MaxSize, n)
	}

	members, err := o.assessments.Prepare(ctx, referenceID, distortedIDs)
	if err != nil {
		return "", nil, err
	}

	batchID := o.newID()
	for i, a := range members {
		a.BatchID = batchID
		a.BatchIndex = i
	}

	if err := o.repo.CreateAssessments(ctx, members); err != nil {
		return "", nil, err
	}

	metrics.BatchesCreated.Inc()
	o.log.InfoContext(ctx, "Batch created",
		"batchId", batchID,
		"referenceVideoId", referenceID,
		"size", len(members),
	)
	return batchID, members, nil
}

// Start begins the earliest pending assessment of the batch. It returns nil when
// nothing is pending, and the running member when one is already in flight.
func (o *Orchestrator) Start(ctx context.Context, batchID string) (*models.Assessment, error) {
	members, err := o.repo.ListBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrBatchNotFound, batchID)
	}

	return o.advance(ctx, batchID)
}

// advance starts the next pending member unless one is already running.
func (o *Orchestrator) advance(ctx context.Context, batchID string) (*models.Assessment, error) {
	ctx, span := tracer.Start(ctx, "batch-advance")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	o.mu.Lock()
	defer o.mu.Unlock()

	members, err := o.repo.ListBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var next *models.Assessment
	for i := range members {
		switch members[i].Status {
		case models.StatusRunning:
			return &members[i], nil
		case models.StatusPending:
			if next == nil {
				next = &members[i]
			}
		}
	}
	if next == nil {
		o.log.DebugContext(ctx, "Batch has no pending assessments", "batchId", batchID)
		return nil, nil
	}

	started, err := o.assessments.Start(ctx, next.ID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			// Started elsewhere in the meantime.
			return nil, nil
		}
		return nil, err
	}

	o.log.InfoContext(ctx, "Batch advanced",
		"batchId", batchID,
		"assessmentId", started.ID,
		"batchIndex", started.BatchIndex,
	)
	return started, nil
}

// onTerminal advances the batch of a completed or failed assessment.
func (o *Orchestrator) onTerminal(ctx context.Context, a *models.Assessment) {
	if !a.InBatch() {
		return
	}

	if _, err := o.advance(ctx, a.BatchID); err != nil {
		if errors.Is(err, models.ErrConcurrencyLimit) {
			o.log.WarnContext(ctx, "Batch paused at concurrency limit",
				"batchId", a.BatchID,
				"error", err,
			)
			return
		}
		o.log.ErrorContext(ctx, "Failed to advance batch",
			"batchId", a.BatchID,
			"error", err,
		)
	}
}

// Status returns every member of the batch, counts by status, and overall progress.
func (o *Orchestrator) Status(ctx context.Context, batchID string) (*Status, error) {
	members, err := o.repo.ListBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrBatchNotFound, batchID)
	}

	st := &Status{
		BatchID:     batchID,
		Total:       len(members),
		Assessments: members,
	}

	var runningProgress float64
	for _, a := range members {
		switch a.Status {
		case models.StatusPending:
			st.Pending++
		case models.StatusRunning:
			st.Running++
			runningProgress = a.Progress
		case models.StatusCompleted:
			st.Completed++
		case models.StatusFailed:
			st.Failed++
		case models.StatusCancelled:
			st.Cancelled++
		}
	}

	st.Progress = OverallProgress(st.Completed, st.Total, runningProgress)
	return st, nil
}

// OverallProgress is completed/total*100 plus the running member's share,
// rounded to two decimals.
func OverallProgress(completed, total int, runningProgress float64) float64 {
	if total == 0 {
		return 0
	}
	p := float64(completed)/float64(total)*100 + runningProgress/float64(total)
	return math.Round(p*100) / 100
}
