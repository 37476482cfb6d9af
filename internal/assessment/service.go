// Package assessment runs quality assessments through their lifecycle:
// pending, running, then completed, failed, or cancelled.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/amillerrr/video-qc/internal/engine"
	"github.com/amillerrr/video-qc/internal/metrics"
	"github.com/amillerrr/video-qc/internal/notify"
	"github.com/amillerrr/video-qc/pkg/models"
)

// RestartMessage is recorded on assessments found running at startup.
const RestartMessage = "process restarted while assessment was running"

var tracer = otel.Tracer("vqc-assessment")

// Repository persists assessments. Writes made on behalf of a running drive
// return models.ErrStaleWrite once the assessment has left the running state.
type Repository interface {
	CreateAssessment(ctx context.Context, a *models.Assessment) error
	CreateAssessments(ctx context.Context, assessments []*models.Assessment) error
	GetAssessment(ctx context.Context, assessmentID string) (*models.Assessment, error)
	ListAssessments(ctx context.Context, skip, limit int) ([]models.Assessment, int, error)
	ListBatch(ctx context.Context, batchID string) ([]models.Assessment, error)
	ListByStatus(ctx context.Context, status models.AssessmentStatus) ([]models.Assessment, error)
	MarkRunning(ctx context.Context, assessmentID string, startedAt time.Time) error
	UpdateProgress(ctx context.Context, assessmentID string, progress float64, currentFrame, totalFrames int) error
	Complete(ctx context.Context, assessmentID string, c models.Completion) error
	Fail(ctx context.Context, assessmentID, message string, at time.Time) error
	Cancel(ctx context.Context, assessmentID string, at time.Time) error
	DeleteAssessment(ctx context.Context, assessmentID string) error
}

// VideoStore looks up video assets.
type VideoStore interface {
	GetVideo(ctx context.Context, videoID string) (*models.VideoAsset, error)
}

// FrameStore persists per-frame data for completed assessments.
type FrameStore interface {
	Save(ctx context.Context, assessmentID string, frames []models.FrameMetrics) (string, error)
	Load(ctx context.Context, location string) ([]models.FrameMetrics, error)
	Delete(ctx context.Context, location string) error
}

// Comparer runs a reference/distorted quality comparison.
type Comparer interface {
	Compare(ctx context.Context, referencePath, distortedPath, logPath string) iter.Seq2[engine.Event, error]
}

// Localizer turns a stored video path into a local file path.
type Localizer interface {
	Localize(ctx context.Context, path string) (string, func(), error)
}

// Publisher announces terminal transitions.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// TerminalHook is called after an assessment completes or fails. The running
// slot has already been released when it runs.
type TerminalHook func(ctx context.Context, a *models.Assessment)

// Config holds service dependencies.
type Config struct {
	Repo          Repository
	Videos        VideoStore
	Frames        FrameStore
	Comparer      Comparer
	Localizer     Localizer
	Publisher     Publisher
	MaxConcurrent int
	Timeout       time.Duration
	WorkDir       string
	Logger        *slog.Logger
}

// Service owns assessment state transitions and the running-task registry.
type Service struct {
	repo      Repository
	videos    VideoStore
	frames    FrameStore
	comparer  Comparer
	localizer Localizer
	publisher Publisher
	timeout   time.Duration
	workDir   string
	log       *slog.Logger

	running *registry
	wg      sync.WaitGroup

	hookMu sync.RWMutex
	hooks  []TerminalHook

	now   func() time.Time
	newID func() string
}

// New creates a new Service with the given configuration.
func New(cfg *Config) *Service {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	s := &Service{
		repo:      cfg.Repo,
		videos:    cfg.Videos,
		frames:    cfg.Frames,
		comparer:  cfg.Comparer,
		localizer: cfg.Localizer,
		publisher: cfg.Publisher,
		timeout:   cfg.Timeout,
		workDir:   cfg.WorkDir,
		log:       cfg.Logger,
		running:   newRegistry(maxConcurrent),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if s.localizer == nil {
		s.localizer = passthrough{}
	}
	if s.publisher == nil {
		s.publisher = notify.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

type passthrough struct{}

func (passthrough) Localize(_ context.Context, path string) (string, func(), error) {
	return path, func() {}, nil
}

// OnTerminal registers a hook fired when an assessment completes or fails.
func (s *Service) OnTerminal(hook TerminalHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Running returns the number of assessments holding a concurrency slot.
func (s *Service) Running() int {
	return s.running.count()
}

// Capacity returns the number of held slots and the concurrency cap.
func (s *Service) Capacity() (running, limit int) {
	return s.running.count(), s.running.max
}

// Create validates both videos and stores a pending assessment.
func (s *Service) Create(ctx context.Context, referenceID, distortedID string) (*models.Assessment, error) {
	prepared, err := s.Prepare(ctx, referenceID, []string{distortedID})
	if err != nil {
		return nil, err
	}

	a := prepared[0]
	if err := s.repo.CreateAssessment(ctx, a); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "Assessment created",
		"assessmentId", a.ID,
		"referenceVideoId", referenceID,
		"distortedVideoId", distortedID,
	)
	return a, nil
}

// Prepare validates the reference and every distorted video and returns unsaved
// pending assessments, one per distorted id. Nothing is written.
func (s *Service) Prepare(ctx context.Context, referenceID string, distortedIDs []string) ([]*models.Assessment, error) {
	ref, err := s.videos.GetVideo(ctx, referenceID)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", referenceID, err)
	}

	for _, id := range distortedIDs {
		if _, err := s.videos.GetVideo(ctx, id); err != nil {
			return nil, fmt.Errorf("distorted %s: %w", id, err)
		}
	}

	now := s.now().UTC()
	out := make([]*models.Assessment, len(distortedIDs))
	for i, id := range distortedIDs {
		out[i] = &models.Assessment{
			ID:               s.newID(),
			ReferenceVideoID: ref.ID,
			DistortedVideoID: id,
			Status:           models.StatusPending,
			TotalFrames:      ref.FrameCount,
			CreatedAt:        now,
		}
	}
	return out, nil
}

// Get returns an assessment by id.
func (s *Service) Get(ctx context.Context, assessmentID string) (*models.Assessment, error) {
	return s.repo.GetAssessment(ctx, assessmentID)
}

// List returns a page of assessments, newest first, and the total count.
func (s *Service) List(ctx context.Context, skip, limit int) ([]models.Assessment, int, error) {
	return s.repo.ListAssessments(ctx, skip, limit)
}

// Start moves a pending assessment to running and drives it in the background.
// It fails with ErrConcurrencyLimit at the cap, ErrAssessmentNotFound for unknown
// ids, and ErrInvalidState unless the assessment is pending or once Shutdown
// has been called. A rejected start changes nothing.
func (s *Service) Start(ctx context.Context, assessmentID string) (*models.Assessment, error) {
	driveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if err := s.running.reserve(assessmentID, cancel); err != nil {
		cancel()
		if errors.Is(err, models.ErrConcurrencyLimit) {
			metrics.RecordRejected("concurrency")
		} else {
			metrics.RecordRejected("state")
		}
		return nil, err
	}

	a, err := s.markRunning(ctx, assessmentID)
	if err != nil {
		s.running.release(assessmentID)
		cancel()
		metrics.RecordRejected("state")
		return nil, err
	}

	metrics.AssessmentsStarted.Inc()
	s.log.InfoContext(ctx, "Assessment started",
		"assessmentId", a.ID,
		"batchId", a.BatchID,
		"running", s.running.count(),
	)

	s.wg.Add(1)
	go s.drive(driveCtx, *a)

	return a, nil
}

func (s *Service) markRunning(ctx context.Context, assessmentID string) (*models.Assessment, error) {
	a, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateTransition(a.Status, models.StatusRunning); err != nil {
		return nil, err
	}

	startedAt := s.now().UTC()
	if err := s.repo.MarkRunning(ctx, assessmentID, startedAt); err != nil {
		return nil, err
	}

	a.Status = models.StatusRunning
	a.StartedAt = &startedAt
	return a, nil
}

// Cancel stops a running assessment and marks it cancelled immediately.
// Termination of the external process is best-effort.
func (s *Service) Cancel(ctx context.Context, assessmentID string) (*models.Assessment, error) {
	a, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateTransition(a.Status, models.StatusCancelled); err != nil {
		return nil, err
	}

	at := s.now().UTC()
	if err := s.repo.Cancel(ctx, assessmentID, at); err != nil {
		if errors.Is(err, models.ErrStaleWrite) {
			return nil, fmt.Errorf("%w: assessment %s finished before cancel", models.ErrInvalidState, assessmentID)
		}
		return nil, err
	}

	s.running.cancel(assessmentID)

	a.Status = models.StatusCancelled
	a.CompletedAt = &at
	metrics.RecordFinished(string(models.StatusCancelled))
	s.log.InfoContext(ctx, "Assessment cancelled", "assessmentId", a.ID)
	s.publish(ctx, a)

	return a, nil
}

// Delete removes an assessment and its frame data. Running assessments cannot be deleted.
func (s *Service) Delete(ctx context.Context, assessmentID string) error {
	a, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return err
	}
	if a.Status == models.StatusRunning {
		return fmt.Errorf("%w: assessment %s is running", models.ErrInvalidState, assessmentID)
	}

	if err := s.repo.DeleteAssessment(ctx, assessmentID); err != nil {
		return err
	}

	if err := s.frames.Delete(ctx, a.FrameDataLocation); err != nil {
		s.log.WarnContext(ctx, "Failed to delete frame data",
			"assessmentId", assessmentID,
			"location", a.FrameDataLocation,
			"error", err,
		)
	}

	s.log.InfoContext(ctx, "Assessment deleted", "assessmentId", assessmentID)
	return nil
}

// Reconcile fails every assessment persisted as running that this process is not
// driving. It is meant to run once at startup and returns the number reconciled.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	stuck, err := s.repo.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running assessments: %w", err)
	}

	count := 0
	for i := range stuck {
		a := &stuck[i]
		if s.running.has(a.ID) {
			continue
		}

		at := s.now().UTC()
		if err := s.repo.Fail(ctx, a.ID, RestartMessage, at); err != nil {
			if errors.Is(err, models.ErrStaleWrite) {
				continue
			}
			return count, fmt.Errorf("failed to reconcile assessment %s: %w", a.ID, err)
		}

		a.Status = models.StatusFailed
		a.ErrorMessage = RestartMessage
		a.CompletedAt = &at
		count++

		metrics.RecordFinished(string(models.StatusFailed))
		s.log.WarnContext(ctx, "Reconciled stale running assessment", "assessmentId", a.ID)
		s.publish(ctx, a)
		s.fireHooks(ctx, a)
	}

	return count, nil
}

// Shutdown cancels every running drive and waits for them to exit. Later
// calls to Start fail with ErrInvalidState, so terminal hooks fired by the
// interrupted drives cannot start new work.
func (s *Service) Shutdown(ctx context.Context) error {
	s.running.close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every drive started so far has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) publish(ctx context.Context, a *models.Assessment) {
	if err := s.publisher.Publish(ctx, notify.EventFromAssessment(a, s.now())); err != nil {
		s.log.WarnContext(ctx, "Failed to publish assessment event",
			"assessmentId", a.ID,
			"error", err,
		)
	}
}

func (s *Service) fireHooks(ctx context.Context, a *models.Assessment) {
	s.hookMu.RLock()
	hooks := append([]TerminalHook(nil), s.hooks...)
	s.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, a)
	}
}
