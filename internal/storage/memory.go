package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/amillerrr/video-qc/pkg/models"
)

// MemoryVideoRepository is an in-process VideoRepository.
type MemoryVideoRepository struct {
	mu     sync.RWMutex
	videos map[string]models.VideoAsset
}

// NewMemoryVideoRepository creates an empty in-memory video repository.
func NewMemoryVideoRepository() *MemoryVideoRepository {
	return &MemoryVideoRepository{videos: make(map[string]models.VideoAsset)}
}

func (r *MemoryVideoRepository) CreateVideo(_ context.Context, video *models.VideoAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.videos[video.ID]; ok {
		return fmt.Errorf("%w: video already exists: %s", models.ErrInvalidArgument, video.ID)
	}
	r.videos[video.ID] = *video
	return nil
}

func (r *MemoryVideoRepository) GetVideo(_ context.Context, videoID string) (*models.VideoAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.videos[videoID]
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	return &v, nil
}

func (r *MemoryVideoRepository) ListVideos(_ context.Context, role models.VideoRole) ([]models.VideoAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	videos := make([]models.VideoAsset, 0, len(r.videos))
	for _, v := range r.videos {
		if role == "" || v.Role == role {
			videos = append(videos, v)
		}
	}
	slices.SortFunc(videos, func(a, b models.VideoAsset) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return videos, nil
}

func (r *MemoryVideoRepository) UpdateVideoRole(_ context.Context, videoID string, role models.VideoRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.videos[videoID]
	if !ok {
		return models.ErrVideoNotFound
	}
	v.Role = role
	v.UpdatedAt = time.Now().UTC()
	r.videos[videoID] = v
	return nil
}

func (r *MemoryVideoRepository) DeleteVideo(_ context.Context, videoID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.videos[videoID]; !ok {
		return models.ErrVideoNotFound
	}
	delete(r.videos, videoID)
	return nil
}

// MemoryAssessmentRepository is an in-process AssessmentRepository with the same
// conditional-write rules as the DynamoDB implementation.
type MemoryAssessmentRepository struct {
	mu          sync.RWMutex
	assessments map[string]models.Assessment
}

// NewMemoryAssessmentRepository creates an empty in-memory assessment repository.
func NewMemoryAssessmentRepository() *MemoryAssessmentRepository {
	return &MemoryAssessmentRepository{assessments: make(map[string]models.Assessment)}
}

func (r *MemoryAssessmentRepository) CreateAssessment(ctx context.Context, a *models.Assessment) error {
	return r.CreateAssessments(ctx, []*models.Assessment{a})
}

func (r *MemoryAssessmentRepository) CreateAssessments(_ context.Context, assessments []*models.Assessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range assessments {
		if _, ok := r.assessments[a.ID]; ok {
			return fmt.Errorf("%w: assessment already exists: %s", models.ErrInvalidArgument, a.ID)
		}
	}
	for _, a := range assessments {
		setAssessmentKeys(a)
		r.assessments[a.ID] = *a
	}
	return nil
}

func (r *MemoryAssessmentRepository) GetAssessment(_ context.Context, assessmentID string) (*models.Assessment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assessments[assessmentID]
	if !ok {
		return nil, models.ErrAssessmentNotFound
	}
	return &a, nil
}

func (r *MemoryAssessmentRepository) ListAssessments(_ context.Context, skip, limit int) ([]models.Assessment, int, error) {
	all := r.filter(func(models.Assessment) bool { return true })
	slices.SortFunc(all, func(a, b models.Assessment) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return paginate(all, skip, limit), len(all), nil
}

func (r *MemoryAssessmentRepository) ListBatch(_ context.Context, batchID string) ([]models.Assessment, error) {
	all := r.filter(func(a models.Assessment) bool { return a.BatchID == batchID })
	slices.SortFunc(all, func(a, b models.Assessment) int {
		return cmp.Compare(a.BatchIndex, b.BatchIndex)
	})
	return all, nil
}

func (r *MemoryAssessmentRepository) ListByStatus(_ context.Context, status models.AssessmentStatus) ([]models.Assessment, error) {
	return r.filter(func(a models.Assessment) bool { return a.Status == status }), nil
}

func (r *MemoryAssessmentRepository) filter(keep func(models.Assessment) bool) []models.Assessment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Assessment, 0, len(r.assessments))
	for _, a := range r.assessments {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (r *MemoryAssessmentRepository) MarkRunning(_ context.Context, assessmentID string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assessments[assessmentID]
	if !ok || a.Status != models.StatusPending {
		return fmt.Errorf("%w: assessment %s is not pending", models.ErrInvalidState, assessmentID)
	}
	started := startedAt.UTC()
	a.Status = models.StatusRunning
	a.StartedAt = &started
	r.assessments[assessmentID] = a
	return nil
}

func (r *MemoryAssessmentRepository) UpdateProgress(_ context.Context, assessmentID string, progress float64, currentFrame, totalFrames int) error {
	return r.updateRunning(assessmentID, func(a *models.Assessment) error {
		if progress < a.Progress {
			return models.ErrStaleWrite
		}
		a.Progress = progress
		a.CurrentFrame = currentFrame
		a.TotalFrames = totalFrames
		return nil
	})
}

func (r *MemoryAssessmentRepository) Complete(_ context.Context, assessmentID string, c models.Completion) error {
	return r.updateRunning(assessmentID, func(a *models.Assessment) error {
		completed := c.CompletedAt.UTC()
		a.Status = models.StatusCompleted
		a.Progress = 100
		a.ApplyScores(c.Scores)
		a.FrameDataLocation = c.FrameDataLocation
		a.VMAFModel = c.Model
		a.CompletedAt = &completed
		return nil
	})
}

func (r *MemoryAssessmentRepository) Fail(_ context.Context, assessmentID, message string, at time.Time) error {
	return r.updateRunning(assessmentID, func(a *models.Assessment) error {
		ended := at.UTC()
		a.Status = models.StatusFailed
		a.ErrorMessage = message
		a.CompletedAt = &ended
		return nil
	})
}

func (r *MemoryAssessmentRepository) Cancel(_ context.Context, assessmentID string, at time.Time) error {
	return r.updateRunning(assessmentID, func(a *models.Assessment) error {
		ended := at.UTC()
		a.Status = models.StatusCancelled
		a.CompletedAt = &ended
		return nil
	})
}

// updateRunning applies fn only while the assessment is running.
func (r *MemoryAssessmentRepository) updateRunning(assessmentID string, fn func(*models.Assessment) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assessments[assessmentID]
	if !ok || a.Status != models.StatusRunning {
		return models.ErrStaleWrite
	}
	if err := fn(&a); err != nil {
		return err
	}
	r.assessments[assessmentID] = a
	return nil
}

func (r *MemoryAssessmentRepository) DeleteAssessment(_ context.Context, assessmentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assessments[assessmentID]
	if !ok || a.Status == models.StatusRunning {
		return fmt.Errorf("%w: assessment %s is running or missing", models.ErrInvalidState, assessmentID)
	}
	delete(r.assessments, assessmentID)
	return nil
}
