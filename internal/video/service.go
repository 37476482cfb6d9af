// Package video registers media files as video assets. It probes each file
// once and keeps the role tag editable.
package video

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amillerrr/video-qc/internal/storage"
	"github.com/amillerrr/video-qc/pkg/models"
)

// Repository persists video assets.
type Repository interface {
	CreateVideo(ctx context.Context, video *models.VideoAsset) error
	GetVideo(ctx context.Context, videoID string) (*models.VideoAsset, error)
	ListVideos(ctx context.Context, role models.VideoRole) ([]models.VideoAsset, error)
	UpdateVideoRole(ctx context.Context, videoID string, role models.VideoRole) error
	DeleteVideo(ctx context.Context, videoID string) error
}

// Prober reads technical metadata from a local media file.
type Prober interface {
	Probe(ctx context.Context, path string) (*models.VideoMetadata, error)
}

// Localizer turns a stored video path into a local file path.
type Localizer interface {
	Localize(ctx context.Context, path string) (string, func(), error)
}

// RunningLister lists assessments by status.
type RunningLister interface {
	ListByStatus(ctx context.Context, status models.AssessmentStatus) ([]models.Assessment, error)
}

// Registration describes a file to register.
type Registration struct {
	Path     string           `json:"path"`
	Filename string           `json:"filename"`
	Role     models.VideoRole `json:"role"`
}

// Service manages video assets.
type Service struct {
	repo        Repository
	prober      Prober
	localizer   Localizer
	assessments RunningLister
	log         *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a video Service.
func New(repo Repository, prober Prober, localizer Localizer, assessments RunningLister, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:        repo,
		prober:      prober,
		localizer:   localizer,
		assessments: assessments,
		log:         log,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Register probes the file at reg.Path and stores it as a new video asset.
func (s *Service) Register(ctx context.Context, reg Registration) (*models.VideoAsset, error) {
	path := strings.TrimSpace(reg.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", models.ErrInvalidArgument)
	}
	if !reg.Role.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidRole, reg.Role)
	}

	local, cleanup, err := s.localizer.Localize(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to localize %s: %w", path, err)
	}
	defer cleanup()

	meta, err := s.prober.Probe(ctx, local)
	if err != nil {
		return nil, err
	}

	filename := reg.Filename
	if filename == "" {
		filename = filepath.Base(path)
	}

	now := s.now().UTC()
	v := &models.VideoAsset{
		ID:            s.newID(),
		Filename:      filename,
		FilePath:      path,
		Role:          reg.Role,
		VideoMetadata: *meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if info, err := os.Stat(local); err == nil {
		v.FileSizeBytes = info.Size()
	}

	if err := s.repo.CreateVideo(ctx, v); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "Video registered",
		"videoId", v.ID,
		"role", v.Role,
		"resolution", v.Resolution(),
		"frameCount", v.FrameCount,
	)
	return v, nil
}

// Get returns a video by id.
func (s *Service) Get(ctx context.Context, videoID string) (*models.VideoAsset, error) {
	return s.repo.GetVideo(ctx, videoID)
}

// List returns videos with the given role, or every video when role is empty.
func (s *Service) List(ctx context.Context, role models.VideoRole) ([]models.VideoAsset, error) {
	if role != "" && !role.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidRole, role)
	}
	return s.repo.ListVideos(ctx, role)
}

// UpdateRole retags a video.
func (s *Service) UpdateRole(ctx context.Context, videoID string, role models.VideoRole) (*models.VideoAsset, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidRole, role)
	}
	if err := s.repo.UpdateVideoRole(ctx, videoID, role); err != nil {
		return nil, err
	}
	return s.repo.GetVideo(ctx, videoID)
}

// Delete removes a video unless a running assessment references it.
// Local backing files are removed too.
func (s *Service) Delete(ctx context.Context, videoID string) error {
	v, err := s.repo.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}

	running, err := s.assessments.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running assessments: %w", err)
	}
	for _, a := range running {
		if a.ReferenceVideoID == videoID || a.DistortedVideoID == videoID {
			return fmt.Errorf("%w: assessment %s", models.ErrVideoInUse, a.ID)
		}
	}

	if err := s.repo.DeleteVideo(ctx, videoID); err != nil {
		return err
	}

	if !storage.IsS3URI(v.FilePath) {
		if err := os.Remove(v.FilePath); err != nil && !os.IsNotExist(err) {
			s.log.WarnContext(ctx, "Failed to remove video file",
				"videoId", videoID,
				"path", v.FilePath,
				"error", err,
			)
		}
	}

	s.log.InfoContext(ctx, "Video deleted", "videoId", videoID)
	return nil
}
