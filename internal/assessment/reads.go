package assessment

import (
	"context"
	"errors"
	"fmt"

	"github.com/amillerrr/video-qc/internal/stats"
	"github.com/amillerrr/video-qc/pkg/models"
)

// Compare accepts between MinCompare and MaxCompare assessments.
const (
	MinCompare = 2
	MaxCompare = 5
)

// FramePage is a slice of an assessment's per-frame data.
type FramePage struct {
	AssessmentID string             `json:"assessmentId"`
	Frames       []stats.TimedFrame `json:"frames"`
	TotalFrames  int                `json:"totalFrames"`
}

// ComparisonItem is one completed assessment in a comparison.
type ComparisonItem struct {
	AssessmentID string   `json:"assessmentId"`
	VideoName    string   `json:"videoName"`
	VMAFScore    *float64 `json:"vmafScore"`
	SSIMScore    *float64 `json:"ssimScore"`
	PSNRScore    *float64 `json:"psnrScore"`
	Bitrate      int64    `json:"bitrate"`
	Resolution   string   `json:"resolution"`
	Codec        string   `json:"codec"`
}

// Comparison lines up several assessments against their shared reference.
type Comparison struct {
	Items          []ComparisonItem   `json:"items"`
	ReferenceVideo *models.VideoAsset `json:"referenceVideo"`
}

// loadFrames returns nil frames when the data is unavailable.
func (s *Service) loadFrames(ctx context.Context, a *models.Assessment) ([]models.FrameMetrics, error) {
	if a.FrameDataLocation == "" {
		return nil, nil
	}

	frames, err := s.frames.Load(ctx, a.FrameDataLocation)
	if err != nil {
		if errors.Is(err, models.ErrFrameDataNotFound) {
			s.log.WarnContext(ctx, "Frame data missing",
				"assessmentId", a.ID,
				"location", a.FrameDataLocation,
			)
			return nil, nil
		}
		return nil, err
	}
	return frames, nil
}

// Frames returns a page of per-frame data with timestamps. The page is nil when
// the assessment has no frame data. Unknown ids fail with ErrAssessmentNotFound,
// which the API reports as 404.
func (s *Service) Frames(ctx context.Context, assessmentID string, skip, limit int) (*FramePage, error) {
	a, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	frames, err := s.loadFrames(ctx, a)
	if err != nil || frames == nil {
		return nil, err
	}

	var frameRate float64
	if ref, err := s.videos.GetVideo(ctx, a.ReferenceVideoID); err == nil {
		frameRate = ref.FrameRate
	}

	return &FramePage{
		AssessmentID: a.ID,
		Frames:       stats.Page(frames, skip, limit, frameRate),
		TotalFrames:  len(frames),
	}, nil
}

// Statistics summarizes the per-frame data. It is nil when the assessment has no
// frame data and fails with ErrAssessmentNotFound for unknown ids.
func (s *Service) Statistics(ctx context.Context, assessmentID string) (*stats.Statistics, error) {
	a, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	frames, err := s.loadFrames(ctx, a)
	if err != nil || frames == nil {
		return nil, err
	}

	st := stats.Compute(frames)
	return &st, nil
}

// ProblemFrames returns the worst frames below threshold. It is empty when the
// assessment has no frame data and fails with ErrAssessmentNotFound for unknown ids.
func (s *Service) ProblemFrames(ctx context.Context, assessmentID string, threshold float64, limit int) ([]models.FrameMetrics, error) {
	a, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}

	frames, err := s.loadFrames(ctx, a)
	if err != nil {
		return nil, err
	}
	return stats.ProblemFrames(frames, threshold, limit), nil
}

// Compare lines up completed assessments. Every id must exist and be completed.
func (s *Service) Compare(ctx context.Context, assessmentIDs []string) (*Comparison, error) {
	if n := len(assessmentIDs); n < MinCompare || n > MaxCompare {
		return nil, fmt.Errorf("%w: compare needs %d to %d assessments, got %d",
			models.ErrInvalidArgument, MinCompare, MaxCompare, n)
	}

	out := &Comparison{Items: make([]ComparisonItem, 0, len(assessmentIDs))}
	for _, id := range assessmentIDs {
		a, err := s.repo.GetAssessment(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("assessment %s: %w", id, err)
		}
		if a.Status != models.StatusCompleted {
			return nil, fmt.Errorf("%w: assessment %s is %s", models.ErrInvalidState, id, a.Status)
		}

		if out.ReferenceVideo == nil {
			ref, err := s.videos.GetVideo(ctx, a.ReferenceVideoID)
			if err != nil {
				return nil, fmt.Errorf("reference video: %w", err)
			}
			out.ReferenceVideo = ref
		}

		dist, err := s.videos.GetVideo(ctx, a.DistortedVideoID)
		if err != nil {
			return nil, fmt.Errorf("distorted video: %w", err)
		}

		out.Items = append(out.Items, ComparisonItem{
			AssessmentID: a.ID,
			VideoName:    dist.Filename,
			VMAFScore:    a.VMAFScore,
			SSIMScore:    a.SSIMScore,
			PSNRScore:    a.PSNRScore,
			Bitrate:      dist.Bitrate,
			Resolution:   dist.Resolution(),
			Codec:        dist.Codec,
		})
	}
	return out, nil
}
