package assessment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amillerrr/video-qc/internal/engine"
	"github.com/amillerrr/video-qc/internal/metrics"
	"github.com/amillerrr/video-qc/pkg/models"
)

var errNoResult = errors.New("comparison ended without a result")

// drive runs the comparison for a running assessment and records its outcome.
// Failures are recorded on the assessment and never returned to the caller of Start.
func (s *Service) drive(ctx context.Context, a models.Assessment) {
	defer s.wg.Done()

	ctx, span := tracer.Start(ctx, "assessment-drive")
	defer span.End()
	span.SetAttributes(
		attribute.String("assessment.id", a.ID),
		attribute.String("assessment.batch_id", a.BatchID),
	)

	// Outcome writes must land even after the drive context is done.
	writeCtx := context.WithoutCancel(ctx)

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	terminal, err := s.run(runCtx, writeCtx, &a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		terminal = s.markFailed(writeCtx, &a, s.failureMessage(runCtx, err))
	}

	s.running.release(a.ID)
	metrics.DriveDuration.Observe(time.Since(start).Seconds())

	if !terminal {
		// Someone else moved the assessment out of running.
		s.log.DebugContext(ctx, "Drive ended after assessment left running", "assessmentId", a.ID)
		return
	}

	metrics.RecordFinished(string(a.Status))
	s.log.InfoContext(ctx, "Assessment finished",
		"assessmentId", a.ID,
		"status", a.Status,
		"durationMs", time.Since(start).Milliseconds(),
	)

	s.publish(writeCtx, &a)
	if s.running.closed() {
		return
	}
	s.fireHooks(writeCtx, &a)
}

// run drives the comparison. It reports whether it wrote the terminal status.
func (s *Service) run(ctx, writeCtx context.Context, a *models.Assessment) (bool, error) {
	ref, err := s.videos.GetVideo(ctx, a.ReferenceVideoID)
	if err != nil {
		return false, fmt.Errorf("reference video: %w", err)
	}
	dist, err := s.videos.GetVideo(ctx, a.DistortedVideoID)
	if err != nil {
		return false, fmt.Errorf("distorted video: %w", err)
	}

	refPath, cleanupRef, err := s.localizer.Localize(ctx, ref.FilePath)
	if err != nil {
		return false, fmt.Errorf("reference video: %w", err)
	}
	defer cleanupRef()

	distPath, cleanupDist, err := s.localizer.Localize(ctx, dist.FilePath)
	if err != nil {
		return false, fmt.Errorf("distorted video: %w", err)
	}
	defer cleanupDist()

	logPath := filepath.Join(s.workDir, fmt.Sprintf("%s_vmaf.json", a.ID))
	defer os.Remove(logPath)

	for ev, err := range s.comparer.Compare(ctx, refPath, distPath, logPath) {
		if err != nil {
			return false, err
		}

		switch ev.Kind {
		case engine.EventProgress:
			s.recordProgress(writeCtx, a, ev.Progress)
		case engine.EventComplete:
			return s.complete(writeCtx, a, ev.Result)
		}
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, errNoResult
}

// recordProgress persists a progress event. Non-increasing progress and writes
// rejected because the assessment left running are dropped.
func (s *Service) recordProgress(ctx context.Context, a *models.Assessment, p engine.Progress) {
	progress := round2(p.Percent)
	if progress < a.Progress {
		return
	}

	err := s.repo.UpdateProgress(ctx, a.ID, progress, p.CurrentFrame, p.TotalFrames)
	switch {
	case err == nil:
		a.Progress = progress
		a.CurrentFrame = p.CurrentFrame
		a.TotalFrames = p.TotalFrames
		metrics.ProgressUpdates.Inc()
	case errors.Is(err, models.ErrStaleWrite):
		s.log.DebugContext(ctx, "Dropped stale progress update",
			"assessmentId", a.ID,
			"progress", progress,
		)
	default:
		s.log.WarnContext(ctx, "Failed to persist progress",
			"assessmentId", a.ID,
			"error", err,
		)
	}
}

// complete stores frame data and marks the assessment completed.
func (s *Service) complete(ctx context.Context, a *models.Assessment, result *engine.Result) (bool, error) {
	location, err := s.frames.Save(ctx, a.ID, result.Frames)
	if err != nil {
		return false, err
	}

	c := models.Completion{
		Scores:            result.Scores,
		FrameDataLocation: location,
		Model:             result.Model,
		CompletedAt:       s.now().UTC(),
	}

	if err := s.repo.Complete(ctx, a.ID, c); err != nil {
		if errors.Is(err, models.ErrStaleWrite) {
			// Cancelled while finishing; discard the result.
			if delErr := s.frames.Delete(ctx, location); delErr != nil {
				s.log.WarnContext(ctx, "Failed to delete orphaned frame data", "assessmentId", a.ID, "error", delErr)
			}
			return false, nil
		}
		return false, err
	}

	a.Status = models.StatusCompleted
	a.Progress = 100
	a.ApplyScores(c.Scores)
	a.FrameDataLocation = location
	a.VMAFModel = c.Model
	a.CompletedAt = &c.CompletedAt

	metrics.RecordVMAF(c.Scores.VMAFMean)
	return true, nil
}

// markFailed records a failure. It reports false when the assessment had already
// left running, in which case nothing is written.
func (s *Service) markFailed(ctx context.Context, a *models.Assessment, message string) bool {
	at := s.now().UTC()
	if err := s.repo.Fail(ctx, a.ID, message, at); err != nil {
		if !errors.Is(err, models.ErrStaleWrite) {
			s.log.ErrorContext(ctx, "Failed to mark assessment as failed",
				"assessmentId", a.ID,
				"error", err,
			)
		}
		return false
	}

	a.Status = models.StatusFailed
	a.ErrorMessage = message
	a.CompletedAt = &at

	s.log.WarnContext(ctx, "Assessment failed",
		"assessmentId", a.ID,
		"error", message,
	)
	return true
}

func (s *Service) failureMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("assessment timed out after %s", s.timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return "assessment interrupted before completion"
	}
	return err.Error()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
