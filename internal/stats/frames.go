package stats

import "github.com/amillerrr/video-qc/pkg/models"

// DefaultFrameRate is assumed when the reference frame rate is unknown.
const DefaultFrameRate = 30.0

// TimedFrame is a frame annotated with its presentation time in seconds.
type TimedFrame struct {
	models.FrameMetrics
	Timestamp float64 `json:"timestamp"`
}

// Page returns frames[skip:skip+limit] with timestamps derived from frameRate.
func Page(frames []models.FrameMetrics, skip, limit int, frameRate float64) []TimedFrame {
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}

	skip = max(0, min(skip, len(frames)))
	end := len(frames)
	if limit >= 0 {
		end = min(skip+limit, len(frames))
	}

	page := make([]TimedFrame, 0, end-skip)
	for _, f := range frames[skip:end] {
		page = append(page, TimedFrame{
			FrameMetrics: f,
			Timestamp:    float64(f.FrameNum) / frameRate,
		})
	}
	return page
}
