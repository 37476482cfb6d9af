package models

import "errors"

// Sentinel errors for video and assessment operations.
var (
	// Lookup errors
	ErrVideoNotFound      = errors.New("video not found")
	ErrAssessmentNotFound = errors.New("assessment not found")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrFrameDataNotFound  = errors.New("frame data not found")

	// Lifecycle errors
	ErrInvalidState     = errors.New("invalid assessment state")
	ErrConcurrencyLimit = errors.New("concurrent assessment limit reached")
	ErrStaleWrite       = errors.New("assessment is no longer running")
	ErrVideoInUse       = errors.New("video is referenced by a running assessment")

	// External tool errors
	ErrProbeFailed     = errors.New("ffprobe execution failed")
	ErrNoVideoStream   = errors.New("no video stream found")
	ErrExecutionFailed = errors.New("ffmpeg execution failed")
	ErrResultParse     = errors.New("failed to parse quality result")
	ErrContextCanceled = errors.New("context canceled")

	// Validation errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidRole     = errors.New("invalid video role")
)
