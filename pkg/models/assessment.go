package models

import (
	"fmt"
	"time"
)

// AssessmentStatus represents the lifecycle state of an assessment.
type AssessmentStatus string

const (
	StatusPending   AssessmentStatus = "pending"
	StatusRunning   AssessmentStatus = "running"
	StatusCompleted AssessmentStatus = "completed"
	StatusFailed    AssessmentStatus = "failed"
	StatusCancelled AssessmentStatus = "cancelled"
)

// validTransitions maps from-state to allowed to-states.
var validTransitions = map[AssessmentStatus]map[AssessmentStatus]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	// Terminal states
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsValid returns true if the status is a valid AssessmentStatus.
func (s AssessmentStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if no transition leaves the status.
func (s AssessmentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidateTransition checks if a status transition is allowed.
func ValidateTransition(from, to AssessmentStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidState, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	return nil
}

// QualityScores holds the aggregate metrics of a completed assessment.
type QualityScores struct {
	VMAFMean   float64  `json:"vmafScore"`
	VMAFMin    float64  `json:"vmafMin"`
	VMAFMax    float64  `json:"vmafMax"`
	SSIMMean   float64  `json:"ssimScore"`
	PSNRMean   float64  `json:"psnrScore"`
	MSSSIMMean *float64 `json:"msSsimScore,omitempty"`
}

// Assessment is one comparison of a reference video against a distorted video.
type Assessment struct {
	// Keys
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`
	GSI2PK string `dynamodbav:"gsi2pk,omitempty" json:"-"`
	GSI2SK string `dynamodbav:"gsi2sk,omitempty" json:"-"`

	// Attributes
	ID               string           `dynamodbav:"assessment_id" json:"id"`
	BatchID          string           `dynamodbav:"batch_id,omitempty" json:"batchId,omitempty"`
	BatchIndex       int              `dynamodbav:"batch_index" json:"batchIndex"`
	ReferenceVideoID string           `dynamodbav:"reference_video_id" json:"referenceVideoId"`
	DistortedVideoID string           `dynamodbav:"distorted_video_id" json:"distortedVideoId"`
	Status           AssessmentStatus `dynamodbav:"status" json:"status"`
	Progress         float64          `dynamodbav:"progress" json:"progress"`
	CurrentFrame     int              `dynamodbav:"current_frame" json:"currentFrame"`
	TotalFrames      int              `dynamodbav:"total_frames" json:"totalFrames"`
	ErrorMessage     string           `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty"`

	// Scores are set if and only if Status is completed.
	VMAFScore   *float64 `dynamodbav:"vmaf_score,omitempty" json:"vmafScore"`
	VMAFMin     *float64 `dynamodbav:"vmaf_min,omitempty" json:"vmafMin"`
	VMAFMax     *float64 `dynamodbav:"vmaf_max,omitempty" json:"vmafMax"`
	SSIMScore   *float64 `dynamodbav:"ssim_score,omitempty" json:"ssimScore"`
	PSNRScore   *float64 `dynamodbav:"psnr_score,omitempty" json:"psnrScore"`
	MSSSIMScore *float64 `dynamodbav:"ms_ssim_score,omitempty" json:"msSsimScore"`

	FrameDataLocation string `dynamodbav:"frame_data_location,omitempty" json:"frameDataLocation,omitempty"`
	VMAFModel         string `dynamodbav:"vmaf_model,omitempty" json:"vmafModel,omitempty"`

	CreatedAt   time.Time  `dynamodbav:"created_at" json:"createdAt"`
	StartedAt   *time.Time `dynamodbav:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `dynamodbav:"completed_at,omitempty" json:"completedAt,omitempty"`
}

// ApplyScores copies aggregate metrics onto the score fields.
func (a *Assessment) ApplyScores(s QualityScores) {
	a.VMAFScore = Float(s.VMAFMean)
	a.VMAFMin = Float(s.VMAFMin)
	a.VMAFMax = Float(s.VMAFMax)
	a.SSIMScore = Float(s.SSIMMean)
	a.PSNRScore = Float(s.PSNRMean)
	if s.MSSSIMMean != nil {
		a.MSSSIMScore = Float(*s.MSSSIMMean)
	}
}

// HasScores reports whether any aggregate score field is populated.
func (a *Assessment) HasScores() bool {
	return a.VMAFScore != nil || a.VMAFMin != nil || a.VMAFMax != nil ||
		a.SSIMScore != nil || a.PSNRScore != nil || a.MSSSIMScore != nil
}

// InBatch reports whether the assessment belongs to a batch group.
func (a *Assessment) InBatch() bool {
	return a.BatchID != ""
}

// Completion is the outcome written when an assessment completes.
type Completion struct {
	Scores            QualityScores
	FrameDataLocation string
	Model             string
	CompletedAt       time.Time
}
