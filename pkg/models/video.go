package models

import (
	"fmt"
	"time"
)

// VideoRole tags a video as the pristine source or an encoded rendition.
type VideoRole string

const (
	RoleReference VideoRole = "reference"
	RoleDistorted VideoRole = "distorted"
)

// IsValid returns true if the role is a known VideoRole.
func (r VideoRole) IsValid() bool {
	return r == RoleReference || r == RoleDistorted
}

// VideoMetadata is the technical description of a media file as reported by ffprobe.
type VideoMetadata struct {
	Width       int     `dynamodbav:"width" json:"width"`
	Height      int     `dynamodbav:"height" json:"height"`
	Duration    float64 `dynamodbav:"duration" json:"duration"`
	FrameRate   float64 `dynamodbav:"frame_rate" json:"frameRate"`
	FrameCount  int     `dynamodbav:"frame_count" json:"frameCount"`
	Codec       string  `dynamodbav:"codec" json:"codec"`
	Bitrate     int64   `dynamodbav:"bitrate" json:"bitrate"`
	PixelFormat string  `dynamodbav:"pixel_format" json:"pixelFormat"`
}

// VideoAsset represents a stored media file with its probed metadata.
type VideoAsset struct {
	// Keys
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`

	// Attributes
	ID            string    `dynamodbav:"video_id" json:"id"`
	Filename      string    `dynamodbav:"filename" json:"filename"`
	FilePath      string    `dynamodbav:"file_path" json:"filePath"`
	Role          VideoRole `dynamodbav:"role" json:"role"`
	FileSizeBytes int64     `dynamodbav:"file_size_bytes,omitempty" json:"fileSizeBytes,omitempty"`
	VideoMetadata
	CreatedAt time.Time `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

// Resolution formats the video dimensions as WIDTHxHEIGHT.
func (v *VideoAsset) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}
