package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/amillerrr/video-qc/pkg/models"
)

const framesContentType = "application/json"

func frameFileName(assessmentID string) string {
	return fmt.Sprintf("%s_frames.json", assessmentID)
}

// LocalFrameStore keeps per-frame data as JSON files in a directory.
type LocalFrameStore struct {
	dir string
}

// NewLocalFrameStore creates a frame store rooted at dir.
func NewLocalFrameStore(dir string) *LocalFrameStore {
	return &LocalFrameStore{dir: dir}
}

// Save writes the frames for an assessment and returns the file path.
func (s *LocalFrameStore) Save(_ context.Context, assessmentID string, frames []models.FrameMetrics) (string, error) {
	dest := filepath.Join(s.dir, frameFileName(assessmentID))
	if err := writeFileAtomic(dest, frames); err != nil {
		return "", fmt.Errorf("failed to write frame data: %w", err)
	}
	return dest, nil
}

// Load reads frames from a path returned by Save.
func (s *LocalFrameStore) Load(_ context.Context, location string) ([]models.FrameMetrics, error) {
	if location == "" {
		return nil, models.ErrFrameDataNotFound
	}

	data, err := os.ReadFile(location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.ErrFrameDataNotFound
		}
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}

	var frames []models.FrameMetrics
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("failed to decode frame data: %w", err)
	}
	return frames, nil
}

// Delete removes frame data. Missing files are ignored.
func (s *LocalFrameStore) Delete(_ context.Context, location string) error {
	if location == "" {
		return nil
	}
	if err := os.Remove(location); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete frame data: %w", err)
	}
	return nil
}

// writeFileAtomic writes v as JSON to a temp file and renames it over dest.
func writeFileAtomic(dest string, v any) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// S3FrameStore keeps per-frame data as JSON objects in a bucket.
type S3FrameStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3FrameStore creates a frame store writing under prefix in bucket.
func NewS3FrameStore(client S3API, bucket, prefix string) *S3FrameStore {
	return &S3FrameStore{client: client, bucket: bucket, prefix: prefix}
}

// Save uploads the frames for an assessment and returns an s3:// URI.
func (s *S3FrameStore) Save(ctx context.Context, assessmentID string, frames []models.FrameMetrics) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	body, err := json.Marshal(frames)
	if err != nil {
		return "", fmt.Errorf("failed to encode frame data: %w", err)
	}

	key := s.prefix + frameFileName(assessmentID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(framesContentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload frame data: %w", err)
	}

	return S3URI(s.bucket, key), nil
}

// Load downloads frames from a URI returned by Save.
func (s *S3FrameStore) Load(ctx context.Context, location string) ([]models.FrameMetrics, error) {
	if location == "" {
		return nil, models.ErrFrameDataNotFound
	}

	bucket, key, err := ParseS3URI(location)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, models.ErrFrameDataNotFound
		}
		return nil, fmt.Errorf("failed to get frame data: %w", err)
	}
	defer result.Body.Close()

	var frames []models.FrameMetrics
	if err := json.NewDecoder(result.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("failed to decode frame data: %w", err)
	}
	return frames, nil
}

// Delete removes the object behind location.
func (s *S3FrameStore) Delete(ctx context.Context, location string) error {
	if location == "" {
		return nil
	}

	bucket, key, err := ParseS3URI(location)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete frame data: %w", err)
	}
	return nil
}
