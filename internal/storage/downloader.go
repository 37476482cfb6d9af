package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("vqc-storage")

// Downloader materializes s3:// video paths as local files.
type Downloader struct {
	s3Client S3API
	dir      string
	log      *slog.Logger
}

// NewDownloader creates a Downloader writing into dir. s3Client may be nil when
// no remote inputs are expected.
func NewDownloader(s3Client S3API, dir string, log *slog.Logger) *Downloader {
	return &Downloader{
		s3Client: s3Client,
		dir:      dir,
		log:      log,
	}
}

// Localize returns a local path for the video. Local paths are returned unchanged;
// s3:// paths are downloaded. The returned cleanup removes any downloaded file.
func (d *Downloader) Localize(ctx context.Context, path string) (string, func(), error) {
	if !IsS3URI(path) {
		return path, func() {}, nil
	}

	local, err := d.download(ctx, path)
	if err != nil {
		return "", nil, err
	}
	return local, func() { d.cleanup(local) }, nil
}

func (d *Downloader) download(ctx context.Context, uri string) (string, error) {
	ctx, span := tracer.Start(ctx, "download-video")
	defer span.End()

	if d.s3Client == nil {
		return "", fmt.Errorf("no S3 client configured for %s", uri)
	}

	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return "", err
	}

	// Ensure temp directory exists
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(d.dir, fmt.Sprintf("video-*%s", filepath.Ext(key)))
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	result, err := d.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	written, err := io.Copy(tmpFile, result.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	span.SetAttributes(attribute.Int64("video.size_bytes", written))
	d.log.InfoContext(ctx, "Downloaded video",
		"uri", uri,
		"sizeBytes", written,
	)

	return tmpPath, nil
}

func (d *Downloader) cleanup(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log.Warn("Failed to remove temp file", "path", path, "error", err)
	}
}
