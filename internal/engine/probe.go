package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amillerrr/video-qc/internal/metrics"
	"github.com/amillerrr/video-qc/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultFrameRate is used when ffprobe reports no usable frame rate.
const DefaultFrameRate = 30.0

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	PixFmt     string `json:"pix_fmt"`
	RFrameRate string `json:"r_frame_rate"`
	NbFrames   string `json:"nb_frames"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

// Probe reads stream metadata for the video at path.
func (e *Engine) Probe(ctx context.Context, path string) (*models.VideoMetadata, error) {
	ctx, span := tracer.Start(ctx, "ffprobe")
	defer span.End()

	start := time.Now()
	out, err := e.config.Runner.Output(ctx, e.config.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	meta, err := ParseProbe(out)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("video.width", meta.Width),
		attribute.Int("video.height", meta.Height),
		attribute.Int("video.frames", meta.FrameCount),
	)
	return meta, nil
}

// ParseProbe extracts metadata from ffprobe JSON output using the first video stream.
func ParseProbe(data []byte) (*models.VideoMetadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid ffprobe output: %v", models.ErrProbeFailed, err)
	}

	var stream *probeStream
	for i := range out.Streams {
		if out.Streams[i].CodecType == "video" {
			stream = &out.Streams[i]
			break
		}
	}
	if stream == nil {
		return nil, models.ErrNoVideoStream
	}

	fps := parseFrameRate(stream.RFrameRate)

	duration := parseFloat(out.Format.Duration)
	if duration == 0 {
		duration = parseFloat(stream.Duration)
	}

	frames, _ := strconv.Atoi(stream.NbFrames)
	if frames <= 0 {
		frames = int(duration * fps)
	}

	bitrate, _ := strconv.ParseInt(stream.BitRate, 10, 64)
	if bitrate == 0 {
		bitrate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)
	}

	return &models.VideoMetadata{
		Width:       stream.Width,
		Height:      stream.Height,
		Duration:    duration,
		FrameRate:   fps,
		FrameCount:  frames,
		Codec:       stream.CodecName,
		Bitrate:     bitrate,
		PixelFormat: stream.PixFmt,
	}, nil
}

// parseFrameRate parses "num/den" or a plain number, falling back to DefaultFrameRate.
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		if v := parseFloat(s); v > 0 {
			return v
		}
		return DefaultFrameRate
	}

	n := parseFloat(num)
	d := parseFloat(den)
	if n <= 0 || d <= 0 {
		return DefaultFrameRate
	}
	return n / d
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
