package engine

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/amillerrr/video-qc/internal/metrics"
	"github.com/amillerrr/video-qc/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("vqc-engine")

// EventKind identifies a comparison event.
type EventKind int

const (
	// EventProgress carries a frame-counter update.
	EventProgress EventKind = iota + 1
	// EventComplete carries the parsed result and is always the final event.
	EventComplete
)

// Event is produced by Compare.
type Event struct {
	Kind     EventKind
	Progress Progress
	Result   *Result
}

// Config holds configuration for the metric engine.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	ModelPath   string
	Model4KPath string
	Threads     int
	Runner      Runner
	Logger      *slog.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig(logger *slog.Logger) *Config {
	return &Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		ModelPath:   "/usr/share/model/vmaf_v0.6.1.json",
		Model4KPath: "/usr/share/model/vmaf_4k_v0.6.1.json",
		Threads:     4,
		Runner:      NewExecRunner(logger),
		Logger:      logger,
	}
}

// Engine runs ffprobe and ffmpeg/libvmaf comparisons.
type Engine struct {
	config *Config
}

// NewEngine creates a new Engine with the given configuration.
func NewEngine(config *Config) *Engine {
	if config.Runner == nil {
		config.Runner = NewExecRunner(config.Logger)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Engine{config: config}
}

// Compare measures the distorted video against the reference. The returned sequence
// yields progress events while ffmpeg runs and a single EventComplete on success.
// An error is yielded at most once and ends the sequence. Stopping iteration early
// kills the ffmpeg process.
func (e *Engine) Compare(ctx context.Context, referencePath, distortedPath, logPath string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		ctx, span := tracer.Start(ctx, "compare-quality")
		defer span.End()

		start := time.Now()

		ref, err := e.Probe(ctx, referencePath)
		if err != nil {
			yield(Event{}, fmt.Errorf("reference: %w", err))
			return
		}

		dist, err := e.Probe(ctx, distortedPath)
		if err != nil {
			yield(Event{}, fmt.Errorf("distorted: %w", err))
			return
		}

		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			yield(Event{}, fmt.Errorf("failed to create report directory: %w", err))
			return
		}

		model := e.SelectModel(ref.Width, ref.Height)
		filter := BuildFilterGraph(*ref, *dist, model, logPath, e.config.Threads)
		span.SetAttributes(
			attribute.String("vmaf.model", ModelName(model)),
			attribute.Int("vmaf.total_frames", ref.FrameCount),
		)

		e.config.Logger.Debug("Starting comparison",
			"reference", referencePath,
			"distorted", distortedPath,
			"model", ModelName(model),
			"totalFrames", ref.FrameCount,
		)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		proc, err := e.config.Runner.Start(runCtx, e.config.FFmpegPath, buildCompareArgs(referencePath, distortedPath, filter)...)
		if err != nil {
			yield(Event{}, fmt.Errorf("%w: %v", models.ErrExecutionFailed, err))
			return
		}

		for p := range ScanProgress(proc.Stdout(), ref.FrameCount) {
			if !yield(Event{Kind: EventProgress, Progress: p}, nil) {
				cancel()
				_ = proc.Wait()
				return
			}
		}
		// The scanner stops early on an oversized line; keep the pipe from filling.
		_, _ = io.Copy(io.Discard, proc.Stdout())

		if err := proc.Wait(); err != nil {
			if ctx.Err() != nil {
				yield(Event{}, fmt.Errorf("%w: %w", models.ErrContextCanceled, ctx.Err()))
				return
			}
			yield(Event{}, fmt.Errorf("%w: %v", models.ErrExecutionFailed, err))
			return
		}

		result, err := ParseResultFile(logPath)
		if err != nil {
			yield(Event{}, err)
			return
		}
		result.Model = ModelName(model)

		metrics.CompareDuration.Observe(time.Since(start).Seconds())
		yield(Event{Kind: EventComplete, Result: result}, nil)
	}
}
