package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/amillerrr/video-qc/internal/api"
	"github.com/amillerrr/video-qc/internal/assessment"
	"github.com/amillerrr/video-qc/internal/auth"
	"github.com/amillerrr/video-qc/internal/batch"
	"github.com/amillerrr/video-qc/internal/config"
	"github.com/amillerrr/video-qc/internal/engine"
	"github.com/amillerrr/video-qc/internal/health"
	"github.com/amillerrr/video-qc/internal/logger"
	"github.com/amillerrr/video-qc/internal/notify"
	"github.com/amillerrr/video-qc/internal/observability"
	"github.com/amillerrr/video-qc/internal/storage"
	"github.com/amillerrr/video-qc/internal/video"
)

const (
	ServiceName           = "video-qc-api"
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
	FrameDataPrefix       = "frames"
)

// stores groups the persistence backends selected by configuration.
type stores struct {
	videos      video.Repository
	assessments assessmentStore
	frames      assessment.FrameStore
	s3          storage.S3API
	health      *health.Config
	publisher   assessment.Publisher
}

// assessmentStore is satisfied by both the memory and DynamoDB repositories.
type assessmentStore interface {
	assessment.Repository
	batch.Repository
	video.RunningLister
}

func main() {
	// Load .env file if present
	envErr := godotenv.Load()

	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Server shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	shutdownTracer, err := observability.InitTracer(context.Background(), observability.Options{
		ServiceName: ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Enabled:     cfg.Observability.Enabled,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	st, err := buildStores(cfg, log)
	if err != nil {
		return err
	}

	eng := engine.NewEngine(&engine.Config{
		FFmpegPath:  cfg.Engine.FFmpegPath,
		FFprobePath: cfg.Engine.FFprobePath,
		ModelPath:   cfg.Engine.ModelPath,
		Model4KPath: cfg.Engine.Model4KPath,
		Threads:     cfg.Engine.Threads,
		Logger:      log,
	})
	downloader := storage.NewDownloader(st.s3, filepath.Join(cfg.Engine.WorkDir, "inputs"), log)

	svc := assessment.New(&assessment.Config{
		Repo:          st.assessments,
		Videos:        st.videos,
		Frames:        st.frames,
		Comparer:      eng,
		Localizer:     downloader,
		Publisher:     st.publisher,
		MaxConcurrent: cfg.Assessment.MaxConcurrentJobs,
		Timeout:       cfg.Assessment.JobTimeout,
		WorkDir:       cfg.Engine.WorkDir,
		Logger:        log,
	})
	batches := batch.New(&batch.Config{
		Assessments: svc,
		Repo:        st.assessments,
		Logger:      log,
	})
	videos := video.New(st.videos, eng, downloader, st.assessments, log)

	// Anything still marked running was orphaned by a previous process.
	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	n, err := svc.Reconcile(ctx)
	cancel()
	if err != nil {
		log.Warn("Failed to reconcile running assessments", "error", err)
	} else if n > 0 {
		log.Info("Reconciled orphaned assessments", "count", n)
	}

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		return fmt.Errorf("failed to get JWT secret: %w", err)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		return fmt.Errorf("failed to create JWT service: %w", err)
	}

	rateLimiter := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())

	st.health.Tools = map[string]string{
		"ffmpeg":  cfg.Engine.FFmpegPath,
		"ffprobe": cfg.Engine.FFprobePath,
	}
	st.health.ModelFiles = map[string]string{
		"vmaf_model":    cfg.Engine.ModelPath,
		"vmaf_4k_model": cfg.Engine.Model4KPath,
	}
	st.health.Capacity = svc.Capacity

	server, err := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		JWTService:    jwtService,
		RateLimiter:   rateLimiter,
		HealthChecker: health.NewChecker(st.health),
		Assessments:   svc,
		Batches:       batches,
		Videos:        videos,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.Error("Assessments did not stop in time", "error", err)
	}
	return nil
}

// buildStores selects the persistence backend and, when AWS is in use, builds
// the SDK clients shared by storage, notifications and health checks.
func buildStores(cfg *config.Config, log *slog.Logger) (*stores, error) {
	st := &stores{health: health.DefaultConfig(ServiceName, log)}

	var (
		dynamoClient *dynamodb.Client
		s3Client     *s3.Client
		sqsClient    *sqs.Client
	)
	if cfg.UsesAWS() {
		ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
		defer cancel()

		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		dynamoClient = dynamodb.NewFromConfig(awsCfg)
		s3Client = s3.NewFromConfig(awsCfg)
		sqsClient = sqs.NewFromConfig(awsCfg)

		st.s3 = s3Client
		st.health.S3Client = s3Client
		st.health.SQSClient = sqsClient
		st.health.DynamoDBClient = dynamoClient
		st.health.DynamoDBTable = cfg.AWS.DynamoDBTable
		st.health.FrameBucket = cfg.AWS.FrameDataBucket
		st.health.NotifyQueueURL = cfg.AWS.NotifyQueueURL
	}

	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		st.videos = storage.NewVideoRepository(dynamoClient, cfg.AWS.DynamoDBTable)
		st.assessments = storage.NewAssessmentRepository(dynamoClient, cfg.AWS.DynamoDBTable)
		log.Info("DynamoDB repositories initialized", "table", cfg.AWS.DynamoDBTable)
	default:
		st.videos = storage.NewMemoryVideoRepository()
		st.assessments = storage.NewMemoryAssessmentRepository()
		log.Info("In-memory repositories initialized")
	}

	if cfg.AWS.FrameDataBucket != "" && s3Client != nil {
		st.frames = storage.NewS3FrameStore(s3Client, cfg.AWS.FrameDataBucket, FrameDataPrefix)
		log.Info("Frame data stored in S3", "bucket", cfg.AWS.FrameDataBucket)
	} else {
		st.frames = storage.NewLocalFrameStore(filepath.Join(cfg.Engine.WorkDir, FrameDataPrefix))
	}

	if cfg.AWS.NotifyQueueURL != "" && sqsClient != nil {
		st.publisher = notify.NewSQSPublisher(sqsClient, cfg.AWS.NotifyQueueURL, log)
		log.Info("Assessment notifications enabled", "queue", cfg.AWS.NotifyQueueURL)
	}

	return st, nil
}
