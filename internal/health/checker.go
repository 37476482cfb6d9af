// Package health reports liveness of the API and, on request, the reachability
// of everything an assessment needs: the metadata table, frame bucket,
// notification queue, ffmpeg tooling and VMAF model files.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Configuration constants
const (
	DefaultCacheTTL       = 10 * time.Second
	DefaultCheckTimeout   = 5 * time.Second
	DefaultDeepCheckLimit = 10 * time.Second
)

// Check states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusInfo      = "info"
)

// Status represents the health check response.
type Status struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks,omitempty"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// S3Client defines the S3 operations needed for health checks.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// SQSClient defines the SQS operations needed for health checks.
type SQSClient interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// DynamoDBClient defines the DynamoDB operations needed for health checks.
type DynamoDBClient interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// CapacityFunc reports running assessments against the concurrency cap.
type CapacityFunc func() (running, limit int)

// Config holds health checker configuration. Each AWS dependency is checked
// only when both its client and its resource name are set.
type Config struct {
	ServiceName    string
	S3Client       S3Client
	SQSClient      SQSClient
	DynamoDBClient DynamoDBClient
	FrameBucket    string
	NotifyQueueURL string
	DynamoDBTable  string

	// Tools maps a check name to an executable resolved through PATH.
	Tools map[string]string
	// ModelFiles maps a check name to a file that must exist.
	ModelFiles map[string]string
	Capacity   CapacityFunc

	Logger         *slog.Logger
	CacheTTL       time.Duration
	CheckTimeout   time.Duration
	DeepCheckLimit time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig(serviceName string, logger *slog.Logger) *Config {
	return &Config{
		ServiceName:    serviceName,
		Logger:         logger,
		CacheTTL:       DefaultCacheTTL,
		CheckTimeout:   DefaultCheckTimeout,
		DeepCheckLimit: DefaultDeepCheckLimit,
	}
}

// Checker provides health check functionality.
type Checker struct {
	config *Config
	now    func() time.Time

	mu            sync.RWMutex
	lastCheck     time.Time
	lastStatus    *Status
	lastDeepCheck time.Time
}

// NewChecker creates a new health checker with the given configuration.
func NewChecker(config *Config) *Checker {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Checker{
		config: config,
		now:    time.Now,
	}
}

// Check reports service health. A shallow check may be served from cache and
// only includes assessment capacity; a deep check probes every configured
// dependency concurrently.
func (c *Checker) Check(ctx context.Context, deep bool) *Status {
	if !deep {
		c.mu.RLock()
		if c.lastStatus != nil && c.now().Sub(c.lastCheck) < c.config.CacheTTL {
			status := c.lastStatus
			c.mu.RUnlock()
			return status
		}
		c.mu.RUnlock()
	}

	status := &Status{
		Status:    StatusHealthy,
		Service:   c.config.ServiceName,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	if c.config.Capacity != nil {
		running, limit := c.config.Capacity()
		status.Checks["assessments"] = ComponentCheck{
			Status: StatusInfo,
			Detail: fmt.Sprintf("%d/%d running", running, limit),
		}
	}

	if deep {
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for name, check := range c.dependencies() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result := c.probe(ctx, check)

				mu.Lock()
				defer mu.Unlock()
				status.Checks[name] = result
				if result.Status != StatusHealthy {
					status.Status = StatusDegraded
					c.config.Logger.WarnContext(ctx, "Dependency check failed",
						"component", name,
						"error", result.Error,
					)
				}
			}()
		}
		wg.Wait()
	}

	c.mu.Lock()
	c.lastCheck = c.now()
	c.lastStatus = status
	c.mu.Unlock()

	return status
}

// dependencies returns the configured dependency checks by name.
func (c *Checker) dependencies() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)

	if c.config.DynamoDBClient != nil && c.config.DynamoDBTable != "" {
		checks["dynamodb"] = func(ctx context.Context) error {
			_, err := c.config.DynamoDBClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(c.config.DynamoDBTable),
			})
			return err
		}
	}

	if c.config.S3Client != nil && c.config.FrameBucket != "" {
		checks["s3"] = func(ctx context.Context) error {
			_, err := c.config.S3Client.HeadBucket(ctx, &s3.HeadBucketInput{
				Bucket: aws.String(c.config.FrameBucket),
			})
			return err
		}
	}

	if c.config.SQSClient != nil && c.config.NotifyQueueURL != "" {
		checks["sqs"] = func(ctx context.Context) error {
			_, err := c.config.SQSClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl: aws.String(c.config.NotifyQueueURL),
				AttributeNames: []types.QueueAttributeName{
					types.QueueAttributeNameApproximateNumberOfMessages,
				},
			})
			return err
		}
	}

	for name, bin := range c.config.Tools {
		checks[name] = func(context.Context) error {
			_, err := exec.LookPath(bin)
			return err
		}
	}

	for name, path := range c.config.ModelFiles {
		checks[name] = func(context.Context) error {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.IsDir() {
				return errors.New(path + " is a directory")
			}
			return nil
		}
	}

	return checks
}

// CanPerformDeepCheck returns true if enough time has passed since the last deep check.
func (c *Checker) CanPerformDeepCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.lastDeepCheck) >= c.config.DeepCheckLimit
}

// RecordDeepCheck records the time of a deep health check.
func (c *Checker) RecordDeepCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDeepCheck = c.now()
}

func (c *Checker) probe(ctx context.Context, check func(context.Context) error) ComponentCheck {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	result := ComponentCheck{Status: StatusHealthy}
	if err := check(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	result.Latency = time.Since(start).String()
	return result
}

// Handler returns an HTTP handler for basic health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.writeResponse(w, c.Check(r.Context(), false))
	}
}

// DeepHandler returns an HTTP handler for deep health checks. Calls closer
// together than DeepCheckLimit get the cached result with a 429.
func (c *Checker) DeepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.CanPerformDeepCheck() {
			cached := c.Check(r.Context(), false)
			status := *cached
			status.Checks = maps.Clone(cached.Checks)
			if status.Checks == nil {
				status.Checks = make(map[string]ComponentCheck)
			}
			status.Checks["rate_limited"] = ComponentCheck{
				Status: StatusInfo,
				Detail: "Deep health check rate limited, returning cached result",
			}

			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(c.config.DeepCheckLimit.Seconds())))
			c.writeJSON(w, http.StatusTooManyRequests, &status)
			return
		}

		c.RecordDeepCheck()
		c.writeResponse(w, c.Check(r.Context(), true))
	}
}

func (c *Checker) writeResponse(w http.ResponseWriter, status *Status) {
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.writeJSON(w, code, status)
}

func (c *Checker) writeJSON(w http.ResponseWriter, code int, status *Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		c.config.Logger.Error("Failed to encode health check response", "error", err)
	}
}
