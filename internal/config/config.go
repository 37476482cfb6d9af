package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	LogLevel      string
	AWS           AWSConfig
	Store         StoreConfig
	API           APIConfig
	Engine        EngineConfig
	Assessment    AssessmentConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region          string
	DynamoDBTable   string
	FrameDataBucket string
	NotifyQueueURL  string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port      string
	Username  string
	Password  string
	JWTSecret string
}

// EngineConfig locates the external tools and VMAF models.
type EngineConfig struct {
	FFmpegPath  string
	FFprobePath string
	ModelPath   string
	Model4KPath string
	Threads     int
	WorkDir     string
}

// AssessmentConfig bounds assessment execution.
type AssessmentConfig struct {
	MaxConcurrentJobs int
	JobTimeout        time.Duration
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
	Enabled      bool
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
)

// Default values
const (
	DefaultPort              = "8080"
	DefaultLogLevel          = "info"
	DefaultMaxConcurrentJobs = 3
	DefaultJobTimeout        = time.Hour
	DefaultThreads           = 4
	DefaultWorkDir           = "reports"
	DefaultModelPath         = "/usr/share/model/vmaf_v0.6.1.json"
	DefaultModel4KPath       = "/usr/share/model/vmaf_4k_v0.6.1.json"
	DefaultOTLPEndpoint      = "localhost:4317"
	DefaultRegion            = "us-west-2"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	timeout, err := getEnvDuration("JOB_TIMEOUT", DefaultJobTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", DefaultRegion),
			DynamoDBTable:   os.Getenv("DYNAMODB_TABLE"),
			FrameDataBucket: os.Getenv("FRAME_DATA_BUCKET"),
			NotifyQueueURL:  os.Getenv("NOTIFY_QUEUE_URL"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		},
		API: APIConfig{
			Port:      getEnv("PORT", DefaultPort),
			Username:  os.Getenv("API_USERNAME"),
			Password:  os.Getenv("API_PASSWORD"),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Engine: EngineConfig{
			FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
			ModelPath:   getEnv("VMAF_MODEL_PATH", DefaultModelPath),
			Model4KPath: getEnv("VMAF_4K_MODEL_PATH", DefaultModel4KPath),
			Threads:     getEnvInt("VMAF_THREADS", DefaultThreads),
			WorkDir:     getEnv("WORK_DIR", DefaultWorkDir),
		},
		Assessment: AssessmentConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			JobTimeout:        timeout,
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
			Enabled:      getEnvBool("OTEL_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
			}),
		},
	}

	return cfg, nil
}

// LoadAPI loads and validates configuration for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every configuration problem in one error.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required for the dynamodb backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_BACKEND must be %s or %s, got %q",
			BackendMemory, BackendDynamoDB, c.Store.Backend))
	}

	if c.Assessment.MaxConcurrentJobs < 1 {
		errs = append(errs, "MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.Assessment.JobTimeout < 0 {
		errs = append(errs, "JOB_TIMEOUT must not be negative")
	}
	if c.Engine.Threads < 1 {
		errs = append(errs, "VMAF_THREADS must be at least 1")
	}
	if c.Engine.ModelPath == "" || c.Engine.Model4KPath == "" {
		errs = append(errs, "VMAF_MODEL_PATH and VMAF_4K_MODEL_PATH are required")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}

	// In production, require explicit credentials
	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if c.API.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// UsesAWS reports whether any AWS-backed component is configured.
func (c *Config) UsesAWS() bool {
	return c.Store.Backend == BackendDynamoDB || c.AWS.FrameDataBucket != "" || c.AWS.NotifyQueueURL != ""
}

// GetAPICredentials returns API credentials with fallback for development.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		// Development fallback
		return "admin", "secret", nil
	}

	return username, password, nil
}

// GetJWTSecret returns the JWT secret.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		if c.IsProduction() {
			return nil, errors.New("JWT_SECRET not configured")
		}
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90m") and bare seconds ("3600").
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
