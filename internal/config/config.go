// Package config provides configuration loading and validation for the publisher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonathan/video-publisher/internal/failure"
)

// Backend and policy values accepted by Validate.
const (
	StorageGCS   = "gcs"
	StorageMinIO = "minio"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ClaimSQL   = "sql"
	ClaimRedis = "redis"

	SecretsGCP = "gcp"
	SecretsEnv = "env"

	// FailureResponseError answers pipeline failures with a 5xx so the
	// trigger system redelivers; FailureResponseOK masks them with a 2xx.
	FailureResponseError = "error"
	FailureResponseOK    = "ok"
)

// Config holds every setting the publisher reads. Values come from an
// optional JSON config file, then environment variables, then CLI flags.
type Config struct {
	// Service
	Port    int  `mapstructure:"port" json:"port,omitempty"`
	Verbose bool `mapstructure:"verbose" json:"verbose,omitempty"`

	// Cloud project and buckets
	ProjectID       string `mapstructure:"project_id" json:"project_id,omitempty"`
	OriginalsBucket string `mapstructure:"originals_bucket" json:"originals_bucket,omitempty"`
	ProcessedBucket string `mapstructure:"processed_bucket" json:"processed_bucket,omitempty"`
	StorageBackend  string `mapstructure:"storage_backend" json:"storage_backend,omitempty"`

	// MinIO backend
	MinIOEndpoint  string `mapstructure:"minio_endpoint" json:"minio_endpoint,omitempty"`
	MinIOAccessKey string `mapstructure:"minio_access_key" json:"minio_access_key,omitempty"`
	MinIOSecretKey string `mapstructure:"minio_secret_key" json:"minio_secret_key,omitempty"`
	MinIOUseSSL    bool   `mapstructure:"minio_use_ssl" json:"minio_use_ssl,omitempty"`
	MinIORegion    string `mapstructure:"minio_region" json:"minio_region,omitempty"`

	// Media
	WatermarkPath string        `mapstructure:"watermark_path" json:"watermark_path,omitempty"`
	ScratchDir    string        `mapstructure:"scratch_dir" json:"scratch_dir,omitempty"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path" json:"ffmpeg_path,omitempty"`
	FFprobePath   string        `mapstructure:"ffprobe_path" json:"ffprobe_path,omitempty"`
	VideoCRF      int           `mapstructure:"video_crf" json:"video_crf,omitempty"`
	VideoPreset   string        `mapstructure:"video_preset" json:"video_preset,omitempty"`
	FFmpegTimeout time.Duration `mapstructure:"ffmpeg_timeout" json:"ffmpeg_timeout,omitempty"`

	// Download retry
	DownloadAttempts int           `mapstructure:"download_attempts" json:"download_attempts,omitempty"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" json:"retry_base_delay,omitempty"`

	// Commerce platform
	ShopDomain      string        `mapstructure:"shop_domain" json:"shop_domain,omitempty"`
	ShopAPIVersion  string        `mapstructure:"shop_api_version" json:"shop_api_version,omitempty"`
	ShopTokenSecret string        `mapstructure:"shop_token_secret" json:"shop_token_secret,omitempty"`
	DefaultPrice    float64       `mapstructure:"default_price" json:"default_price,omitempty"`
	CreateTimeout   time.Duration `mapstructure:"create_timeout" json:"create_timeout,omitempty"`
	AttachTimeout   time.Duration `mapstructure:"attach_timeout" json:"attach_timeout,omitempty"`
	SearchTimeout   time.Duration `mapstructure:"search_timeout" json:"search_timeout,omitempty"`
	SignedURLTTL    time.Duration `mapstructure:"signed_url_ttl" json:"signed_url_ttl,omitempty"`

	// Secrets
	SecretsBackend string `mapstructure:"secrets_backend" json:"secrets_backend,omitempty"`

	// Labels
	LabelsEnabled     bool          `mapstructure:"labels_enabled" json:"labels_enabled,omitempty"`
	LabelTimeout      time.Duration `mapstructure:"label_timeout" json:"label_timeout,omitempty"`
	LabelPollInterval time.Duration `mapstructure:"label_poll_interval" json:"label_poll_interval,omitempty"`

	// Listing copy
	GeminiAPIKey string `mapstructure:"gemini_api_key" json:"gemini_api_key,omitempty"`
	CopyModel    string `mapstructure:"copy_model" json:"copy_model,omitempty"`

	// State and claims
	DatabaseDriver string        `mapstructure:"database_driver" json:"database_driver,omitempty"`
	DatabaseURL    string        `mapstructure:"database_url" json:"database_url,omitempty"`
	ClaimBackend   string        `mapstructure:"claim_backend" json:"claim_backend,omitempty"`
	RedisAddr      string        `mapstructure:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword  string        `mapstructure:"redis_password" json:"redis_password,omitempty"`
	ClaimTTL       time.Duration `mapstructure:"claim_ttl" json:"claim_ttl,omitempty"`

	// Failure policy
	FailureResponse string `mapstructure:"failure_response" json:"failure_response,omitempty"`
	RetryFailed     bool   `mapstructure:"retry_failed" json:"retry_failed,omitempty"`

	// Queue trigger
	AMQPURL   string `mapstructure:"amqp_url" json:"amqp_url,omitempty"`
	QueueName string `mapstructure:"queue_name" json:"queue_name,omitempty"`
}

// envBindings maps config keys to the environment variables deployments set.
var envBindings = map[string]string{
	"port":                "PORT",
	"verbose":             "VERBOSE",
	"project_id":          "GOOGLE_CLOUD_PROJECT",
	"originals_bucket":    "ORIGINALS_BUCKET",
	"processed_bucket":    "PROCESSED_BUCKET",
	"storage_backend":     "STORAGE_BACKEND",
	"minio_endpoint":      "MINIO_ENDPOINT",
	"minio_access_key":    "MINIO_ACCESS_KEY",
	"minio_secret_key":    "MINIO_SECRET_KEY",
	"minio_use_ssl":       "MINIO_USE_SSL",
	"minio_region":        "MINIO_REGION",
	"watermark_path":      "WATERMARK_PATH",
	"scratch_dir":         "SCRATCH_DIR",
	"ffmpeg_path":         "FFMPEG_PATH",
	"ffprobe_path":        "FFPROBE_PATH",
	"video_crf":           "VIDEO_CRF",
	"video_preset":        "VIDEO_PRESET",
	"ffmpeg_timeout":      "FFMPEG_TIMEOUT",
	"download_attempts":   "DOWNLOAD_ATTEMPTS",
	"retry_base_delay":    "RETRY_BASE_DELAY",
	"shop_domain":         "SHOPIFY_SHOP_DOMAIN",
	"shop_api_version":    "SHOPIFY_API_VERSION",
	"shop_token_secret":   "SHOPIFY_TOKEN_SECRET",
	"default_price":       "DEFAULT_PRODUCT_PRICE",
	"create_timeout":      "CREATE_TIMEOUT",
	"attach_timeout":      "ATTACH_TIMEOUT",
	"search_timeout":      "SEARCH_TIMEOUT",
	"signed_url_ttl":      "SIGNED_URL_TTL",
	"secrets_backend":     "SECRETS_BACKEND",
	"labels_enabled":      "LABELS_ENABLED",
	"label_timeout":       "LABEL_TIMEOUT",
	"label_poll_interval": "LABEL_POLL_INTERVAL",
	"gemini_api_key":      "GEMINI_API_KEY",
	"copy_model":          "COPY_MODEL",
	"database_driver":     "DATABASE_DRIVER",
	"database_url":        "DATABASE_URL",
	"claim_backend":       "CLAIM_BACKEND",
	"redis_addr":          "REDIS_ADDR",
	"redis_password":      "REDIS_PASSWORD",
	"claim_ttl":           "CLAIM_TTL",
	"failure_response":    "FAILURE_RESPONSE",
	"retry_failed":        "RETRY_FAILED",
	"amqp_url":            "AMQP_URL",
	"queue_name":          "QUEUE_NAME",
}

// Defaults returns the built-in configuration values.
func Defaults() Config {
	return Config{
		Port:              8080,
		StorageBackend:    StorageGCS,
		WatermarkPath:     "watermark.png",
		ScratchDir:        os.TempDir(),
		FFmpegPath:        "ffmpeg",
		FFprobePath:       "ffprobe",
		VideoCRF:          23,
		VideoPreset:       "veryfast",
		FFmpegTimeout:     10 * time.Minute,
		DownloadAttempts:  3,
		RetryBaseDelay:    time.Second,
		ShopAPIVersion:    "2024-04",
		ShopTokenSecret:   "shopify-admin-api-token",
		DefaultPrice:      500.0,
		CreateTimeout:     30 * time.Second,
		AttachTimeout:     120 * time.Second,
		SearchTimeout:     15 * time.Second,
		SignedURLTTL:      3600 * time.Second,
		SecretsBackend:    SecretsGCP,
		LabelsEnabled:     true,
		LabelTimeout:      900 * time.Second,
		LabelPollInterval: 10 * time.Second,
		CopyModel:         "gemini-2.5-flash-lite",
		DatabaseDriver:    DriverPostgres,
		ClaimBackend:      ClaimSQL,
		ClaimTTL:          30 * time.Minute,
		FailureResponse:   FailureResponseError,
		RetryFailed:       true,
		QueueName:         "video.uploaded",
	}
}

// LoadConfig loads configuration from an optional JSON file and the
// environment. An empty path reads the environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	if path != "" {
		// Resolve path relative to current directory if not absolute
		if !filepath.IsAbs(path) {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("failed to get current directory: %w", err)
			}
			path = filepath.Join(cwd, path)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ShopDomain = strings.TrimSpace(cfg.ShopDomain)

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("port", d.Port)
	v.SetDefault("storage_backend", d.StorageBackend)
	v.SetDefault("watermark_path", d.WatermarkPath)
	v.SetDefault("scratch_dir", d.ScratchDir)
	v.SetDefault("ffmpeg_path", d.FFmpegPath)
	v.SetDefault("ffprobe_path", d.FFprobePath)
	v.SetDefault("video_crf", d.VideoCRF)
	v.SetDefault("video_preset", d.VideoPreset)
	v.SetDefault("ffmpeg_timeout", d.FFmpegTimeout)
	v.SetDefault("download_attempts", d.DownloadAttempts)
	v.SetDefault("retry_base_delay", d.RetryBaseDelay)
	v.SetDefault("shop_api_version", d.ShopAPIVersion)
	v.SetDefault("shop_token_secret", d.ShopTokenSecret)
	v.SetDefault("default_price", d.DefaultPrice)
	v.SetDefault("create_timeout", d.CreateTimeout)
	v.SetDefault("attach_timeout", d.AttachTimeout)
	v.SetDefault("search_timeout", d.SearchTimeout)
	v.SetDefault("signed_url_ttl", d.SignedURLTTL)
	v.SetDefault("secrets_backend", d.SecretsBackend)
	v.SetDefault("labels_enabled", d.LabelsEnabled)
	v.SetDefault("label_timeout", d.LabelTimeout)
	v.SetDefault("label_poll_interval", d.LabelPollInterval)
	v.SetDefault("copy_model", d.CopyModel)
	v.SetDefault("database_driver", d.DatabaseDriver)
	v.SetDefault("claim_backend", d.ClaimBackend)
	v.SetDefault("claim_ttl", d.ClaimTTL)
	v.SetDefault("failure_response", d.FailureResponse)
	v.SetDefault("retry_failed", d.RetryFailed)
	v.SetDefault("queue_name", d.QueueName)
}

// Validate checks that the configuration has valid values. Missing shop
// or bucket settings are configuration errors and are never retried.
func (c *Config) Validate() error {
	if c.ShopDomain == "" {
		return failure.Configuration("config error: 'shop_domain' is required (SHOPIFY_SHOP_DOMAIN)", nil)
	}
	if c.OriginalsBucket == "" || c.ProcessedBucket == "" {
		return failure.Configuration("config error: 'originals_bucket' and 'processed_bucket' are required", nil)
	}

	if err := oneOf("storage_backend", c.StorageBackend, StorageGCS, StorageMinIO); err != nil {
		return err
	}
	if err := c.ValidateState(); err != nil {
		return err
	}
	if err := oneOf("claim_backend", c.ClaimBackend, ClaimSQL, ClaimRedis); err != nil {
		return err
	}
	if err := oneOf("secrets_backend", c.SecretsBackend, SecretsGCP, SecretsEnv); err != nil {
		return err
	}
	if err := oneOf("failure_response", c.FailureResponse, FailureResponseError, FailureResponseOK); err != nil {
		return err
	}

	if c.StorageBackend == StorageMinIO && c.MinIOEndpoint == "" {
		return failure.Configuration("config error: 'minio_endpoint' is required for the minio backend", nil)
	}
	if c.SecretsBackend == SecretsGCP && c.ProjectID == "" {
		return failure.Configuration("config error: 'project_id' is required for the gcp secrets backend", nil)
	}
	if c.ClaimBackend == ClaimRedis && c.RedisAddr == "" {
		return failure.Configuration("config error: 'redis_addr' is required for the redis claim backend", nil)
	}

	// Validate numeric ranges
	if c.DefaultPrice < 0 {
		return failure.Configuration("config error: 'default_price' must be non-negative", nil)
	}
	if c.VideoCRF < 0 || c.VideoCRF > 51 {
		return failure.Configuration("config error: 'video_crf' must be between 0 and 51", nil)
	}
	durations := map[string]time.Duration{
		"create_timeout":   c.CreateTimeout,
		"attach_timeout":   c.AttachTimeout,
		"search_timeout":   c.SearchTimeout,
		"signed_url_ttl":   c.SignedURLTTL,
		"label_timeout":    c.LabelTimeout,
		"claim_ttl":        c.ClaimTTL,
		"ffmpeg_timeout":   c.FFmpegTimeout,
		"retry_base_delay": c.RetryBaseDelay,
	}
	for name, d := range durations {
		if d <= 0 {
			return failure.Configuration(fmt.Sprintf("config error: '%s' must be positive", name), nil)
		}
	}
	if c.DownloadAttempts < 1 {
		return failure.Configuration("config error: 'download_attempts' must be at least 1", nil)
	}
	if budget := c.StageBudget(); c.ClaimTTL <= budget {
		return failure.Configuration(fmt.Sprintf(
			"config error: 'claim_ttl' (%s) must exceed the bounded stages it covers (%s)", c.ClaimTTL, budget), nil)
	}

	return nil
}

// StageBudget is the longest a run can spend in its bounded stages between
// taking the publish claim and creating the listing.
func (c *Config) StageBudget() time.Duration {
	return c.FFmpegTimeout + c.LabelTimeout + c.CreateTimeout
}

// ValidateState checks only the state database settings. Commands that
// never touch the pipeline use it instead of Validate.
func (c *Config) ValidateState() error {
	if err := oneOf("database_driver", c.DatabaseDriver, DriverPostgres, DriverSQLite); err != nil {
		return err
	}
	if c.DatabaseURL == "" {
		return failure.Configuration("config error: 'database_url' is required (DATABASE_URL)", nil)
	}
	return nil
}

// Price returns the configured default price as the decimal string the
// commerce platform expects.
func (c *Config) Price() string {
	return strconv.FormatFloat(c.DefaultPrice, 'f', 2, 64)
}

// MergeWithDefaults returns defaults overridden by the non-empty fields of
// c. This is used to apply config values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := defaults

	// String fields: override when set
	if c.OriginalsBucket != "" {
		result.OriginalsBucket = c.OriginalsBucket
	}
	if c.ProcessedBucket != "" {
		result.ProcessedBucket = c.ProcessedBucket
	}
	if c.ShopDomain != "" {
		result.ShopDomain = c.ShopDomain
	}
	if c.DatabaseDriver != "" {
		result.DatabaseDriver = c.DatabaseDriver
	}
	if c.DatabaseURL != "" {
		result.DatabaseURL = c.DatabaseURL
	}
	if c.WatermarkPath != "" {
		result.WatermarkPath = c.WatermarkPath
	}
	if c.FailureResponse != "" {
		result.FailureResponse = c.FailureResponse
	}

	// Int fields: override when non-zero
	if c.Port != 0 {
		result.Port = c.Port
	}

	// Bool fields: cannot distinguish unset from false, so only true wins
	if c.Verbose {
		result.Verbose = true
	}

	return result
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return failure.Configuration(fmt.Sprintf("config error: '%s' must be one of %s, got %q",
		field, strings.Join(allowed, ", "), value), nil)
}
