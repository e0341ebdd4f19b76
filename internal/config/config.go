package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"

	hlerrors "hubload/internal/errors"
)

const appName = "hubload"

// DefaultExcludePatterns apply when exclude_patterns is not configured.
var DefaultExcludePatterns = []string{
	"*.pyc", "*.pyo", "__pycache__",
	".git/objects", ".git/lfs",
	"node_modules", "venv", "env",
	"*.log", "*.tmp", ".DS_Store",
}

// Duration is a time.Duration that reads and writes as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// bare numbers are seconds
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("duration must be a string or number of seconds: %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the engine configuration. JSON names match the config.json keys
// understood by the rest of the tooling.
type Config struct {
	AutoDetectThresholdMB int      `json:"auto_detect_threshold_mb"`
	AutoChunkEnabled      bool     `json:"auto_chunk_enabled"`
	NetworkAutoDetect     bool     `json:"network_auto_detect"`
	CompressionEnabled    bool     `json:"compression_enabled"`
	ExcludePatterns       []string `json:"exclude_patterns"`
	MaxChunkSizeMB        int      `json:"max_chunk_size_mb"`
	ParallelUploads       int      `json:"parallel_uploads"`
	AutoResume            bool     `json:"auto_resume"`
	NotificationEnabled   bool     `json:"notification_enabled"`

	SessionDir   string `json:"session_dir"`
	StoreBackend string `json:"store_backend"`
	DatabaseURL  string `json:"database_url"`

	Transport string `json:"transport"`
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`

	NetworkTier string `json:"network_tier"`
	ProbeURL    string `json:"probe_url"`

	MaxRetries          int      `json:"max_retries"`
	MaxIntegrityRetries int      `json:"max_integrity_retries"`
	BackoffBase         Duration `json:"backoff_base"`
	BackoffMax          Duration `json:"backoff_max"`
	GracePeriod         Duration `json:"grace_period"`
	RequestsPerSecond   float64  `json:"requests_per_second"`
	AutoResumeMaxWait   Duration `json:"auto_resume_max_wait"`
	SessionRetention    Duration `json:"session_retention"`

	LogLevel string `json:"log_level"`
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	return &Config{
		AutoDetectThresholdMB: 10,
		AutoChunkEnabled:      true,
		NetworkAutoDetect:     true,
		CompressionEnabled:    true,
		ExcludePatterns:       nil,
		MaxChunkSizeMB:        50,
		ParallelUploads:       3,
		AutoResume:            true,
		NotificationEnabled:   false,

		SessionDir:   filepath.Join(xdg.StateHome, appName, "sessions"),
		StoreBackend: "file",

		Transport: "http",
		Endpoint:  "http://localhost:8080",
		Region:    "us-east-1",

		ProbeURL: "http://localhost:8080/api/probe",

		MaxRetries:          3,
		MaxIntegrityRetries: 3,
		BackoffBase:         Duration(time.Second),
		BackoffMax:          Duration(60 * time.Second),
		GracePeriod:         Duration(10 * time.Second),
		AutoResumeMaxWait:   Duration(5 * time.Minute),
		SessionRetention:    Duration(7 * 24 * time.Hour),

		LogLevel: "info",
	}
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.json")
}

// Load reads the JSON config at path (DefaultPath when empty), applies
// HUBLOAD_* environment overrides and validates the result. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ParallelUploads = getEnvInt("HUBLOAD_PARALLEL_UPLOADS", c.ParallelUploads)
	c.MaxChunkSizeMB = getEnvInt("HUBLOAD_MAX_CHUNK_SIZE_MB", c.MaxChunkSizeMB)
	c.CompressionEnabled = getEnvBool("HUBLOAD_COMPRESSION_ENABLED", c.CompressionEnabled)
	c.NetworkAutoDetect = getEnvBool("HUBLOAD_NETWORK_AUTO_DETECT", c.NetworkAutoDetect)
	c.AutoResume = getEnvBool("HUBLOAD_AUTO_RESUME", c.AutoResume)
	c.SessionDir = getEnv("HUBLOAD_SESSION_DIR", c.SessionDir)
	c.StoreBackend = getEnv("HUBLOAD_STORE_BACKEND", c.StoreBackend)
	c.DatabaseURL = getEnv("HUBLOAD_DATABASE_URL", c.DatabaseURL)
	c.Transport = getEnv("HUBLOAD_TRANSPORT", c.Transport)
	c.Endpoint = getEnv("HUBLOAD_ENDPOINT", c.Endpoint)
	c.Bucket = getEnv("HUBLOAD_BUCKET", c.Bucket)
	c.Region = getEnv("HUBLOAD_REGION", c.Region)
	c.AccessKey = getEnv("HUBLOAD_ACCESS_KEY", c.AccessKey)
	c.SecretKey = getEnv("HUBLOAD_SECRET_KEY", c.SecretKey)
	c.NetworkTier = getEnv("HUBLOAD_NETWORK_TIER", c.NetworkTier)
	c.ProbeURL = getEnv("HUBLOAD_PROBE_URL", c.ProbeURL)
	c.RequestsPerSecond = getEnvFloat64("HUBLOAD_REQUESTS_PER_SECOND", c.RequestsPerSecond)
	c.LogLevel = getEnv("HUBLOAD_LOG_LEVEL", c.LogLevel)
	if patterns := getEnv("HUBLOAD_EXCLUDE_PATTERNS", ""); patterns != "" {
		c.ExcludePatterns = strings.Split(patterns, ",")
	}
}

// Validate checks every option and returns the first ConfigError found.
func (c *Config) Validate() error {
	if c.ParallelUploads < 1 {
		return hlerrors.NewConfigError("parallel_uploads", c.ParallelUploads, "must be at least 1")
	}
	if c.MaxChunkSizeMB < 1 {
		return hlerrors.NewConfigError("max_chunk_size_mb", c.MaxChunkSizeMB, "must be at least 1")
	}
	if c.AutoDetectThresholdMB < 0 {
		return hlerrors.NewConfigError("auto_detect_threshold_mb", c.AutoDetectThresholdMB, "must not be negative")
	}
	if c.MaxRetries < 0 {
		return hlerrors.NewConfigError("max_retries", c.MaxRetries, "must not be negative")
	}
	if c.MaxIntegrityRetries < 0 {
		return hlerrors.NewConfigError("max_integrity_retries", c.MaxIntegrityRetries, "must not be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return hlerrors.NewConfigError("backoff_max", c.BackoffMax.Std(), "must be >= backoff_base > 0")
	}
	if c.GracePeriod < 0 {
		return hlerrors.NewConfigError("grace_period", c.GracePeriod.Std(), "must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return hlerrors.NewConfigError("requests_per_second", c.RequestsPerSecond, "must not be negative")
	}
	switch c.NetworkTier {
	case "", "slow", "medium", "fast", "ultra":
	default:
		return hlerrors.NewConfigError("network_tier", c.NetworkTier, "must be slow, medium, fast or ultra")
	}
	switch c.StoreBackend {
	case "file":
		if c.SessionDir == "" {
			return hlerrors.NewConfigError("session_dir", nil, "required for the file store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return hlerrors.NewConfigError("database_url", nil, "required for the postgres store")
		}
	default:
		return hlerrors.NewConfigError("store_backend", c.StoreBackend, "must be file or postgres")
	}
	switch c.Transport {
	case "http":
		if c.Endpoint == "" {
			return hlerrors.NewConfigError("endpoint", nil, "required for the http transport")
		}
	case "s3", "minio":
		if c.Bucket == "" {
			return hlerrors.NewConfigError("bucket", nil, "required for object-store transports")
		}
		if c.Transport == "minio" && c.Endpoint == "" {
			return hlerrors.NewConfigError("endpoint", nil, "required for the minio transport")
		}
	default:
		return hlerrors.NewConfigError("transport", c.Transport, "must be http, s3 or minio")
	}
	for _, p := range c.ExcludePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return hlerrors.NewConfigError("exclude_patterns", p, err.Error())
		}
	}
	return nil
}

// Excludes returns the configured exclusion patterns, or
// DefaultExcludePatterns when exclude_patterns is unset. An explicit empty
// list excludes nothing.
func (c *Config) Excludes() []string {
	if c.ExcludePatterns == nil {
		return append([]string(nil), DefaultExcludePatterns...)
	}
	return append([]string(nil), c.ExcludePatterns...)
}

// MaxChunkSize returns max_chunk_size_mb in bytes.
func (c *Config) MaxChunkSize() int64 {
	return int64(c.MaxChunkSizeMB) * 1024 * 1024
}

// Save writes the configuration as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}
