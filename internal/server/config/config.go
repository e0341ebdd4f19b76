package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            string
	StoragePath     string
	MaxBlobSize     int64
	CleanupInterval time.Duration
	StagingTTL      time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	// APIToken is the bearer token clients must present. Empty disables auth.
	// The service keeps only its bcrypt hash.
	APIToken string
}

func Load() *Config {
	return &Config{
		Port:            getEnv("PORT", "8080"),
		StoragePath:     getEnv("STORAGE_PATH", "./storage/repos"),
		MaxBlobSize:     getEnvInt64("MAX_BLOB_SIZE", 100*1024*1024), // 100MB
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL_HOURS", 1*time.Hour),
		StagingTTL:      getEnvDuration("STAGING_TTL_HOURS", 48*time.Hour),
		RateLimitRPS:    getEnvFloat64("RATE_LIMIT_RPS", 10),
		RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 20),
		APIToken:        getEnv("API_TOKEN", ""),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
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

// getEnvDuration reads a number of hours.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if hours, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(hours * float64(time.Hour))
		}
	}
	return fallback
}
