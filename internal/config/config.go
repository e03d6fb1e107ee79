package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the scan server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Detector DetectorConfig
	Scan     ScanConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// DetectorConfig points at the external AI-detection engine.
type DetectorConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type ScanConfig struct {
	// StatusCacheTTL bounds how stale a cached scan snapshot may be.
	StatusCacheTTL time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("VERIFYWISE_PORT", 8080),
			Env:  envString("VERIFYWISE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Detector: DetectorConfig{
			BaseURL: os.Getenv("DETECTOR_BASE_URL"),
			Token:   os.Getenv("DETECTOR_TOKEN"),
			Timeout: envDuration("DETECTOR_TIMEOUT", 30*time.Second),
		},
		Scan: ScanConfig{
			StatusCacheTTL: envDuration("SCAN_STATUS_CACHE_TTL", 3*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Detector.BaseURL == "" {
		return fmt.Errorf("DETECTOR_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Detector.BaseURL, "http://") && !strings.HasPrefix(c.Detector.BaseURL, "https://") {
		return fmt.Errorf("DETECTOR_BASE_URL must start with http:// or https://, got %q", c.Detector.BaseURL)
	}

	if c.Scan.StatusCacheTTL <= 0 {
		return fmt.Errorf("SCAN_STATUS_CACHE_TTL must be positive, got %s", c.Scan.StatusCacheTTL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
