package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the service reads at startup.
type Config struct {
	HTTPAddr        string
	DatabaseDSN     string
	RedisAddr       string
	JWTSecret       string
	JWTAudience     string
	ShutdownTimeout time.Duration

	Model ModelConfig
	Scan  ScanConfig
	Sync  SyncConfig
	Live  LiveConfig
}

// ModelConfig describes the optional inference backend sidecar.
type ModelConfig struct {
	// Addr is the gRPC address of the inference sidecar. Empty means no
	// backend is deployed and the heuristic path handles every scan.
	Addr string
	// ExpectedDigest, when set, must match the digest the sidecar reports
	// for its loaded model file; a mismatch makes the backend unusable.
	ExpectedDigest string
	DialTimeout    time.Duration
}

// ScanConfig bounds the analysis pipeline.
type ScanConfig struct {
	// InferenceSize is the square edge length every ROI crop is scaled to
	// before feature computation and model input.
	InferenceSize int
	MaxImageSide  int
	MaxPixels     int64
}

// SyncConfig drives the background research upload.
type SyncConfig struct {
	Enabled    bool
	Endpoint   string
	APIKey     string
	Interval   time.Duration
	Timeout    time.Duration
	BatchLimit int
}

// LiveConfig throttles the live frame analysis worker.
type LiveConfig struct {
	// MinInterval is the shortest gap between two accepted frames,
	// independent of whether the worker is busy.
	MinInterval time.Duration
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:     getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=anemiascreen port=5432 sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	cfg.Model = ModelConfig{
		Addr:           os.Getenv("MODEL_BACKEND_ADDR"),
		ExpectedDigest: os.Getenv("MODEL_DIGEST"),
		DialTimeout:    getDuration("MODEL_DIAL_TIMEOUT", 5*time.Second),
	}

	cfg.Scan = ScanConfig{
		InferenceSize: getInt("SCAN_INFERENCE_SIZE", 224),
		MaxImageSide:  getInt("SCAN_MAX_IMAGE_SIDE", 8192),
		MaxPixels:     int64(getInt("SCAN_MAX_PIXELS", 40_000_000)),
	}

	cfg.Sync = SyncConfig{
		Enabled:    getEnv("SYNC_ENABLED", "true") == "true",
		Endpoint:   getEnv("SYNC_ENDPOINT", "https://research.example.com/v1/batches"),
		APIKey:     os.Getenv("SYNC_API_KEY"),
		Interval:   getDuration("SYNC_INTERVAL", 15*time.Minute),
		Timeout:    getDuration("SYNC_TIMEOUT", 30*time.Second),
		BatchLimit: getInt("SYNC_BATCH_LIMIT", 200),
	}

	cfg.Live = LiveConfig{
		MinInterval: getDuration("LIVE_MIN_INTERVAL", 250*time.Millisecond),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scan.InferenceSize < 16 || c.Scan.InferenceSize > 1024 {
		return fmt.Errorf("SCAN_INFERENCE_SIZE out of range: %d", c.Scan.InferenceSize)
	}
	if c.Sync.BatchLimit <= 0 {
		return fmt.Errorf("SYNC_BATCH_LIMIT must be positive: %d", c.Sync.BatchLimit)
	}
	if c.Sync.Enabled && c.Sync.Endpoint == "" {
		return fmt.Errorf("SYNC_ENDPOINT is required when sync is enabled")
	}
	if c.Live.MinInterval < 0 {
		return fmt.Errorf("LIVE_MIN_INTERVAL must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
