// Package config provides configuration loading and management for the fitproof service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/streak"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override already-set variables, so the OS environment wins.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the fitproof service.
type Config struct {
	Env          string   // Deployment environment (dev, staging, prod)
	Port         string   // HTTP server port
	DatabaseDSN  string   // Proof archive connection string (PostgreSQL)
	NATSURL      string   // NATS server URL
	KafkaBrokers []string // Kafka bootstrap brokers
	S3Endpoint   string   // S3-compatible mirror endpoint
	S3Region     string   // S3 region
	S3Bucket     string   // S3 bucket name
	S3AccessKey  string   // S3 access key
	S3SecretKey  string   // S3 secret key
	JWTSecret    string   // HS256 secret for service tokens
	JWTIssuer    string   // Expected JWT issuer
	JWTAudience  string   // Expected JWT audience

	// Providers
	GitHubToken  string        // Gist personal access token
	GitHubAPIURL string        // GitHub API root (empty selects the public API)
	GoogleFitURL string        // Fitness API root (empty selects the public API)
	FetchTimeout time.Duration // Per-request provider timeout

	// Engine
	Location         *time.Location    // Where local midnight is taken
	StreakThreshold  float64           // Steps needed for an active day
	StreakConvention streak.Convention // Streak counting rule
}

// Default configuration values used when environment variables are not set
const (
	defaultPort         = "8080"      // Default HTTP server port
	defaultS3Region     = "us-east-1" // Default S3 region
	defaultEnv          = "dev"       // Default environment
	defaultJWTIssuer    = "fitproof"  // Default token issuer
	defaultJWTAudience  = "fitproof"  // Default token audience
	defaultFetchTimeout = 30 * time.Second
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:          getEnv("FITPROOF_ENV", defaultEnv),
		Port:         getEnv("FITPROOF_PORT", defaultPort),
		DatabaseDSN:  os.Getenv("FITPROOF_DB_DSN"),
		NATSURL:      os.Getenv("FITPROOF_NATS_URL"),
		KafkaBrokers: splitList(os.Getenv("FITPROOF_KAFKA_BROKERS")),
		S3Endpoint:   os.Getenv("FITPROOF_S3_ENDPOINT"),
		S3Region:     getEnv("FITPROOF_S3_REGION", defaultS3Region),
		S3Bucket:     os.Getenv("FITPROOF_S3_BUCKET"),
		S3AccessKey:  os.Getenv("FITPROOF_S3_ACCESS_KEY"),
		S3SecretKey:  os.Getenv("FITPROOF_S3_SECRET_KEY"),
		JWTSecret:    os.Getenv("FITPROOF_JWT_SECRET"),
		JWTIssuer:    getEnv("FITPROOF_JWT_ISSUER", defaultJWTIssuer),
		JWTAudience:  getEnv("FITPROOF_JWT_AUDIENCE", defaultJWTAudience),
		GitHubToken:  os.Getenv("FITPROOF_GITHUB_TOKEN"),
		GitHubAPIURL: os.Getenv("FITPROOF_GITHUB_API_URL"),
		GoogleFitURL: os.Getenv("FITPROOF_GOOGLEFIT_URL"),
		FetchTimeout: defaultFetchTimeout,
		Location:     time.Local,
	}

	if v, exists := os.LookupEnv("FITPROOF_FETCH_TIMEOUT"); exists && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("FITPROOF_FETCH_TIMEOUT must be a positive duration, got %q", v)
		}
		cfg.FetchTimeout = d
	}

	if v, exists := os.LookupEnv("FITPROOF_TIMEZONE"); exists && v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return cfg, fmt.Errorf("FITPROOF_TIMEZONE: %w", err)
		}
		cfg.Location = loc
	}

	cfg.StreakThreshold = streak.DefaultThreshold
	if v, exists := os.LookupEnv("FITPROOF_STREAK_THRESHOLD"); exists && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("FITPROOF_STREAK_THRESHOLD must be a positive number, got %q", v)
		}
		cfg.StreakThreshold = f
	}

	conv, err := streak.ParseConvention(os.Getenv("FITPROOF_STREAK_CONVENTION"))
	if err != nil {
		return cfg, fmt.Errorf("FITPROOF_STREAK_CONVENTION: %w", err)
	}
	cfg.StreakConvention = conv

	// Validate required parameters
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("FITPROOF_JWT_SECRET is required")
	}
	if cfg.S3Bucket != "" && cfg.S3Endpoint == "" {
		return cfg, fmt.Errorf("FITPROOF_S3_ENDPOINT is required when FITPROOF_S3_BUCKET is set")
	}

	return cfg, nil
}

// MirrorEnabled reports whether the S3 proof mirror is configured.
func (c Config) MirrorEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
