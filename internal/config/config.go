package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/validate"
)

// Config contains all runtime settings for the room orchestration daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel  string
	LogPretty bool

	RegistryStore      string
	DatabaseURL        string
	RedisURL           string
	PendingSessionTTL  time.Duration
	RegistryGCSchedule string

	WorkerLauncher string
	WorkerCommand  string
	WorkerImage    string
	WorkerNetwork  string

	TransportURL     string
	SpeechBackendURL string
	HealthTimeout    time.Duration

	// SpawnRatePerSec of 0 disables the spawn/start limiter.
	SpawnRatePerSec float64
	SpawnRateBurst  int

	DefaultVoiceProfile string
	DefaultInstructions string

	// TranscriptRedact masks contact details and tokens in appended turns.
	TranscriptRedact bool
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voxroom"),
		LogLevel:            strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		RegistryStore:       strings.ToLower(envOrDefault("REGISTRY_STORE", "memory")),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		RedisURL:            stringsTrimSpace("REDIS_URL"),
		RegistryGCSchedule:  envOrDefault("REGISTRY_GC_SCHEDULE", "@every 15s"),
		WorkerLauncher:      strings.ToLower(envOrDefault("WORKER_LAUNCHER", "mock")),
		WorkerCommand:       stringsTrimSpace("WORKER_COMMAND"),
		WorkerImage:         stringsTrimSpace("WORKER_IMAGE"),
		WorkerNetwork:       stringsTrimSpace("WORKER_NETWORK"),
		TransportURL:        stringsTrimSpace("TRANSPORT_URL"),
		SpeechBackendURL:    stringsTrimSpace("SPEECH_BACKEND_URL"),
		DefaultVoiceProfile: envOrDefault("DEFAULT_VOICE_PROFILE", "alloy"),
		DefaultInstructions: stringsTrimSpace("DEFAULT_INSTRUCTIONS"),
		ShutdownTimeout:     15 * time.Second,
		PendingSessionTTL:   2 * time.Minute,
		HealthTimeout:       3 * time.Second,
		SpawnRatePerSec:     5,
		SpawnRateBurst:      10,
		TranscriptRedact:    true,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}
	cfg.PendingSessionTTL, err = durationFromEnv("PENDING_SESSION_TTL", cfg.PendingSessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.HealthTimeout, err = durationFromEnv("HEALTH_TIMEOUT", cfg.HealthTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SpawnRatePerSec, err = floatFromEnv("SPAWN_RATE_PER_SEC", cfg.SpawnRatePerSec)
	if err != nil {
		return Config{}, err
	}
	cfg.SpawnRateBurst, err = intFromEnv("SPAWN_RATE_BURST", cfg.SpawnRateBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptRedact, err = boolFromEnv("TRANSCRIPT_REDACT", cfg.TranscriptRedact)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel)
	}
	switch c.RegistryStore {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("REGISTRY_STORE=postgres requires DATABASE_URL")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REGISTRY_STORE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("REGISTRY_STORE must be memory, postgres or redis")
	}
	switch c.WorkerLauncher {
	case "mock":
	case "exec":
		if c.WorkerCommand == "" {
			return fmt.Errorf("WORKER_LAUNCHER=exec requires WORKER_COMMAND")
		}
	case "docker":
		if c.WorkerImage == "" {
			return fmt.Errorf("WORKER_LAUNCHER=docker requires WORKER_IMAGE")
		}
	default:
		return fmt.Errorf("WORKER_LAUNCHER must be mock, exec or docker")
	}
	if c.PendingSessionTTL < 10*time.Second {
		return fmt.Errorf("PENDING_SESSION_TTL must be at least 10s")
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("HEALTH_TIMEOUT must be positive")
	}
	if c.SpawnRatePerSec < 0 {
		return fmt.Errorf("SPAWN_RATE_PER_SEC must be >= 0")
	}
	if c.SpawnRateBurst <= 0 {
		return fmt.Errorf("SPAWN_RATE_BURST must be positive")
	}
	if strings.TrimSpace(c.DefaultVoiceProfile) == "" {
		return fmt.Errorf("DEFAULT_VOICE_PROFILE must not be blank")
	}
	if c.DefaultInstructions != "" {
		if err := validate.InstructionText(c.DefaultInstructions); err != nil {
			return fmt.Errorf("DEFAULT_INSTRUCTIONS: %w", err)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
