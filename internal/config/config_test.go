package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.RegistryStore != "memory" || cfg.WorkerLauncher != "mock" {
		t.Fatalf("store/launcher = %q/%q, want memory/mock", cfg.RegistryStore, cfg.WorkerLauncher)
	}
	if cfg.PendingSessionTTL != 2*time.Minute {
		t.Fatalf("PendingSessionTTL = %v, want 2m", cfg.PendingSessionTTL)
	}
	if cfg.RegistryGCSchedule != "@every 15s" {
		t.Fatalf("RegistryGCSchedule = %q", cfg.RegistryGCSchedule)
	}
	if cfg.DefaultVoiceProfile != "alloy" {
		t.Fatalf("DefaultVoiceProfile = %q, want alloy", cfg.DefaultVoiceProfile)
	}
	if !cfg.TranscriptRedact {
		t.Fatalf("TranscriptRedact = false, want true")
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("REGISTRY_STORE", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("WORKER_LAUNCHER", "docker")
	t.Setenv("WORKER_IMAGE", "voxroom/agent:latest")
	t.Setenv("SPAWN_RATE_PER_SEC", "0.5")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("HEALTH_TIMEOUT", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.RegistryStore != "redis" || cfg.WorkerImage != "voxroom/agent:latest" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SpawnRatePerSec != 0.5 || !cfg.LogPretty || cfg.HealthTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected parsed values: %+v", cfg)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without url", map[string]string{"REGISTRY_STORE": "postgres"}, "DATABASE_URL"},
		{"unknown store", map[string]string{"REGISTRY_STORE": "etcd"}, "REGISTRY_STORE"},
		{"exec without command", map[string]string{"WORKER_LAUNCHER": "exec"}, "WORKER_COMMAND"},
		{"short pending ttl", map[string]string{"PENDING_SESSION_TTL": "1s"}, "PENDING_SESSION_TTL"},
		{"bad duration", map[string]string{"APP_SHUTDOWN_TIMEOUT": "soon"}, "APP_SHUTDOWN_TIMEOUT"},
		{"bad bool", map[string]string{"APP_ALLOW_ANY_ORIGIN": "maybe"}, "APP_ALLOW_ANY_ORIGIN"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"zero burst", map[string]string{"SPAWN_RATE_BURST": "0"}, "SPAWN_RATE_BURST"},
		{"long instructions", map[string]string{"DEFAULT_INSTRUCTIONS": strings.Repeat("a", 2001)}, "DEFAULT_INSTRUCTIONS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error mentioning %s", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":7000")
	unsetForTest(t, "WORKER_NETWORK")

	path := filepath.Join(t.TempDir(), ".env")
	body := "APP_BIND_ADDR=:9999\nWORKER_NETWORK=voxnet\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7000" {
		t.Fatalf("BindAddr = %q, want existing env to win", cfg.BindAddr)
	}
	if cfg.WorkerNetwork != "voxnet" {
		t.Fatalf("WorkerNetwork = %q, want value from .env", cfg.WorkerNetwork)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v, want nil for missing file", err)
	}
}

// unsetForTest removes key for the duration of the test so godotenv treats it
// as absent.
func unsetForTest(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("Unsetenv(%s) error = %v", key, err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_PRETTY",
		"REGISTRY_STORE",
		"DATABASE_URL",
		"REDIS_URL",
		"PENDING_SESSION_TTL",
		"REGISTRY_GC_SCHEDULE",
		"WORKER_LAUNCHER",
		"WORKER_COMMAND",
		"WORKER_IMAGE",
		"WORKER_NETWORK",
		"TRANSPORT_URL",
		"SPEECH_BACKEND_URL",
		"HEALTH_TIMEOUT",
		"SPAWN_RATE_PER_SEC",
		"SPAWN_RATE_BURST",
		"DEFAULT_VOICE_PROFILE",
		"DEFAULT_INSTRUCTIONS",
		"TRANSCRIPT_REDACT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
