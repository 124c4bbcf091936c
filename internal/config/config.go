package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all process configuration for the sync-core services.
type Config struct {
	Port      int
	Version   string
	Remote    RemoteConfig
	Local     LocalConfig
	Telemetry TelemetryConfig
}

// RemoteConfig points at the multi-tenant remote document service.
type RemoteConfig struct {
	// URL of the document service, e.g. "http://localhost:5984".
	URL string

	// Administrative credentials used by the provisioning gateway.
	AdminUsername string
	AdminPassword string
}

// LocalConfig describes the client-side local storage.
type LocalConfig struct {
	// DataDir holds the per-diagram databases and the shared catalog.
	DataDir string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:    envInt("SYNCCORE_PORT", 8080),
		Version: envStr("SYNCCORE_VERSION", "0.4.0"),
		Remote: RemoteConfig{
			URL:           envStr("SYNCCORE_REMOTE_URL", "http://localhost:5984"),
			AdminUsername: envStr("SYNCCORE_ADMIN_USER", "admin"),
			AdminPassword: envStr("SYNCCORE_ADMIN_PASSWORD", ""),
		},
		Local: LocalConfig{
			DataDir: envStr("SYNCCORE_DATA_DIR", defaultDataDir()),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "deepdiagram-sync-core"),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deepdiagram"
	}
	return filepath.Join(home, ".deepdiagram")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
