package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Cache     CacheConfig
	Reasoning ReasoningConfig
	Bills     BillsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	TTL string
}

type ReasoningConfig struct {
	Model          string
	APIKey         string
	MaxAttempts    int
	AttemptTimeout string
}

type BillsConfig struct {
	MaxUploadMB int
}

type LogConfig struct {
	Level string
}

const (
	defaultCacheTTL       = 24 * time.Hour
	defaultAttemptTimeout = 45 * time.Second
)

// TTLDuration returns the cache freshness window, falling back to 24h when
// the configured value is not a valid positive duration.
func (c CacheConfig) TTLDuration() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return defaultCacheTTL
	}
	return d
}

// AttemptTimeoutDuration returns the per-attempt deadline for reasoning
// calls, falling back to 45s when the configured value is invalid.
func (c ReasoningConfig) AttemptTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.AttemptTimeout)
	if err != nil || d <= 0 {
		return defaultAttemptTimeout
	}
	return d
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:     8317,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Cache: CacheConfig{
			TTL: "24h",
		},
		Reasoning: ReasoningConfig{
			Model:          "gpt-4o",
			MaxAttempts:    3,
			AttemptTimeout: "45s",
		},
		Bills: BillsConfig{
			MaxUploadMB: 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.qalyd.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/qalyd/config.json
// and secrets fall back to a file under $XDG_DATA_HOME/qalyd.
//
// Environment variables (QALYD_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The plain OpenAI variable is honored so an existing shell setup
	// works without duplicating the key under the QALYD_ prefix.
	if cfg.Reasoning.APIKey == "" {
		cfg.Reasoning.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	// Try platform keychain for API key if still empty.
	if cfg.Reasoning.APIKey == "" {
		if key, err := kc.Get(keychainService, apiKeyAccount); err == nil && key != "" {
			cfg.Reasoning.APIKey = key
		}
	}

	if cfg.Reasoning.APIKey == "" {
		msg := "missing required config: OpenAI API key. " +
			"Set it via environment variable QALYD_OPENAI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}
