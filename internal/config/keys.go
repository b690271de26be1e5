package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "QALYD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "QALYD_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QALYD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.ttl", typ: kString, env: "QALYD_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "reasoning.model", typ: kString, env: "QALYD_REASONING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.Model },
	},
	{
		key: "reasoning.api_key", typ: kString, env: "QALYD_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Reasoning.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.APIKey },
	},
	{
		key: "reasoning.max_attempts", typ: kInt, env: "QALYD_REASONING_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Reasoning.MaxAttempts },
	},
	{
		key: "reasoning.attempt_timeout", typ: kString, env: "QALYD_REASONING_ATTEMPT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Reasoning.AttemptTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Reasoning.AttemptTimeout },
	},
	{
		key: "bills.max_upload_mb", typ: kInt, env: "QALYD_BILLS_MAX_UPLOAD_MB",
		apply:   func(cfg *Config, v any) { cfg.Bills.MaxUploadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Bills.MaxUploadMB },
	},
	{
		key: "log.level", typ: kString, env: "QALYD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
