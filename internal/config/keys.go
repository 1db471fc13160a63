package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key string
	typ keyType
	env string
	// validate, when set, rejects a string value before SetKey persists it.
	validate func(v string) error
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "CHATDESK_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "CHATDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.allowed_origins", typ: kString, env: "CHATDESK_SERVER_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AllowedOrigins },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "classifier.base_url", typ: kString, env: "CHATDESK_CLASSIFIER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Classifier.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.BaseURL },
	},
	{
		key: "classifier.sender", typ: kString, env: "CHATDESK_CLASSIFIER_SENDER",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Sender = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.Sender },
	},
	{
		key: "classifier.timeout", typ: kString, env: "CHATDESK_CLASSIFIER_TIMEOUT",
		validate: validateDuration,
		apply:    func(cfg *Config, v any) { cfg.Classifier.Timeout = v.(string) },
		extract:  func(cfg Config) any { return cfg.Classifier.Timeout },
	},
	{
		key: "classifier.rate_limit", typ: kFloat, env: "CHATDESK_CLASSIFIER_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Classifier.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Classifier.RateLimit },
	},
	{
		key: "classifier.burst", typ: kInt, env: "CHATDESK_CLASSIFIER_BURST",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Classifier.Burst },
	},
	{
		key: "log.level", typ: kString, env: "CHATDESK_LOG_LEVEL",
		validate: oneOf("debug", "info", "warn", "error"),
		apply:    func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract:  func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "CHATDESK_LOG_FORMAT",
		validate: oneOf("text", "json"),
		apply:    func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract:  func(cfg Config) any { return cfg.Log.Format },
	},
}

func validateDuration(v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}

func oneOf(values ...string) func(string) error {
	return func(v string) error {
		for _, allowed := range values {
			if strings.EqualFold(v, allowed) {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s", strings.Join(values, ", "))
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
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
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
