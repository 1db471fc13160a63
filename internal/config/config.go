package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Classifier ClassifierConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// AllowedOrigins is a comma-separated list of CORS origins.
	AllowedOrigins string
}

// Addr returns the host:port the HTTP server listens on.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins splits AllowedOrigins into its entries.
func (c ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type StorageConfig struct {
	DataDir string
}

type ClassifierConfig struct {
	BaseURL string
	Sender  string
	Timeout string
	// RateLimit is the number of classifier calls allowed per second.
	// Zero disables throttling.
	RateLimit float64
	Burst     int
}

const defaultClassifierTimeout = 10 * time.Second

// TimeoutDuration parses Timeout, falling back to the default when the
// value is not a positive duration.
func (c ClassifierConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		slog.Warn("invalid classifier timeout, using default", "value", c.Timeout, "default", defaultClassifierTimeout, "error", err)
		return defaultClassifierTimeout
	}
	return d
}

type LogConfig struct {
	Level  string
	Format string
}

// SlogLevel maps Level onto a slog level; unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           5000,
			AllowedOrigins: "*",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Classifier: ClassifierConfig{
			BaseURL:   "http://localhost:5005",
			Sender:    "user",
			Timeout:   defaultClassifierTimeout.String(),
			RateLimit: 0,
			Burst:     1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the TOML config file and environment
// variables. The file lives at $XDG_CONFIG_HOME/chatdesk/config.toml unless
// CHATDESK_CONFIG names another path. Environment variables (CHATDESK_*)
// override file values.
func Load() (Config, error) {
	return loadFromPath(ConfigPath())
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid config: server.port %d is out of range", cfg.Server.Port)
	}
	if strings.TrimSpace(cfg.Classifier.BaseURL) == "" {
		return Config{}, fmt.Errorf("missing required config: classifier.base_url. Set it in %s or via CHATDESK_CLASSIFIER_BASE_URL", ConfigPath())
	}
	if cfg.Classifier.Burst < 1 {
		cfg.Classifier.Burst = 1
	}

	return cfg, nil
}
