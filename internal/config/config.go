// Package config loads the kiosk configuration from YAML, an optional .env
// file and KIOSK_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kiosk/internal/auth"
	"kiosk/internal/detection"
	"kiosk/internal/pipeline"
	"kiosk/internal/telegram"
)

// Config is the complete kiosk configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Log       LogConfig               `yaml:"log"`
	Database  DatabaseConfig          `yaml:"database"`
	Auth      auth.Config             `yaml:"auth"`
	Detection detection.Config        `yaml:"detection"`
	Pipeline  pipeline.Options        `yaml:"pipeline"`
	Streams   []pipeline.StreamConfig `yaml:"streams"`
	Telegram  telegram.Config         `yaml:"telegram"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"` // log request and response bodies
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// DatabaseConfig configures activity and stream storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// Retention is how long activity records are kept. Zero keeps them forever.
	Retention       time.Duration `yaml:"retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{
			Path:            "kiosk.db",
			Retention:       30 * 24 * time.Hour,
			JanitorInterval: time.Hour,
		},
		Detection: detection.Config{
			Detector: "synthetic",
			Matcher:  "gallery",
			Service: detection.ServiceConfig{
				Endpoint:            "http://localhost:8082",
				Timeout:             10 * time.Second,
				SimilarityThreshold: 0.5,
			},
			GRPC: detection.GRPCConfig{
				Endpoint:            "localhost:50051",
				Timeout:             5 * time.Second,
				SimilarityThreshold: 0.5,
			},
			Gallery: detection.GalleryConfig{
				Path:                "gallery.json",
				SimilarityThreshold: 0.9,
			},
		},
		Pipeline: pipeline.DefaultOptions(),
		Telegram: telegram.Config{Cooldown: 5 * time.Minute},
	}
}

// LoadDotEnv loads a .env file into the environment. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	cfg.Pipeline = cfg.Pipeline.WithDefaults()
	for i := range cfg.Streams {
		cfg.Streams[i].Source = cfg.Streams[i].Source.Normalize()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("KIOSK_ADDR", &c.Server.Addr)
	boolean("KIOSK_DEBUG", &c.Server.Debug)
	str("KIOSK_LOG_LEVEL", &c.Log.Level)
	str("KIOSK_LOG_FORMAT", &c.Log.Format)
	str("KIOSK_DATABASE_PATH", &c.Database.Path)
	dur("KIOSK_DATABASE_RETENTION", &c.Database.Retention)
	boolean("KIOSK_AUTH_ENABLED", &c.Auth.Enabled)
	str("KIOSK_AUTH_USERNAME", &c.Auth.Username)
	str("KIOSK_AUTH_PASSWORD", &c.Auth.Password)
	str("KIOSK_JWT_SECRET", &c.Auth.JWTSecret)
	dur("KIOSK_JWT_EXPIRY", &c.Auth.TokenExpiry)
	str("KIOSK_DETECTOR", &c.Detection.Detector)
	str("KIOSK_MATCHER", &c.Detection.Matcher)
	str("KIOSK_FACE_SERVICE_URL", &c.Detection.Service.Endpoint)
	str("KIOSK_GRPC_ENDPOINT", &c.Detection.GRPC.Endpoint)
	str("KIOSK_GALLERY_PATH", &c.Detection.Gallery.Path)
	str("KIOSK_ONNX_MODEL", &c.Detection.ONNX.ModelPath)
	str("KIOSK_ONNX_LIBRARY", &c.Detection.ONNX.LibraryPath)
	str("KIOSK_YUNET_MODEL", &c.Detection.YuNet.ModelPath)
	dur("KIOSK_INTERVAL", &c.Pipeline.Interval)
	boolean("KIOSK_TELEGRAM_ENABLED", &c.Telegram.Enabled)
	str("KIOSK_TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	str("KIOSK_TELEGRAM_CHAT_ID", &c.Telegram.ChatID)

	return errors.Join(errs...)
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Database.Retention < 0 {
		return errors.New("database.retention must be >= 0")
	}

	if c.Auth.Enabled && c.Auth.Password == "" {
		return errors.New("auth.password is required when auth is enabled")
	}

	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}

	if err := c.Telegram.Validate(); err != nil {
		return err
	}

	p := c.Pipeline
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("pipeline.min_confidence must be within [0,1], got %v", p.MinConfidence)
	}
	if p.MatchThreshold <= 0 || p.MatchThreshold > 1 {
		return fmt.Errorf("pipeline.match_threshold must be within (0,1], got %v", p.MatchThreshold)
	}
	if p.IdleInterval < p.Interval {
		return errors.New("pipeline.idle_interval must not be shorter than pipeline.interval")
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if s.ID == "" {
			return fmt.Errorf("streams[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("streams[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if err := s.Source.Validate(); err != nil {
			return fmt.Errorf("streams[%d] (%s): %w", i, s.ID, err)
		}
	}
	return nil
}
