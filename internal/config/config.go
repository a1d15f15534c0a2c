// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config holds the explicit configuration record for whisperd.
// Precedence: environment > config file > defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration of the daemon.
type Config struct {
	// Server
	ListenAddr string `yaml:"listenAddr"`
	Port       int    `yaml:"port"`
	LogLevel   string `yaml:"logLevel"`

	// Authentication
	AdminPassword string `yaml:"adminPassword"`
	APIKey        string `yaml:"apiKey"`

	// Data management
	DataDir         string        `yaml:"dataDir"`
	RetentionDays   int           `yaml:"retentionDays"`
	MaxUploadSizeMB int64         `yaml:"maxUploadSizeMB"`
	KeepSource      bool          `yaml:"keepSource"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	QueueCapacity   int           `yaml:"queueCapacity"`
	StageTimeout    time.Duration `yaml:"stageTimeout"` // 0 disables per-stage timeouts
	MetricsEnabled  bool          `yaml:"metricsEnabled"`
	WebhookBudget   time.Duration `yaml:"webhookBudget"`
	TrustedProxies  string        `yaml:"trustedProxies"`
	RateLimitPerMin int           `yaml:"rateLimitPerMin"`

	// Model management
	WhisperModel     string        `yaml:"whisperModel"`
	WhisperModelPath string        `yaml:"whisperModelPath"`
	ModelIdleUnload  time.Duration `yaml:"modelIdleUnload"`
	ModelLoadTimeout time.Duration `yaml:"modelLoadTimeout"`

	// External tools
	YTDLPPath   string `yaml:"ytdlpPath"`
	FFmpegPath  string `yaml:"ffmpegPath"`
	FFprobePath string `yaml:"ffprobePath"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		ListenAddr:       "",
		Port:             8000,
		LogLevel:         "info",
		DataDir:          "/data",
		RetentionDays:    7,
		MaxUploadSizeMB:  10240,
		KeepSource:       false,
		SweepInterval:    time.Hour,
		QueueCapacity:    16,
		StageTimeout:     0,
		MetricsEnabled:   true,
		WebhookBudget:    30 * time.Second,
		RateLimitPerMin:  60,
		WhisperModel:     "large-v3",
		ModelIdleUnload:  5 * time.Minute,
		ModelLoadTimeout: 2 * time.Minute,
		YTDLPPath:        "yt-dlp",
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
	}
}

// Load builds the configuration with precedence ENV > file > defaults.
// An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path from operator flag
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.Port = ParseInt("PORT", cfg.Port)
	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)

	cfg.AdminPassword = ParseString("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.APIKey = ParseString("API_KEY", cfg.APIKey)

	cfg.DataDir = ParseString("DATA_DIR", cfg.DataDir)
	cfg.RetentionDays = ParseInt("JOB_RETENTION_DAYS", cfg.RetentionDays)
	cfg.MaxUploadSizeMB = ParseInt64("MAX_UPLOAD_SIZE_MB", cfg.MaxUploadSizeMB)
	cfg.KeepSource = ParseBool("KEEP_SOURCE", cfg.KeepSource)
	cfg.QueueCapacity = ParseInt("QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.MetricsEnabled = ParseBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.TrustedProxies = ParseString("TRUSTED_PROXIES", cfg.TrustedProxies)
	cfg.RateLimitPerMin = ParseInt("RATE_LIMIT_PER_MIN", cfg.RateLimitPerMin)

	if m := ParseInt("SWEEP_INTERVAL_MINUTES", 0); m > 0 {
		cfg.SweepInterval = time.Duration(m) * time.Minute
	}
	if m := ParseInt("STAGE_TIMEOUT_MINUTES", 0); m > 0 {
		cfg.StageTimeout = time.Duration(m) * time.Minute
	}

	cfg.WhisperModel = ParseString("WHISPER_MODEL", cfg.WhisperModel)
	cfg.WhisperModelPath = ParseString("WHISPER_MODEL_PATH", cfg.WhisperModelPath)
	if m := ParseInt("MODEL_UNLOAD_MINUTES", 0); m > 0 {
		cfg.ModelIdleUnload = time.Duration(m) * time.Minute
	}
	if s := ParseInt("MODEL_LOAD_TIMEOUT_SECONDS", 0); s > 0 {
		cfg.ModelLoadTimeout = time.Duration(s) * time.Second
	}

	cfg.YTDLPPath = ParseString("YTDLP_PATH", cfg.YTDLPPath)
	cfg.FFmpegPath = ParseString("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FFprobePath = ParseString("FFPROBE_PATH", cfg.FFprobePath)
}

// Validate fails fast on configuration the daemon cannot run with.
func (c Config) Validate() error {
	if c.AdminPassword == "" {
		return errors.New("config: ADMIN_PASSWORD is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("config: DATA_DIR must not be empty")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("config: JOB_RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	if c.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_SIZE_MB must be positive, got %d", c.MaxUploadSizeMB)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	return nil
}

// Addr returns the effective listen address.
func (c Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return fmt.Sprintf(":%d", c.Port)
}

// MaxUploadBytes returns the upload cap in bytes.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadSizeMB * 1024 * 1024
}

// Retention returns the job retention window as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
