// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	WebhookSecret string
	DBPath        string // empty disables the job event log

	Telegram TelegramConfig
	GitHub   GitHubConfig
	Intake   IntakeConfig

	EscalationWait     time.Duration
	JobTTL             time.Duration
	SweepInterval      time.Duration
	WorkerPollInterval time.Duration
}

// TelegramConfig controls the bot API client.
type TelegramConfig struct {
	Token          string
	APIBase        string
	RatePerSecond  float64
	MaxUploadBytes int64
}

// GitHubConfig controls remote dispatch through repository_dispatch.
type GitHubConfig struct {
	Token          string
	Repo           string
	APIBase        string
	EventType      string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// IntakeConfig controls the chat intake flow.
type IntakeConfig struct {
	Hybrid        bool
	DefaultMode   domain.ProcessingMode
	MaxClips      int
	ClipDurations []int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	durations, err := parseDurations(getEnv("CLIP_DURATIONS", "30,45,60"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		DBPath:        getEnv("DB_PATH", "./data/clipbot.db"),
		Telegram: TelegramConfig{
			Token:          getEnv("TELEGRAM_BOT_TOKEN", ""),
			APIBase:        getEnv("TELEGRAM_API_BASE", "https://api.telegram.org"),
			RatePerSecond:  getEnvFloat("NOTIFY_RATE_PER_SECOND", 20),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 50<<20)),
		},
		GitHub: GitHubConfig{
			Token:          getEnv("GITHUB_TOKEN", ""),
			Repo:           getEnv("GITHUB_REPO", ""),
			APIBase:        getEnv("GITHUB_API_BASE", "https://api.github.com"),
			EventType:      getEnv("GITHUB_EVENT_TYPE", "process_video"),
			Timeout:        time.Duration(getEnvInt("TRIGGER_TIMEOUT_SECONDS", 10)) * time.Second,
			MaxAttempts:    getEnvInt("TRIGGER_MAX_ATTEMPTS", 3),
			RetryBaseDelay: time.Duration(getEnvInt("TRIGGER_RETRY_BASE_DELAY_MS", 500)) * time.Millisecond,
		},
		Intake: IntakeConfig{
			Hybrid:        getEnvBool("HYBRID_MODE", true),
			DefaultMode:   domain.ProcessingMode(strings.ToLower(getEnv("DEFAULT_PROCESSING_MODE", string(domain.ModeRemoteOnly)))),
			MaxClips:      getEnvInt("MAX_CLIPS", 5),
			ClipDurations: durations,
		},
		EscalationWait:     time.Duration(getEnvInt("ESCALATION_WAIT_SECONDS", 120)) * time.Second,
		JobTTL:             time.Duration(getEnvInt("JOB_TTL_MINUTES", 60)) * time.Minute,
		SweepInterval:      time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
		WorkerPollInterval: time.Duration(getEnvInt("WORKER_POLL_INTERVAL_SECONDS", 30)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.Telegram.RatePerSecond <= 0 {
		return fmt.Errorf("NOTIFY_RATE_PER_SECOND must be > 0")
	}
	if c.Telegram.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.GitHub.MaxAttempts <= 0 {
		return fmt.Errorf("TRIGGER_MAX_ATTEMPTS must be > 0")
	}
	if c.GitHub.Timeout <= 0 {
		return fmt.Errorf("TRIGGER_TIMEOUT_SECONDS must be > 0")
	}
	if !c.Intake.DefaultMode.Valid() {
		return fmt.Errorf("DEFAULT_PROCESSING_MODE %q is not one of local_only, remote_only, auto", c.Intake.DefaultMode)
	}
	if c.Intake.MaxClips <= 0 {
		return fmt.Errorf("MAX_CLIPS must be > 0")
	}
	if c.EscalationWait <= 0 {
		return fmt.Errorf("ESCALATION_WAIT_SECONDS must be > 0")
	}
	if c.JobTTL <= 0 {
		return fmt.Errorf("JOB_TTL_MINUTES must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be > 0")
	}
	return nil
}

// RemoteConfigured reports whether remote dispatch has credentials.
func (c *Config) RemoteConfigured() bool {
	return c.GitHub.Token != "" && c.GitHub.Repo != ""
}

// parseDurations reads a comma-separated list of positive seconds.
func parseDurations(raw string) ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("CLIP_DURATIONS: %q is not a positive number of seconds", part)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("CLIP_DURATIONS cannot be empty")
	}
	sort.Ints(out)
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}
