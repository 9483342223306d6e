package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Broker: "paper" or "angel"
	Broker          string
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string
	BrokerTimeout   time.Duration

	// Infrastructure
	SQLitePath    string
	RedisAddr     string // empty disables the event stream
	RedisPassword string
	EventsStream  string
	MetricsAddr   string
	AdminAddr     string

	// Exit scheduler
	SchedulerVersion string
	DefaultExitTime  string // "HH:MM" IST
	MaxExitAttempts  int
	ExitRetryDelay   time.Duration

	// Confirmation monitor
	ConfirmInitialInterval   time.Duration
	ConfirmMaxInterval       time.Duration
	ConfirmBackoffMultiplier float64
	ConfirmMaxAttempts       int
	ConfirmTimeout           time.Duration
	ConfirmPartialGrace      time.Duration
	ConfirmNotFoundGrace     time.Duration

	// Housekeeping
	Retention time.Duration

	// Alerts
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string

	LogLevel string
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	slog.Info("loaded env file", "path", path)
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := &Config{
		Broker:          strings.ToLower(getEnv("BROKER", "paper")),
		AngelAPIKey:     getEnv("ANGEL_API_KEY", ""),
		AngelClientCode: getEnv("ANGEL_CLIENT_CODE", ""),
		AngelPassword:   getEnv("ANGEL_PASSWORD", ""),
		AngelTOTPSecret: getEnv("ANGEL_TOTP_SECRET", ""),
		BrokerTimeout:   p.duration("BROKER_TIMEOUT", 7*time.Second),

		SQLitePath:    getEnv("SQLITE_PATH", "data/squareoff.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		EventsStream:  getEnv("EVENTS_STREAM", "squareoff:events"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		AdminAddr:     getEnv("ADMIN_ADDR", ":8080"),

		SchedulerVersion: getEnv("SCHEDULER_VERSION", "v2"),
		DefaultExitTime:  getEnv("SQUAREOFF_DEFAULT_EXIT_TIME", "15:15"),
		MaxExitAttempts:  p.int("SQUAREOFF_MAX_ATTEMPTS", 3),
		ExitRetryDelay:   p.duration("SQUAREOFF_RETRY_DELAY", 10*time.Second),

		ConfirmInitialInterval:   p.duration("CONFIRM_INITIAL_INTERVAL", 2*time.Second),
		ConfirmMaxInterval:       p.duration("CONFIRM_MAX_INTERVAL", 30*time.Second),
		ConfirmBackoffMultiplier: p.float("CONFIRM_BACKOFF_MULTIPLIER", 2),
		ConfirmMaxAttempts:       p.int("CONFIRM_MAX_ATTEMPTS", 20),
		ConfirmTimeout:           p.duration("CONFIRM_TIMEOUT", 5*time.Minute),
		ConfirmPartialGrace:      p.duration("CONFIRM_PARTIAL_GRACE", 2*time.Minute),
		ConfirmNotFoundGrace:     p.duration("CONFIRM_NOT_FOUND_GRACE", 30*time.Second),

		Retention: p.duration("RETENTION", 30*24*time.Hour),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	errs = append(errs, cfg.validate()...)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	switch c.Broker {
	case "paper":
	case "angel":
		for key, v := range map[string]string{
			"ANGEL_API_KEY":     c.AngelAPIKey,
			"ANGEL_CLIENT_CODE": c.AngelClientCode,
			"ANGEL_PASSWORD":    c.AngelPassword,
			"ANGEL_TOTP_SECRET": c.AngelTOTPSecret,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("required env var %s not set", key))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("BROKER must be paper or angel, got %q", c.Broker))
	}
	if c.MaxExitAttempts < 1 {
		errs = append(errs, errors.New("SQUAREOFF_MAX_ATTEMPTS must be at least 1"))
	}
	if c.ConfirmMaxAttempts < 1 {
		errs = append(errs, errors.New("CONFIRM_MAX_ATTEMPTS must be at least 1"))
	}
	if c.ConfirmBackoffMultiplier < 1 {
		errs = append(errs, errors.New("CONFIRM_BACKOFF_MULTIPLIER must be >= 1"))
	}
	if c.ConfirmInitialInterval <= 0 || c.ConfirmMaxInterval < c.ConfirmInitialInterval {
		errs = append(errs, errors.New("CONFIRM_MAX_INTERVAL must be >= CONFIRM_INITIAL_INTERVAL > 0"))
	}
	return errs
}

// AlertsEnabled reports which external alert channels are configured.
func (c *Config) AlertsEnabled() (telegram, webhook bool) {
	return c.TelegramBotToken != "" && c.TelegramChatID != "", c.AlertWebhookURL != ""
}

type parser struct {
	errs *[]error
}

func (p parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

// duration accepts Go durations plus days and weeks, e.g. "90s", "7d".
func (p parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := str2duration.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
