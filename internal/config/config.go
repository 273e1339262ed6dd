package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"driftloop/internal/shared"
	"driftloop/pkg/drift"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	HTTP struct {
		Addr string `validate:"required"`
		// AdminToken guards mutating endpoints when set.
		AdminToken string
	}
	History struct {
		Driver        string        `validate:"required,oneof=sqlite postgres"`
		Path          string        `validate:"required_if=Driver sqlite"`
		DSN           string        `validate:"required_if=Driver postgres"`
		Retention     time.Duration `validate:"gt=0s"`
		PruneSchedule string        `validate:"required"`
	}
	Probe struct {
		URL            string        `validate:"omitempty,http_url"`
		Interval       time.Duration `validate:"gt=0s"`
		Timeout        time.Duration `validate:"gt=0s"`
		Attempts       int           `validate:"min=1,max=10"`
		RunImmediately bool
	}
	Telegram struct {
		Token  string
		ChatID string        `validate:"required_with=Token"`
		Rate   time.Duration `validate:"gte=0s"`
	}
}

// AlertsEnabled reports whether failure alerts go to Telegram.
func (c Config) AlertsEnabled() bool {
	return c.Telegram.Token != "" && c.Telegram.ChatID != ""
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (Config, error) {
	p := parser{}

	var c Config
	c.Env = getenv("ENV", "prod")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/driftd.log")
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.HTTP.AdminToken = os.Getenv("HTTP_ADMIN_TOKEN")

	c.History.Driver = strings.ToLower(getenv("HISTORY_DRIVER", "sqlite"))
	c.History.Path = getenv("HISTORY_PATH", "data/history.db")
	c.History.DSN = os.Getenv("HISTORY_DSN")
	c.History.Retention = p.duration("HISTORY_RETENTION", 7*24*time.Hour)
	c.History.PruneSchedule = getenv("PRUNE_SCHEDULE", "@hourly")

	c.Probe.URL = os.Getenv("PROBE_URL")
	c.Probe.Interval = p.duration("PROBE_INTERVAL", 30*time.Second)
	c.Probe.Timeout = p.duration("PROBE_TIMEOUT", 5*time.Second)
	c.Probe.Attempts = p.integer("PROBE_ATTEMPTS", 3)
	c.Probe.RunImmediately = p.boolean("PROBE_RUN_IMMEDIATELY", true)

	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")
	c.Telegram.Rate = p.duration("ALERT_RATE", time.Minute)

	if p.err != nil {
		return Config{}, shared.MarkKind(p.err, shared.KindValidation)
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, shared.MarkKind(fmt.Errorf("config: %w", err), shared.KindValidation)
	}
	if _, err := drift.ParseSchedule(c.History.PruneSchedule); err != nil {
		return Config{}, fmt.Errorf("config: PRUNE_SCHEDULE: %w", err)
	}
	return c, nil
}

// parser keeps the first conversion error so that Load reports it once.
type parser struct {
	err error
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s=%q: %w", key, value, err)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
