// Package config loads the server configuration from an optional YAML file
// and the environment.
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

	"github.com/snie2012/family-chat-local-ai/api/validator"
)

// Config holds every setting of the server process.
type Config struct {
	Addr        string `yaml:"addr" validate:"required"`
	DatabaseURL string `yaml:"database_url" validate:"required"`
	// RedisAddr is optional. Without it the send limiter is in-process and
	// prompt history is read from Postgres only.
	RedisAddr string `yaml:"redis_addr"`

	JWTSecret string        `yaml:"jwt_secret" validate:"required,min=32"`
	JWTExpiry time.Duration `yaml:"jwt_expiry" validate:"gt=0"`

	OllamaHost      string `yaml:"ollama_host" validate:"required,url"`
	OllamaModel     string `yaml:"ollama_model" validate:"required"`
	BotDisplayName  string `yaml:"bot_display_name" validate:"required"`
	BotSystemPrompt string `yaml:"bot_system_prompt" validate:"required"`

	AdminUsername    string `yaml:"admin_username" validate:"required,min=2,max=32,handle"`
	AdminPassword    string `yaml:"admin_password" validate:"required,min=8"`
	AdminDisplayName string `yaml:"admin_display_name" validate:"required"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`

	RateLimitMax      int           `yaml:"rate_limit_max" validate:"gt=0"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" validate:"gt=0"`
	BotHistory        int           `yaml:"bot_history" validate:"gt=0"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout" validate:"gt=0"`
	StaleStreamAfter  time.Duration `yaml:"stale_stream_after" validate:"gt=0"`

	PushSubject string `yaml:"push_subject" validate:"required"`
}

// DefaultSystemPrompt is the assistant's instruction until an admin changes it.
const DefaultSystemPrompt = "You are a friendly assistant in a family group chat. " +
	"Keep answers short, warm and suitable for all ages."

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		Addr:              ":3000",
		JWTExpiry:         30 * 24 * time.Hour,
		OllamaHost:        "http://127.0.0.1:11434",
		OllamaModel:       "llama3.2",
		BotDisplayName:    "AI Assistant",
		BotSystemPrompt:   DefaultSystemPrompt,
		AdminUsername:     "admin",
		AdminDisplayName:  "Admin",
		LogLevel:          "info",
		LogFormat:         "text",
		RateLimitMax:      10,
		RateLimitWindow:   5 * time.Second,
		BotHistory:        20,
		StreamIdleTimeout: 2 * time.Minute,
		StaleStreamAfter:  10 * time.Minute,
		PushSubject:       "mailto:admin@family-chat.local",
	}
}

// Load builds the configuration from the defaults, the YAML file at path (if
// path is not empty) and the environment, in increasing order of precedence.
// Variables in a .env file in the working directory are added to the
// environment first without overriding it.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	errs := validator.New().ValidateStruct(c)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Field + " " + e.Message
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"FAMILYCHAT_ADDR":    &c.Addr,
		"DATABASE_URL":       &c.DatabaseURL,
		"REDIS_ADDR":         &c.RedisAddr,
		"JWT_SECRET":         &c.JWTSecret,
		"OLLAMA_HOST":        &c.OllamaHost,
		"OLLAMA_MODEL":       &c.OllamaModel,
		"BOT_DISPLAY_NAME":   &c.BotDisplayName,
		"BOT_SYSTEM_PROMPT":  &c.BotSystemPrompt,
		"ADMIN_USERNAME":     &c.AdminUsername,
		"ADMIN_PASSWORD":     &c.AdminPassword,
		"ADMIN_DISPLAY_NAME": &c.AdminDisplayName,
		"LOG_LEVEL":          &c.LogLevel,
		"LOG_FORMAT":         &c.LogFormat,
		"PUSH_SUBJECT":       &c.PushSubject,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"RATE_LIMIT_MAX": &c.RateLimitMax,
		"BOT_HISTORY":    &c.BotHistory,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"JWT_EXPIRY":          &c.JWTExpiry,
		"RATE_LIMIT_WINDOW":   &c.RateLimitWindow,
		"STREAM_IDLE_TIMEOUT": &c.StreamIdleTimeout,
		"STALE_STREAM_AFTER":  &c.StaleStreamAfter,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
	}
	return nil
}
