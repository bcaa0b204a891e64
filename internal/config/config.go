// Package config loads the process configuration from an optional YAML
// file with environment variables layered on top. Environment variables
// always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	HTTPPort       int      `yaml:"http_port"`
	SMTPPort       int      `yaml:"smtp_port"`
	Hostname       string   `yaml:"hostname"`
	DBPath         string   `yaml:"db_path"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	SessionTimeout Duration `yaml:"session_timeout"`
	LogLevel       string   `yaml:"log_level"`
}

// Load builds the configuration from defaults and environment variables.
func Load() Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile layers a YAML file between the defaults and the environment.
func LoadFile(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() Config {
	return Config{
		HTTPPort:       3000,
		SMTPPort:       1025,
		Hostname:       "mailhits",
		DBPath:         "",
		MaxMessageSize: 10 << 20,
		ReadTimeout:    Duration(60 * time.Second),
		SessionTimeout: Duration(10 * time.Minute),
		LogLevel:       "info",
	}
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.SMTPPort = getEnvInt("SMTP_PORT", c.SMTPPort)
	c.Hostname = getEnvString("MAILHITS_HOSTNAME", c.Hostname)
	c.DBPath = getEnvString("DB_PATH", c.DBPath)
	c.MaxMessageSize = getEnvInt64("MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.SessionTimeout = getEnvDuration("SESSION_TIMEOUT", c.SessionTimeout)
	c.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", c.LogLevel))
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback Duration) Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return Duration(parsed)
		}
	}
	return fallback
}
