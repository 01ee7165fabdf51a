package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "bookingsync.yaml"

type Config struct {
	LogLevel string `yaml:"log_level"`

	API struct {
		BaseURL   string        `yaml:"base_url"`
		Token     string        `yaml:"token"`
		Timeout   time.Duration `yaml:"timeout"`
		RateLimit float64       `yaml:"rate_limit"`
		Burst     int           `yaml:"burst"`
	} `yaml:"api"`

	Realtime struct {
		Transport            string        `yaml:"transport"`
		URL                  string        `yaml:"url"`
		NATSURL              string        `yaml:"nats_url"`
		SubjectPrefix        string        `yaml:"subject_prefix"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
		PingInterval         time.Duration `yaml:"ping_interval"`
		RetryAfterExhausted  time.Duration `yaml:"retry_after_exhausted"`
	} `yaml:"realtime"`

	Session struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		PushSilence    time.Duration `yaml:"push_silence"`
		MaxAssignments int           `yaml:"max_assignments"`
		FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	} `yaml:"session"`

	Inspector struct {
		Port string `yaml:"port"`
	} `yaml:"inspector"`
}

func defaultConfig() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.API.BaseURL = "http://localhost:8080"
	cfg.API.Timeout = 30 * time.Second
	cfg.Realtime.Transport = "websocket"
	cfg.Realtime.URL = "ws://localhost:8080/ws"
	cfg.Realtime.NATSURL = "nats://localhost:4222"
	cfg.Realtime.SubjectPrefix = "bookings"
	cfg.Realtime.MaxReconnectAttempts = 10
	cfg.Realtime.RetryAfterExhausted = 5 * time.Minute
	cfg.Inspector.Port = "8090"
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the yaml file at path over the defaults, then applies environment
// overrides. A missing file at the default path is not an error.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path == "" {
		path = defaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.API.BaseURL = getEnv("BOOKING_API_URL", c.API.BaseURL)
	c.API.Token = getEnv("BOOKING_API_TOKEN", c.API.Token)
	c.Realtime.Transport = getEnv("REALTIME_TRANSPORT", c.Realtime.Transport)
	c.Realtime.URL = getEnv("REALTIME_URL", c.Realtime.URL)
	c.Realtime.NATSURL = getEnv("NATS_URL", c.Realtime.NATSURL)
	c.Realtime.MaxReconnectAttempts = getEnvAsInt("REALTIME_MAX_RECONNECTS", c.Realtime.MaxReconnectAttempts)
	c.Session.MaxAssignments = getEnvAsInt("MAX_ASSIGNMENTS", c.Session.MaxAssignments)
	c.Inspector.Port = getEnv("INSPECTOR_PORT", c.Inspector.Port)
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return errors.New("BOOKING_API_URL is required")
	}
	if c.API.Token == "" {
		return errors.New("BOOKING_API_TOKEN is required")
	}
	switch c.Realtime.Transport {
	case "websocket", "nats":
	default:
		return fmt.Errorf("unknown realtime transport %q (want websocket or nats)", c.Realtime.Transport)
	}
	return nil
}
