package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, read from caiyun.yaml.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Weather    WeatherConfig    `yaml:"weather"`
	ToolServer ToolServerConfig `yaml:"tool_server"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Location   string           `yaml:"location"`
	Mode       string           `yaml:"mode"` // direct or mcp
}

type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type WeatherConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type ToolServerConfig struct {
	Addr    string        `yaml:"addr"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Workers int64         `yaml:"workers"`
}

type BridgeConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type TelemetryConfig struct {
	SentryDSN   string `yaml:"sentry_dsn"`
	Environment string `yaml:"environment"`
}

const DefaultPath = "caiyun.yaml"

// Values shipped in sample key files; they mean "not configured".
var placeholders = map[string]bool{
	"YOUR_DEEPSEEK_API_KEY":     true,
	"YOUR_CAIYUN_WEATHER_TOKEN": true,
	"YOUR_API_KEY":              true,
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. A missing file is not an error when path is the
// default path.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.LLM.APIKey, "DEEPSEEK_API_KEY")
	set(&c.LLM.BaseURL, "DEEPSEEK_BASE_URL")
	set(&c.Weather.Token, "CAIYUN_TOKEN")
	set(&c.Log.Level, "CAIYUN_LOG_LEVEL")
	set(&c.Telemetry.SentryDSN, "SENTRY_DSN")
}

func (c *Config) applyDefaults() {
	c.LLM.APIKey = clearPlaceholder(c.LLM.APIKey)
	c.Weather.Token = clearPlaceholder(c.Weather.Token)

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.deepseek.com"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "deepseek-chat"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 120 * time.Second
	}
	if c.LLM.Retry.MaxAttempts == 0 {
		c.LLM.Retry.MaxAttempts = 8
	}
	if c.LLM.Retry.BaseDelay == 0 {
		c.LLM.Retry.BaseDelay = 2 * time.Second
	}
	if c.LLM.Retry.MaxDelay == 0 {
		c.LLM.Retry.MaxDelay = 120 * time.Second
	}
	if c.Weather.BaseURL == "" {
		c.Weather.BaseURL = "https://api.caiyunapp.com/v2.5"
	}
	if c.Weather.Timeout == 0 {
		c.Weather.Timeout = 30 * time.Second
	}
	if c.ToolServer.Addr == "" {
		c.ToolServer.Addr = "127.0.0.1:8080"
	}
	if c.ToolServer.URL == "" {
		c.ToolServer.URL = "http://" + c.ToolServer.Addr
	}
	if c.ToolServer.Timeout == 0 {
		c.ToolServer.Timeout = 30 * time.Second
	}
	if c.ToolServer.Workers == 0 {
		c.ToolServer.Workers = 4
	}
	if c.Bridge.Addr == "" {
		c.Bridge.Addr = "127.0.0.1:8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Location == "" {
		c.Location = "北京"
	}
	if c.Mode == "" {
		c.Mode = "direct"
	}
}

func clearPlaceholder(v string) string {
	v = strings.TrimSpace(v)
	if placeholders[v] {
		return ""
	}
	return v
}

// Validate rejects settings the application cannot run with. Missing
// credentials are reported later, by the call that needs them.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "direct", "mcp":
	default:
		return fmt.Errorf("invalid mode %q, want direct or mcp", c.Mode)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, want text or json", c.Log.Format)
	}
	if c.LLM.Retry.MaxAttempts < 0 {
		return fmt.Errorf("llm.retry.max_attempts must not be negative")
	}
	if c.LLM.Retry.BaseDelay < 0 || c.LLM.Retry.MaxDelay < c.LLM.Retry.BaseDelay {
		return fmt.Errorf("llm.retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	if c.ToolServer.Workers < 0 {
		return fmt.Errorf("tool_server.workers must not be negative")
	}
	return nil
}

// HasLLMKey reports whether an LLM API key is configured.
func (c *Config) HasLLMKey() bool { return c.LLM.APIKey != "" }

// HasWeatherToken reports whether a weather API token is configured.
func (c *Config) HasWeatherToken() bool { return c.Weather.Token != "" }
