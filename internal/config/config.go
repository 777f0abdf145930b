// Package config resolves application configuration with precedence
// environment > persisted config file > built-in defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// ErrLLMNotConfigured reports that the LLM endpoint or key is missing.
// Callers use it to distinguish "not configured" from "call failed".
var ErrLLMNotConfigured = errors.New("llm is not configured: set FEEDSCOPE_LLM_API_KEY and FEEDSCOPE_LLM_BASE_URL")

// LLM holds the model endpoint/key/model triple. envconfig composes the
// nested-struct prefix itself, so the tags carry only the leaf names
// (FEEDSCOPE_LLM_BASE_URL and friends).
type LLM struct {
	BaseURL string `json:"base_url" envconfig:"BASE_URL"`
	APIKey  string `json:"api_key" envconfig:"API_KEY"`
	Model   string `json:"model" envconfig:"MODEL"`
}

// Config holds the application configuration.
type Config struct {
	DatabasePath   string `json:"database_path" envconfig:"DATABASE_PATH"`
	LogLevel       string `json:"log_level" envconfig:"LOG_LEVEL"`
	ProxyURL       string `json:"proxy_url" envconfig:"PROXY_URL"`
	LLM            LLM    `json:"llm"`
	RSSConcurrency int    `json:"rss_concurrency" envconfig:"RSS_CONCURRENCY"`
	LLMConcurrency int    `json:"llm_concurrency" envconfig:"LLM_CONCURRENCY"`
	WindowDays     int    `json:"window_days" envconfig:"WINDOW_DAYS"`

	path string
}

const envPrefix = "FEEDSCOPE"

func defaults() Config {
	return Config{
		DatabasePath:   "./data/feedscope.db",
		LogLevel:       "info",
		LLM:            LLM{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		RSSConcurrency: 5,
		LLMConcurrency: 1,
		WindowDays:     7,
	}
}

// Load resolves configuration. path names the optional persisted JSON config
// file; an empty path or a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaults()
	cfg.path = path

	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if cfg.RSSConcurrency < 1 {
		cfg.RSSConcurrency = 1
	}
	if cfg.LLMConcurrency < 1 {
		cfg.LLMConcurrency = 1
	}

	return &cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ValidateLLM fails fast when the LLM credentials are incomplete, before any
// network call is attempted.
func (c *Config) ValidateLLM() error {
	if c.LLM.APIKey == "" || c.LLM.BaseURL == "" {
		return ErrLLMNotConfigured
	}
	return nil
}

// ProxySource returns a function that re-resolves the proxy endpoint from the
// live configuration sources on every call, so the proxy can be reconfigured
// without a restart.
func (c *Config) ProxySource() func() string {
	path := c.path
	fallback := c.ProxyURL
	return func() string {
		fresh, err := Load(path)
		if err != nil {
			return fallback
		}
		return fresh.ProxyURL
	}
}
