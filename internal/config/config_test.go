package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var ignoreUnexported = cmpopts.IgnoreUnexported(Config{})

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feedscope.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := Config{
		DatabasePath:   "./data/feedscope.db",
		LogLevel:       "info",
		LLM:            LLM{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		RSSConcurrency: 5,
		LLMConcurrency: 1,
		WindowDays:     7,
	}
	if diff := cmp.Diff(want, *cfg, ignoreUnexported); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default", cfg.LogLevel)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{
		"database_path": "/tmp/custom.db",
		"proxy_url": "http://proxy.local:8080",
		"llm": {"model": "gpt-4o"},
		"window_days": 14
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DatabasePath != "/tmp/custom.db" {
		t.Errorf("DatabasePath = %q, want file value", cfg.DatabasePath)
	}
	if cfg.ProxyURL != "http://proxy.local:8080" {
		t.Errorf("ProxyURL = %q, want file value", cfg.ProxyURL)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("LLM.Model = %q, want file value", cfg.LLM.Model)
	}
	// Untouched fields keep their defaults.
	if cfg.LLM.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("LLM.BaseURL = %q, want default kept", cfg.LLM.BaseURL)
	}
	if cfg.WindowDays != 14 {
		t.Errorf("WindowDays = %d, want 14", cfg.WindowDays)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `{"proxy_url": "http://from-file:1", "log_level": "debug"}`)

	t.Setenv("FEEDSCOPE_PROXY_URL", "http://from-env:2")
	t.Setenv("FEEDSCOPE_LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ProxyURL != "http://from-env:2" {
		t.Errorf("ProxyURL = %q, want env to win over file", cfg.ProxyURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want file value kept", cfg.LogLevel)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("LLM.APIKey = %q, want env value", cfg.LLM.APIKey)
	}
}

// The LLM variable names in ErrLLMNotConfigured are the contract; every leaf of
// the nested struct must bind under the FEEDSCOPE_LLM_ prefix.
func TestLoadLLMEnvNames(t *testing.T) {
	t.Setenv("FEEDSCOPE_LLM_BASE_URL", "https://llm.internal/v1")
	t.Setenv("FEEDSCOPE_LLM_API_KEY", "sk-env")
	t.Setenv("FEEDSCOPE_LLM_MODEL", "gpt-4o")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := LLM{BaseURL: "https://llm.internal/v1", APIKey: "sk-env", Model: "gpt-4o"}
	if diff := cmp.Diff(want, cfg.LLM); diff != "" {
		t.Errorf("LLM config mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.ValidateLLM(); err != nil {
		t.Errorf("ValidateLLM = %v, want nil with env-provided credentials", err)
	}
}

func TestConcurrencyFloors(t *testing.T) {
	path := writeConfigFile(t, `{"rss_concurrency": 0, "llm_concurrency": -3}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RSSConcurrency != 1 || cfg.LLMConcurrency != 1 {
		t.Errorf("concurrency = (%d, %d), want floors of 1", cfg.RSSConcurrency, cfg.LLMConcurrency)
	}
}

func TestValidateLLM(t *testing.T) {
	tests := []struct {
		name    string
		llm     LLM
		wantErr bool
	}{
		{name: "fully configured", llm: LLM{BaseURL: "https://api.openai.com/v1", APIKey: "sk-x", Model: "gpt-4o-mini"}},
		{name: "missing key", llm: LLM{BaseURL: "https://api.openai.com/v1"}, wantErr: true},
		{name: "missing base url", llm: LLM{APIKey: "sk-x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{LLM: tt.llm}
			err := cfg.ValidateLLM()
			if tt.wantErr {
				if !errors.Is(err, ErrLLMNotConfigured) {
					t.Errorf("error = %v, want ErrLLMNotConfigured", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestProxySourceSeesUpdates(t *testing.T) {
	path := writeConfigFile(t, `{"proxy_url": "http://first:1"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	source := cfg.ProxySource()

	if got := source(); got != "http://first:1" {
		t.Fatalf("proxy = %q, want initial value", got)
	}

	if err := os.WriteFile(path, []byte(`{"proxy_url": "http://second:2"}`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if got := source(); got != "http://second:2" {
		t.Errorf("proxy = %q, want updated value without reload", got)
	}
}
