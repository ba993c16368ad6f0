package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}

	std := cfg.Profile(KeyStandard)
	if std.RPM != 10 || std.RPD != 500 || std.Spacing() != 6*time.Second {
		t.Errorf("unexpected standard profile: %+v", std)
	}
	lite := cfg.Profile(KeyLite)
	if lite.RPM != 15 || lite.RPD != 1500 || lite.Spacing() != 2*time.Second {
		t.Errorf("unexpected lite profile: %+v", lite)
	}
	if std.TokenCeiling != 250000 || lite.TokenCeiling != 250000 {
		t.Errorf("expected 250000 token ceiling per key, got %d/%d", std.TokenCeiling, lite.TokenCeiling)
	}
}

func TestLoadConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "cadence.yaml")

	content := `
provider: gemini
estimator: bpe
models:
  standard:
    model: gemini-2.5-pro-custom
    quota:
      rpm: 5
      min_spacing: 12s
  lite:
    quota:
      rpm: 30
      rpd: 2000
      min_spacing: 1s
executor:
  request_timeout: 5m
  inactivity_timeout: 20s
health:
  addr: "127.0.0.1:9321"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Estimator != EstimatorBPE {
		t.Errorf("expected bpe estimator, got %q", cfg.Estimator)
	}
	if got := cfg.ModelID(KeyStandard); got != "gemini-2.5-pro-custom" {
		t.Errorf("expected model override, got %q", got)
	}
	if got := cfg.ModelID(KeyLite); got != "gemini-2.5-flash-lite" {
		t.Errorf("expected registry default for lite, got %q", got)
	}

	std := cfg.Profile(KeyStandard)
	if std.RPM != 5 {
		t.Errorf("expected rpm 5, got %d", std.RPM)
	}
	if std.Spacing() != 12*time.Second {
		t.Errorf("expected 12s spacing, got %v", std.Spacing())
	}
	// Unset fields fall back to defaults.
	if std.RPD != 500 {
		t.Errorf("expected default rpd 500, got %d", std.RPD)
	}
	if std.TokenCeiling != DefaultTokenCeiling {
		t.Errorf("expected default token ceiling, got %d", std.TokenCeiling)
	}

	lite := cfg.Profile(KeyLite)
	if lite.RPM != 30 || lite.RPD != 2000 || lite.Spacing() != time.Second {
		t.Errorf("unexpected lite profile: %+v", lite)
	}

	if time.Duration(cfg.Executor.RequestTimeout) != 5*time.Minute {
		t.Errorf("expected 5m request timeout, got %v", time.Duration(cfg.Executor.RequestTimeout))
	}
	if cfg.Health.Addr != "127.0.0.1:9321" {
		t.Errorf("expected health addr, got %q", cfg.Health.Addr)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("CADENCE_TEST_ADDR", "127.0.0.1:7777")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "cadence.yaml")
	content := "health:\n  addr: \"${CADENCE_TEST_ADDR}\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Health.Addr != "127.0.0.1:7777" {
		t.Errorf("expected env expansion, got %q", cfg.Health.Addr)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider = "aws" }},
		{"unknown estimator", func(c *Config) { c.Estimator = "exact" }},
		{"unknown model key", func(c *Config) { c.Models["turbo"] = c.Models[KeyStandard] }},
		{"negative rpm", func(c *Config) {
			spec := c.Models[KeyStandard]
			spec.Quota.RPM = -1
			c.Models[KeyStandard] = spec
		}},
		{"bad compression threshold", func(c *Config) { c.Memory.CompressionThreshold = 1.5 }},
		{"inactivity exceeds request timeout", func(c *Config) {
			c.Executor.InactivityTimeout = Duration(10 * time.Minute)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("missing file should fall back to defaults, got: %v", err)
	}
	if cfg.Provider != ProviderGemini {
		t.Errorf("expected gemini default provider, got %q", cfg.Provider)
	}
}

func TestParseModelKey(t *testing.T) {
	if _, err := ParseModelKey("standard"); err != nil {
		t.Errorf("standard should parse: %v", err)
	}
	if _, err := ParseModelKey("lite"); err != nil {
		t.Errorf("lite should parse: %v", err)
	}
	if _, err := ParseModelKey("pro"); err == nil {
		t.Error("unknown key should be rejected")
	}
}

func TestModelIDPerProvider(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Provider = ProviderAnthropic
	if id := cfg.ModelID(KeyStandard); id != "claude-sonnet-4-5" {
		t.Errorf("unexpected anthropic standard model: %q", id)
	}
	cfg.Provider = ProviderOllama
	if id := cfg.ModelID(KeyLite); id == "" {
		t.Error("expected an ollama lite default")
	}
}

func TestDurationUnmarshalForms(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "cadence.yaml")

	// Bare integers are treated as seconds.
	content := "executor:\n  request_timeout: 90\n  inactivity_timeout: 15s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if time.Duration(cfg.Executor.RequestTimeout) != 90*time.Second {
		t.Errorf("expected 90s, got %v", time.Duration(cfg.Executor.RequestTimeout))
	}
	if time.Duration(cfg.Executor.InactivityTimeout) != 15*time.Second {
		t.Errorf("expected 15s, got %v", time.Duration(cfg.Executor.InactivityTimeout))
	}
}
