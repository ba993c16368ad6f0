// Package config provides configuration loading, validation, and quota
// profile management for the cadence daemon.
//
// Configuration is a single YAML file (default ~/.cadence/cadence.yaml) with
// ${VAR} environment expansion. Secrets never live in YAML - API keys resolve
// through the credential store (credentials.go) with environment variables
// taking precedence.
//
// The two quota tiers (standard, lite) are fixed: every quota dimension is
// tracked independently per tier, and the per-tier profile (RPM, RPD, minimum
// spacing, token ceiling) is the only user-tunable part. Unknown tier names in
// the config file are rejected rather than silently accepted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelKey selects one of the two quota tiers. All quota dimensions are
// tracked independently per key.
type ModelKey string

const (
	// KeyStandard is the full-strength conversational tier.
	KeyStandard ModelKey = "standard"
	// KeyLite is the cheaper auxiliary tier used for summarization and
	// other internal calls.
	KeyLite ModelKey = "lite"
)

// String returns the key's config-file spelling.
func (k ModelKey) String() string {
	return string(k)
}

// ParseModelKey maps a user-supplied string to a ModelKey.
func ParseModelKey(s string) (ModelKey, error) {
	switch ModelKey(s) {
	case KeyStandard:
		return KeyStandard, nil
	case KeyLite:
		return KeyLite, nil
	default:
		return "", fmt.Errorf("unknown model key %q (want %q or %q)", s, KeyStandard, KeyLite)
	}
}

// Keys returns both model keys in a stable order.
func Keys() []ModelKey {
	return []ModelKey{KeyStandard, KeyLite}
}

// Provider constants.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// API key environment variable names. Environment always wins over the
// encrypted credential store.
const (
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// EnvHome overrides the config directory location (default ~/.cadence).
const EnvHome = "CADENCE_HOME"

// EnvPassphrase supplies the credential store passphrase non-interactively.
const EnvPassphrase = "CADENCE_PASSPHRASE"

// Estimator selection constants.
const (
	EstimatorHeuristic = "heuristic"
	EstimatorBPE       = "bpe"
)

// File layout constants.
const (
	ConfigDirName    = ".cadence"
	ConfigFilename   = "cadence.yaml"
	DatabaseFilename = "cadence.db"
)

// Quota constants. The sliding input-token window length is not
// user-configurable; only the ceiling within it is.
const (
	TokenWindow         = 60 * time.Second
	DefaultTokenCeiling = 250_000
)

// Duration wraps time.Duration so YAML values can be written as "6s" or
// "2m30s" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML accepts a Go duration string or a bare integer (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs int64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value at line %d", node.Line)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// QuotaProfile defines the per-ModelKey admission limits enforced by the
// quota ledger.
type QuotaProfile struct {
	RPM          int      `yaml:"rpm"`           // requests per trailing 60s
	RPD          int      `yaml:"rpd"`           // requests per Pacific calendar day
	MinSpacing   Duration `yaml:"min_spacing"`   // minimum inter-request spacing
	TokenCeiling int      `yaml:"token_ceiling"` // input tokens per trailing 60s
}

// Spacing returns the minimum inter-request spacing as a time.Duration.
func (p QuotaProfile) Spacing() time.Duration {
	return time.Duration(p.MinSpacing)
}

// ModelSpec binds a ModelKey to an upstream model ID and its quota profile.
type ModelSpec struct {
	Model string       `yaml:"model,omitempty"` // upstream model ID; empty uses the provider default
	Quota QuotaProfile `yaml:"quota"`
}

// ExecutorConfig controls per-request execution timeouts.
type ExecutorConfig struct {
	RequestTimeout    Duration `yaml:"request_timeout"`    // absolute cap per request, retries included
	InactivityTimeout Duration `yaml:"inactivity_timeout"` // max silence between streamed chunks
}

// MemoryConfig controls the conversation memory thresholds.
type MemoryConfig struct {
	MaxRecentMessages    int     `yaml:"max_recent_messages"`   // rolling buffer length trigger
	SummarizeMaxTokens   int     `yaml:"summarize_max_tokens"`  // rolling buffer token trigger
	BankTokenCap         int     `yaml:"bank_token_cap"`        // memory bank token capacity
	CompressionThreshold float64 `yaml:"compression_threshold"` // fraction of cap that triggers compression
	PromptTokenBudget    int     `yaml:"prompt_token_budget"`   // default assembly budget
}

// MetricsConfig controls Prometheus metrics collection and querying.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PrometheusURL string `yaml:"prometheus_url"` // server to query for daily usage (cadencectl)
}

// HealthConfig controls the local health/introspection HTTP server.
type HealthConfig struct {
	Addr string `yaml:"addr"` // e.g. "127.0.0.1:9321"; empty disables the server
}

// PersistenceConfig controls the SQLite store for memory snapshots and the
// request audit log.
type PersistenceConfig struct {
	Path string `yaml:"path"` // empty resolves to <config dir>/cadence.db
}

// Config is the root configuration for the daemon.
type Config struct {
	Provider    string                 `yaml:"provider"`  // gemini, anthropic, openai, ollama
	Estimator   string                 `yaml:"estimator"` // heuristic (default) or bpe
	Models      map[ModelKey]ModelSpec `yaml:"models"`
	Executor    ExecutorConfig         `yaml:"executor"`
	Memory      MemoryConfig           `yaml:"memory"`
	Metrics     MetricsConfig          `yaml:"metrics"`
	Health      HealthConfig           `yaml:"health"`
	Persistence PersistenceConfig      `yaml:"persistence"`
}

// Default upstream model IDs per tier and provider. A config file only needs
// to name a model when overriding these.
//
//nolint:gochecknoglobals // Static registry, never mutated after init.
var defaultModelIDs = map[ModelKey]map[string]string{
	KeyStandard: {
		ProviderGemini:    "gemini-2.5-pro",
		ProviderAnthropic: "claude-sonnet-4-5",
		ProviderOpenAI:    "gpt-4o",
		ProviderOllama:    "mistral-nemo:latest",
	},
	KeyLite: {
		ProviderGemini:    "gemini-2.5-flash-lite",
		ProviderAnthropic: "claude-3-5-haiku-latest",
		ProviderOpenAI:    "gpt-4o-mini",
		ProviderOllama:    "llama3.2:latest",
	},
}

// DefaultConfig returns the full default configuration: Gemini free-tier
// shaped quota profiles, heuristic estimation, metrics on, health server off.
func DefaultConfig() *Config {
	cfg := &Config{
		Provider:  ProviderGemini,
		Estimator: EstimatorHeuristic,
		Models: map[ModelKey]ModelSpec{
			KeyStandard: {
				Quota: QuotaProfile{
					RPM:          10,
					RPD:          500,
					MinSpacing:   Duration(6 * time.Second),
					TokenCeiling: DefaultTokenCeiling,
				},
			},
			KeyLite: {
				Quota: QuotaProfile{
					RPM:          15,
					RPD:          1500,
					MinSpacing:   Duration(2 * time.Second),
					TokenCeiling: DefaultTokenCeiling,
				},
			},
		},
		Executor: ExecutorConfig{
			RequestTimeout:    Duration(240 * time.Second),
			InactivityTimeout: Duration(30 * time.Second),
		},
		Memory: MemoryConfig{
			MaxRecentMessages:    20,
			SummarizeMaxTokens:   4000,
			BankTokenCap:         2000,
			CompressionThreshold: 0.8,
			PromptTokenBudget:    8000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
	return cfg
}

// Load reads, expands, parses, and validates a YAML config file. Environment
// variables in ${VAR} form are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads the config at path, or from the default location when
// path is empty. A missing file yields the defaults rather than an error.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		dir, err := Dir()
		if err != nil {
			return DefaultConfig(), nil
		}
		path = filepath.Join(dir, ConfigFilename)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// applyDefaults fills gaps left by a partial config file. Unmarshaling on top
// of DefaultConfig handles scalar fields; maps replace wholesale, so per-key
// profile gaps are patched here.
func applyDefaults(cfg *Config) {
	if cfg.Models == nil {
		cfg.Models = DefaultConfig().Models
		return
	}
	defaults := DefaultConfig().Models
	for _, key := range Keys() {
		spec, ok := cfg.Models[key]
		if !ok {
			cfg.Models[key] = defaults[key]
			continue
		}
		def := defaults[key].Quota
		if spec.Quota.RPM == 0 {
			spec.Quota.RPM = def.RPM
		}
		if spec.Quota.RPD == 0 {
			spec.Quota.RPD = def.RPD
		}
		if spec.Quota.MinSpacing == 0 {
			spec.Quota.MinSpacing = def.MinSpacing
		}
		if spec.Quota.TokenCeiling == 0 {
			spec.Quota.TokenCeiling = def.TokenCeiling
		}
		cfg.Models[key] = spec
	}
}

// Validate rejects configurations the rest of the system cannot run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderAnthropic, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	switch c.Estimator {
	case EstimatorHeuristic, EstimatorBPE:
	default:
		return fmt.Errorf("unknown estimator %q (want %q or %q)", c.Estimator, EstimatorHeuristic, EstimatorBPE)
	}

	for key, spec := range c.Models {
		if _, err := ParseModelKey(string(key)); err != nil {
			return fmt.Errorf("models: %w", err)
		}
		q := spec.Quota
		if q.RPM <= 0 {
			return fmt.Errorf("models.%s: rpm must be positive, got %d", key, q.RPM)
		}
		if q.RPD <= 0 {
			return fmt.Errorf("models.%s: rpd must be positive, got %d", key, q.RPD)
		}
		if q.TokenCeiling <= 0 {
			return fmt.Errorf("models.%s: token_ceiling must be positive, got %d", key, q.TokenCeiling)
		}
		if q.MinSpacing < 0 {
			return fmt.Errorf("models.%s: min_spacing must not be negative", key)
		}
		if c.ModelID(key) == "" {
			return fmt.Errorf("models.%s: no model ID for provider %q and no default", key, c.Provider)
		}
	}

	m := c.Memory
	if m.MaxRecentMessages <= 0 {
		return fmt.Errorf("memory.max_recent_messages must be positive, got %d", m.MaxRecentMessages)
	}
	if m.SummarizeMaxTokens <= 0 {
		return fmt.Errorf("memory.summarize_max_tokens must be positive, got %d", m.SummarizeMaxTokens)
	}
	if m.BankTokenCap <= 0 {
		return fmt.Errorf("memory.bank_token_cap must be positive, got %d", m.BankTokenCap)
	}
	if m.CompressionThreshold <= 0 || m.CompressionThreshold > 1 {
		return fmt.Errorf("memory.compression_threshold must be in (0, 1], got %g", m.CompressionThreshold)
	}
	if m.PromptTokenBudget <= 0 {
		return fmt.Errorf("memory.prompt_token_budget must be positive, got %d", m.PromptTokenBudget)
	}

	if c.Executor.RequestTimeout <= 0 {
		return fmt.Errorf("executor.request_timeout must be positive")
	}
	if c.Executor.InactivityTimeout <= 0 {
		return fmt.Errorf("executor.inactivity_timeout must be positive")
	}
	if time.Duration(c.Executor.InactivityTimeout) > time.Duration(c.Executor.RequestTimeout) {
		return fmt.Errorf("executor.inactivity_timeout exceeds request_timeout")
	}

	return nil
}

// Profile returns the quota profile for a model key.
func (c *Config) Profile(key ModelKey) QuotaProfile {
	return c.Models[key].Quota
}

// Profiles returns all quota profiles keyed by ModelKey.
func (c *Config) Profiles() map[ModelKey]QuotaProfile {
	out := make(map[ModelKey]QuotaProfile, len(c.Models))
	for key, spec := range c.Models {
		out[key] = spec.Quota
	}
	return out
}

// ModelID resolves the upstream model ID for a key: explicit config override
// first, then the built-in registry for the configured provider.
func (c *Config) ModelID(key ModelKey) string {
	if spec, ok := c.Models[key]; ok && spec.Model != "" {
		return spec.Model
	}
	if byProvider, ok := defaultModelIDs[key]; ok {
		return byProvider[c.Provider]
	}
	return ""
}

// APIKeyEnv returns the environment variable name carrying the API key for a
// provider. Ollama authenticates by reachable host, not key.
func APIKeyEnv(provider string) string {
	switch provider {
	case ProviderGemini:
		return EnvGeminiAPIKey
	case ProviderAnthropic:
		return EnvAnthropicAPIKey
	case ProviderOpenAI:
		return EnvOpenAIAPIKey
	default:
		return ""
	}
}

// Dir returns the cadence config directory, creating it if needed.
// CADENCE_HOME overrides the default ~/.cadence.
func Dir() (string, error) {
	dir := os.Getenv(EnvHome)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ConfigDirName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// DatabasePath resolves the SQLite path: explicit config value or the config
// dir default.
func (c *Config) DatabasePath() (string, error) {
	if c.Persistence.Path != "" {
		return c.Persistence.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DatabaseFilename), nil
}
