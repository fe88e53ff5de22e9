// Package config loads the runtime's process-wide configuration: a single
// immutable snapshot read once at startup from YAML plus environment
// overrides. There is no hot reload; a run pins whatever
// AgentSpec/TeamSpec/timeouts were in effect when it started.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, immutable runtime configuration.
// Field names mirror the environment variables that override them.
type Config struct {
	DatabaseURL      string        `yaml:"database_url"`
	VectorStoreURL   string        `yaml:"vector_store_url"`
	LLMProviderKey   string        `yaml:"llm_provider_key"`
	EmbeddingDim     int           `yaml:"embedding_dim"`
	RunTimeout       time.Duration `yaml:"run_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	MaxToolRounds    int           `yaml:"max_tool_rounds"`
	MaxDelegation    int           `yaml:"max_delegation_rounds"`
	MemoryDedupCos   float64       `yaml:"memory_dedup_cosine"`
	MemoryMergeCos   float64       `yaml:"memory_merge_cosine"`
	CancelGrace      time.Duration `yaml:"cancellation_grace"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	TracingExporter  string        `yaml:"tracing_exporter"` // "off", "stdout", or "otlp"
	OTLPEndpoint     string        `yaml:"otlp_endpoint"`
}

// defaults holds the stock values applied before YAML and env overrides.
func defaults() Config {
	return Config{
		EmbeddingDim:    768,
		RunTimeout:      120 * time.Second,
		ToolTimeout:     30 * time.Second,
		MaxToolRounds:   8,
		MaxDelegation:   4,
		MemoryDedupCos:  0.90,
		MemoryMergeCos:  0.95,
		CancelGrace:     5 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		TracingExporter: "off",
	}
}

// Load reads a YAML file at path (if non-empty), applies environment
// variable overrides (including a .env file if present), validates the
// result, and returns an immutable snapshot. The required variables
// (DATABASE_URL, VECTOR_STORE_URL, LLM_PROVIDER_KEY) must end up set by
// one source or the other; Load fails loudly otherwise rather than
// starting with a broken store.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)(:-([^}]*))?\}`)

// expandEnv performs ${VAR} / ${VAR:-default} substitution on raw YAML
// bytes before unmarshalling.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		parts := envPattern.FindSubmatch(match)
		name := string(parts[1])
		def := string(parts[3])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return []byte(def)
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		cfg.VectorStoreURL = v
	}
	if v := os.Getenv("LLM_PROVIDER_KEY"); v != "" {
		cfg.LLMProviderKey = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.EmbeddingDim)
	}
	if v := os.Getenv("RUN_TIMEOUT_SEC"); v != "" {
		var sec int
		if _, err := fmt.Sscanf(v, "%d", &sec); err == nil {
			cfg.RunTimeout = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("TOOL_TIMEOUT_SEC"); v != "" {
		var sec int
		if _, err := fmt.Sscanf(v, "%d", &sec); err == nil {
			cfg.ToolTimeout = time.Duration(sec) * time.Second
		}
	}
	if v := os.Getenv("MAX_TOOL_ROUNDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.MaxToolRounds)
	}
	if v := os.Getenv("MAX_DELEGATION_ROUNDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.MaxDelegation)
	}
	if v := os.Getenv("MEMORY_DEDUP_COSINE"); v != "" {
		fmt.Sscanf(v, "%f", &cfg.MemoryDedupCos)
	}
	if v := os.Getenv("MEMORY_MERGE_COSINE"); v != "" {
		fmt.Sscanf(v, "%f", &cfg.MemoryMergeCos)
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		cfg.TracingExporter = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.VectorStoreURL == "" {
		return fmt.Errorf("config: VECTOR_STORE_URL is required")
	}
	if c.LLMProviderKey == "" {
		return fmt.Errorf("config: LLM_PROVIDER_KEY is required")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("config: embedding_dim must be positive")
	}
	if c.MaxDelegation < 0 {
		return fmt.Errorf("config: max_delegation_rounds cannot be negative")
	}
	switch c.TracingExporter {
	case "", "off", "stdout", "otlp":
	default:
		return fmt.Errorf("config: tracing_exporter must be one of off, stdout, otlp")
	}
	return nil
}
