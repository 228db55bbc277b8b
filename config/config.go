// Package config loads the assistant configuration from a YAML file with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "30s" or "5m" into a duration.
// Bare integers are taken as nanoseconds, matching time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Config is the full configuration surface.
type Config struct {
	Embedding Embedding `yaml:"embedding"`
	Memory    Memory    `yaml:"memory"`
	Storage   Storage   `yaml:"storage"`
	LLM       LLM       `yaml:"llm"`
	Server    Server    `yaml:"server"`
}

// Embedding selects and tunes the embedding provider.
type Embedding struct {
	// Provider is one of "local", "gemini", "mock".
	Provider string `yaml:"provider"`

	// APIKey authenticates the gemini provider. GEMINI_API_KEY overrides.
	APIKey string `yaml:"api_key"`

	// Model names the embedding model (gemini) .
	Model string `yaml:"model"`

	// Dimensions is the embedding vector size.
	Dimensions int `yaml:"dimensions"`

	// ModelPath, TokenizerPath and LibraryPath locate the local model.
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	LibraryPath   string `yaml:"library_path"`

	// IdleUnload releases the local model session after inactivity.
	IdleUnload Duration `yaml:"idle_unload"`

	// MaxInFlight bounds concurrent embedding calls.
	MaxInFlight int `yaml:"max_inflight"`

	// Cache enables the in-process embedding cache.
	Cache bool `yaml:"cache"`

	// CacheBytes sizes the cache (default 32 MiB).
	CacheBytes int64 `yaml:"cache_bytes"`
}

// Memory tunes context assembly and reconciliation.
type Memory struct {
	RecentWindow      int      `yaml:"recent_window"`
	SemanticTopK      int      `yaml:"semantic_top_k"`
	MinSimilarity     float32  `yaml:"min_similarity"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`
}

// Storage locates the durable state.
type Storage struct {
	// DataDir holds the SQLite database and the vector index.
	DataDir string `yaml:"data_dir"`

	// CompactIndex stores index vectors at reduced (float16) precision.
	CompactIndex bool `yaml:"compact_index"`
}

// LLM configures the Claude API.
type LLM struct {
	// APIKey authenticates against Anthropic. ANTHROPIC_API_KEY overrides.
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Server configures the websocket gateway.
type Server struct {
	Addr string `yaml:"addr"`

	// OwnerToken grants the owner capability. VESPER_OWNER_TOKEN overrides.
	OwnerToken string `yaml:"owner_token"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Embedding: Embedding{
			Provider:    "mock",
			Dimensions:  384,
			IdleUnload:  Duration(5 * time.Minute),
			MaxInFlight: 2,
			CacheBytes:  32 << 20,
		},
		Memory: Memory{
			RecentWindow:      10,
			SemanticTopK:      5,
			MinSimilarity:     0.3,
			ReconcileInterval: Duration(time.Minute),
		},
		Storage: Storage{
			DataDir: "data",
		},
		LLM: LLM{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

// Load reads path (missing file falls back to defaults) and applies
// environment overrides for secrets.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment.
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("VESPER_OWNER_TOKEN"); v != "" {
		cfg.Server.OwnerToken = v
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Embedding.Provider {
	case "local":
		if c.Embedding.ModelPath == "" {
			return fmt.Errorf("embedding.model_path is required for the local provider")
		}
		if c.Embedding.TokenizerPath == "" {
			return fmt.Errorf("embedding.tokenizer_path is required for the local provider")
		}
	case "gemini":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key (or GEMINI_API_KEY) is required for the gemini provider")
		}
	case "mock":
		// No requirements.
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	return nil
}
