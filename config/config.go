package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/poiesic/recall/ai"
	"gopkg.in/yaml.v3"
)

// Store names accepted in Config.Store.
const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Environment variables that override file values.
const (
	EnvDB             = "RECALL_DB"
	EnvStore          = "RECALL_STORE"
	EnvPostgresDSN    = "RECALL_POSTGRES_DSN"
	EnvEmbeddingHost  = "RECALL_EMBEDDING_HOST"
	EnvEmbeddingModel = "RECALL_EMBEDDING_MODEL"
	EnvAPIKey         = "RECALL_API_KEY"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// EmbeddingConfig configures the OpenAI-compatible embedding service.
type EmbeddingConfig struct {
	Host    string        `yaml:"host"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// Dimension sizes the postgres embedding column and must match the model.
	Dimension int `yaml:"dimension"`
}

// CacheConfig configures the query embedding cache. Size 0 disables it.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// RetrievalConfig holds retrieval defaults for the CLI.
type RetrievalConfig struct {
	K       int           `yaml:"k"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the root configuration of the recall CLI.
type Config struct {
	// Store selects the repository: "badger" (default) or "postgres".
	Store       string          `yaml:"store"`
	DB          string          `yaml:"db"`
	PostgresDSN string          `yaml:"postgres_dsn"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Cache       CacheConfig     `yaml:"cache"`
	Retrieval   RetrievalConfig `yaml:"retrieval"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	aiCfg := ai.DefaultConfig()
	return &Config{
		Store: StoreBadger,
		DB:    "./recall_db",
		Embedding: EmbeddingConfig{
			Host:    aiCfg.EmbeddingHost,
			Model:   aiCfg.EmbeddingModel,
			Timeout:   aiCfg.RequestTimeout,
			Dimension: 768,
		},
		Cache: CacheConfig{
			Size: 1024,
			TTL:  15 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			K:       5,
			Timeout: 15 * time.Second,
		},
	}
}

// Load reads a config from path. A missing file, or an empty path, yields
// the defaults. Values from RECALL_* environment variables win over the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// LoadEnvFiles loads variables from dotenv files into the process
// environment without overriding variables that are already set. Missing
// files are skipped; with no arguments ./.env is tried.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Save writes the config to path, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnv() {
	overrides := []struct {
		name  string
		field *string
	}{
		{EnvDB, &c.DB},
		{EnvStore, &c.Store},
		{EnvPostgresDSN, &c.PostgresDSN},
		{EnvEmbeddingHost, &c.Embedding.Host},
		{EnvEmbeddingModel, &c.Embedding.Model},
		{EnvAPIKey, &c.Embedding.APIKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.field = v
		}
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store == "" {
		c.Store = def.Store
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = def.Embedding.Dimension
	}
	if c.Embedding.Timeout == 0 {
		c.Embedding.Timeout = def.Embedding.Timeout
	}
	if c.Cache.Size > 0 && c.Cache.TTL == 0 {
		c.Cache.TTL = def.Cache.TTL
	}
	if c.Retrieval.K == 0 {
		c.Retrieval.K = def.Retrieval.K
	}
	if c.Retrieval.Timeout == 0 {
		c.Retrieval.Timeout = def.Retrieval.Timeout
	}
}

// AI converts the embedding section into an ai.Config.
func (c *Config) AI() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithAPIKey(c.Embedding.APIKey),
		ai.WithRequestTimeout(c.Embedding.Timeout),
	)
}

// Validate checks the config for missing or contradictory values.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreBadger:
		if c.DB == "" {
			return fmt.Errorf("%w: db path is required for the badger store", ErrInvalidConfig)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required for the postgres store", ErrInvalidConfig)
		}
		if c.Embedding.Dimension < 1 {
			return fmt.Errorf("%w: embedding dimension must be positive", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("%w: cache size must not be negative", ErrInvalidConfig)
	}
	if c.Retrieval.K < 1 {
		return fmt.Errorf("%w: retrieval k must be at least 1", ErrInvalidConfig)
	}
	if c.Retrieval.Timeout < 0 {
		return fmt.Errorf("%w: retrieval timeout must be positive", ErrInvalidConfig)
	}
	if err := c.AI().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
