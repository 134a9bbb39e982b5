package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Embedding  EmbeddingConfig
	Vector     VectorConfig
	Classifier ClassifierConfig
	SQL        SQLConfig
	RAG        RAGConfig
	Evidence   EvidenceConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLHours int
}

// LLMConfig configures the optional completion provider. An empty APIKey
// disables every LLM-assisted step.
type LLMConfig struct {
	Provider    string
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
	Narrate     bool
}

type EmbeddingConfig struct {
	// Provider is "hash" (local, deterministic) or "openai".
	Provider  string
	Model     string
	Dimension int
}

type VectorConfig struct {
	// Backend is "memory" or "milvus".
	Backend        string
	Endpoint       string
	APIKey         string
	CollectionName string
}

type ClassifierConfig struct {
	MaxSlotWindow int
	Aliases       map[string]string
}

type SQLConfig struct {
	DefaultFiscalYear string
	DefaultTopN       int
}

type RAGConfig struct {
	TopK          int
	MinSimilarity float64
	SnippetLength int
}

type EvidenceConfig struct {
	Persist bool
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// LLMEnabled reports whether an LLM provider credential is configured.
func (c *Config) LLMEnabled() bool {
	return strings.TrimSpace(c.LLM.APIKey) != ""
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSec) * time.Second
}

// Load reads config.yaml from path (or the default search paths when path is
// empty), overlays BUDGET_CHAT_* environment variables and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/budget-chat")
	}

	v.SetEnvPrefix("BUDGET_CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Embedding.Provider {
	case "hash", "openai":
	default:
		return fmt.Errorf("unsupported embedding provider %q", c.Embedding.Provider)
	}
	switch c.Vector.Backend {
	case "memory", "milvus":
	default:
		return fmt.Errorf("unsupported vector backend %q", c.Vector.Backend)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.RAG.MinSimilarity < -1 || c.RAG.MinSimilarity > 1 {
		return fmt.Errorf("rag.minSimilarity must be within [-1, 1], got %v", c.RAG.MinSimilarity)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:3000"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/budget.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlHours", 168)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 800)
	v.SetDefault("llm.timeoutSec", 8)
	v.SetDefault("llm.narrate", true)

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 256)

	v.SetDefault("vector.backend", "memory")
	v.SetDefault("vector.endpoint", "localhost:19530")
	v.SetDefault("vector.apiKey", "")
	v.SetDefault("vector.collectionName", "business_records")

	v.SetDefault("classifier.maxSlotWindow", 2000)
	v.SetDefault("classifier.aliases", map[string]string{
		"health":           "Health and Aged Care",
		"aged care":        "Health and Aged Care",
		"defense":          "Defence",
		"attorney general": "Attorney-General's",
		"social services":  "Social Services",
		"home affairs":     "Home Affairs",
	})

	v.SetDefault("sql.defaultFiscalYear", "2024-25")
	v.SetDefault("sql.defaultTopN", 10)

	v.SetDefault("rag.topK", 5)
	v.SetDefault("rag.minSimilarity", 0.0)
	v.SetDefault("rag.snippetLength", 200)

	v.SetDefault("evidence.persist", true)

	v.SetDefault("rateLimit.requestsPerMinute", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
