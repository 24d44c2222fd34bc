package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration, loaded from yaml with
// REPFLOW_* environment overrides.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Auth       AuthConfig       `mapstructure:"auth"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Trigger    TriggerConfig    `mapstructure:"trigger"`
	Search     SearchConfig     `mapstructure:"search"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
}

// ServiceConfig contains the HTTP service knobs.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	HealthPort      int           `mapstructure:"health_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// AuthConfig contains API authentication configuration.
type AuthConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	AccessTokenExpiry time.Duration `mapstructure:"access_token_expiry"`
	APIKeys           []APIKeyEntry `mapstructure:"api_keys"`
}

// APIKeyEntry is one provisioned API key, stored as a bcrypt hash.
type APIKeyEntry struct {
	Name string `mapstructure:"name"`
	Hash string `mapstructure:"hash"`
}

// LLMConfig configures the language-model capability. The evaluator always
// gets its own client instance so generation cannot grade itself.
type LLMConfig struct {
	APIKey               string  `mapstructure:"api_key"`
	BaseURL              string  `mapstructure:"base_url"`
	Model                string  `mapstructure:"model"`
	EvaluatorModel       string  `mapstructure:"evaluator_model"`
	MaxTokens            int     `mapstructure:"max_tokens"`
	OptimizerTemperature float64 `mapstructure:"optimizer_temperature"`
	GeneratorTemperature float64 `mapstructure:"generator_temperature"`
	EvaluatorTemperature float64 `mapstructure:"evaluator_temperature"`
}

// TriggerConfig configures trigger-phrase detection.
type TriggerConfig struct {
	Phrases       []string `mapstructure:"phrases"`
	PhrasesFile   string   `mapstructure:"phrases_file"`
	MessageWindow int      `mapstructure:"message_window"`
}

// SearchConfig configures the aggregator and its providers.
type SearchConfig struct {
	TopK             int           `mapstructure:"top_k"`
	WindowMultiplier int           `mapstructure:"window_multiplier"`
	ProviderTimeout  time.Duration `mapstructure:"provider_timeout"`
	WebBaseURL       string        `mapstructure:"web_base_url"`
	SiteDomain       string        `mapstructure:"site_domain"`
	KnowledgeAPIURL  string        `mapstructure:"knowledge_api_url"`
	KnowledgeAPIKey  string        `mapstructure:"knowledge_api_key"`
	EnrichContent    bool          `mapstructure:"enrich_content"`
	MaxContentLength int           `mapstructure:"max_content_length"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

// EvaluationConfig configures the quality gate.
type EvaluationConfig struct {
	MinScore   int `mapstructure:"min_score"`
	MaxRetries int `mapstructure:"max_retries"`
}

// GuardrailsConfig configures the deterministic resolution checks.
type GuardrailsConfig struct {
	ForbiddenPhrases []string `mapstructure:"forbidden_phrases"`
	MinLength        int      `mapstructure:"min_length"`
}

// RedisConfig configures the search-result cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig configures the Postgres store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// VectorConfig configures the vector index used by the vector search provider.
type VectorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Collection    string        `mapstructure:"collection"`
	Timeout       time.Duration `mapstructure:"timeout"`
	EmbeddingsURL string        `mapstructure:"embeddings_url"`
}

// TracingConfig configures OTLP export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// StreamingConfig configures the event broadcast ring.
type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
}

// DefaultTriggerPhrases are the built-in research-intent patterns matched
// against recent rep messages. Matching is case-insensitive substring/regex.
var DefaultTriggerPhrases = []string{
	"let me take a look",
	"let me check",
	"i'll look into",
	"i'll check that",
	"looking into",
	"checking that for you",
	"one moment please",
	"give me a moment",
	"let me find that",
	"searching for",
}

// DefaultForbiddenPhrases are hedging phrases a customer-facing resolution
// must not contain.
var DefaultForbiddenPhrases = []string{
	"i don't know",
	"i cannot",
	"i'm not sure",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.health_port", 8081)
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.write_timeout", 120*time.Second)
	v.SetDefault("service.graceful_timeout", 15*time.Second)
	v.SetDefault("service.rate_limit_per_min", 60)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.access_token_expiry", time.Hour)

	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.evaluator_model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.optimizer_temperature", 0.3)
	v.SetDefault("llm.generator_temperature", 0.5)
	v.SetDefault("llm.evaluator_temperature", 0.2)

	v.SetDefault("trigger.phrases", DefaultTriggerPhrases)
	v.SetDefault("trigger.message_window", 3)

	v.SetDefault("search.top_k", 5)
	v.SetDefault("search.window_multiplier", 2)
	v.SetDefault("search.provider_timeout", 10*time.Second)
	v.SetDefault("search.web_base_url", "https://www.helpcenter.example.com")
	v.SetDefault("search.site_domain", "helpcenter.example.com")
	v.SetDefault("search.enrich_content", true)
	v.SetDefault("search.max_content_length", 2000)
	v.SetDefault("search.cache_ttl", time.Hour)

	v.SetDefault("evaluation.min_score", 3)
	v.SetDefault("evaluation.max_retries", 3)

	v.SetDefault("guardrails.forbidden_phrases", DefaultForbiddenPhrases)
	v.SetDefault("guardrails.min_length", 100)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "repflow")
	v.SetDefault("database.database", "repflow")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 30*time.Minute)

	v.SetDefault("vector.enabled", false)
	v.SetDefault("vector.port", 6333)
	v.SetDefault("vector.collection", "knowledge_base")
	v.SetDefault("vector.timeout", 5*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "repflow-orchestrator")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("streaming.ring_capacity", 256)
}

// Load reads the config file at path (or CONFIG_PATH, or the built-in
// defaults when neither exists) and applies REPFLOW_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Trigger.PhrasesFile != "" {
		phrases, err := LoadTriggerPhrases(cfg.Trigger.PhrasesFile)
		if err != nil {
			return nil, err
		}
		cfg.Trigger.Phrases = phrases
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Evaluation.MinScore < 1 || c.Evaluation.MinScore > 5 {
		return fmt.Errorf("evaluation.min_score must be in [1,5], got %d", c.Evaluation.MinScore)
	}
	if c.Evaluation.MaxRetries < 0 {
		return fmt.Errorf("evaluation.max_retries must be >= 0, got %d", c.Evaluation.MaxRetries)
	}
	if c.Search.TopK <= 0 {
		return fmt.Errorf("search.top_k must be > 0, got %d", c.Search.TopK)
	}
	if c.Search.WindowMultiplier <= 0 {
		return fmt.Errorf("search.window_multiplier must be > 0, got %d", c.Search.WindowMultiplier)
	}
	if c.Trigger.MessageWindow <= 0 {
		return fmt.Errorf("trigger.message_window must be > 0, got %d", c.Trigger.MessageWindow)
	}
	if len(c.Trigger.Phrases) == 0 {
		return fmt.Errorf("trigger.phrases must not be empty")
	}
	return nil
}

// ResultWindow is the post-merge truncation bound handed to the aggregator.
func (c *Config) ResultWindow() int {
	return c.Search.TopK * c.Search.WindowMultiplier
}
