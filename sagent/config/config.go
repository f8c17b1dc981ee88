package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	App        AppSection       `mapstructure:"app"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Events     EventsConfig     `mapstructure:"events"`
}

type AppSection struct {
	Environment string `mapstructure:"environment"` // development, staging, testing, production
	LogLevel    string `mapstructure:"log_level"`
}

// AgentConfig holds orchestration policy.
type AgentConfig struct {
	MaxCycles            int           `mapstructure:"max_cycles"`             // Reasoning<->Acting cycles per turn
	RetrievalTimeout     time.Duration `mapstructure:"retrieval_timeout"`      // bound on the retrieve node
	ReasoningTimeout     time.Duration `mapstructure:"reasoning_timeout"`      // per provider call
	ReasoningMaxAttempts int           `mapstructure:"reasoning_max_attempts"` // provider call attempts
	MaxHistoryMessages   int           `mapstructure:"max_history_messages"`   // history window sent to the model
	SystemPrompt         string        `mapstructure:"system_prompt"`
	JudgeEnabled         bool          `mapstructure:"judge_enabled"`
	JudgeThreshold       float64       `mapstructure:"judge_threshold"` // below this the outcome escalates
	SkipRetrievalIntents []string      `mapstructure:"skip_retrieval_intents"`
	Locker               string        `mapstructure:"locker"` // "memory" | "redis"
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
}

// ToolsConfig holds the tool invocation policy.
type ToolsConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	JitterPercent      int           `mapstructure:"jitter_percent"`
	Timeout            time.Duration `mapstructure:"timeout"` // per attempt
	AuditEnabled       bool          `mapstructure:"audit_enabled"`
	AuditPath          string        `mapstructure:"audit_path"`
	AllowedTools       []string      `mapstructure:"allowed_tools"` // empty allows all; "prefix*" allowed
	Idempotency        string        `mapstructure:"idempotency"`   // "memory" | "libsql" | "redis"
	RefundWindowDays   int           `mapstructure:"refund_window_days"`
	RefundMaxAmountUSD float64       `mapstructure:"refund_max_amount_usd"`
}

// RetrievalConfig holds retrieval and context-assembly settings.
type RetrievalConfig struct {
	TopK               int           `mapstructure:"top_k"`
	CandidateK         int           `mapstructure:"candidate_k"` // over-fetch before dedup
	Alpha              float64       `mapstructure:"alpha"`       // vector weight in hybrid fusion
	Hybrid             bool          `mapstructure:"hybrid"`
	BudgetUnit         string        `mapstructure:"budget_unit"` // "chars" | "tokens"
	BudgetSize         int           `mapstructure:"budget_size"`
	MaxChunks          int           `mapstructure:"max_chunks"`
	Encoding           string        `mapstructure:"encoding"` // tiktoken encoding for token budgets
	Index              string        `mapstructure:"index"`    // "memory" | "libsql"
	Dimension          int           `mapstructure:"dimension"`
	Rerank             bool          `mapstructure:"rerank"`
	RerankTopN         int           `mapstructure:"rerank_top_n"`
	EmbeddingCacheSize int           `mapstructure:"embedding_cache_size"`
	EmbeddingCacheTTL  time.Duration `mapstructure:"embedding_cache_ttl"`
}

type CheckpointConfig struct {
	Backend   string        `mapstructure:"backend"` // "memory" | "libsql" | "redis"
	KeyPrefix string        `mapstructure:"key_prefix"`
	RedisTTL  time.Duration `mapstructure:"redis_ttl"`
}

// DatabaseConfig stores libsql connection details.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	AuthToken      string `mapstructure:"auth_token"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	ConnMaxIdleSec int    `mapstructure:"conn_max_idle_sec"`
	ConnMaxLifeSec int    `mapstructure:"conn_max_life_sec"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProvidersConfig stores model provider credentials and sampling settings.
type ProvidersConfig struct {
	Reasoning          string        `mapstructure:"reasoning"` // "openai" | "anthropic"
	OpenAIAPIKey       string        `mapstructure:"openai_api_key"`
	OpenAIModel        string        `mapstructure:"openai_model"`
	AnthropicAPIKey    string        `mapstructure:"anthropic_api_key"`
	AnthropicModel     string        `mapstructure:"anthropic_model"`
	EmbeddingModel     string        `mapstructure:"embedding_model"`
	Temperature        float32       `mapstructure:"temperature"`
	MaxTokens          int           `mapstructure:"max_tokens"`
	RateLimitEnabled   bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity  int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefill    time.Duration `mapstructure:"rate_limit_refill"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	EnableTracing      bool          `mapstructure:"enable_tracing"`
	JudgeMaxTokens     int           `mapstructure:"judge_max_tokens"`
	JudgeTemperature   float32       `mapstructure:"judge_temperature"`
	EmbeddingBatchSize int           `mapstructure:"embedding_batch_size"`
}

type EventsConfig struct {
	Backend    string `mapstructure:"backend"` // "gochannel" | "redis" | "none"
	Topic      string `mapstructure:"topic"`
	BufferSize int64  `mapstructure:"buffer_size"`
}

var (
	AppConfig Config

	mu sync.Mutex
	v  *viper.Viper
)

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	v = viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", sagent.DefaultAppName))
		v.AddConfigPath(sagent.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. agent.max_cycles becomes AGENT_MAX_CYCLES
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("providers.openai_api_key", "PROVIDERS_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("providers.anthropic_api_key", "PROVIDERS_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment are used.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	AppConfig = cfg

	return &AppConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", string(sagent.Development))
	v.SetDefault("app.log_level", "")

	// Orchestration
	v.SetDefault("agent.max_cycles", 8)
	v.SetDefault("agent.retrieval_timeout", "2s")
	v.SetDefault("agent.reasoning_timeout", "30s")
	v.SetDefault("agent.reasoning_max_attempts", 3)
	v.SetDefault("agent.max_history_messages", 20)
	v.SetDefault("agent.system_prompt", DefaultSystemPrompt)
	v.SetDefault("agent.judge_enabled", false)
	v.SetDefault("agent.judge_threshold", 0.5)
	v.SetDefault("agent.skip_retrieval_intents", []string{})
	v.SetDefault("agent.locker", "memory")
	v.SetDefault("agent.lock_ttl", "2m")

	// Tool invocation
	v.SetDefault("tools.max_attempts", 3)
	v.SetDefault("tools.base_backoff", "250ms")
	v.SetDefault("tools.max_backoff", "2s")
	v.SetDefault("tools.jitter_percent", 20)
	v.SetDefault("tools.timeout", "10s")
	v.SetDefault("tools.audit_enabled", true)
	v.SetDefault("tools.audit_path", sagent.DefaultAuditPath)
	v.SetDefault("tools.allowed_tools", []string{}) // empty allows all
	v.SetDefault("tools.idempotency", "memory")
	v.SetDefault("tools.refund_window_days", 30)
	v.SetDefault("tools.refund_max_amount_usd", 500.0)

	// Retrieval
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.candidate_k", 20)
	v.SetDefault("retrieval.alpha", 0.7)
	v.SetDefault("retrieval.hybrid", true)
	v.SetDefault("retrieval.budget_unit", "chars")
	v.SetDefault("retrieval.budget_size", 6000)
	v.SetDefault("retrieval.max_chunks", 8)
	v.SetDefault("retrieval.encoding", "cl100k_base")
	v.SetDefault("retrieval.index", "memory")
	v.SetDefault("retrieval.dimension", 1536)
	v.SetDefault("retrieval.rerank", false)
	v.SetDefault("retrieval.rerank_top_n", 10)
	v.SetDefault("retrieval.embedding_cache_size", 1000)
	v.SetDefault("retrieval.embedding_cache_ttl", "1h")

	// Persistence
	v.SetDefault("checkpoint.backend", "memory")
	v.SetDefault("checkpoint.key_prefix", sagent.DefaultAppName)
	v.SetDefault("checkpoint.redis_ttl", "168h")
	v.SetDefault("database.dsn", sagent.DefaultDatabaseDSN)
	v.SetDefault("database.auth_token", "")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_idle_sec", 300)
	v.SetDefault("database.conn_max_life_sec", 3600)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Providers
	v.SetDefault("providers.reasoning", "openai")
	v.SetDefault("providers.openai_model", "gpt-4.1-mini")
	v.SetDefault("providers.anthropic_model", "claude-3-5-haiku-latest")
	v.SetDefault("providers.embedding_model", "text-embedding-3-small")
	v.SetDefault("providers.temperature", 0.2)
	v.SetDefault("providers.max_tokens", 1024)
	v.SetDefault("providers.rate_limit_enabled", true)
	v.SetDefault("providers.rate_limit_capacity", 10)
	v.SetDefault("providers.rate_limit_refill", "1s")
	v.SetDefault("providers.request_timeout", "60s")
	v.SetDefault("providers.enable_tracing", true)
	v.SetDefault("providers.judge_max_tokens", 200)
	v.SetDefault("providers.judge_temperature", 0.0)
	v.SetDefault("providers.embedding_batch_size", 64)

	// Progress events
	v.SetDefault("events.backend", "gochannel")
	v.SetDefault("events.topic", sagent.DefaultEventsTopic)
	v.SetDefault("events.buffer_size", 64)
}

// Watch re-reads the config file on change and hands the new value to fn.
// It is a no-op when no config file was found by the last LoadConfig.
func Watch(fn func(*Config)) bool {
	mu.Lock()
	defer mu.Unlock()

	if v == nil || v.ConfigFileUsed() == "" {
		return false
	}
	watched := v
	watched.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := watched.Unmarshal(&cfg); err != nil {
			return
		}
		mu.Lock()
		AppConfig = cfg
		mu.Unlock()
		fn(&cfg)
	})
	watched.WatchConfig()
	return true
}
