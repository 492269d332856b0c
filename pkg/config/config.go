package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Knowledge KnowledgeConfig
	Agent     AgentConfig
	Milvus    MilvusConfig
	Redis     RedisConfig
	SQLite    SQLiteConfig
	Jobs      JobsConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
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

type LLMConfig struct {
	Provider            string
	BaseURL             string
	Model               string
	APIKey              string
	Temperature         float32
	MaxTokens           int
	TimeoutSec          int
	MaxAttempts         int
	EmbeddingModel      string
	EmbeddingDim        int
	EmbeddingTimeoutSec int
	EmbeddingBatchSize  int
}

type KnowledgeConfig struct {
	Path         string
	ProjectRoot  string
	MediaMarker  string
	MediaDir     string
	IndexBackend string
	Watch        bool
	SwapGraceSec int
}

type AgentConfig struct {
	MaxIterations  int
	ToolTimeoutSec int
}

type MilvusConfig struct {
	Endpoint         string
	APIKey           string
	CollectionPrefix string
}

type RedisConfig struct {
	Enabled           bool
	Host              string
	Port              int
	Password          string
	DB                int
	EmbeddingTTLHours int
}

type SQLiteConfig struct {
	Path string
}

type JobsConfig struct {
	OutputDir        string
	UploadDir        string
	HealthCheckSpec  string
	HealthTimeoutSec int
	Video            ServiceConfig
	Song             ServiceConfig
	Avatar           ServiceConfig
}

type ServiceConfig struct {
	URL                string
	SubmitTimeoutSec   int
	DownloadTimeoutSec int
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c LLMConfig) EmbeddingTimeout() time.Duration {
	return time.Duration(c.EmbeddingTimeoutSec) * time.Second
}

func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

func (c KnowledgeConfig) SwapGrace() time.Duration {
	return time.Duration(c.SwapGraceSec) * time.Second
}

// Load reads config.yaml from the standard search path, or from file when
// it is non-empty, and overlays MAESTRO_* environment variables.
func Load(file string) (*Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/maestro")
	}

	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// bindLegacyEnv keeps the variable names the inference services and the
// DashScope tooling already export.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"llm.apiKey":      {"MAESTRO_LLM_APIKEY", "OPENAI_API_KEY", "DASHSCOPE_API_KEY"},
		"jobs.video.url":  {"MAESTRO_JOBS_VIDEO_URL", "LONGCAT_API_URL"},
		"jobs.song.url":   {"MAESTRO_JOBS_SONG_URL", "SONG_API_URL"},
		"jobs.avatar.url": {"MAESTRO_JOBS_AVATAR_URL", "AVATAR_API_URL"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7860)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 1800)
	v.SetDefault("server.bodyLimit", 200*1024*1024)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.development", false)

	v.SetDefault("llm.provider", "dashscope")
	v.SetDefault("llm.baseURL", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("llm.model", "qwen-max")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.maxAttempts", 2)
	v.SetDefault("llm.embeddingModel", "text-embedding-v1")
	v.SetDefault("llm.embeddingDim", 1536)
	v.SetDefault("llm.embeddingTimeoutSec", 15)
	v.SetDefault("llm.embeddingBatchSize", 10)

	v.SetDefault("knowledge.path", "./data/knowledge_base.json")
	v.SetDefault("knowledge.projectRoot", ".")
	v.SetDefault("knowledge.mediaMarker", "/file=")
	v.SetDefault("knowledge.mediaDir", "./data/media")
	v.SetDefault("knowledge.indexBackend", "memory")
	v.SetDefault("knowledge.watch", false)
	v.SetDefault("knowledge.swapGraceSec", 30)

	v.SetDefault("agent.maxIterations", 4)
	v.SetDefault("agent.toolTimeoutSec", 20)

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.apiKey", "")
	v.SetDefault("milvus.collectionPrefix", "maestro_kb")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLHours", 24*7)

	v.SetDefault("sqlite.path", "./data/maestro.db")

	v.SetDefault("jobs.outputDir", "./outputs")
	v.SetDefault("jobs.uploadDir", "./outputs/uploads")
	v.SetDefault("jobs.healthCheckSpec", "@every 1m")
	v.SetDefault("jobs.healthTimeoutSec", 5)
	v.SetDefault("jobs.video.url", "http://localhost:8001")
	v.SetDefault("jobs.video.submitTimeoutSec", 1200)
	v.SetDefault("jobs.video.downloadTimeoutSec", 120)
	v.SetDefault("jobs.song.url", "http://localhost:8002")
	v.SetDefault("jobs.song.submitTimeoutSec", 600)
	v.SetDefault("jobs.song.downloadTimeoutSec", 60)
	v.SetDefault("jobs.avatar.url", "http://localhost:8003")
	v.SetDefault("jobs.avatar.submitTimeoutSec", 1800)
	v.SetDefault("jobs.avatar.downloadTimeoutSec", 120)

	v.SetDefault("rateLimit.requestsPerMinute", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
