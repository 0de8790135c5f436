package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Cache      CacheConfig
	LLM        LLMConfig
	YouTube    YouTubeConfig
	Search     SearchConfig
	Reddit     RedditConfig
	Transcript TranscriptConfig
	Scoring    ScoringConfig
	Analysis   AnalysisConfig
	Research   ResearchConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	Environment    string
	AllowedOrigins []string
	// TriggerRateLimit caps research triggers per client per minute.
	TriggerRateLimit int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CacheConfig struct {
	// Backend is one of memory, redis or sqlite.
	Backend       string
	PurgeInterval time.Duration
}

type LLMConfig struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type YouTubeConfig struct {
	APIKey          string
	BaseURL         string
	DailyLimit      int64
	SearchCost      int64
	MaxResults      int
	QueryInterval   time.Duration
	CacheTTL        time.Duration
	TimeoutSec      int
	FetchStatistics bool
}

type SearchConfig struct {
	Enabled    bool
	SerpAPIKey string
	BaseURL    string
	MaxResults int
	TimeoutSec int
	Scrape     bool
}

type RedditConfig struct {
	Enabled           bool
	BaseURL           string
	UserAgent         string
	MaxSubreddits     int
	PostsPerSubreddit int
	MaxItems          int
	RequestInterval   time.Duration
	TimeoutSec        int
}

type TranscriptConfig struct {
	BaseURL    string
	Languages  []string
	TimeoutSec int
}

type ScoringConfig struct {
	BatchSize         int
	Threshold         int
	BatchInterval     time.Duration
	FallbackRelevance int
	FallbackStage     int
}

type AnalysisConfig struct {
	CacheTTL        time.Duration
	TranscriptLimit int
	MaxFresh        int
	Interval        time.Duration
}

type ResearchConfig struct {
	StaleAfter    time.Duration
	RunTimeout    time.Duration
	FeedCacheTTL  time.Duration
	FeedLimit     int
	SweepInterval time.Duration
	SweepBatch    int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/corridor-feed")

	return load()
}

// LoadFile reads one explicit config file instead of searching for it.
func LoadFile(path string) (*Config, error) {
	viper.SetConfigFile(path)
	return load()
}

func load() (*Config, error) {
	viper.SetEnvPrefix("CORRIDOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("invalid cache backend %q: want memory, redis or sqlite", c.Cache.Backend)
	}
	if c.Scoring.Threshold < 0 || c.Scoring.Threshold > 100 {
		return fmt.Errorf("scoring threshold must be within 0-100, got %d", c.Scoring.Threshold)
	}
	if c.YouTube.DailyLimit <= 0 {
		return fmt.Errorf("youtube daily limit must be positive, got %d", c.YouTube.DailyLimit)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)
	viper.SetDefault("server.environment", "production")
	viper.SetDefault("server.allowedOrigins", []string{"*"})
	viper.SetDefault("server.triggerRateLimit", 10)

	viper.SetDefault("sqlite.path", "./data/corridor.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("cache.backend", "sqlite")
	viper.SetDefault("cache.purgeInterval", time.Hour)

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.apiKey", "")
	viper.SetDefault("llm.baseURL", "")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)

	viper.SetDefault("youtube.apiKey", "")
	viper.SetDefault("youtube.baseURL", "")
	viper.SetDefault("youtube.dailyLimit", 10000)
	viper.SetDefault("youtube.searchCost", 100)
	viper.SetDefault("youtube.maxResults", 5)
	viper.SetDefault("youtube.queryInterval", 300*time.Millisecond)
	viper.SetDefault("youtube.cacheTTL", 24*time.Hour)
	viper.SetDefault("youtube.timeoutSec", 10)
	viper.SetDefault("youtube.fetchStatistics", true)

	viper.SetDefault("search.enabled", true)
	viper.SetDefault("search.serpAPIKey", "")
	viper.SetDefault("search.baseURL", "")
	viper.SetDefault("search.maxResults", 5)
	viper.SetDefault("search.timeoutSec", 10)
	viper.SetDefault("search.scrape", true)

	viper.SetDefault("reddit.enabled", true)
	viper.SetDefault("reddit.baseURL", "")
	viper.SetDefault("reddit.userAgent", "")
	viper.SetDefault("reddit.maxSubreddits", 5)
	viper.SetDefault("reddit.postsPerSubreddit", 15)
	viper.SetDefault("reddit.maxItems", 40)
	viper.SetDefault("reddit.requestInterval", 300*time.Millisecond)
	viper.SetDefault("reddit.timeoutSec", 10)

	viper.SetDefault("transcript.baseURL", "")
	viper.SetDefault("transcript.languages", []string{"en"})
	viper.SetDefault("transcript.timeoutSec", 15)

	viper.SetDefault("scoring.batchSize", 10)
	viper.SetDefault("scoring.threshold", 50)
	viper.SetDefault("scoring.batchInterval", 500*time.Millisecond)
	viper.SetDefault("scoring.fallbackRelevance", 60)
	viper.SetDefault("scoring.fallbackStage", 50)

	viper.SetDefault("analysis.cacheTTL", 7*24*time.Hour)
	viper.SetDefault("analysis.transcriptLimit", 10000)
	viper.SetDefault("analysis.maxFresh", 5)
	viper.SetDefault("analysis.interval", time.Second)

	viper.SetDefault("research.staleAfter", time.Hour)
	viper.SetDefault("research.runTimeout", 10*time.Minute)
	viper.SetDefault("research.feedCacheTTL", time.Hour)
	viper.SetDefault("research.feedLimit", 50)
	viper.SetDefault("research.sweepInterval", 5*time.Minute)
	viper.SetDefault("research.sweepBatch", 3)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
