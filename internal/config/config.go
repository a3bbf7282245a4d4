package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP       HTTPConfig
	Redis      RedisConfig
	Gemini     GeminiConfig
	Chroma     ChromaConfig
	Scraper    ScraperConfig
	Cache      CacheConfig
	Engine     EngineConfig
	Checkpoint CheckpointConfig
	Log        LogConfig

	RoutingFile     string
	AuthoritiesFile string
	NarratorsFile   string
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	StreamsURL   string
	MemoryURL    string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

type GeminiConfig struct {
	Provider       string
	APIKey         string
	EconomyModel   string
	StandardModel  string
	PremiumModel   string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	// USD per 1k tokens, indexed economy/standard/premium.
	EconomyPrice  float64
	StandardPrice float64
	PremiumPrice  float64
}

type ChromaConfig struct {
	URL        string
	Collection string
	Timeout    time.Duration
}

type ScraperConfig struct {
	UserAgent      string
	Parallelism    int
	Delay          time.Duration
	RequestTimeout time.Duration
	SearchURL      string
	ReferenceURL   string
}

// CacheConfig holds the TTL of every cache class.
type CacheConfig struct {
	Backend        string
	ResponseTTL    time.Duration
	EmbeddingTTL   time.Duration
	RetrievalTTL   time.Duration
	ToolResultTTL  time.Duration
	PolicyCheckTTL time.Duration
	WebSearchTTL   time.Duration
}

type EngineConfig struct {
	MaxHops            int
	StageTimeout       time.Duration
	ToolTimeout        time.Duration
	ToolRetries        int
	RetrievalK         int
	PassagesPerAnswer  int
	MaxConcurrentTurns int
	ShutdownTimeout    time.Duration
}

type CheckpointConfig struct {
	Backend    string
	SQLitePath string
	TTL        time.Duration
}

type LogConfig struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from the environment, after loading an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	intVal := func(key string, fallback int) int {
		v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", key, err))
			return fallback
		}
		return v
	}
	floatVal := func(key string, fallback float64) float64 {
		v, err := strconv.ParseFloat(getEnv(key, strconv.FormatFloat(fallback, 'f', -1, 64)), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", key, err))
			return fallback
		}
		return v
	}
	durVal := func(key string, fallback time.Duration) time.Duration {
		v, err := time.ParseDuration(getEnv(key, fallback.String()))
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing %s: %w", key, err))
			return fallback
		}
		return v
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         intVal("PORT", 8080),
			ReadTimeout:  durVal("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: durVal("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  durVal("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			StreamsURL:   getEnv("REDIS_STREAMS_URL", "redis://localhost:6379/0"),
			MemoryURL:    getEnv("REDIS_MEMORY_URL", "redis://localhost:6379/1"),
			PoolSize:     intVal("REDIS_POOL_SIZE", 20),
			ReadTimeout:  durVal("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: durVal("REDIS_WRITE_TIMEOUT", 3*time.Second),
			DialTimeout:  durVal("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		Gemini: GeminiConfig{
			Provider:       getEnv("MODEL_PROVIDER", "gemini"),
			APIKey:         os.Getenv("GEMINI_API_KEY"),
			EconomyModel:   getEnv("GEMINI_ECONOMY_MODEL", "gemini-2.0-flash-lite"),
			StandardModel:  getEnv("GEMINI_STANDARD_MODEL", "gemini-2.5-flash"),
			PremiumModel:   getEnv("GEMINI_PREMIUM_MODEL", "gemini-2.5-pro"),
			EmbeddingModel: getEnv("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),
			MaxTokens:      intVal("GEMINI_MAX_TOKENS", 2048),
			Temperature:    floatVal("GEMINI_TEMPERATURE", 0.3),
			Timeout:        durVal("GEMINI_TIMEOUT", 30*time.Second),
			MaxRetries:     intVal("GEMINI_MAX_RETRIES", 2),
			RetryDelay:     durVal("GEMINI_RETRY_DELAY", 500*time.Millisecond),
			EconomyPrice:   floatVal("PRICE_ECONOMY_PER_1K", 0.0001),
			StandardPrice:  floatVal("PRICE_STANDARD_PER_1K", 0.0006),
			PremiumPrice:   floatVal("PRICE_PREMIUM_PER_1K", 0.005),
		},
		Chroma: ChromaConfig{
			URL:        getEnv("CHROMA_DB_URL", "http://localhost:8000"),
			Collection: getEnv("CHROMA_COLLECTION", "passages"),
			Timeout:    durVal("CHROMA_TIMEOUT", 10*time.Second),
		},
		Scraper: ScraperConfig{
			UserAgent:      getEnv("SCRAPER_USER_AGENT", "Mizan-QA-Engine/1.0"),
			Parallelism:    intVal("SCRAPER_PARALLELISM", 2),
			Delay:          durVal("SCRAPER_DELAY", time.Second),
			RequestTimeout: durVal("SCRAPER_REQUEST_TIMEOUT", 20*time.Second),
			SearchURL:      getEnv("WEB_SEARCH_URL", "https://html.duckduckgo.com/html/?q=%s"),
			ReferenceURL:   getEnv("REFERENCE_API_URL", "http://localhost:8090"),
		},
		Cache: CacheConfig{
			Backend:        getEnv("CACHE_BACKEND", "redis"),
			ResponseTTL:    durVal("CACHE_RESPONSE_TTL", time.Hour),
			EmbeddingTTL:   durVal("CACHE_EMBEDDING_TTL", 7*24*time.Hour),
			RetrievalTTL:   durVal("CACHE_RETRIEVAL_TTL", 6*time.Hour),
			ToolResultTTL:  durVal("CACHE_TOOL_RESULT_TTL", 12*time.Hour),
			PolicyCheckTTL: durVal("CACHE_POLICY_CHECK_TTL", time.Hour),
			WebSearchTTL:   durVal("CACHE_WEB_SEARCH_TTL", 30*time.Minute),
		},
		Engine: EngineConfig{
			MaxHops:            intVal("MAX_HOPS", 5),
			StageTimeout:       durVal("STAGE_TIMEOUT", 45*time.Second),
			ToolTimeout:        durVal("TOOL_TIMEOUT", 15*time.Second),
			ToolRetries:        intVal("TOOL_RETRIES", 2),
			RetrievalK:         intVal("RETRIEVAL_K", 20),
			PassagesPerAnswer:  intVal("PASSAGES_PER_ANSWER", 6),
			MaxConcurrentTurns: intVal("MAX_CONCURRENT_TURNS", 64),
			ShutdownTimeout:    durVal("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Checkpoint: CheckpointConfig{
			Backend:    getEnv("CHECKPOINT_BACKEND", "redis"),
			SQLitePath: getEnv("CHECKPOINT_SQLITE_PATH", "checkpoints.db"),
			TTL:        durVal("CHECKPOINT_TTL", 24*time.Hour),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/mizan.log"),
			MaxSizeMB:  intVal("LOG_MAX_SIZE_MB", 100),
			MaxBackups: intVal("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: intVal("LOG_MAX_AGE_DAYS", 14),
		},
		RoutingFile:     os.Getenv("ROUTING_FILE"),
		AuthoritiesFile: os.Getenv("AUTHORITIES_FILE"),
		NarratorsFile:   os.Getenv("NARRATORS_FILE"),
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Gemini.Provider == "gemini" && cfg.Gemini.APIKey == "" {
		return errors.New("GEMINI_API_KEY is required when MODEL_PROVIDER=gemini")
	}
	if cfg.Engine.MaxHops < 1 {
		return fmt.Errorf("MAX_HOPS must be at least 1, got %d", cfg.Engine.MaxHops)
	}
	if cfg.Engine.ToolRetries < 0 {
		return fmt.Errorf("TOOL_RETRIES must not be negative, got %d", cfg.Engine.ToolRetries)
	}
	switch cfg.Checkpoint.Backend {
	case "redis", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown CHECKPOINT_BACKEND %q", cfg.Checkpoint.Backend)
	}
	switch cfg.Cache.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", cfg.Cache.Backend)
	}
	return nil
}

func (cfg *Config) IsProduction() bool {
	return strings.EqualFold(cfg.Environment, "production")
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
