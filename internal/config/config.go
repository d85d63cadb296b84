package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Zitadel      ZitadelConfig
	Gateway      GatewayConfig
	RateLimit    RateLimitConfig
	Groq         GroqConfig
	R2           R2Config
	Suno         SunoConfig
	Mureka       MurekaConfig
	TestProvider TestProviderConfig
	Generation   GenerationConfig
	Dispatch     DispatchConfig
	Reaper       ReaperConfig
	Callback     CallbackConfig
	Events       EventsConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type DatabaseConfig struct {
	Driver       string // postgres | sqlite
	DSN          string
	MaxOpenConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	GeneratePerHour int
	PipelinePerHour int
}

type GroqConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type SunoConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxPolls     int
}

type MurekaConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxPolls     int
}

type TestProviderConfig struct {
	Enabled  bool
	Delay    time.Duration
	MaxPolls int
}

// GenerationConfig holds the submit/poll budgets shared by every provider.
type GenerationConfig struct {
	DefaultProvider string
	PollInterval    time.Duration
	SubmitAttempts  int
	SubmitRetryBase time.Duration
	RefineWithLLM   bool
}

type DispatchConfig struct {
	Mode        string // local | queue
	Concurrency int
}

type ReaperConfig struct {
	StaleAfter time.Duration
	Interval   time.Duration
}

type CallbackConfig struct {
	BaseURL string
	Token   string
}

type EventsConfig struct {
	Channel string
}

func Load() (*Config, error) {
	// .env is optional; real env vars win.
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("DATABASE_DSN")
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("GROQ_API_KEY")
	readSecret("SUNO_API_KEY")
	readSecret("MUREKA_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")
	readSecret("CALLBACK_TOKEN")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN")
	_ = v.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = v.BindEnv("ratelimit.pipeline_per_hour", "RATELIMIT_PIPELINE_PER_HOUR")
	_ = v.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = v.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = v.BindEnv("groq.model", "GROQ_MODEL")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("suno.api_key", "SUNO_API_KEY")
	_ = v.BindEnv("suno.base_url", "SUNO_BASE_URL")
	_ = v.BindEnv("suno.default_model", "SUNO_DEFAULT_MODEL")
	_ = v.BindEnv("suno.max_polls", "SUNO_MAX_POLLS")
	_ = v.BindEnv("mureka.api_key", "MUREKA_API_KEY")
	_ = v.BindEnv("mureka.base_url", "MUREKA_BASE_URL")
	_ = v.BindEnv("mureka.default_model", "MUREKA_DEFAULT_MODEL")
	_ = v.BindEnv("mureka.max_polls", "MUREKA_MAX_POLLS")
	_ = v.BindEnv("testprovider.enabled", "TEST_PROVIDER_ENABLED")
	_ = v.BindEnv("testprovider.delay", "TEST_PROVIDER_DELAY")
	_ = v.BindEnv("testprovider.max_polls", "TEST_PROVIDER_MAX_POLLS")
	_ = v.BindEnv("generation.default_provider", "GENERATION_DEFAULT_PROVIDER")
	_ = v.BindEnv("generation.poll_interval", "GENERATION_POLL_INTERVAL")
	_ = v.BindEnv("generation.submit_attempts", "GENERATION_SUBMIT_ATTEMPTS")
	_ = v.BindEnv("generation.submit_retry_base", "GENERATION_SUBMIT_RETRY_BASE")
	_ = v.BindEnv("generation.refine_with_llm", "GENERATION_REFINE_WITH_LLM")
	_ = v.BindEnv("dispatch.mode", "DISPATCH_MODE")
	_ = v.BindEnv("dispatch.concurrency", "DISPATCH_CONCURRENCY")
	_ = v.BindEnv("reaper.stale_after", "REAPER_STALE_AFTER")
	_ = v.BindEnv("reaper.interval", "REAPER_INTERVAL")
	_ = v.BindEnv("callback.base_url", "CALLBACK_BASE_URL")
	_ = v.BindEnv("callback.token", "CALLBACK_TOKEN")
	_ = v.BindEnv("events.channel", "EVENTS_CHANNEL")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:songforge.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.generate_per_hour", 20)
	v.SetDefault("ratelimit.pipeline_per_hour", 10)

	// Groq defaults
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")

	// Provider defaults
	v.SetDefault("suno.base_url", "https://api.sunoapi.org")
	v.SetDefault("suno.default_model", "V4_5")
	v.SetDefault("suno.max_polls", 120)
	v.SetDefault("mureka.base_url", "https://api.mureka.ai")
	v.SetDefault("mureka.default_model", "auto")
	v.SetDefault("mureka.max_polls", 60)
	v.SetDefault("testprovider.enabled", true)
	v.SetDefault("testprovider.delay", "3s")
	v.SetDefault("testprovider.max_polls", 60)

	v.SetDefault("generation.default_provider", "suno")
	v.SetDefault("generation.poll_interval", "5s")
	v.SetDefault("generation.submit_attempts", 3)
	v.SetDefault("generation.submit_retry_base", "1s")
	v.SetDefault("generation.refine_with_llm", true)

	v.SetDefault("dispatch.mode", "local")
	v.SetDefault("dispatch.concurrency", 10)

	v.SetDefault("reaper.stale_after", "15m")
	v.SetDefault("reaper.interval", "1m")

	v.SetDefault("events.channel", "songforge:events")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Database: DatabaseConfig{
			Driver:       v.GetString("database.driver"),
			DSN:          v.GetString("database.dsn"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
			PipelinePerHour: v.GetInt("ratelimit.pipeline_per_hour"),
		},
		Groq: GroqConfig{
			APIKey:  v.GetString("groq.api_key"),
			BaseURL: v.GetString("groq.base_url"),
			Model:   v.GetString("groq.model"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Suno: SunoConfig{
			APIKey:       v.GetString("suno.api_key"),
			BaseURL:      v.GetString("suno.base_url"),
			DefaultModel: v.GetString("suno.default_model"),
			MaxPolls:     v.GetInt("suno.max_polls"),
		},
		Mureka: MurekaConfig{
			APIKey:       v.GetString("mureka.api_key"),
			BaseURL:      v.GetString("mureka.base_url"),
			DefaultModel: v.GetString("mureka.default_model"),
			MaxPolls:     v.GetInt("mureka.max_polls"),
		},
		TestProvider: TestProviderConfig{
			Enabled:  v.GetBool("testprovider.enabled"),
			Delay:    v.GetDuration("testprovider.delay"),
			MaxPolls: v.GetInt("testprovider.max_polls"),
		},
		Generation: GenerationConfig{
			DefaultProvider: v.GetString("generation.default_provider"),
			PollInterval:    v.GetDuration("generation.poll_interval"),
			SubmitAttempts:  v.GetInt("generation.submit_attempts"),
			SubmitRetryBase: v.GetDuration("generation.submit_retry_base"),
			RefineWithLLM:   v.GetBool("generation.refine_with_llm"),
		},
		Dispatch: DispatchConfig{
			Mode:        strings.ToLower(v.GetString("dispatch.mode")),
			Concurrency: v.GetInt("dispatch.concurrency"),
		},
		Reaper: ReaperConfig{
			StaleAfter: v.GetDuration("reaper.stale_after"),
			Interval:   v.GetDuration("reaper.interval"),
		},
		Callback: CallbackConfig{
			BaseURL: v.GetString("callback.base_url"),
			Token:   v.GetString("callback.token"),
		},
		Events: EventsConfig{
			Channel: v.GetString("events.channel"),
		},
	}

	return cfg, nil
}
