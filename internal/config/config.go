package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	DBAutoMigrate   bool          `mapstructure:"DB_AUTO_MIGRATE"`
	MigrationsDir   string        `mapstructure:"MIGRATIONS_DIR"`
	LLMProvider     string        `mapstructure:"LLM_PROVIDER"`
	OpenAIAPIKey    string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel     string        `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL   string        `mapstructure:"OPENAI_BASE_URL"`
	OllamaURL       string        `mapstructure:"OLLAMA_URL"`
	OllamaModel     string        `mapstructure:"OLLAMA_MODEL"`
	LLMTimeout      time.Duration `mapstructure:"LLM_TIMEOUT"`
	LLMRateLimitRPS float64       `mapstructure:"LLM_RATE_LIMIT_RPS"`
	LLMRateBurst    int           `mapstructure:"LLM_RATE_LIMIT_BURST"`
	PromptLocale    string        `mapstructure:"PROMPT_LOCALE"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	TaskTTL         time.Duration `mapstructure:"TASK_TTL"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL     string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	MetricsEnabled  bool          `mapstructure:"METRICS_ENABLED"`
	OTelEnabled     bool          `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool          `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelSampleRatio float64       `mapstructure:"OTEL_SAMPLER_RATIO"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_AUTO_MIGRATE", "MIGRATIONS_DIR",
	"LLM_PROVIDER", "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL",
	"OLLAMA_URL", "OLLAMA_MODEL", "LLM_TIMEOUT", "LLM_RATE_LIMIT_RPS", "LLM_RATE_LIMIT_BURST",
	"PROMPT_LOCALE", "REDIS_URL", "TASK_TTL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"METRICS_ENABLED", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
	"OTEL_SAMPLER_RATIO",
}

// Load reads configuration from the environment, falling back to a .env file
// in the working directory. The returned value is built once per process and
// passed to every component that needs it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_AUTO_MIGRATE", false)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("OPENAI_MODEL", "gpt-4.1-mini")
	v.SetDefault("OLLAMA_URL", "http://localhost:11434")
	v.SetDefault("OLLAMA_MODEL", "llama3.1")
	v.SetDefault("LLM_TIMEOUT", "60s")
	v.SetDefault("LLM_RATE_LIMIT_RPS", 0)
	v.SetDefault("LLM_RATE_LIMIT_BURST", 1)
	v.SetDefault("PROMPT_LOCALE", "es")
	v.SetDefault("TASK_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SAMPLER_RATIO", 0.1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); all requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is consistent enough to start.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER is \"openai\"")
		}
		if c.OpenAIModel == "" {
			return fmt.Errorf("OPENAI_MODEL must not be empty")
		}
	case "ollama":
		if c.OllamaURL == "" || c.OllamaModel == "" {
			return fmt.Errorf("OLLAMA_URL and OLLAMA_MODEL are required when LLM_PROVIDER is \"ollama\"")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be \"openai\" or \"ollama\", got %q", c.LLMProvider)
	}

	if c.PromptLocale != "es" && c.PromptLocale != "en" {
		return fmt.Errorf("PROMPT_LOCALE must be \"es\" or \"en\", got %q", c.PromptLocale)
	}

	if c.LLMTimeout < 0 {
		return fmt.Errorf("LLM_TIMEOUT must not be negative")
	}
	if c.LLMRateLimitRPS < 0 {
		return fmt.Errorf("LLM_RATE_LIMIT_RPS must not be negative")
	}

	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLER_RATIO must be between 0 and 1, got %g", c.OTelSampleRatio)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}

	return nil
}
