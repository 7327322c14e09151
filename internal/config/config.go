package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/deep-research/internal/db"
	"github.com/Kocoro-lab/deep-research/internal/ratecontrol"
	"github.com/Kocoro-lab/deep-research/internal/tracing"
)

// DefaultPath is used when neither an explicit path nor CONFIG_PATH is set.
const DefaultPath = "./config/research.yaml"

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	AdminPort       int           `mapstructure:"admin_port"`
	GRPCHealthPort  int           `mapstructure:"grpc_health_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type AdmissionConfig struct {
	Capacity int `mapstructure:"capacity"`
	MaxQueue int `mapstructure:"max_queue"`
}

type LLMConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
}

type SearchConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Endpoint    string        `mapstructure:"endpoint"`
	MaxResults  int           `mapstructure:"max_results"`
	SearchDepth string        `mapstructure:"search_depth"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	Backend string `mapstructure:"backend"` // local | redis
	Prefix  string `mapstructure:"prefix"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type EventsConfig struct {
	History     int           `mapstructure:"history"`
	RedisMirror bool          `mapstructure:"redis_mirror"`
	MirrorLen   int64         `mapstructure:"mirror_len"`
	MirrorTTL   time.Duration `mapstructure:"mirror_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type AuthConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	APIKeyHash string `mapstructure:"api_key_hash"`
}

type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	Mode       string `mapstructure:"mode"` // off | dry-run | enforce
	FailClosed bool   `mapstructure:"fail_closed"`
}

type PromptsConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig                     `mapstructure:"server"`
	Admission  AdmissionConfig                  `mapstructure:"admission"`
	LLM        LLMConfig                        `mapstructure:"llm"`
	Search     SearchConfig                     `mapstructure:"search"`
	Cache      CacheConfig                      `mapstructure:"cache"`
	Redis      RedisConfig                      `mapstructure:"redis"`
	Database   db.Config                        `mapstructure:"database"`
	Events     EventsConfig                     `mapstructure:"events"`
	Logging    LoggingConfig                    `mapstructure:"logging"`
	Tracing    tracing.Config                   `mapstructure:"tracing"`
	Auth       AuthConfig                       `mapstructure:"auth"`
	Policy     PolicyConfig                     `mapstructure:"policy"`
	Prompts    PromptsConfig                    `mapstructure:"prompts"`
	RateLimits map[string]ratecontrol.RateLimit `mapstructure:"rate_limits"`
	// Path is the file the configuration was read from, empty if none.
	Path string `mapstructure:"-"`
}

var envBindings = map[string]string{
	"server.http_port":        "HTTP_PORT",
	"server.admin_port":       "ADMIN_PORT",
	"server.grpc_health_port": "GRPC_HEALTH_PORT",
	"admission.capacity":      "ADMISSION_CAPACITY",
	"admission.max_queue":     "ADMISSION_MAX_QUEUE",
	"llm.api_key":             "OPENAI_API_KEY",
	"llm.model":               "OPENAI_MODEL_NAME",
	"llm.base_url":            "OPENAI_API_BASE",
	"search.api_key":          "TAVILY_API_KEY",
	"cache.backend":           "SEARCH_CACHE_BACKEND",
	"redis.url":               "REDIS_URL",
	"database.dsn":            "DATABASE_URL",
	"database.driver":         "DATABASE_DRIVER",
	"logging.level":           "LOG_LEVEL",
	"logging.format":          "LOG_FORMAT",
	"tracing.enabled":         "OTEL_ENABLED",
	"tracing.otlp_endpoint":   "OTEL_EXPORTER_OTLP_ENDPOINT",
	"auth.enabled":            "AUTH_ENABLED",
	"auth.jwt_secret":         "JWT_SECRET",
	"auth.api_key_hash":       "ADMIN_API_KEY_HASH",
	"policy.path":             "POLICY_PATH",
	"policy.mode":             "POLICY_MODE",
	"policy.fail_closed":      "POLICY_FAIL_CLOSED",
	"prompts.path":            "PROMPTS_PATH",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.admin_port", 2112)
	v.SetDefault("server.grpc_health_port", 0)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})

	v.SetDefault("admission.capacity", 2)
	v.SetDefault("admission.max_queue", 0)

	v.SetDefault("llm.model", "gpt-4-turbo-preview")
	v.SetDefault("llm.temperature", 0.0)

	v.SetDefault("search.endpoint", "https://api.tavily.com/search")
	v.SetDefault("search.max_results", 3)
	v.SetDefault("search.search_depth", "advanced")
	v.SetDefault("search.timeout", 30*time.Second)

	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.prefix", "research:search")

	v.SetDefault("database.driver", db.DriverSQLite)
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.idle_connections", 2)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("events.history", 512)
	v.SetDefault("events.redis_mirror", false)
	v.SetDefault("events.mirror_len", 1000)
	v.SetDefault("events.mirror_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "deep-research")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("policy.mode", "off")
	v.SetDefault("policy.fail_closed", false)
}

// ResolvePath picks the config file path: explicit argument, then
// CONFIG_PATH, then DefaultPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML file at path (optional), overlays environment
// variables and validates the result.
func Load(path string) (*Config, error) {
	path = ResolvePath(path)

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	loadedFrom := ""
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		loadedFrom = path
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Path = loadedFrom
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Policy.Mode = strings.ToLower(strings.TrimSpace(cfg.Policy.Mode))
	if cfg.Policy.Path != "" && cfg.Policy.Mode != "off" {
		cfg.Policy.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Admission.Capacity < 1 {
		errs = append(errs, fmt.Errorf("admission.capacity must be >= 1, got %d", c.Admission.Capacity))
	}
	if c.Admission.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("admission.max_queue must be >= 0, got %d", c.Admission.MaxQueue))
	}
	if c.Search.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("search.max_results must be >= 1, got %d", c.Search.MaxResults))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature out of range: %v", c.LLM.Temperature))
	}
	switch c.Cache.Backend {
	case "local":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("cache.backend=redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	if c.Events.RedisMirror && c.Redis.URL == "" {
		errs = append(errs, errors.New("events.redis_mirror requires redis.url"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	switch c.Policy.Mode {
	case "off", "dry-run", "enforce":
	default:
		errs = append(errs, fmt.Errorf("unknown policy.mode %q", c.Policy.Mode))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && c.Auth.APIKeyHash == "" {
		errs = append(errs, errors.New("auth.enabled requires auth.jwt_secret or auth.api_key_hash"))
	}
	return errors.Join(errs...)
}
