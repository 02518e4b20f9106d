package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the candypixel server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AI         AIConfig
	Resilience ResilienceConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// BootstrapAdminKey, when set, is stored as an admin-scoped API key at startup.
	BootstrapAdminKey string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. An empty URL selects the in-process cache.
type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider      string
	SubmitTimeout time.Duration
	StatusTimeout time.Duration
	ModelScope    ModelScopeConfig
}

type ModelScopeConfig struct {
	BaseURL          string
	APIKeys          []string
	GenerationModel  string
	EditModel        string
	StatusMaxRetries int
}

// ResilienceConfig bounds how hard the provider is driven and how long a job may run.
type ResilienceConfig struct {
	GlobalRateLimit    int
	RateLimitWindow    time.Duration
	SharedRateLimit    bool
	FailureThreshold   int
	CircuitWindow      time.Duration
	CircuitCooldown    time.Duration
	MaxAttempts        int
	ProcessingTimeout  time.Duration
	RetryLockTTL       time.Duration
	APIRateLimitPerMin int
	// DailyRequestLimit caps jobs per owner per calendar day. Zero disables the quota.
	DailyRequestLimit int
}

const minBootstrapKeyLen = 24

var validProviders = map[string]bool{
	"modelscope": true,
	"mock":       true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CANDYPIXEL_PORT", 8080),
			Env:  envString("CANDYPIXEL_ENV", "development"),

			BootstrapAdminKey: os.Getenv("CANDYPIXEL_BOOTSTRAP_ADMIN_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:      envString("AI_PROVIDER", "modelscope"),
			SubmitTimeout: envDurationSecs("AI_SUBMIT_TIMEOUT_SECS", 30*time.Second),
			StatusTimeout: envDurationSecs("AI_STATUS_TIMEOUT_SECS", 15*time.Second),
			ModelScope: ModelScopeConfig{
				BaseURL:          envString("MODELSCOPE_BASE_URL", "https://api-inference.modelscope.cn/"),
				APIKeys:          apiKeys(),
				GenerationModel:  envString("MODELSCOPE_GENERATION_MODEL", "Tongyi-MAI/Z-Image-Turbo"),
				EditModel:        envString("MODELSCOPE_EDIT_MODEL", "Qwen/Qwen-Image-Edit-2509"),
				StatusMaxRetries: envInt("AI_STATUS_MAX_RETRIES", 3),
			},
		},
		Resilience: ResilienceConfig{
			GlobalRateLimit:    envInt("AI_GLOBAL_RATE_LIMIT", 60),
			RateLimitWindow:    envDuration("AI_RATE_LIMIT_WINDOW", 60*time.Second),
			SharedRateLimit:    envBool("AI_RATE_LIMIT_SHARED", false),
			FailureThreshold:   envInt("AI_CIRCUIT_FAILURE_THRESHOLD", 5),
			CircuitWindow:      envDuration("AI_CIRCUIT_WINDOW", 60*time.Second),
			CircuitCooldown:    envDuration("AI_CIRCUIT_COOLDOWN", 120*time.Second),
			MaxAttempts:        envInt("AI_MAX_ATTEMPTS", 3),
			ProcessingTimeout:  envDuration("AI_PROCESSING_TIMEOUT", 300*time.Second),
			RetryLockTTL:       envDuration("AI_RETRY_LOCK_TTL", 30*time.Second),
			APIRateLimitPerMin: envInt("API_RATE_LIMIT_PER_MIN", 120),
			DailyRequestLimit:  envInt("DAILY_REQUEST_LIMIT", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of modelscope, mock; got %q", c.AI.Provider)
	}

	base := c.AI.ModelScope.BaseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return fmt.Errorf("MODELSCOPE_BASE_URL must start with http:// or https://, got %q", base)
	}

	if c.AI.SubmitTimeout <= 0 || c.AI.StatusTimeout <= 0 {
		return fmt.Errorf("AI_SUBMIT_TIMEOUT_SECS and AI_STATUS_TIMEOUT_SECS must be positive")
	}

	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("AI_MAX_ATTEMPTS must be at least 1, got %d", c.Resilience.MaxAttempts)
	}
	if c.Resilience.GlobalRateLimit < 1 {
		return fmt.Errorf("AI_GLOBAL_RATE_LIMIT must be at least 1, got %d", c.Resilience.GlobalRateLimit)
	}
	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("AI_CIRCUIT_FAILURE_THRESHOLD must be at least 1, got %d", c.Resilience.FailureThreshold)
	}

	if c.Resilience.DailyRequestLimit < 0 {
		return fmt.Errorf("DAILY_REQUEST_LIMIT must not be negative, got %d", c.Resilience.DailyRequestLimit)
	}

	if k := c.Server.BootstrapAdminKey; k != "" && len(k) < minBootstrapKeyLen {
		return fmt.Errorf("CANDYPIXEL_BOOTSTRAP_ADMIN_KEY must be at least %d characters", minBootstrapKeyLen)
	}

	if c.Resilience.SharedRateLimit && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when AI_RATE_LIMIT_SHARED is enabled")
	}

	return nil
}

// apiKeys reads the provider credentials. The first non-empty variable wins.
func apiKeys() []string {
	for _, key := range []string{"MODELSCOPE_API_KEYS", "ALIYUN_API_KEYS", "DASHSCOPE_API_KEY"} {
		if keys := envList(key); len(keys) > 0 {
			return keys
		}
	}
	return nil
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
