package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	ARI       ARIConfig       `mapstructure:"ari"`
	Dial      DialConfig      `mapstructure:"dial"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Breaker   BreakerConfig   `mapstructure:"circuit_breaker"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// DatabaseConfig holds SQL store configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Disabled        bool          `mapstructure:"disabled"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// RedisConfig holds KV store configuration
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ARIConfig holds PBX controller endpoint and credentials
type ARIConfig struct {
	HTTPURL        string        `mapstructure:"http_url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	App            string        `mapstructure:"app"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PoolTimeout    time.Duration `mapstructure:"pool_timeout"`
	MaxKeepalive   int           `mapstructure:"max_keepalive"`
	MaxConnections int           `mapstructure:"max_connections"`
}

// DialConfig holds fallback routing for originations
type DialConfig struct {
	Context   string `mapstructure:"context"`
	Extension string `mapstructure:"extension"`
	Priority  int    `mapstructure:"priority"`
	Timeout   int    `mapstructure:"timeout"`
	CallerID  string `mapstructure:"caller_id"`
}

// JWTConfig holds token service configuration
type JWTConfig struct {
	SecretKey           string `mapstructure:"secret_key"`
	Algorithm           string `mapstructure:"algorithm"`
	AccessExpireMinutes int    `mapstructure:"access_expire_minutes"`
	RefreshExpireDays   int    `mapstructure:"refresh_expire_days"`
	Issuer              string `mapstructure:"issuer"`
	Audience            string `mapstructure:"audience"`
}

// RateLimitConfig holds sliding-window and brute-force settings
type RateLimitConfig struct {
	Requests          int `mapstructure:"requests"`
	WindowSeconds     int `mapstructure:"window"`
	TokenRequests     int `mapstructure:"token_requests"`
	MaxFailedLogins   int `mapstructure:"max_failed_logins"`
	LockoutDurationS  int `mapstructure:"lockout_duration"`
	FailedLoginTTLS   int `mapstructure:"failed_login_ttl"`
}

// BreakerConfig holds circuit breaker settings for PBX operations. The
// timeout arrives as whole seconds from the environment.
type BreakerConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	FailThreshold  int  `mapstructure:"fail_threshold"`
	TimeoutSeconds int  `mapstructure:"timeout"`
}

// APIConfig holds the HTTP listener configuration
type APIConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string                 `mapstructure:"level"`
	Format string                 `mapstructure:"format"`
	Output string                 `mapstructure:"output"`
	File   FileLogConfig          `mapstructure:"file"`
	Fields map[string]interface{} `mapstructure:"fields"`
}

// FileLogConfig holds file-based logging configuration
type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// envBindings maps the flat deployment environment variables onto the
// nested configuration keys.
var envBindings = map[string]string{
	"database.url":                  "DATABASE_URL",
	"database.disabled":             "DISABLE_DB",
	"redis.url":                     "REDIS_URL",
	"ari.http_url":                  "ARI_HTTP_URL",
	"ari.username":                  "ARI_USERNAME",
	"ari.password":                  "ARI_PASSWORD",
	"ari.app":                       "ARI_APP",
	"dial.context":                  "DEFAULT_CONTEXT",
	"dial.extension":                "DEFAULT_EXTENSION",
	"dial.priority":                 "DEFAULT_PRIORITY",
	"dial.timeout":                  "DEFAULT_TIMEOUT",
	"dial.caller_id":                "DEFAULT_CALLER_ID",
	"jwt.secret_key":                "SECRET_KEY",
	"jwt.algorithm":                 "ALGORITHM",
	"jwt.access_expire_minutes":     "ACCESS_TOKEN_EXPIRE_MINUTES",
	"jwt.refresh_expire_days":       "REFRESH_TOKEN_EXPIRE_DAYS",
	"jwt.issuer":                    "JWT_ISSUER",
	"jwt.audience":                  "JWT_AUDIENCE",
	"rate_limit.requests":           "RATE_LIMIT_REQUESTS",
	"rate_limit.window":             "RATE_LIMIT_WINDOW",
	"rate_limit.max_failed_logins":  "MAX_FAILED_LOGIN_ATTEMPTS",
	"rate_limit.lockout_duration":   "LOGIN_LOCKOUT_DURATION",
	"circuit_breaker.enabled":       "CIRCUIT_BREAKER_ENABLED",
	"circuit_breaker.fail_threshold": "CIRCUIT_BREAKER_FAIL_THRESHOLD",
	"circuit_breaker.timeout":       "CIRCUIT_BREAKER_TIMEOUT",
	"api.allowed_origins":           "ALLOWED_ORIGINS",
	"app.debug":                     "DEBUG",
}

// Load loads configuration from file and environment
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/outdial-orchestrator")
		v.AddConfigPath(".")
	}

	// Environment variable support: nested keys plus flat deployment names
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// ALLOWED_ORIGINS arrives comma-separated from the environment
	if len(config.API.AllowedOrigins) == 1 && strings.Contains(config.API.AllowedOrigins[0], ",") {
		config.API.AllowedOrigins = splitAndTrim(config.API.AllowedOrigins[0])
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "outdial-orchestrator")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", false)

	// Database defaults
	v.SetDefault("database.url", "orchestrator:orchestrator@tcp(localhost:3306)/outdial")
	v.SetDefault("database.disabled", false)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.retry_attempts", 3)
	v.SetDefault("database.retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "5s")
	v.SetDefault("redis.write_timeout", "5s")

	// ARI defaults
	v.SetDefault("ari.http_url", "http://localhost:8088/ari")
	v.SetDefault("ari.username", "ariuser")
	v.SetDefault("ari.password", "aripass")
	v.SetDefault("ari.app", "outdial")
	v.SetDefault("ari.connect_timeout", "5s")
	v.SetDefault("ari.read_timeout", "15s")
	v.SetDefault("ari.write_timeout", "10s")
	v.SetDefault("ari.pool_timeout", "5s")
	v.SetDefault("ari.max_keepalive", 20)
	v.SetDefault("ari.max_connections", 50)

	// Dial defaults
	v.SetDefault("dial.context", "outbound-ivr")
	v.SetDefault("dial.extension", "s")
	v.SetDefault("dial.priority", 1)
	v.SetDefault("dial.timeout", 30000)
	v.SetDefault("dial.caller_id", "Outbound Call")

	// JWT defaults
	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.access_expire_minutes", 30)
	v.SetDefault("jwt.refresh_expire_days", 7)

	// Rate limit defaults
	v.SetDefault("rate_limit.requests", 30)
	v.SetDefault("rate_limit.window", 60)
	v.SetDefault("rate_limit.token_requests", 5)
	v.SetDefault("rate_limit.max_failed_logins", 5)
	v.SetDefault("rate_limit.lockout_duration", 900)
	v.SetDefault("rate_limit.failed_login_ttl", 3600)

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.fail_threshold", 5)
	v.SetDefault("circuit_breaker.timeout", 60)

	// API defaults
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.shutdown_timeout", "30s")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.metrics_enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

var weakSecretPatterns = []string{
	"password", "123456", "admin", "test", "secret", "change", "your-secret", "CHANGE_ME",
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !c.Database.Disabled && c.Database.URL == "" {
		return fmt.Errorf("database URL is required unless DISABLE_DB is set")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.ARI.HTTPURL == "" {
		return fmt.Errorf("ARI HTTP URL is required")
	}
	if c.ARI.App == "" {
		return fmt.Errorf("ARI application name is required")
	}

	if err := c.validateSecret(); err != nil {
		return err
	}

	if c.JWT.AccessExpireMinutes <= 0 {
		return fmt.Errorf("access token expiry must be positive")
	}
	if c.JWT.RefreshExpireDays <= 0 {
		return fmt.Errorf("refresh token expiry must be positive")
	}

	if c.RateLimit.Requests <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate limit requests and window must be positive")
	}

	if c.Breaker.Enabled {
		if c.Breaker.FailThreshold <= 0 {
			return fmt.Errorf("circuit breaker fail threshold must be positive")
		}
		if c.Breaker.TimeoutSeconds <= 0 {
			return fmt.Errorf("circuit breaker timeout must be positive")
		}
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}

	// Wildcard CORS is a debug-only convenience
	if !c.App.Debug {
		for _, origin := range c.API.AllowedOrigins {
			if origin == "*" {
				return fmt.Errorf("wildcard CORS origin not allowed outside debug mode")
			}
		}
	}

	return nil
}

// validateSecret enforces minimum secret strength outside debug mode
func (c *Config) validateSecret() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}

	if c.App.Debug {
		return nil
	}

	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("SECRET_KEY must be at least 32 characters")
	}

	lowered := strings.ToLower(c.JWT.SecretKey)
	for _, pattern := range weakSecretPatterns {
		if strings.Contains(lowered, strings.ToLower(pattern)) {
			return fmt.Errorf("SECRET_KEY contains weak pattern %q", pattern)
		}
	}

	distinct := make(map[rune]struct{})
	for _, r := range c.JWT.SecretKey {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 16 {
		return fmt.Errorf("SECRET_KEY too repetitive, use a random value")
	}

	return nil
}

// GetListenAddr returns the API listen address
func (c *APIConfig) GetListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// IsDebug returns true if debug mode is enabled
func (c *AppConfig) IsDebug() bool {
	return c.Debug
}
