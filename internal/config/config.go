package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is where Load looks when CONFIG_PATH is unset.
const DefaultPath = "config/ravint.yaml"

// Config is the orchestrator's root configuration. Load fills it from
// defaults, then the YAML file, then environment overrides, in that order.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service" yaml:"service"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Agents      AgentsConfig      `mapstructure:"agents" yaml:"agents"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	Breaker     BreakerConfig     `mapstructure:"breaker" yaml:"breaker"`
	Review      ReviewConfig      `mapstructure:"review" yaml:"review"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Postgres    PostgresConfig    `mapstructure:"postgres" yaml:"postgres"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Policy      PolicyConfig      `mapstructure:"policy" yaml:"policy"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	Streaming   StreamingConfig   `mapstructure:"streaming" yaml:"streaming"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
}

// ServiceConfig covers the public HTTP API server.
type ServiceConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AgentsConfig points at the external reasoning service that hosts the
// agent collaborators.
type AgentsConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// AllowedTools maps an agent name to the tools it may invoke. An
	// absent entry means the agent may not use tools at all.
	AllowedTools map[string][]string `mapstructure:"allowed_tools" yaml:"allowed_tools"`
}

// PipelineConfig carries the run-level knobs of the reasoning pipeline.
type PipelineConfig struct {
	MaxAttempts         int      `mapstructure:"max_attempts" yaml:"max_attempts"`
	PerspectiveAttempts int      `mapstructure:"perspective_attempts" yaml:"perspective_attempts"`
	FanOutParallelism   int64    `mapstructure:"fan_out_parallelism" yaml:"fan_out_parallelism"`
	SharedBreakers      bool     `mapstructure:"shared_breakers" yaml:"shared_breakers"`
	Lenses              []string `mapstructure:"lenses" yaml:"lenses"`
	ReviewThreshold     string   `mapstructure:"review_threshold" yaml:"review_threshold"`
	// RunTimeout bounds one run end to end, including any wait for a
	// human reviewer.
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

// ReviewConfig governs the human review gate.
type ReviewConfig struct {
	// Timeout bounds how long a run waits for a reviewer decision before
	// recording the review as incomplete.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type RedisConfig struct {
	Host       string        `mapstructure:"host" yaml:"host"`
	Port       int           `mapstructure:"port" yaml:"port"`
	Password   string        `mapstructure:"password" yaml:"password"`
	DB         int           `mapstructure:"db" yaml:"db"`
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"database" yaml:"database"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// ConnectionString renders a lib/pq DSN.
func (p PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// PersistenceConfig tunes the asynchronous run/audit writer.
type PersistenceConfig struct {
	Enabled   bool `mapstructure:"enabled" yaml:"enabled"`
	QueueSize int  `mapstructure:"queue_size" yaml:"queue_size"`
	Workers   int  `mapstructure:"workers" yaml:"workers"`
}

type AuthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// SkipAuth leaves endpoints open in development.
	SkipAuth           bool          `mapstructure:"skip_auth" yaml:"skip_auth"`
	JWTSecret          string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `mapstructure:"access_token_expiry" yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `mapstructure:"refresh_token_expiry" yaml:"refresh_token_expiry"`
}

// PolicyConfig mirrors the policy engine's own configuration so the root
// file can carry it. The service wiring maps it onto the engine.
type PolicyConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	Mode                string        `mapstructure:"mode" yaml:"mode"`
	Path                string        `mapstructure:"path" yaml:"path"`
	FailClosed          bool          `mapstructure:"fail_closed" yaml:"fail_closed"`
	Environment         string        `mapstructure:"environment" yaml:"environment"`
	EmergencyKillSwitch bool          `mapstructure:"emergency_kill_switch" yaml:"emergency_kill_switch"`
	CacheSize           int           `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// AgentRate overrides the default limiter for one agent.
type AgentRate struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type RateLimitConfig struct {
	Enabled  bool                 `mapstructure:"enabled" yaml:"enabled"`
	RPS      float64              `mapstructure:"rps" yaml:"rps"`
	Burst    int                  `mapstructure:"burst" yaml:"burst"`
	PerAgent map[string]AgentRate `mapstructure:"per_agent" yaml:"per_agent"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// HealthConfig covers the background health checker.
type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity" yaml:"ring_capacity"`
}

// Default returns the configuration a bare deployment runs with.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:            8081,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			MaxHeaderBytes:  1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Agents: AgentsConfig{
			BaseURL: "http://localhost:8090",
			Timeout: 2 * time.Minute,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:         3,
			PerspectiveAttempts: 2,
			FanOutParallelism:   5,
			ReviewThreshold:     "Low",
			RunTimeout:          30 * time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     30 * time.Second,
		},
		Review: ReviewConfig{
			Timeout: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Host:       "localhost",
			Port:       6379,
			SessionTTL: 24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "ravint",
			Password:        "ravint",
			Database:        "ravint",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Persistence: PersistenceConfig{
			Enabled:   true,
			QueueSize: 1024,
			Workers:   2,
		},
		Auth: AuthConfig{
			Enabled:            false,
			SkipAuth:           true,
			JWTSecret:          "change-this-to-a-secure-32-char-minimum-secret",
			AccessTokenExpiry:  30 * time.Minute,
			RefreshTokenExpiry: 7 * 24 * time.Hour,
		},
		Policy: PolicyConfig{
			Enabled:     false,
			Mode:        "off",
			Path:        "config/policies",
			Environment: "dev",
			CacheSize:   1000,
			CacheTTL:    5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     10,
			Burst:   20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    2112,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "ravint-orchestrator",
			SampleRatio: 1.0,
		},
		Streaming: StreamingConfig{
			RingCapacity: 256,
		},
		Health: HealthConfig{
			Enabled:       true,
			CheckInterval: 30 * time.Second,
		},
	}
}

// Load reads the file named by CONFIG_PATH, or DefaultPath when unset.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads one YAML file over the defaults. A missing file is not an
// error: deployments often run on defaults plus environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromMap decodes an already-parsed file over the defaults. The hot-reload
// path uses it so a watched file and a loaded file resolve identically.
func FromMap(data map[string]interface{}) (*Config, error) {
	cfg := Default()
	v := viper.New()
	if err := v.MergeConfigMap(data); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers deployment-critical environment overrides on top of
// whatever the file set. File values win over defaults, env wins over both.
func applyEnv(cfg *Config) {
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Service.Port = getEnvInt("SERVICE_PORT", cfg.Service.Port)
	cfg.Agents.BaseURL = getEnv("AGENTS_BASE_URL", cfg.Agents.BaseURL)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnvInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Postgres.Host = getEnv("POSTGRES_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnvInt("POSTGRES_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = getEnv("POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnv("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnv("POSTGRES_DB", cfg.Postgres.Database)
	cfg.Auth.Enabled = getEnvBool("AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Policy.Enabled = getEnvBool("POLICY_ENABLED", cfg.Policy.Enabled)
	cfg.Policy.Mode = getEnv("POLICY_MODE", cfg.Policy.Mode)
	cfg.Policy.Path = getEnv("POLICY_PATH", cfg.Policy.Path)
	cfg.Policy.EmergencyKillSwitch = getEnvBool("POLICY_KILL_SWITCH", cfg.Policy.EmergencyKillSwitch)
	cfg.Policy.Environment = getEnv("ENVIRONMENT", cfg.Policy.Environment)
	cfg.Metrics.Enabled = getEnvBool("ENABLE_METRICS", cfg.Metrics.Enabled)
	cfg.Metrics.Port = getEnvInt("METRICS_PORT", cfg.Metrics.Port)
	cfg.Tracing.Enabled = getEnvBool("ENABLE_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service port must be between 1 and 65535, got %d", c.Service.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	if c.Pipeline.MaxAttempts < 1 || c.Pipeline.MaxAttempts > 10 {
		return fmt.Errorf("pipeline max_attempts must be between 1 and 10, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.PerspectiveAttempts < 1 {
		return fmt.Errorf("pipeline perspective_attempts must be at least 1, got %d", c.Pipeline.PerspectiveAttempts)
	}
	if c.Pipeline.FanOutParallelism < 1 {
		return fmt.Errorf("pipeline fan_out_parallelism must be at least 1, got %d", c.Pipeline.FanOutParallelism)
	}
	switch c.Pipeline.ReviewThreshold {
	case "", "High", "Medium", "Low":
	default:
		return fmt.Errorf("pipeline review_threshold must be High, Medium, or Low, got %q", c.Pipeline.ReviewThreshold)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker reset_timeout must be positive, got %s", c.Breaker.ResetTimeout)
	}
	if c.Auth.Enabled && !c.Auth.SkipAuth && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwt secret must be at least 32 characters when auth is enforced")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when enabled, got %v", c.RateLimit.RPS)
	}
	if c.Streaming.RingCapacity < 1 {
		return fmt.Errorf("streaming ring_capacity must be at least 1, got %d", c.Streaming.RingCapacity)
	}
	if c.Persistence.Enabled && c.Persistence.QueueSize < 1 {
		return fmt.Errorf("persistence queue_size must be at least 1, got %d", c.Persistence.QueueSize)
	}
	return nil
}

// ValidateMap vets a parsed config file before the manager stores it. It
// checks the few fields a bad edit most often breaks; FromMap runs the
// full typed validation afterwards.
func ValidateMap(data map[string]interface{}) error {
	if service, ok := data["service"].(map[string]interface{}); ok {
		if port, ok := numberValue(service["port"]); ok && (port < 1 || port > 65535) {
			return fmt.Errorf("service port must be between 1 and 65535, got %v", port)
		}
	}
	if pipeline, ok := data["pipeline"].(map[string]interface{}); ok {
		if attempts, ok := numberValue(pipeline["max_attempts"]); ok && (attempts < 1 || attempts > 10) {
			return fmt.Errorf("pipeline max_attempts must be between 1 and 10, got %v", attempts)
		}
		if par, ok := numberValue(pipeline["fan_out_parallelism"]); ok && par < 1 {
			return fmt.Errorf("pipeline fan_out_parallelism must be at least 1, got %v", par)
		}
	}
	if breaker, ok := data["breaker"].(map[string]interface{}); ok {
		if threshold, ok := numberValue(breaker["failure_threshold"]); ok && threshold < 1 {
			return fmt.Errorf("breaker failure_threshold must be at least 1, got %v", threshold)
		}
	}
	return nil
}

// numberValue normalizes the numeric types YAML and JSON decoders emit.
func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
