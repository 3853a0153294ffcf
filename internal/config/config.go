package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/loadbalancer"
	"gopkg.in/yaml.v3"
)

const (
	FailOpen   = "fail_open"
	FailClosed = "fail_closed"

	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Redis          RedisConfig          `yaml:"redis"`
	Postgres       PostgresConfig       `yaml:"postgres"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Routing        RoutingConfig        `yaml:"routing"`
	Logging        LoggingConfig        `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	RequestLog     RequestLogConfig     `yaml:"request_log"`
}

type ServerConfig struct {
	Port              string        `yaml:"port"`
	Environment       string        `yaml:"environment"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type RedisConfig struct {
	Host             string        `yaml:"host"`
	Port             string        `yaml:"port"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	PoolSize         int           `yaml:"pool_size"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

func (r RedisConfig) GetRedisAddr() string {
	return r.Host + ":" + r.Port
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// RateLimitConfig describes the single token bucket policy applied to every client.
type RateLimitConfig struct {
	Capacity          int64         `yaml:"capacity"`
	RefillRatePerSec  int64         `yaml:"refill_rate_per_sec"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	Store             string        `yaml:"store"`
	FailurePolicy     string        `yaml:"failure_policy"`
	RetryAfterSeconds int           `yaml:"retry_after_seconds"` // 0 derives the hint from the refill rate
}

type CircuitBreakerConfig struct {
	FailureRateThreshold   float64       `yaml:"failure_rate_threshold"`
	MinimumCalls           int           `yaml:"minimum_calls"`
	SlidingWindowSize      int           `yaml:"sliding_window_size"`
	WaitDuration           time.Duration `yaml:"wait_duration"`
	PermittedHalfOpenCalls int           `yaml:"permitted_half_open_calls"`
	IdleTTL                time.Duration `yaml:"idle_ttl"`
}

type RoutingConfig struct {
	ServiceSuffix  string            `yaml:"service_suffix"`
	DefaultService string            `yaml:"default_service"`
	ServiceByPath  map[string]string `yaml:"service_by_path"`
	Services       []ServiceConfig   `yaml:"services"`
}

type ServiceConfig struct {
	Path         string        `yaml:"path"`
	Targets      []string      `yaml:"targets"`
	LoadBalancer string        `yaml:"load_balancer"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type RequestLogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the configuration used when no file or environment overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8080",
			Environment:       "development",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       15 * time.Second,
			TrustForwardedFor: true,
			ShutdownTimeout:   5 * time.Second,
		},
		Redis: RedisConfig{
			Host:             "localhost",
			Port:             "6379",
			PoolSize:         20,
			DialTimeout:      2 * time.Second,
			OperationTimeout: 250 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Capacity:         100,
			RefillRatePerSec: 10,
			IdleTTL:          5 * time.Minute,
			Store:            StoreRedis,
			FailurePolicy:    FailOpen,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureRateThreshold:   50,
			MinimumCalls:           5,
			SlidingWindowSize:      10,
			WaitDuration:           30 * time.Second,
			PermittedHalfOpenCalls: 3,
			IdleTTL:                5 * time.Minute,
		},
		Routing: RoutingConfig{
			ServiceSuffix:  "-service",
			DefaultService: "default-service",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		RequestLog: RequestLogConfig{
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
	}
}

// Load reads defaults, then the YAML file at path (if non-empty), then GATEWAY_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("GATEWAY_ENVIRONMENT"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("GATEWAY_TRUST_FORWARDED_FOR"); v != "" {
		cfg.Server.TrustForwardedFor = strings.EqualFold(v, "true")
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		cfg.Redis.Port = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}

	if v := os.Getenv("GATEWAY_RATE_LIMIT_CAPACITY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RateLimit.Capacity = n
		}
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT_REFILL_RATE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RateLimit.RefillRatePerSec = n
		}
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT_STORE"); v != "" {
		cfg.RateLimit.Store = strings.ToLower(v)
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT_FAILURE_POLICY"); v != "" {
		cfg.RateLimit.FailurePolicy = strings.ToLower(v)
	}

	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the limiter and breaker parameters for values the engines cannot run with.
func (c *Config) Validate() error {
	var errs []error

	rl := c.RateLimit
	if rl.Capacity < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.capacity must be >= 1, got %d", rl.Capacity))
	}
	if rl.RefillRatePerSec < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.refill_rate_per_sec must be >= 1, got %d", rl.RefillRatePerSec))
	}
	if rl.IdleTTL <= 0 {
		errs = append(errs, errors.New("rate_limit.idle_ttl must be positive"))
	}
	if rl.RetryAfterSeconds < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.retry_after_seconds must be >= 0, got %d", rl.RetryAfterSeconds))
	}
	switch rl.Store {
	case StoreRedis, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.store must be %q or %q, got %q", StoreRedis, StoreMemory, rl.Store))
	}
	switch rl.FailurePolicy {
	case FailOpen, FailClosed:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.failure_policy must be %q or %q, got %q", FailOpen, FailClosed, rl.FailurePolicy))
	}

	cb := c.CircuitBreaker
	if cb.FailureRateThreshold <= 0 || cb.FailureRateThreshold > 100 {
		errs = append(errs, fmt.Errorf("circuit_breaker.failure_rate_threshold must be in (0,100], got %v", cb.FailureRateThreshold))
	}
	if cb.MinimumCalls < 1 {
		errs = append(errs, fmt.Errorf("circuit_breaker.minimum_calls must be >= 1, got %d", cb.MinimumCalls))
	}
	if cb.SlidingWindowSize < cb.MinimumCalls {
		errs = append(errs, fmt.Errorf("circuit_breaker.sliding_window_size (%d) must be >= minimum_calls (%d)", cb.SlidingWindowSize, cb.MinimumCalls))
	}
	if cb.WaitDuration <= 0 {
		errs = append(errs, errors.New("circuit_breaker.wait_duration must be positive"))
	}
	if cb.PermittedHalfOpenCalls < 1 {
		errs = append(errs, fmt.Errorf("circuit_breaker.permitted_half_open_calls must be >= 1, got %d", cb.PermittedHalfOpenCalls))
	}
	if cb.IdleTTL > 0 && cb.IdleTTL <= cb.WaitDuration {
		errs = append(errs, errors.New("circuit_breaker.idle_ttl must exceed wait_duration"))
	}

	for _, svc := range c.Routing.Services {
		if !strings.HasPrefix(svc.Path, "/") {
			errs = append(errs, fmt.Errorf("routing.services: path %q must start with /", svc.Path))
		}
		if len(svc.Targets) == 0 {
			errs = append(errs, fmt.Errorf("routing.services: %s has no targets", svc.Path))
		}
		if !loadbalancer.Known(svc.LoadBalancer) {
			errs = append(errs, fmt.Errorf("routing.services: unknown load_balancer %q for %s", svc.LoadBalancer, svc.Path))
		}
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required when postgres is enabled"))
	}

	return errors.Join(errs...)
}

// Example renders the default configuration as YAML with one sample route.
func Example() ([]byte, error) {
	cfg := Default()
	cfg.Routing.Services = []ServiceConfig{
		{
			Path:         "/api/users",
			Targets:      []string{"http://localhost:3001"},
			LoadBalancer: "round_robin",
			Timeout:      10 * time.Second,
		},
	}
	cfg.Routing.ServiceByPath = map[string]string{"/api/legacy/v1": "legacy-service"}
	return yaml.Marshal(cfg)
}
