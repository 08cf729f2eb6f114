package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // Asia/Seoul must resolve in minimal images

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Couples     CouplesConfig
	Admission   AdmissionConfig
	Event       EventConfig
	Maintenance MaintenanceConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Telemetry   TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"` // debug, info, warn, error
	Format string `validate:"oneof=json console"`          // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string `validate:"oneof=development test staging production"`
	Port string `validate:"required,numeric"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host                  string `validate:"required"`
	Port                  int    `validate:"min=1,max=65535"`
	Password              string
	DB                    int `validate:"min=0"`
	PoolSize              int `validate:"min=0"`
	DialTimeout           time.Duration
	ReadTimeout           time.Duration
	WriteTimeout          time.Duration
	KeyPrefix             string        `validate:"required"`
	BalanceTTL            time.Duration // 0 keeps balances until the daily flush
	AllowInMemoryFallback bool
}

// JWTConfig holds JWT verification settings
type JWTConfig struct {
	Secret       string
	SecretBase64 bool // secret is base64-encoded (shared with the auth service)
}

// SigningKey returns the HMAC key bytes.
func (j JWTConfig) SigningKey() ([]byte, error) {
	if !j.SecretBase64 {
		return []byte(j.Secret), nil
	}
	key, err := base64.StdEncoding.DecodeString(j.Secret)
	if err != nil {
		return nil, fmt.Errorf("jwt.secret is not valid base64: %w", err)
	}
	return key, nil
}

// CouplesConfig holds settings for the couples service that owns ticket balances
type CouplesConfig struct {
	BaseURL        string `validate:"omitempty,url"`
	TicketPath     string
	Timeout        time.Duration // per attempt
	MaxAttempts    int           `validate:"min=1,max=10"`
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// AdmissionConfig holds settings for the ticket-gated route
type AdmissionConfig struct {
	GatedPath string `validate:"required,startswith=/"`
	Timezone  string `validate:"required"`
}

// EventConfig holds change event propagation settings
type EventConfig struct {
	Sink           string `validate:"oneof=redis kafka none"`
	Stream         string
	StreamMaxLen   int64 `validate:"min=0"`
	Workers        int   `validate:"min=1"`
	QueueSize      int   `validate:"min=1"`
	PublishTimeout time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
}

// MaintenanceConfig holds the daily cache flush settings
type MaintenanceConfig struct {
	FlushEnabled  bool
	FlushScope    string `validate:"oneof=db all"`
	FlushSchedule string `validate:"required"`
	VerifyDelay   time.Duration
	Timezone      string `validate:"required"`
	// OperatorKey enables POST /api/maintenance/flush when set
	OperatorKey   string `validate:"omitempty,min=16"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	MaxHeaderBytes     int
	MaxBodySize        int64
	PublicPaths        []string
	PublicPathPrefixes []string
	DownstreamURL      string `validate:"omitempty,url"`
	TrustedProxies     []string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable tracing
	MetricsEnabled    bool    // Whether to export metrics
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 `validate:"min=0,max=1"`
	ServiceName       string
	Insecure          bool // Use insecure (non-TLS) connection (development only)
	ExportInterval    time.Duration
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with GATEWAY_ prefix (e.g., GATEWAY_REDIS_HOST)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom builds the configuration from a prepared viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans cannot be told apart from "unset" after the fact
	v.SetDefault("maintenance.flush_enabled", true)
	v.SetDefault("jwt.secret_base64", true)
	v.SetDefault("redis.allow_in_memory_fallback", false)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Redis: RedisConfig{
			Host:                  v.GetString("redis.host"),
			Port:                  v.GetInt("redis.port"),
			Password:              v.GetString("redis.password"),
			DB:                    v.GetInt("redis.db"),
			PoolSize:              v.GetInt("redis.pool_size"),
			DialTimeout:           v.GetDuration("redis.dial_timeout"),
			ReadTimeout:           v.GetDuration("redis.read_timeout"),
			WriteTimeout:          v.GetDuration("redis.write_timeout"),
			KeyPrefix:             v.GetString("redis.key_prefix"),
			BalanceTTL:            v.GetDuration("redis.balance_ttl"),
			AllowInMemoryFallback: v.GetBool("redis.allow_in_memory_fallback"),
		},
		JWT: JWTConfig{
			Secret:       v.GetString("jwt.secret"),
			SecretBase64: v.GetBool("jwt.secret_base64"),
		},
		Couples: CouplesConfig{
			BaseURL:        v.GetString("couples.base_url"),
			TicketPath:     v.GetString("couples.ticket_path"),
			Timeout:        v.GetDuration("couples.timeout"),
			MaxAttempts:    v.GetInt("couples.max_attempts"),
			InitialBackoff: v.GetDuration("couples.initial_backoff"),
			MaxBackoff:     v.GetDuration("couples.max_backoff"),
		},
		Admission: AdmissionConfig{
			GatedPath: v.GetString("admission.gated_path"),
			Timezone:  v.GetString("admission.timezone"),
		},
		Event: EventConfig{
			Sink:           v.GetString("event.sink"),
			Stream:         v.GetString("event.stream"),
			StreamMaxLen:   v.GetInt64("event.stream_max_len"),
			Workers:        v.GetInt("event.workers"),
			QueueSize:      v.GetInt("event.queue_size"),
			PublishTimeout: v.GetDuration("event.publish_timeout"),
			KafkaBrokers:   v.GetStringSlice("event.kafka_brokers"),
			KafkaTopic:     v.GetString("event.kafka_topic"),
		},
		Maintenance: MaintenanceConfig{
			FlushEnabled:  v.GetBool("maintenance.flush_enabled"),
			FlushScope:    v.GetString("maintenance.flush_scope"),
			FlushSchedule: v.GetString("maintenance.flush_schedule"),
			VerifyDelay:   v.GetDuration("maintenance.verify_delay"),
			Timezone:      v.GetString("maintenance.timezone"),
			OperatorKey:   v.GetString("maintenance.operator_key"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:        v.GetDuration("http.read_timeout"),
			WriteTimeout:       v.GetDuration("http.write_timeout"),
			IdleTimeout:        v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:     v.GetInt("http.max_header_bytes"),
			MaxBodySize:        v.GetInt64("http.max_body_size"),
			PublicPaths:        v.GetStringSlice("http.public_paths"),
			PublicPathPrefixes: v.GetStringSlice("http.public_path_prefixes"),
			DownstreamURL:      v.GetString("http.downstream_url"),
			TrustedProxies:     v.GetStringSlice("http.trusted_proxies"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
		},
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "loventure-gateway"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "coupleId:"
	}
	if cfg.Couples.BaseURL == "" && cfg.App.Env != "production" {
		cfg.Couples.BaseURL = "http://localhost:8081/api/couples/ticket"
	}
	if cfg.Couples.Timeout == 0 {
		cfg.Couples.Timeout = 5 * time.Second
	}
	if cfg.Couples.MaxAttempts == 0 {
		cfg.Couples.MaxAttempts = 3
	}
	if cfg.Couples.InitialBackoff == 0 {
		cfg.Couples.InitialBackoff = time.Second
	}
	if cfg.Couples.MaxBackoff == 0 {
		cfg.Couples.MaxBackoff = 4 * time.Second
	}
	if cfg.Admission.GatedPath == "" {
		cfg.Admission.GatedPath = "/api/regions/unlock"
	}
	if cfg.Admission.Timezone == "" {
		cfg.Admission.Timezone = "Asia/Seoul"
	}
	if cfg.Event.Sink == "" {
		cfg.Event.Sink = "redis"
	}
	if cfg.Event.Stream == "" {
		cfg.Event.Stream = "ticket-sync-stream"
	}
	if cfg.Event.Workers == 0 {
		cfg.Event.Workers = 4
	}
	if cfg.Event.QueueSize == 0 {
		cfg.Event.QueueSize = 1024
	}
	if cfg.Event.PublishTimeout == 0 {
		cfg.Event.PublishTimeout = 3 * time.Second
	}
	if cfg.Event.KafkaTopic == "" {
		cfg.Event.KafkaTopic = "ticket-sync"
	}
	if cfg.Maintenance.FlushScope == "" {
		cfg.Maintenance.FlushScope = "db"
	}
	if cfg.Maintenance.FlushSchedule == "" {
		cfg.Maintenance.FlushSchedule = "0 0 * * *"
	}
	if cfg.Maintenance.VerifyDelay == 0 {
		cfg.Maintenance.VerifyDelay = time.Minute
	}
	if cfg.Maintenance.Timezone == "" {
		cfg.Maintenance.Timezone = cfg.Admission.Timezone
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if len(cfg.HTTP.PublicPaths) == 0 {
		cfg.HTTP.PublicPaths = []string{"/health", "/login", "/api/auth/signup", "/api/auth/reissue", "/api/auth/refresh"}
	}
	if len(cfg.HTTP.PublicPathPrefixes) == 0 {
		cfg.HTTP.PublicPathPrefixes = []string{"/actuator/", "/oauth2/", "/api/oauth2/", "/login/"}
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 60 * time.Second
	}
}

var validate = validator.New()

// validate performs validation on the configuration
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := time.LoadLocation(c.Admission.Timezone); err != nil {
		return fmt.Errorf("admission.timezone %q is not a valid location: %w", c.Admission.Timezone, err)
	}
	if _, err := time.LoadLocation(c.Maintenance.Timezone); err != nil {
		return fmt.Errorf("maintenance.timezone %q is not a valid location: %w", c.Maintenance.Timezone, err)
	}
	if c.Event.Sink == "kafka" && len(c.Event.KafkaBrokers) == 0 {
		return fmt.Errorf("event.kafka_brokers is required when event.sink is kafka")
	}
	if c.Couples.MaxBackoff < c.Couples.InitialBackoff {
		return fmt.Errorf("couples.max_backoff (%s) cannot be less than couples.initial_backoff (%s)",
			c.Couples.MaxBackoff, c.Couples.InitialBackoff)
	}

	key, err := c.JWT.SigningKey()
	if err != nil {
		return err
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(key) < 32 {
			return fmt.Errorf("jwt.secret must decode to at least 32 bytes in production")
		}
		if c.Couples.BaseURL == "" {
			return fmt.Errorf("couples.base_url is required in production")
		}
		if c.Redis.AllowInMemoryFallback {
			return fmt.Errorf("redis.allow_in_memory_fallback must be false in production")
		}
	}

	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
