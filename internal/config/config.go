package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Transfer TransferConfig
	Auth     AuthConfig
	Log      LogConfig
	Webhook  WebhookConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
	Plans    map[string]PlanConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	StatusTTL time.Duration
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// StorageConfig holds credentials for the S3-compatible provider adapter
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// TransferConfig holds orchestration limits and backoff policy
type TransferConfig struct {
	MaxItemsPerJob   int
	MetadataTimeout  time.Duration
	ItemTimeout      time.Duration
	MaxRateLimitWait time.Duration
	MaxItemRetries   int
	RequeueAfter     time.Duration
	SweepInterval    time.Duration
}

// AuthConfig holds JWT configuration. ServiceToken guards internal
// endpoints called by the worker and operators.
type AuthConfig struct {
	JWTSecret    string
	ServiceToken string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// WebhookConfig holds dashboard callback configuration
type WebhookConfig struct {
	URL    string
	Secret string
}

// MetricsConfig holds the metrics server configuration
type MetricsConfig struct {
	Port int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// PlanConfig describes one plan tier. Zero limits mean unlimited.
type PlanConfig struct {
	Class             string
	SlotTotal         int
	LifetimeByteLimit int64
	MonthlyByteLimit  int64
	MonthlyItemLimit  int64
	MaxItemBytes      int64
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.rateLimitRPS", 20)
	viper.SetDefault("server.rateLimitBurst", 40)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "aggregator")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.statusTTL", "5s")

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Storage defaults (s3 provider adapter)
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Transfer defaults
	viper.SetDefault("transfer.maxItemsPerJob", 100)
	viper.SetDefault("transfer.metadataTimeout", "30s")
	viper.SetDefault("transfer.itemTimeout", "10m")
	viper.SetDefault("transfer.maxRateLimitWait", "2m")
	viper.SetDefault("transfer.maxItemRetries", 5)
	viper.SetDefault("transfer.requeueAfter", "15m")
	viper.SetDefault("transfer.sweepInterval", "5m")

	// Auth defaults
	viper.SetDefault("auth.jwtSecret", "")
	viper.SetDefault("auth.serviceToken", "")

	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")

	// Webhook defaults
	viper.SetDefault("webhook.url", "")
	viper.SetDefault("webhook.secret", "")

	// Metrics defaults
	viper.SetDefault("metrics.port", 9090)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "cloud-aggregator")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")

	// Plan defaults. Free: 2 slots, 5GB lifetime, 500MB per item.
	viper.SetDefault("plans.free.class", "free")
	viper.SetDefault("plans.free.slotTotal", 2)
	viper.SetDefault("plans.free.lifetimeByteLimit", int64(5*1024*1024*1024))
	viper.SetDefault("plans.free.maxItemBytes", int64(500*1024*1024))

	viper.SetDefault("plans.pro.class", "paid")
	viper.SetDefault("plans.pro.slotTotal", 10)
	viper.SetDefault("plans.pro.monthlyByteLimit", int64(200*1024*1024*1024))
	viper.SetDefault("plans.pro.monthlyItemLimit", 20000)
	viper.SetDefault("plans.pro.maxItemBytes", int64(10*1024*1024*1024))

	viper.SetDefault("plans.business.class", "paid")
	viper.SetDefault("plans.business.slotTotal", 50)
	viper.SetDefault("plans.business.monthlyByteLimit", int64(0))
	viper.SetDefault("plans.business.monthlyItemLimit", 0)
	viper.SetDefault("plans.business.maxItemBytes", int64(50*1024*1024*1024))
}
