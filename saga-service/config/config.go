package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string            `mapstructure:"service_name"`
	Env         string            `mapstructure:"env"`
	Port        string            `mapstructure:"port"`
	Database    Database          `mapstructure:"database"`
	Redis       Redis             `mapstructure:"redis"`
	AWS         AWS               `mapstructure:"aws"`
	Subgraphs   map[string]string `mapstructure:"subgraphs"`
	Engine      Engine            `mapstructure:"engine"`
	Telemetry   Telemetry         `mapstructure:"telemetry"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type Redis struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	CacheTTLSec int    `mapstructure:"cache_ttl_seconds"`
}

type AWS struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	SNSTopicArn     string `mapstructure:"sns_topic_arn"`
	SQSQueueURL     string `mapstructure:"sqs_queue_url"`
}

// Retry tunes one exponential backoff budget
type Retry struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseMS      int     `mapstructure:"base_ms"`
	Factor      float64 `mapstructure:"factor"`
	CapMS       int     `mapstructure:"cap_ms"`
}

type Recovery struct {
	IntervalSec  int `mapstructure:"interval_seconds"`
	StalenessSec int `mapstructure:"staleness_seconds"`
	LeaseTTLSec  int `mapstructure:"lease_ttl_seconds"`
	MaxRetries   int `mapstructure:"max_retries"`
	ScanLimit    int `mapstructure:"scan_limit"`
	RetentionHrs int `mapstructure:"retention_hours"`
}

type Engine struct {
	DefaultStrategy    string   `mapstructure:"default_strategy"`
	MaxConcurrentSagas int64    `mapstructure:"max_concurrent_sagas"`
	DispatchTimeoutSec int      `mapstructure:"dispatch_timeout_seconds"`
	StepRetry          Retry    `mapstructure:"step_retry"`
	CompensationRetry  Retry    `mapstructure:"compensation_retry"`
	PersistRetry       Retry    `mapstructure:"persist_retry"`
	Recovery           Recovery `mapstructure:"recovery"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	configDir := filepath.Join(filepath.Dir(filename))
	viper.SetConfigName(getConfigName())
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SAGA")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaults() {
	viper.SetDefault("service_name", "saga-service")
	viper.SetDefault("env", getEnv("ENV", "local"))
	viper.SetDefault("port", getEnv("PORT", "8080"))

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "saga_system")
	viper.SetDefault("database.ssl_mode", "disable")

	viper.SetDefault("redis.addr", getEnv("REDIS_ADDR", "localhost:6379"))
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.cache_ttl_seconds", 3)

	viper.SetDefault("aws.access_key_id", getEnv("AWS_ACCESS_KEY_ID", "test"))
	viper.SetDefault("aws.secret_access_key", getEnv("AWS_SECRET_ACCESS_KEY", "test"))
	viper.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	viper.SetDefault("aws.sns_topic_arn", getEnv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:saga-events"))
	viper.SetDefault("aws.sqs_queue_url", getEnv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/saga-events"))

	viper.SetDefault("engine.default_strategy", "automatic")
	viper.SetDefault("engine.max_concurrent_sagas", 64)
	viper.SetDefault("engine.dispatch_timeout_seconds", 30)

	viper.SetDefault("engine.step_retry.max_attempts", 3)
	viper.SetDefault("engine.step_retry.base_ms", 100)
	viper.SetDefault("engine.step_retry.factor", 2.0)
	viper.SetDefault("engine.step_retry.cap_ms", 5000)

	viper.SetDefault("engine.compensation_retry.max_attempts", 5)
	viper.SetDefault("engine.compensation_retry.base_ms", 200)
	viper.SetDefault("engine.compensation_retry.factor", 2.0)
	viper.SetDefault("engine.compensation_retry.cap_ms", 10000)

	viper.SetDefault("engine.persist_retry.max_attempts", 3)
	viper.SetDefault("engine.persist_retry.base_ms", 50)
	viper.SetDefault("engine.persist_retry.factor", 2.0)
	viper.SetDefault("engine.persist_retry.cap_ms", 1000)

	viper.SetDefault("engine.recovery.interval_seconds", 30)
	viper.SetDefault("engine.recovery.staleness_seconds", 120)
	viper.SetDefault("engine.recovery.lease_ttl_seconds", 300)
	viper.SetDefault("engine.recovery.max_retries", 5)
	viper.SetDefault("engine.recovery.scan_limit", 20)
	viper.SetDefault("engine.recovery.retention_hours", 168)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.otlp_endpoint", getEnv("OTLP_ENDPOINT", "localhost:4318"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDatabaseURL constructs the postgres connection string
func (c *Config) GetDatabaseURL() string {
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		return dbURL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Database, c.Database.SSLMode)
}

// CacheTTL returns the saga read-cache TTL
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSec) * time.Second
}

// DispatchTimeout returns the per-call subgraph timeout
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Engine.DispatchTimeoutSec) * time.Second
}
