package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	IMAP      IMAPConfig      `mapstructure:"imap"`
	AI        AIConfig        `mapstructure:"ai"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Lock      LockConfig      `mapstructure:"lock"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// RedisConfig holds the queue/lock backend configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IMAPConfig holds timeouts and pooling limits for mailbox access.
// Credentials live per account in the database, not here.
type IMAPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	SearchTimeout  time.Duration `mapstructure:"search_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	PoolSize       int           `mapstructure:"pool_size"`
}

// AIConfig holds configuration for the vision extraction service
type AIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// QuotaConfig holds AI extraction quota defaults
type QuotaConfig struct {
	DefaultMonthlyLimit int `mapstructure:"default_monthly_limit"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize        int           `mapstructure:"pool_size"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`
	DequeueBlock    time.Duration `mapstructure:"dequeue_block"`
}

// LedgerConfig holds idempotency ledger configuration
type LedgerConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LockConfig holds distributed lock configuration
type LockConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	ManualBatchSize int `mapstructure:"manual_batch_size"`
}

// StorageConfig holds artifact storage configuration
type StorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set defaults
	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()

	// Bind environment variables
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("imap.connect_timeout", "15s")
	viper.SetDefault("imap.auth_timeout", "15s")
	viper.SetDefault("imap.search_timeout", "30s")
	viper.SetDefault("imap.fetch_timeout", "60s")
	viper.SetDefault("imap.pool_size", 3)

	viper.SetDefault("ai.model", "claude-sonnet-4-5-20250929")
	viper.SetDefault("ai.request_timeout", "60s")
	viper.SetDefault("ai.rate_per_second", 2.0)
	viper.SetDefault("ai.rate_burst", 4)

	viper.SetDefault("quota.default_monthly_limit", 100)

	viper.SetDefault("worker.pool_size", 4)
	viper.SetDefault("worker.max_attempts", 3)
	viper.SetDefault("worker.backoff_base", "2s")
	viper.SetDefault("worker.backoff_cap", "1m")
	viper.SetDefault("worker.watchdog_timeout", "5m")
	viper.SetDefault("worker.dequeue_block", "5s")

	viper.SetDefault("ledger.ttl", "720h")
	viper.SetDefault("ledger.sweep_interval", "1h")

	viper.SetDefault("lock.ttl", "2m")
	viper.SetDefault("lock.renew_interval", "30s")

	viper.SetDefault("scheduler.interval_minutes", 5)
	viper.SetDefault("scheduler.manual_batch_size", 50)

	viper.SetDefault("storage.base_path", "./artifacts")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	// Redis
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// IMAP
	viper.BindEnv("imap.connect_timeout", "IMAP_CONNECT_TIMEOUT")
	viper.BindEnv("imap.auth_timeout", "IMAP_AUTH_TIMEOUT")
	viper.BindEnv("imap.search_timeout", "IMAP_SEARCH_TIMEOUT")
	viper.BindEnv("imap.fetch_timeout", "IMAP_FETCH_TIMEOUT")
	viper.BindEnv("imap.pool_size", "IMAP_POOL_SIZE")

	// AI
	viper.BindEnv("ai.api_key", "AI_API_KEY")
	viper.BindEnv("ai.model", "AI_MODEL")
	viper.BindEnv("ai.request_timeout", "AI_REQUEST_TIMEOUT")
	viper.BindEnv("ai.rate_per_second", "AI_RATE_PER_SECOND")
	viper.BindEnv("ai.rate_burst", "AI_RATE_BURST")

	// Quota
	viper.BindEnv("quota.default_monthly_limit", "QUOTA_DEFAULT_MONTHLY_LIMIT")

	// Worker
	viper.BindEnv("worker.pool_size", "WORKER_POOL_SIZE")
	viper.BindEnv("worker.max_attempts", "WORKER_MAX_ATTEMPTS")
	viper.BindEnv("worker.backoff_base", "WORKER_BACKOFF_BASE")
	viper.BindEnv("worker.backoff_cap", "WORKER_BACKOFF_CAP")
	viper.BindEnv("worker.watchdog_timeout", "WORKER_WATCHDOG_TIMEOUT")
	viper.BindEnv("worker.dequeue_block", "WORKER_DEQUEUE_BLOCK")

	// Ledger
	viper.BindEnv("ledger.ttl", "LEDGER_TTL")
	viper.BindEnv("ledger.sweep_interval", "LEDGER_SWEEP_INTERVAL")

	// Lock
	viper.BindEnv("lock.ttl", "LOCK_TTL")
	viper.BindEnv("lock.renew_interval", "LOCK_RENEW_INTERVAL")

	// Scheduler
	viper.BindEnv("scheduler.interval_minutes", "JOB_INTERVAL_MINUTES")
	viper.BindEnv("scheduler.manual_batch_size", "SCHEDULER_MANUAL_BATCH_SIZE")

	// Storage
	viper.BindEnv("storage.base_path", "STORAGE_BASE_PATH")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.AI.APIKey == "" {
		return fmt.Errorf("AI API key is required")
	}

	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker pool size must be greater than 0")
	}

	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max attempts must be greater than 0")
	}

	if c.Ledger.TTL <= 0 {
		return fmt.Errorf("ledger TTL must be greater than 0")
	}

	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock TTL must be greater than 0")
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	return nil
}
