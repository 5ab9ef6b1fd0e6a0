package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:   "localhost",
			Port:   3306,
			User:   "test",
			DBName: "test",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		AI: AIConfig{
			APIKey: "test-key",
			Model:  "claude-sonnet-4-5-20250929",
		},
		Worker: WorkerConfig{
			PoolSize:    4,
			MaxAttempts: 3,
		},
		Ledger: LedgerConfig{
			TTL: 720 * time.Hour,
		},
		Lock: LockConfig{
			TTL: 2 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			IntervalMinutes: 5,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	config := validConfig()
	assert.NoError(t, config.Validate())

	// Missing server port
	invalid := validConfig()
	invalid.Server.Port = ""
	assert.Error(t, invalid.Validate())

	// Missing AI credentials
	invalid = validConfig()
	invalid.AI.APIKey = ""
	assert.Error(t, invalid.Validate())

	// Zero worker pool
	invalid = validConfig()
	invalid.Worker.PoolSize = 0
	assert.Error(t, invalid.Validate())

	// Zero ledger TTL
	invalid = validConfig()
	invalid.Ledger.TTL = 0
	assert.Error(t, invalid.Validate())

	// Missing redis addr
	invalid = validConfig()
	invalid.Redis.Addr = ""
	assert.Error(t, invalid.Validate())
}

func TestDatabaseDSN(t *testing.T) {
	config := DatabaseConfig{
		Host:     "localhost",
		Port:     3306,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	}

	dsn := config.GetDSN()
	expected := "testuser:testpass@tcp(localhost:3306)/testdb?charset=utf8mb4&parseTime=True&loc=Local"
	assert.Equal(t, expected, dsn)
}
