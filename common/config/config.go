package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all client configuration
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Broker     BrokerConfig     `yaml:"broker"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Downloads  DownloadConfig   `yaml:"downloads"`
}

// ServiceConfig holds process-level settings
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// BrokerConfig holds settings for the remote brokering service
type BrokerConfig struct {
	RegistrationURL string        `yaml:"registration_url"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	ReconnectLimit  int           `yaml:"reconnect_limit"`
}

// CheckpointConfig selects and configures the checkpoint store
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // "redis" or "postgres"

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresDatabase string `yaml:"postgres_db"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
}

// DownloadConfig holds settings for the download worker pool
type DownloadConfig struct {
	WorkerCount     int           `yaml:"worker_count"`
	OutputDir       string        `yaml:"output_dir"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
		},
		Broker: BrokerConfig{
			RegistrationURL: getEnv("BROKER_REGISTRATION_URL", "http://localhost:8081/register"),
			ConnectTimeout:  getEnvDuration("BROKER_CONNECT_TIMEOUT", 10*time.Second),
			PollTimeout:     getEnvDuration("BROKER_POLL_TIMEOUT", 30*time.Second),
			ReconnectLimit:  getEnvInt("BROKER_RECONNECT_LIMIT", 3),
		},
		Checkpoint: CheckpointConfig{
			Backend:          getEnv("CHECKPOINT_BACKEND", "redis"),
			RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:    getEnv("REDIS_PASSWORD", ""),
			RedisDB:          getEnvInt("REDIS_DB", 0),
			PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
			PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
			PostgresDatabase: getEnv("POSTGRES_DB", "retriever"),
			PostgresUser:     getEnv("POSTGRES_USER", "retriever"),
			PostgresPassword: getEnv("POSTGRES_PASSWORD", "retriever"),
		},
		Downloads: DownloadConfig{
			WorkerCount:     getEnvInt("DOWNLOAD_WORKERS", 4),
			OutputDir:       getEnv("DOWNLOAD_DIR", "downloads"),
			TransferTimeout: getEnvDuration("TRANSFER_TIMEOUT", 5*time.Minute),
		},
	}

	return cfg, cfg.Validate()
}

// LoadFile overlays settings from a YAML file onto an env-loaded config.
// Used by the CLI when --config is given.
func LoadFile(serviceName, path string) (*Config, error) {
	cfg, err := Load(serviceName)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Broker.RegistrationURL == "" {
		return fmt.Errorf("broker registration URL is required")
	}

	if c.Checkpoint.Backend != "redis" && c.Checkpoint.Backend != "postgres" {
		return fmt.Errorf("unknown checkpoint backend: %s", c.Checkpoint.Backend)
	}

	if c.Downloads.WorkerCount < 1 || c.Downloads.WorkerCount > 8 {
		return fmt.Errorf("download worker count must be between 1 and 8, got %d", c.Downloads.WorkerCount)
	}

	return nil
}

// PostgresURL returns the PostgreSQL connection string
func (c *Config) PostgresURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Checkpoint.PostgresUser,
		c.Checkpoint.PostgresPassword,
		c.Checkpoint.PostgresHost,
		c.Checkpoint.PostgresPort,
		c.Checkpoint.PostgresDatabase,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
