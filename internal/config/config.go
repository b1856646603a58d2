package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	API         APIConfig
	Account     AccountConfig
	Poll        PollConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Anomaly     AnomalyConfig
}

// APIConfig holds metering API transport settings
type APIConfig struct {
	BaseURL          string
	TimeoutSeconds   int
	RetryMaxAttempts int
	RetryBaseDelayMs int
	RetryMaxDelayMs  int
}

// AccountConfig identifies the metered account and its login material
type AccountConfig struct {
	UserCode     string
	RegionCode   int
	Mobile       string
	Password     string
	QRTTLMinutes int
}

// PollConfig holds the refresh loop settings
type PollConfig struct {
	IntervalMinutes  int
	ReadingRangeDays int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL               string
	EventsExchange    string
	EventsRoutingKey  string
	CommandExchange   string
	CommandQueue      string
	CommandRoutingKey string
	DLQQueue          string
	PrefetchCount     int
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gas-metering-client"),
		API: APIConfig{
			BaseURL:          getEnv("GAS_API_BASE_URL", ""),
			TimeoutSeconds:   getEnvAsInt("GAS_API_TIMEOUT_SECONDS", 30),
			RetryMaxAttempts: getEnvAsInt("GAS_API_RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelayMs: getEnvAsInt("GAS_API_RETRY_BASE_DELAY_MS", 200),
			RetryMaxDelayMs:  getEnvAsInt("GAS_API_RETRY_MAX_DELAY_MS", 2000),
		},
		Account: AccountConfig{
			UserCode:     getEnv("GAS_USER_CODE", ""),
			RegionCode:   getEnvAsInt("GAS_CID", 530100),
			Mobile:       getEnv("GAS_MOBILE", ""),
			Password:     getEnv("GAS_PASSWORD", ""),
			QRTTLMinutes: getEnvAsInt("GAS_QR_TTL_MINUTES", 5),
		},
		Poll: PollConfig{
			IntervalMinutes:  getEnvAsInt("POLL_INTERVAL_MINUTES", 360),
			ReadingRangeDays: getEnvAsInt("POLL_READING_RANGE_DAYS", 92),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			EventsExchange:    getEnv("RABBITMQ_EVENTS_EXCHANGE", "gas-metering.events.exchange"),
			EventsRoutingKey:  getEnv("RABBITMQ_EVENTS_ROUTING_KEY", "gas.usage.snapshot"),
			CommandExchange:   getEnv("RABBITMQ_COMMAND_EXCHANGE", "gas-metering.commands.exchange"),
			CommandQueue:      getEnv("RABBITMQ_COMMAND_QUEUE", "gas-metering.commands.queue"),
			CommandRoutingKey: getEnv("RABBITMQ_COMMAND_ROUTING_KEY", "gas.poll.request"),
			DLQQueue:          getEnv("RABBITMQ_DLQ_QUEUE", "gas-metering.commands.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
	}

	// Validate required fields
	if cfg.API.BaseURL == "" {
		return nil, fmt.Errorf("GAS_API_BASE_URL is required but not set in environment variables")
	}
	if cfg.Account.UserCode == "" {
		return nil, fmt.Errorf("GAS_USER_CODE is required but not set in environment variables")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

// PollInterval returns the refresh loop interval as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMinutes) * time.Minute
}

// QRTTL returns the QR login time-to-live as a duration
func (c *Config) QRTTL() time.Duration {
	return time.Duration(c.Account.QRTTLMinutes) * time.Minute
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
