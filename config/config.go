package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RabbitMQConfig holds broker connection settings.
type RabbitMQConfig struct {
	Host     string
	Port     string
	User     string
	Password string

	Exchange            string
	Queue               string
	RecognizeRoutingKey string
}

// GetAMQPURL builds the AMQP connection URL from the individual settings.
func (r *RabbitMQConfig) GetAMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", r.User, r.Password, r.Host, r.Port)
}

// Config holds all configuration for the food recognition service.
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	// RabbitMQ configuration
	RabbitMQ RabbitMQConfig

	// Provider configuration
	LLMProvider  string
	OpenAIAPIKey string
	OpenAIModel  string
	GeminiAPIKey string
	GeminiModel  string

	// Per-invocation HTTP timeout for provider calls.
	ProviderTimeout time.Duration

	// MaxRetries bounds broker-level redeliveries per job. The final failed
	// attempt transitions the request to the Error status.
	MaxRetries int

	// Workers bounds how many queued jobs are processed concurrently.
	Workers int

	// StrictNutrition fails a job when the provider returns unparsable
	// numeric fields instead of zero-filling them.
	StrictNutrition bool

	// PhotosDir is the folder where raw uploaded images are stored.
	PhotosDir string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	config := &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "diabetic_diary"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		RabbitMQ: RabbitMQConfig{
			Host:                getEnv("RABBITMQ_HOST", "localhost"),
			Port:                getEnv("RABBITMQ_PORT", "5672"),
			User:                getEnv("RABBITMQ_USER", "guest"),
			Password:            getEnv("RABBITMQ_PASSWORD", "guest"),
			Exchange:            getEnv("RABBITMQ_EXCHANGE", "food-recognition"),
			Queue:               getEnv("RABBITMQ_QUEUE", "food-recognition-queue"),
			RecognizeRoutingKey: getEnv("RABBITMQ_RECOGNIZE_ROUTING_KEY", "recognize_food"),
		},

		// Provider defaults
		LLMProvider:  getEnv("LLM_PROVIDER", "openai"),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o"),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.0-flash"),

		ProviderTimeout: getDurationEnv("PROVIDER_TIMEOUT", 60*time.Second),

		MaxRetries: getIntEnv("MAX_RETRIES", 5),

		Workers: getIntEnv("WORKER_POOL_SIZE", 4),

		StrictNutrition: getBoolEnv("STRICT_NUTRITION", false),

		PhotosDir: getEnv("PHOTOS_DIR", "./photos"),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getBoolEnv gets a boolean environment variable or returns a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
