package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the bridge.
type Config struct {
	BackendBaseURL string
	BackendAPIKey  string
	TransportURL   string
	ChatbotID      string
	OperatorUserID string
	DeviceType     string
	Port           string
	DatabaseURL    string
	RabbitMQURL    string
	RabbitMQQueue  string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3PathStyle    bool
	LogLevel       string
	LogFormat      string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present; environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		BackendBaseURL: os.Getenv("CHATBUDDY_BACKEND_URL"),
		BackendAPIKey:  os.Getenv("CHATBUDDY_API_KEY"),
		TransportURL:   os.Getenv("CHATBUDDY_TRANSPORT_URL"),
		ChatbotID:      os.Getenv("CHATBUDDY_CHATBOT_ID"),
		OperatorUserID: os.Getenv("CHATBUDDY_OPERATOR_ID"),
		DeviceType:     os.Getenv("CHATBUDDY_DEVICE_TYPE"),
		Port:           os.Getenv("PORT"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RabbitMQURL:    os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:  os.Getenv("RABBITMQ_QUEUE"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3Region:       os.Getenv("S3_REGION"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3PathStyle:    os.Getenv("S3_PATH_STYLE") == "true",
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}

	if cfg.BackendBaseURL == "" {
		return nil, fmt.Errorf("CHATBUDDY_BACKEND_URL is required")
	}
	if cfg.TransportURL == "" {
		return nil, fmt.Errorf("CHATBUDDY_TRANSPORT_URL is required")
	}
	if cfg.ChatbotID == "" {
		return nil, fmt.Errorf("CHATBUDDY_CHATBOT_ID is required")
	}
	if cfg.OperatorUserID == "" {
		return nil, fmt.Errorf("CHATBUDDY_OPERATOR_ID is required")
	}

	if cfg.DeviceType == "" {
		cfg.DeviceType = "inbox-bridge"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "inbox-bridge.db"
		log.Info().Str("database_url", cfg.DatabaseURL).Msg("DATABASE_URL not set, using default")
	}
	if cfg.RabbitMQQueue == "" {
		cfg.RabbitMQQueue = "chatbuddy_inbox_events"
	}

	return cfg, nil
}
