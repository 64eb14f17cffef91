package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`

	// Auth for the management/submit API
	APIToken  string `mapstructure:"api_token"`
	JWTSecret string `mapstructure:"jwt_secret"`

	// Delivery retry policy
	MaxAttempts        int `mapstructure:"max_attempts"`
	BaseBackoffSeconds int `mapstructure:"base_backoff_seconds"`
	MaxBackoffSeconds  int `mapstructure:"max_backoff_seconds"`

	// Escalation
	DefaultEscalationDelayMinutes int `mapstructure:"default_escalation_delay_minutes"`

	// Deferred-delivery worker pool
	WorkerCount int `mapstructure:"worker_count"`

	// Preference/rule cache TTL (seconds) for the redis read cache
	PreferenceCacheTTLSeconds int `mapstructure:"preference_cache_ttl_seconds"`

	// Optional webhook adapter target for the chat channel
	ChatWebhookURL string `mapstructure:"chat_webhook_url"`

	// Firebase service account key for the push channel
	FCMCredentialsFile string `mapstructure:"fcm_credentials_file"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so `go run` works without exporting
	// env vars. Missing .env is fine in production/Docker.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Defaults match the documented deployment defaults.
	v.SetDefault("port", "8080")
	v.SetDefault("max_attempts", 5)
	v.SetDefault("base_backoff_seconds", 30)
	v.SetDefault("max_backoff_seconds", 300)
	v.SetDefault("default_escalation_delay_minutes", 15)
	v.SetDefault("worker_count", 4)
	v.SetDefault("preference_cache_ttl_seconds", 30)
	v.SetDefault("fcm_credentials_file", "firebase-service-account-key.json")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("courier")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("courier")

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("api_token", "COURIER_API_TOKEN")
	_ = v.BindEnv("jwt_secret", "COURIER_JWT_SECRET")
	_ = v.BindEnv("max_attempts", "COURIER_MAX_ATTEMPTS")
	_ = v.BindEnv("base_backoff_seconds", "COURIER_BASE_BACKOFF_SECONDS")
	_ = v.BindEnv("max_backoff_seconds", "COURIER_MAX_BACKOFF_SECONDS")
	_ = v.BindEnv("default_escalation_delay_minutes", "COURIER_DEFAULT_ESCALATION_DELAY_MINUTES")
	_ = v.BindEnv("worker_count", "COURIER_WORKER_COUNT")
	_ = v.BindEnv("chat_webhook_url", "COURIER_CHAT_WEBHOOK_URL")
	_ = v.BindEnv("fcm_credentials_file", "COURIER_FCM_CREDENTIALS_FILE")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// Backfill env vars for code paths that still read os.Getenv.
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
