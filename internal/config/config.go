// Package config loads forwarder configuration from the environment (and an
// optional .env file), the way both halves of the teacher service load
// theirs via viper.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration for the forwarder process.
type Config struct {
	RabbitMQURL          string
	FinishWebhook        string
	DBPath               string
	APIPort              int
	GinMode              string
	MaxReconnectAttempts int
	Timezone             string
}

// Load reads configuration from the environment. RABBITMQ_URL and
// FINISH_WEBHOOK are required; their absence is a Load error, which main
// treats as an immediate fatal exit.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.SetDefault("DB_PATH", "/data/consumers.db")
	viper.SetDefault("API_PORT", 3000)
	viper.SetDefault("GIN_MODE", "release")
	viper.SetDefault("MAX_RECONNECT_ATTEMPTS", 10)
	viper.SetDefault("TIMEZONE", "America/Sao_Paulo")

	_ = viper.ReadInConfig()

	cfg := &Config{
		RabbitMQURL:          viper.GetString("RABBITMQ_URL"),
		FinishWebhook:        viper.GetString("FINISH_WEBHOOK"),
		DBPath:               viper.GetString("DB_PATH"),
		APIPort:              viper.GetInt("API_PORT"),
		GinMode:              viper.GetString("GIN_MODE"),
		MaxReconnectAttempts: viper.GetInt("MAX_RECONNECT_ATTEMPTS"),
		Timezone:             viper.GetString("TIMEZONE"),
	}

	if cfg.RabbitMQURL == "" {
		return nil, fmt.Errorf("config: RABBITMQ_URL is required")
	}
	if cfg.FinishWebhook == "" {
		return nil, fmt.Errorf("config: FINISH_WEBHOOK is required")
	}

	return cfg, nil
}
