package main

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/andrewpillar/shopkeeper"
)

type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	LogLevel       string
	WebhookPath    string
	Stripe         shopkeeper.Config
}

// Load reads the Config from the environment. Variables set in a .env file
// in the working directory are used if they are not already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	tolerance, err := time.ParseDuration(getEnv("STRIPE_WEBHOOK_TOLERANCE", "5m"))

	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		WebhookPath:    getEnv("SHOPKEEPER_WEBHOOK_PATH", "/stripe/webhook"),
		Stripe: shopkeeper.Config{
			SecretKey:     getEnv("STRIPE_SECRET", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			APIVersion:    getEnv("STRIPE_API_VERSION", ""),
			Tolerance:     tolerance,
		},
	}
	return cfg, nil
}

// Validate checks the settings needed to run the daemon.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return c.Stripe.Validate()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
