package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	DatabaseURL string

	PayPalAPIBase      string
	PayPalClientID     string
	PayPalClientSecret string
	PayPalWebhookID    string

	Currency                string
	ExhibitorSlotPriceCents int64
	SessionSlotPriceCents   int64
	ModulePriceCents        int64

	DefaultMaxSessions int64
	SessionIdleTTL     time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	SentryDSN string
}

func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	clientID := os.Getenv("PAYPAL_CLIENT_ID")
	if clientID == "" {
		return nil, errors.New("PAYPAL_CLIENT_ID environment variable is required")
	}

	clientSecret := os.Getenv("PAYPAL_CLIENT_SECRET")
	if clientSecret == "" {
		return nil, errors.New("PAYPAL_CLIENT_SECRET environment variable is required")
	}

	webhookID := os.Getenv("PAYPAL_WEBHOOK_ID")
	if webhookID == "" {
		return nil, errors.New("PAYPAL_WEBHOOK_ID environment variable is required")
	}

	apiBase := os.Getenv("PAYPAL_API_BASE")
	if apiBase == "" {
		apiBase = "https://api-m.paypal.com"
	}

	currency := os.Getenv("CURRENCY")
	if currency == "" {
		currency = "USD"
	}

	exhibitorPrice, err := envInt64("EXHIBITOR_SLOT_PRICE_CENTS", 30000)
	if err != nil {
		return nil, err
	}

	sessionPrice, err := envInt64("SESSION_SLOT_PRICE_CENTS", 10000)
	if err != nil {
		return nil, err
	}

	modulePrice, err := envInt64("MODULE_PRICE_CENTS", 50000)
	if err != nil {
		return nil, err
	}

	maxSessions, err := envInt64("DEFAULT_MAX_SESSIONS", 2)
	if err != nil {
		return nil, err
	}

	idleTTL := time.Duration(0)
	if raw := os.Getenv("SESSION_IDLE_TTL"); raw != "" {
		idleTTL, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("SESSION_IDLE_TTL is not a valid duration: %w", err)
		}
	}

	emailFrom := os.Getenv("EMAIL_FROM")
	if emailFrom == "" {
		emailFrom = "billing@expodesk.app"
	}

	return &Config{
		Port:                    port,
		DatabaseURL:             dbURL,
		PayPalAPIBase:           apiBase,
		PayPalClientID:          clientID,
		PayPalClientSecret:      clientSecret,
		PayPalWebhookID:         webhookID,
		Currency:                currency,
		ExhibitorSlotPriceCents: exhibitorPrice,
		SessionSlotPriceCents:   sessionPrice,
		ModulePriceCents:        modulePrice,
		DefaultMaxSessions:      maxSessions,
		SessionIdleTTL:          idleTTL,
		SMTPHost:                os.Getenv("SMTP_HOST"),
		SMTPPort:                os.Getenv("SMTP_PORT"),
		SMTPUsername:            os.Getenv("SMTP_USERNAME"),
		SMTPPassword:            os.Getenv("SMTP_PASSWORD"),
		EmailFrom:               emailFrom,
		SentryDSN:               os.Getenv("SENTRY_DSN"),
	}, nil
}

func envInt64(name string, fallback int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid integer: %w", name, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("%s cannot be negative", name)
	}
	return value, nil
}
