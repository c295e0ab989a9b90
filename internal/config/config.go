// Package config содержит логику чтения конфигурации сервиса бронирования занятий.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress         = "localhost:8080"
	defaultRefundCutoff       = 48 * time.Hour
	defaultConfirmationWindow = 4 * time.Hour
	defaultSweepInterval      = time.Minute
	defaultNotifyQueueSize    = 256
)

// Config содержит параметры конфигурации сервиса бронирования.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
	NotifyQueueSize  int    `env:"NOTIFY_QUEUE_SIZE"`

	StaffToken    string `env:"STAFF_TOKEN"`
	SessionSecret string `env:"SESSION_SECRET"`

	RefundCutoff       time.Duration `env:"REFUND_CUTOFF"`
	ConfirmationWindow time.Duration `env:"CONFIRMATION_WINDOW"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.NotifyWebhookURL, "n", "", "webhook URL for booking notifications")
	flag.IntVar(&cfg.NotifyQueueSize, "notify-queue", defaultNotifyQueueSize, "notification queue size")
	flag.StringVar(&cfg.StaffToken, "s", "", "bearer token for staff API")
	flag.StringVar(&cfg.SessionSecret, "k", "", "secret key for parent session cookies")
	flag.DurationVar(&cfg.RefundCutoff, "refund-cutoff", defaultRefundCutoff, "minimal time before a slot for a full refund")
	flag.DurationVar(&cfg.ConfirmationWindow, "confirm-window", defaultConfirmationWindow, "time to confirm a spot offered from the waitlist")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", defaultSweepInterval, "interval between waitlist expiry sweeps")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.NotifyWebhookURL != "" {
		cfg.NotifyWebhookURL = fromEnv.NotifyWebhookURL
	}
	if fromEnv.NotifyQueueSize > 0 {
		cfg.NotifyQueueSize = fromEnv.NotifyQueueSize
	}
	if fromEnv.StaffToken != "" {
		cfg.StaffToken = fromEnv.StaffToken
	}
	if fromEnv.SessionSecret != "" {
		cfg.SessionSecret = fromEnv.SessionSecret
	}
	if fromEnv.RefundCutoff > 0 {
		cfg.RefundCutoff = fromEnv.RefundCutoff
	}
	if fromEnv.ConfirmationWindow > 0 {
		cfg.ConfirmationWindow = fromEnv.ConfirmationWindow
	}
	if fromEnv.SweepInterval > 0 {
		cfg.SweepInterval = fromEnv.SweepInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.NotifyQueueSize <= 0 {
		cfg.NotifyQueueSize = defaultNotifyQueueSize
	}
	if cfg.RefundCutoff <= 0 || cfg.ConfirmationWindow <= 0 || cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("durations must be positive: refund cutoff %v, confirmation window %v, sweep interval %v",
			cfg.RefundCutoff, cfg.ConfirmationWindow, cfg.SweepInterval)
	}

	return cfg, nil
}
