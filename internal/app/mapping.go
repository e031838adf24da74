package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"dripsend/internal/config"
	"dripsend/internal/mail"
	"dripsend/internal/store"
	"dripsend/internal/transport"
	"dripsend/internal/worker"
	logx "dripsend/pkg/logx"
)

// deliverySettings is the app-level view of the delivery block: the worker
// pool config plus the knobs the app itself owns (queue sizing, sweep).
type deliverySettings struct {
	pool      worker.Config
	queueSize int
	sweep     time.Duration
	lease     time.Duration
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./dripsend.db"
	}
	busy, err := config.ParseDurationField(cfg.Storage.BusyTimeout, "storage.busy_timeout")
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

func mapDeliverySettings(cfg *config.Config) (deliverySettings, error) {
	d := cfg.Delivery

	base, err := config.ParseDurationOrDefault(d.Retry.Base, 2*time.Second)
	if err != nil {
		return deliverySettings{}, fmt.Errorf("delivery.retry.base: %w", err)
	}
	maxDelay, err := config.ParseDurationOrDefault(d.Retry.MaxDelay, time.Minute)
	if err != nil {
		return deliverySettings{}, fmt.Errorf("delivery.retry.max_delay: %w", err)
	}
	rateRetry, err := config.ParseDurationOrDefault(d.RateRetryDelay, time.Minute)
	if err != nil {
		return deliverySettings{}, fmt.Errorf("delivery.rate_retry_delay: %w", err)
	}
	sweep, err := config.ParseDurationOrDefault(d.SweepInterval, 30*time.Second)
	if err != nil {
		return deliverySettings{}, fmt.Errorf("delivery.sweep_interval: %w", err)
	}
	lease, err := config.ParseDurationOrDefault(d.ProcessingLease, 5*time.Minute)
	if err != nil {
		return deliverySettings{}, fmt.Errorf("delivery.processing_lease: %w", err)
	}
	// The per-attempt deadline the pool imposes matches the transport's own
	// timeout, so a configured smtp.timeout is never truncated by the pool.
	sendTimeout, err := config.ParseDurationOrDefault(cfg.SMTP.Timeout, 30*time.Second)
	if err != nil {
		return deliverySettings{}, fmt.Errorf("smtp.timeout: %w", err)
	}

	queueSize := d.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return deliverySettings{
		pool: worker.Config{
			Workers:        d.Workers,
			HourlyLimit:    cfg.Sender.HourlyLimit,
			RatePerSec:     d.RatePerSec,
			RetryMax:       d.Retry.Max,
			RetryBase:      base,
			RetryMaxDelay:  maxDelay,
			RateRetryDelay: rateRetry,
			SendTimeout:    sendTimeout,
		},
		queueSize: queueSize,
		sweep:     sweep,
		lease:     lease,
	}, nil
}

func mapSMTPConfig(cfg *config.Config) (transport.SMTPConfig, error) {
	timeout, err := config.ParseDurationField(cfg.SMTP.Timeout, "smtp.timeout")
	if err != nil {
		return transport.SMTPConfig{}, err
	}
	password := cfg.SMTP.Password
	if password == "" {
		password = os.Getenv("SMTP_PASSWORD")
	}
	return transport.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: password,
		From:     cfg.Sender.Address,
		StartTLS: cfg.SMTP.StartTLS,
		HELOName: cfg.SMTP.HELOName,
		Timeout:  timeout,
		DKIM: transport.DKIMConfig{
			Selector: cfg.SMTP.DKIM.Selector,
			Domain:   cfg.SMTP.DKIM.Domain,
			KeyPath:  cfg.SMTP.DKIM.KeyPath,
		},
	}, nil
}

// validateConfig covers the checks shared by startup and hot reload.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := mail.ValidateAddress(cfg.Sender.Address); err != nil {
		return fmt.Errorf("sender.address: %w", err)
	}
	if cfg.Sender.HourlyLimit < 0 {
		return fmt.Errorf("sender.hourly_limit must be >= 0")
	}
	if cfg.Delivery.Workers < 0 {
		return fmt.Errorf("delivery.workers must be >= 0")
	}
	if cfg.Delivery.QueueSize < 0 {
		return fmt.Errorf("delivery.queue_size must be >= 0")
	}
	if cfg.Delivery.RatePerSec < 0 {
		return fmt.Errorf("delivery.rate_per_sec must be >= 0")
	}
	if cfg.Delivery.Retry.Max < 0 {
		return fmt.Errorf("delivery.retry.max must be >= 0")
	}
	if strings.TrimSpace(cfg.SMTP.Host) == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliverySettings(cfg); err != nil {
		return err
	}
	if _, err := mapSMTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
