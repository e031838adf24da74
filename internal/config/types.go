package config

// Config is the full startup configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface at startup instead of being
// silently ignored.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Sender   SenderConfig   `json:"sender"`
	Delivery DeliveryConfig `json:"delivery"`
	SMTP     SMTPConfig     `json:"smtp"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SenderConfig identifies the single configured sender and its default
// hourly admission limit. A schedule request may override the limit.
type SenderConfig struct {
	Address     string `json:"address"`
	HourlyLimit int    `json:"hourly_limit"`
}

// DeliveryConfig controls the worker pool, retry policy, and queue sizing.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - rate_per_sec: 0 (smoothing limiter disabled)
//   - retry: max 3 attempts, base "2s", max_delay "1m"
//   - rate_retry_delay: "1m"
//   - sweep_interval: "30s"
//   - processing_lease: "5m"
type DeliveryConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`

	Retry RetryConfig `json:"retry"`

	// RateRetryDelay is the re-queue delay when the hourly limit defers a
	// unit; rate deferrals do not consume the retry budget.
	RateRetryDelay string `json:"rate_retry_delay,omitempty"`

	// SweepInterval paces the reconciliation sweep that re-offers due
	// pending units and releases stale processing claims.
	SweepInterval string `json:"sweep_interval,omitempty"`

	// ProcessingLease is how long a processing claim may go without an
	// update before the sweep treats its worker as dead.
	ProcessingLease string `json:"processing_lease,omitempty"`
}

type RetryConfig struct {
	Max      int    `json:"max,omitempty"`       // total transport attempts per unit
	Base     string `json:"base,omitempty"`      // first retry delay, doubles per attempt
	MaxDelay string `json:"max_delay,omitempty"` // backoff cap
}

// SMTPConfig configures the relay transport. Password may be left empty and
// supplied via the SMTP_PASSWORD environment variable instead.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	StartTLS bool   `json:"starttls"`
	HELOName string `json:"helo_name,omitempty"`
	Timeout  string `json:"timeout,omitempty"`

	DKIM DKIMConfig `json:"dkim"`
}

type DKIMConfig struct {
	Selector string `json:"selector,omitempty"`
	Domain   string `json:"domain,omitempty"`
	KeyPath  string `json:"key_path,omitempty"`
}
