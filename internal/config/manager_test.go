package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
logging:
  level: DEBUG
  console: true
storage:
  path: ./test.db
  busy_timeout: 5s
sender:
  address: no-reply@example.com
  hourly_limit: 100
delivery:
  workers: 8
  queue_size: 512
  retry:
    max: 5
    base: 1s
    max_delay: 2m
  rate_retry_delay: 30s
smtp:
  host: smtp.example.com
  port: 587
  starttls: true
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Sender.Address != "no-reply@example.com" || cfg.Sender.HourlyLimit != 100 {
		t.Fatalf("sender = %+v", cfg.Sender)
	}
	if cfg.Delivery.Workers != 8 || cfg.Delivery.QueueSize != 512 {
		t.Fatalf("delivery = %+v", cfg.Delivery)
	}
	if cfg.Delivery.Retry.Max != 5 || cfg.Delivery.Retry.Base != "1s" {
		t.Fatalf("retry = %+v", cfg.Delivery.Retry)
	}
	if cfg.SMTP.Host != "smtp.example.com" || !cfg.SMTP.StartTLS {
		t.Fatalf("smtp = %+v", cfg.SMTP)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{
		"sender": {"address": "s@example.com", "hourly_limit": 10},
		"smtp": {"host": "smtp.example.com", "starttls": false}
	}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Sender.HourlyLimit != 10 {
		t.Fatalf("sender = %+v", cfg.Sender)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", `
sender:
  address: s@example.com
  hourly_limt: 10
`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"sender":{"address":"s@example.com"}}{"extra":1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for trailing JSON tokens")
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("expected a published config")
	}

	// full buffer: oldest is dropped, newest delivered
	stale := &Config{}
	fresh := &Config{}
	m.publish(stale)
	m.publish(fresh)
	if got := <-ch; got != fresh {
		t.Fatal("expected the newest config after a drop")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after Unsubscribe")
	}
	// publishing after unsubscribe must not panic
	m.publish(cfg)
}

func TestHashConfigDetectsChange(t *testing.T) {
	t.Parallel()
	a := &Config{Sender: SenderConfig{Address: "a@example.com"}}
	b := &Config{Sender: SenderConfig{Address: "b@example.com"}}
	if hashConfig(a) == hashConfig(b) {
		t.Fatal("different configs must hash differently")
	}
	if hashConfig(a) != hashConfig(&Config{Sender: SenderConfig{Address: "a@example.com"}}) {
		t.Fatal("equal configs must hash equally")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"5s", 5 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"-5s", 0, true},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField(tt.raw, "test.field")
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDurationField(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	if d, err := ParseDurationOrDefault("", time.Minute); err != nil || d != time.Minute {
		t.Errorf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("10s", time.Minute); err != nil || d != 10*time.Second {
		t.Errorf("ParseDurationOrDefault 10s = %v, %v", d, err)
	}
}
