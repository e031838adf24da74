package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"dripsend/internal/mail"
)

type fileRequest struct {
	Subject     string   `yaml:"subject"`
	Body        string   `yaml:"body"`
	Recipients  []string `yaml:"recipients"`
	Start       string   `yaml:"start"` // RFC 3339
	Delay       string   `yaml:"delay"` // Go duration string
	HourlyLimit int      `yaml:"hourly_limit"`
}

// LoadScheduleRequest reads a schedule request from a YAML (or JSON) file.
func LoadScheduleRequest(path string) (mail.ScheduleRequest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return mail.ScheduleRequest{}, err
	}
	var fr fileRequest
	if err := yaml.Unmarshal(b, &fr); err != nil {
		return mail.ScheduleRequest{}, fmt.Errorf("parse request %s: %w", path, err)
	}

	start, err := time.Parse(time.RFC3339, strings.TrimSpace(fr.Start))
	if err != nil {
		return mail.ScheduleRequest{}, fmt.Errorf("start: expected RFC 3339 instant: %w", err)
	}
	var delay time.Duration
	if s := strings.TrimSpace(fr.Delay); s != "" {
		delay, err = time.ParseDuration(s)
		if err != nil {
			return mail.ScheduleRequest{}, fmt.Errorf("delay: %w", err)
		}
	}

	return mail.ScheduleRequest{
		Subject:     fr.Subject,
		Body:        fr.Body,
		Recipients:  fr.Recipients,
		Start:       start,
		Delay:       delay,
		HourlyLimit: fr.HourlyLimit,
	}, nil
}
