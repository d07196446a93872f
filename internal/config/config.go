// Package config loads and validates the dispatcher configuration.
//
// The config file is YAML. Unknown keys are rejected so typos surface at
// startup instead of silently falling back to defaults. All knobs have
// defaults tuned for a shared SMTP relay with an unstated rate limit.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// SMTP holds the account used for every outbound message.
// Host and Username are mandatory; their absence is checked at dispatch
// preflight, not at load time, so preview still works on a bare config.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSL      bool   `yaml:"ssl"`
	StartTLS bool   `yaml:"starttls"`
}

// Pacing configures the burst-based adaptive pause between sends.
type Pacing struct {
	Burst        int      `yaml:"burst"`
	InitialPause Duration `yaml:"initial_pause"`
	MinPause     Duration `yaml:"min_pause"`
	MaxPause     Duration `yaml:"max_pause"`
	Decrease     Duration `yaml:"decrease"`
	Multiplier   float64  `yaml:"multiplier"`
}

// Retry configures per-message retries on transient failures.
// BaseDelay should clear the relay's cooldown window, so the first
// retry is not wasted.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      float64  `yaml:"jitter"`
}

// Connection configures session establishment and the circuit breaker.
// FailClosedAfter counts consecutive whole-task connect failures, not
// individual dial attempts.
type Connection struct {
	DialAttempts    int      `yaml:"dial_attempts"`
	DialDelay       Duration `yaml:"dial_delay"`
	DialMaxDelay    Duration `yaml:"dial_max_delay"`
	Timeout         Duration `yaml:"timeout"`
	FailClosedAfter int      `yaml:"fail_closed_after"`
}

// Mail configures message composition. Templates receive
// {{.Origin}}, {{.Code}} and {{.Signature}}.
type Mail struct {
	SubjectTemplate string `yaml:"subject_template"`
	BodyTemplate    string `yaml:"body_template"`
	SignatureFile   string `yaml:"signature_file"`
	CCSelf          bool   `yaml:"cc_self"`
}

// Addresses points at the recipient directory CSV (code,name,email).
type Addresses struct {
	File string `yaml:"file"`
}

// Folders names the per-origin subfolders. Defaults are English; legacy
// trees can override them without renaming directories on disk.
type Folders struct {
	Pending   string `yaml:"pending"`
	Delivered string `yaml:"delivered"`
	Failed    string `yaml:"failed"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	SMTP       SMTP       `yaml:"smtp"`
	Pacing     Pacing     `yaml:"pacing"`
	Retry      Retry      `yaml:"retry"`
	Connection Connection `yaml:"connection"`
	Mail       Mail       `yaml:"mail"`
	Addresses  Addresses  `yaml:"addresses"`
	Folders    Folders    `yaml:"folders"`
	Log        Log        `yaml:"log"`

	// Schedule is an optional cron spec for recurring runs; empty means
	// a single one-shot dispatch.
	Schedule string `yaml:"schedule"`
	// Watch triggers a run when new files land in a pending folder.
	Watch bool `yaml:"watch"`
}

// Default returns the built-in configuration. Load decodes on top of it,
// so a partial file only overrides what it names.
func Default() Config {
	return Config{
		SMTP: SMTP{
			Port:     587,
			StartTLS: true,
		},
		Pacing: Pacing{
			Burst:        5,
			InitialPause: Duration(10 * time.Second),
			MinPause:     Duration(3 * time.Second),
			MaxPause:     Duration(60 * time.Second),
			Decrease:     Duration(500 * time.Millisecond),
			Multiplier:   2.0,
		},
		Retry: Retry{
			MaxAttempts: 5,
			BaseDelay:   Duration(30 * time.Second),
			MaxDelay:    Duration(60 * time.Second),
			Jitter:      0.2,
		},
		Connection: Connection{
			DialAttempts:    3,
			DialDelay:       Duration(10 * time.Second),
			DialMaxDelay:    Duration(60 * time.Second),
			Timeout:         Duration(30 * time.Second),
			FailClosedAfter: 3,
		},
		Mail: Mail{
			SubjectTemplate: "{{.Origin}} delivery confirmation_{{.Code}}",
			BodyTemplate: "Hello,\n\n" +
				"Please find attached the delivery confirmation sheets for {{.Origin}}.\n\n" +
				"Kindly review, sign and return within three working days.\n\n" +
				"{{.Signature}}",
			SignatureFile: "Signature.txt",
			CCSelf:        true,
		},
		Addresses: Addresses{File: "EmailAddress.csv"},
		Folders: Folders{
			Pending:   "pending",
			Delivered: "delivered",
			Failed:    "failed",
		},
		Log: Log{Level: "info", File: "mailout.log"},
	}
}

// Load reads the YAML file at path on top of Default and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML on top of Default and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pacing.Burst < 1 {
		return fmt.Errorf("config: pacing.burst must be >= 1")
	}
	if c.Pacing.Multiplier <= 1 {
		return fmt.Errorf("config: pacing.multiplier must be > 1")
	}
	if c.Pacing.MinPause > c.Pacing.MaxPause {
		return fmt.Errorf("config: pacing.min_pause exceeds pacing.max_pause")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("config: retry.jitter must be in [0, 1)")
	}
	if c.Connection.DialAttempts < 1 {
		return fmt.Errorf("config: connection.dial_attempts must be >= 1")
	}
	if c.Connection.FailClosedAfter < 1 {
		return fmt.Errorf("config: connection.fail_closed_after must be >= 1")
	}
	for _, f := range []struct{ name, v string }{
		{"folders.pending", c.Folders.Pending},
		{"folders.delivered", c.Folders.Delivered},
		{"folders.failed", c.Folders.Failed},
	} {
		if strings.TrimSpace(f.v) == "" {
			return fmt.Errorf("config: %s must not be empty", f.name)
		}
	}
	return nil
}
