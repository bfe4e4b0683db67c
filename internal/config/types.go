package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"medbot/internal/clock"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Engine   EngineConfig   `json:"engine"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./medbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the reminder engine: scheduling timezone, the
// dispatch catch-up window, and the background maintenance cadences.
//
// All durations are Go duration strings. Cron specs use the standard
// five-field syntax (minute granularity).
//
// Defaults (when fields are omitted/zero):
//   - timezone: process-local
//   - catch_up_window_minutes: 30
//   - sync_cron: "*/5 * * * *"
//   - maintenance_cron: "30 3 * * *"
//   - workers: 4
//   - rate_per_sec: 3
//   - send_timeout: "10s"
type EngineConfig struct {
	// Timezone is the IANA zone all civil dates and minute-of-day math use.
	Timezone string `json:"timezone,omitempty"`

	// CatchUpWindowMinutes is how long past its scheduled minute a pending
	// reminder remains deliverable. Older entries stay pending untouched.
	CatchUpWindowMinutes int `json:"catch_up_window_minutes,omitempty"`

	// SyncCron regenerates today's schedule entries, picking up medication
	// edits made outside the bot.
	SyncCron string `json:"sync_cron,omitempty"`

	// MaintenanceCron runs duplicate reconciliation and minute repair.
	MaintenanceCron string `json:"maintenance_cron,omitempty"`

	Workers    int    `json:"workers,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// SendTimeout bounds one delivery attempt.
	SendTimeout string `json:"send_timeout,omitempty"`
}

const (
	DefaultSyncCron        = "*/5 * * * *"
	DefaultMaintenanceCron = "30 3 * * *"
)

// Validate rejects configs that could not produce a working bot. It is the
// hook the watcher runs before committing a reload, so it must catch
// everything the runtime would otherwise trip over mid-flight.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	switch d := strings.TrimSpace(c.Storage.Driver); d {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", d)
	}
	if c.Storage.Driver != "memory" && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required for sqlite")
	}
	if _, err := clock.NewSystem(c.Engine.Timezone); err != nil {
		return fmt.Errorf("engine.%w", err)
	}
	if w := c.Engine.CatchUpWindowMinutes; w < 0 || w >= clock.MinutesPerDay {
		return fmt.Errorf("engine.catch_up_window_minutes: %d out of range", w)
	}
	if _, err := ParseDurationField("engine.send_timeout", c.Engine.SendTimeout); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.SyncCronOrDefault()); err != nil {
		return fmt.Errorf("engine.sync_cron: %w", err)
	}
	if _, err := cron.ParseStandard(c.MaintenanceCronOrDefault()); err != nil {
		return fmt.Errorf("engine.maintenance_cron: %w", err)
	}
	return nil
}

// PollTimeoutOrDefault resolves telegram.poll_timeout with the long-poll
// default.
func (c *Config) PollTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// SendTimeoutOrDefault resolves engine.send_timeout.
func (c *Config) SendTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("engine.send_timeout", c.Engine.SendTimeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// SyncCronOrDefault resolves engine.sync_cron.
func (c *Config) SyncCronOrDefault() string {
	if s := strings.TrimSpace(c.Engine.SyncCron); s != "" {
		return s
	}
	return DefaultSyncCron
}

// MaintenanceCronOrDefault resolves engine.maintenance_cron.
func (c *Config) MaintenanceCronOrDefault() string {
	if s := strings.TrimSpace(c.Engine.MaintenanceCron); s != "" {
		return s
	}
	return DefaultMaintenanceCron
}
