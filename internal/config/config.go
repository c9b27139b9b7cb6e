// Package config assembles the tool's runtime settings once at the entry
// point: built-in defaults, overlaid by ~/.drydock/config.toml, overlaid by a
// project-local .drydock/config.toml. Core packages receive the result by
// value and never read ambient configuration themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultImage                = "ghcr.io/drydock-run/agent:latest"
	defaultAgentExecutable      = "claude"
	defaultIdleTimeout          = 300 * time.Second
	defaultCommandTimeout       = 600 * time.Second
	defaultReadyTimeout         = 60 * time.Second
	defaultReadyPollInterval    = 500 * time.Millisecond
	defaultWatchdogPollInterval = 5 * time.Second
	defaultStopGrace            = 10 * time.Second
)

// defaultSessionCommand is the session's top-level process: the in-container
// idle supervisor.
var defaultSessionCommand = []string{"drydock", "watchdog"}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Image                string
	AgentExecutable      string
	IdleTimeout          time.Duration
	CommandTimeout       time.Duration
	ReadyTimeout         time.Duration
	ReadyPollInterval    time.Duration
	WatchdogPollInterval time.Duration
	StopGrace            time.Duration
	StrictActivity       bool
	SessionCommand       []string
}

type fileConfig struct {
	Image                *string  `toml:"image"`
	AgentExecutable      *string  `toml:"agent_executable"`
	IdleTimeout          *string  `toml:"idle_timeout"`
	CommandTimeout       *string  `toml:"command_timeout"`
	ReadyTimeout         *string  `toml:"ready_timeout"`
	ReadyPollInterval    *string  `toml:"ready_poll_interval"`
	WatchdogPollInterval *string  `toml:"watchdog_poll_interval"`
	StopGrace            *string  `toml:"stop_grace"`
	StrictActivity       *bool    `toml:"strict_activity"`
	SessionCommand       []string `toml:"session_command"`
}

// Load reads config from ~/.drydock/config.toml and overlays a project-local
// .drydock/config.toml.
func Load() (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".drydock", "config.toml"),
		filepath.Join(workingDir, ".drydock", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Image:                defaultImage,
		AgentExecutable:      defaultAgentExecutable,
		IdleTimeout:          defaultIdleTimeout,
		CommandTimeout:       defaultCommandTimeout,
		ReadyTimeout:         defaultReadyTimeout,
		ReadyPollInterval:    defaultReadyPollInterval,
		WatchdogPollInterval: defaultWatchdogPollInterval,
		StopGrace:            defaultStopGrace,
		StrictActivity:       true,
		SessionCommand:       append([]string(nil), defaultSessionCommand...),
	}
}

func overlayFromFile(cfg *Config, path string) error {
	// #nosec G304 -- config paths are deterministic under the home and working directories.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var file fileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return applyOverlay(cfg, file, path)
}

func applyOverlay(cfg *Config, file fileConfig, path string) error {
	if file.Image != nil {
		cfg.Image = *file.Image
	}
	if file.AgentExecutable != nil {
		cfg.AgentExecutable = *file.AgentExecutable
	}
	if file.StrictActivity != nil {
		cfg.StrictActivity = *file.StrictActivity
	}
	if len(file.SessionCommand) > 0 {
		cfg.SessionCommand = append([]string(nil), file.SessionCommand...)
	}

	durations := []struct {
		raw   *string
		field *time.Duration
		key   string
	}{
		{file.IdleTimeout, &cfg.IdleTimeout, "idle_timeout"},
		{file.CommandTimeout, &cfg.CommandTimeout, "command_timeout"},
		{file.ReadyTimeout, &cfg.ReadyTimeout, "ready_timeout"},
		{file.ReadyPollInterval, &cfg.ReadyPollInterval, "ready_poll_interval"},
		{file.WatchdogPollInterval, &cfg.WatchdogPollInterval, "watchdog_poll_interval"},
		{file.StopGrace, &cfg.StopGrace, "stop_grace"},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("parse %s in %s: %w", d.key, path, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s in %s must be positive, got %s", d.key, path, parsed)
		}
		*d.field = parsed
	}
	return nil
}
