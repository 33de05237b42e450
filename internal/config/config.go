package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.chatsync/config.toml.
type Config struct {
	DefaultAccount string  `toml:"default_account"`
	API            API     `toml:"api"`
	Channel        Channel `toml:"channel"`
	Tuning         Tuning  `toml:"tuning"`
}

// API configures the REST collaborator used for history pages.
type API struct {
	BaseURL   string `toml:"base_url"`
	PageLimit int    `toml:"page_limit"`
}

// Channel configures the realtime channel and its reconnect policy.
type Channel struct {
	URL                 string `toml:"url"`
	ReconnectBaseMS     int    `toml:"reconnect_base_ms"`
	ReconnectMaxMS      int    `toml:"reconnect_max_ms"`
	ReconnectMaxRetries int    `toml:"reconnect_max_retries"`
}

// Tuning holds UI-facing intervals. These are tunable, not protocol
// constants; the defaults match observed app behavior.
type Tuning struct {
	TypingDebounceMS    int `toml:"typing_debounce_ms"`
	TypingQuietMS       int `toml:"typing_quiet_ms"`
	TypingExpiryMS      int `toml:"typing_expiry_ms"`
	ReadDebounceMS      int `toml:"read_debounce_ms"`
	StableConnectionSec int `toml:"stable_connection_sec"`
}

// Default returns a config with production defaults filled in.
func Default() *Config {
	return &Config{
		DefaultAccount: "main",
		API: API{
			BaseURL:   "https://api.campuslink.app",
			PageLimit: 20,
		},
		Channel: Channel{
			URL:                 "wss://chat.campuslink.app",
			ReconnectBaseMS:     1000,
			ReconnectMaxMS:      30000,
			ReconnectMaxRetries: 5,
		},
		Tuning: Tuning{
			TypingDebounceMS:    2000,
			TypingQuietMS:       4000,
			TypingExpiryMS:      5000,
			ReadDebounceMS:      500,
			StableConnectionSec: 60,
		},
	}
}

// Load reads config from the given path, layering file values over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
