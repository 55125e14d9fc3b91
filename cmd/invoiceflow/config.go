package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Config holds the client configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	WSURL         string `json:"ws_url"`
	APIURL        string `json:"api_url"`
	LogLevel      string `json:"log_level"`
	JournalPath   string `json:"journal_path"`
	PipelinePath  string `json:"pipeline_path"`
	ListenAddr    string `json:"listen_addr"`
	MaxReconnects int    `json:"max_reconnects"`
	// HeartbeatSeconds of 0 keeps the default; a negative value disables pings.
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

func defaultConfig() Config {
	return Config{
		WSURL:         "ws://localhost:8000/ws/{workflow_id}",
		LogLevel:      "info",
		JournalPath:   filepath.Join(invoiceflowDir(), "journal.db"),
		ListenAddr:    ":4200",
		MaxReconnects: 5,
	}
}

func invoiceflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".invoiceflow"
	}
	return filepath.Join(home, ".invoiceflow")
}

func settingsPath() string {
	return filepath.Join(invoiceflowDir(), "settings.json")
}

// loadConfig layers defaults, the settings file and env vars. An explicit
// path must exist; the default settings file is optional.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := os.Getenv("INVOICEFLOW_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv("INVOICEFLOW_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("INVOICEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INVOICEFLOW_JOURNAL"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("INVOICEFLOW_PIPELINE"); v != "" {
		cfg.PipelinePath = v
	}
	if v := os.Getenv("INVOICEFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("INVOICEFLOW_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxReconnects = n
		}
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags the user actually set.
func applyFlags(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("ws-url", &cfg.WSURL)
	str("api-url", &cfg.APIURL)
	str("log-level", &cfg.LogLevel)
	str("journal", &cfg.JournalPath)
	str("pipeline", &cfg.PipelinePath)
	str("listen", &cfg.ListenAddr)
	if flags.Changed("max-reconnects") {
		cfg.MaxReconnects, _ = flags.GetInt("max-reconnects")
	}
}

// Validate checks the endpoints are usable.
func (c Config) Validate() error {
	u, err := url.Parse(c.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("ws_url must be a ws:// or wss:// URL, got %q", c.WSURL)
	}
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api_url must be an http:// or https:// URL, got %q", c.APIURL)
		}
	}
	if c.MaxReconnects < 1 {
		return fmt.Errorf("max_reconnects must be at least 1, got %d", c.MaxReconnects)
	}
	return nil
}

func (c Config) heartbeat() time.Duration {
	if c.HeartbeatSeconds < 0 {
		return -1
	}
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// journalDSN returns the libSQL DSN, or "" when journaling is off.
func (c Config) journalDSN() string {
	if c.JournalPath == "" || c.JournalPath == "off" {
		return ""
	}
	return "file:" + c.JournalPath
}
