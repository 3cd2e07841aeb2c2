package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all gantry server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	SourceName      string `json:"source_name"`
	SourceURL       string `json:"source_url"`
	SourceAPIKey    string `json:"source_api_key"`
	VaultPassphrase string `json:"vault_passphrase"`
	RetentionHours  int    `json:"retention_hours"`
	JanitorCron     string `json:"janitor_cron"`
	SweepSeconds    int    `json:"sweep_seconds"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:     ":4700",
		DBPath:         "file:" + filepath.Join(gantryDir(), "gantry.db"),
		LogLevel:       "info",
		SourceName:     "n8n",
		SourceURL:      "http://localhost:5678/api/v1",
		RetentionHours: 24,
		JanitorCron:    "*/10 * * * *",
		SweepSeconds:   5,
	}
}

func gantryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gantry"
	}
	return filepath.Join(home, ".gantry")
}

func settingsPath() string {
	return filepath.Join(gantryDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GANTRY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GANTRY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GANTRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GANTRY_SOURCE_NAME"); v != "" {
		cfg.SourceName = v
	}
	if v := os.Getenv("GANTRY_SOURCE_URL"); v != "" {
		cfg.SourceURL = v
	}
	if v := os.Getenv("GANTRY_SOURCE_API_KEY"); v != "" {
		cfg.SourceAPIKey = v
	}
	if v := os.Getenv("GANTRY_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("GANTRY_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionHours = n
		}
	}
	if v := os.Getenv("GANTRY_JANITOR_CRON"); v != "" {
		cfg.JanitorCron = v
	}
	if v := os.Getenv("GANTRY_SWEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepSeconds = n
		}
	}

	return cfg
}
