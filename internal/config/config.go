// Package config loads the service configuration: compiled-in defaults,
// overlaid by an optional TOML file, overlaid by environment variables.
// Addresses usually arrive through the environment in deployment; the file
// carries tuning that rarely changes.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full sessiond configuration. The Redis, NATS, and PostgreSQL
// backends are optional: an empty address disables the feature they carry.
type Config struct {
	ListenAddr  string `toml:"listen_addr"`
	LogLevel    string `toml:"log_level"`
	SessionsDir string `toml:"sessions_dir"`
	PairingCode string `toml:"pairing_code"`
	Protocol    string `toml:"protocol"` // connector implementation; only "loopback" ships today

	RedisAddr   string `toml:"redis_addr"`   // enables rate limiting
	NATSURL     string `toml:"nats_url"`     // enables the event bridge
	DatabaseURL string `toml:"database_url"` // enables the audit trail

	PairingDelayMs     int `toml:"pairing_delay_ms"`
	StabilizeDelayMs   int `toml:"stabilize_delay_ms"`
	DeliverPacingMs    int `toml:"deliver_pacing_ms"`
	RetireDelayMs      int `toml:"retire_delay_ms"`
	ReconnectBackoffMs int `toml:"reconnect_backoff_ms"`
	JanitorIntervalSec int `toml:"janitor_interval_sec"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		ListenAddr:  ":8080",
		LogLevel:    "info",
		SessionsDir: "sessions",
		Protocol:    "loopback",

		PairingDelayMs:     3000,
		StabilizeDelayMs:   5000,
		DeliverPacingMs:    750,
		RetireDelayMs:      10000,
		ReconnectBackoffMs: 5000,
		JanitorIntervalSec: 60,
	}
}

// Load reads a TOML file and overlays it on the defaults. Only keys the file
// actually defines override; everything else keeps its default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("sessions_dir") {
		cfg.SessionsDir = strings.TrimSpace(raw.SessionsDir)
	}
	if meta.IsDefined("pairing_code") {
		cfg.PairingCode = strings.TrimSpace(raw.PairingCode)
	}
	if meta.IsDefined("protocol") {
		cfg.Protocol = strings.TrimSpace(raw.Protocol)
	}
	if meta.IsDefined("redis_addr") {
		cfg.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("nats_url") {
		cfg.NATSURL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("database_url") {
		cfg.DatabaseURL = strings.TrimSpace(raw.DatabaseURL)
	}
	if meta.IsDefined("pairing_delay_ms") {
		cfg.PairingDelayMs = raw.PairingDelayMs
	}
	if meta.IsDefined("stabilize_delay_ms") {
		cfg.StabilizeDelayMs = raw.StabilizeDelayMs
	}
	if meta.IsDefined("deliver_pacing_ms") {
		cfg.DeliverPacingMs = raw.DeliverPacingMs
	}
	if meta.IsDefined("retire_delay_ms") {
		cfg.RetireDelayMs = raw.RetireDelayMs
	}
	if meta.IsDefined("reconnect_backoff_ms") {
		cfg.ReconnectBackoffMs = raw.ReconnectBackoffMs
	}
	if meta.IsDefined("janitor_interval_sec") {
		cfg.JanitorIntervalSec = raw.JanitorIntervalSec
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables on the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SESSIONS_DIR"); v != "" {
		c.SessionsDir = v
	}
	if v := os.Getenv("PAIRING_CODE"); v != "" {
		c.PairingCode = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATSURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
}
