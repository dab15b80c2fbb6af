package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessiond.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr = ":9090"
redis_addr = "localhost:6379"
pairing_delay_ms = 100
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q, want localhost:6379", cfg.RedisAddr)
	}
	if cfg.PairingDelayMs != 100 {
		t.Errorf("PairingDelayMs = %d, want 100", cfg.PairingDelayMs)
	}

	def := Default()
	if cfg.LogLevel != def.LogLevel {
		t.Errorf("LogLevel = %q, want default %q", cfg.LogLevel, def.LogLevel)
	}
	if cfg.SessionsDir != def.SessionsDir {
		t.Errorf("SessionsDir = %q, want default %q", cfg.SessionsDir, def.SessionsDir)
	}
	if cfg.StabilizeDelayMs != def.StabilizeDelayMs {
		t.Errorf("StabilizeDelayMs = %d, want default %d", cfg.StabilizeDelayMs, def.StabilizeDelayMs)
	}
	if cfg.NATSURL != "" || cfg.DatabaseURL != "" {
		t.Errorf("optional backends should stay disabled, got nats=%q db=%q", cfg.NATSURL, cfg.DatabaseURL)
	}
}

func TestLoad_ExplicitEmptyOverridesDefault(t *testing.T) {
	path := writeConfig(t, `sessions_dir = ""`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionsDir != "" {
		t.Errorf("SessionsDir = %q, want empty (explicitly defined)", cfg.SessionsDir)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, `listen_addr = :not-toml:`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("DATABASE_URL", "postgres://audit")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.ListenAddr)
	}
	if cfg.NATSURL != "nats://broker:4222" {
		t.Errorf("NATSURL = %q", cfg.NATSURL)
	}
	if cfg.DatabaseURL != "postgres://audit" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.SessionsDir != Default().SessionsDir {
		t.Errorf("SessionsDir should keep default, got %q", cfg.SessionsDir)
	}
}

func TestApplyEnv_EmptyValuesIgnored(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	cfg := Default()
	cfg.RedisAddr = "localhost:6379"
	cfg.ApplyEnv()

	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q, empty env var should not clear it", cfg.RedisAddr)
	}
}
