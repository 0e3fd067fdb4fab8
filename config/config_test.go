package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.ini")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Hostname != "localhost" {
		t.Errorf("expected default hostname localhost, got %q", cfg.Connection.Hostname)
	}
	if cfg.Connection.Port != 5432 {
		t.Errorf("expected default port 5432, got %d", cfg.Connection.Port)
	}
	if cfg.Debug.Listen != "" {
		t.Errorf("expected the introspection server disabled by default, got %q", cfg.Debug.Listen)
	}
}

func TestLoad_ConnectionSection(t *testing.T) {
	path := writeConfig(t, `
[connection]
hostname = db.internal
port = 6543
database = orders
username = svc
password = s3cr3t
ssl = true
timeout_ms = 2000

[debug]
listen = :8090
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	conn := cfg.Connection
	if conn.Hostname != "db.internal" || conn.Port != 6543 || conn.Database != "orders" {
		t.Fatalf("unexpected connection config: %+v", conn)
	}
	if conn.Username != "svc" || conn.Password != "s3cr3t" || !conn.SSL {
		t.Fatalf("unexpected auth config: %+v", conn)
	}
	if conn.Timeout().Milliseconds() != 2000 {
		t.Errorf("expected a 2s timeout, got %v", conn.Timeout())
	}
	if cfg.Debug.Listen != ":8090" {
		t.Errorf("expected the debug listen address to be read, got %q", cfg.Debug.Listen)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[connection]
hostname = db.internal
username = svc
`)
	t.Setenv("PGHOST", "env-host")
	t.Setenv("PGUSER", "env-user")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.Hostname != "env-host" {
		t.Errorf("expected PGHOST to override the file value, got %q", cfg.Connection.Hostname)
	}
	if cfg.Connection.Username != "env-user" {
		t.Errorf("expected PGUSER to override the file value, got %q", cfg.Connection.Username)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.ini")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
