// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	timeouts, err := cfg.Timeouts.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if timeouts.Handshake != 10*time.Second || timeouts.Drain != 3*time.Second || timeouts.Reconnect != 2*time.Second {
		t.Errorf("default timeouts = %+v", timeouts)
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv("HOSTRUNTIME_CONFIG", "")
	_, err := Load()
	if err == nil || !strings.HasPrefix(err.Error(), "HOSTRUNTIME_CONFIG environment variable not set") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
environment: development
manager:
  database_host: db.internal
  database_port: 5432
process:
  code: 42
  display_name: "worker on ${HOSTNAME_FOR_TEST:-unknown}"
link:
  compression: zstd
timeouts:
  handshake: 500ms
`)
	t.Setenv("HOSTRUNTIME_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Manager.ResolveAddress(); got != "db.internal:5434" {
		t.Errorf("ResolveAddress = %q, want db.internal:5434", got)
	}
	if cfg.Process.Code != 42 {
		t.Errorf("process.code = %d", cfg.Process.Code)
	}
	if cfg.Process.DisplayName != "worker on unknown" {
		t.Errorf("display_name = %q", cfg.Process.DisplayName)
	}
	if cfg.Link.Compression != "zstd" || cfg.Link.MaxMessageSize != 64<<20 {
		t.Errorf("link = %+v", cfg.Link)
	}
	timeouts, err := cfg.Timeouts.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if timeouts.Handshake != 500*time.Millisecond || timeouts.ConnectWait != 3*time.Second {
		t.Errorf("timeouts = %+v", timeouts)
	}
}

func TestResolveAddress(t *testing.T) {
	tests := []struct {
		name    string
		manager ManagerConfig
		want    string
	}{
		{"fallback", ManagerConfig{}, "127.0.0.1:13679"},
		{"fallback ignores host", ManagerConfig{DatabaseHost: "db"}, "127.0.0.1:13679"},
		{"local database", ManagerConfig{DatabasePort: 7000}, "127.0.0.1:7002"},
		{"remote database", ManagerConfig{DatabaseHost: "db", DatabasePort: 7000}, "db:7002"},
		{"ipv6 host", ManagerConfig{DatabaseHost: "::1", DatabasePort: 7000}, "[::1]:7002"},
		{"explicit", ManagerConfig{DatabasePort: 7000, Address: "mgr:1"}, "mgr:1"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.manager.ResolveAddress(); got != test.want {
				t.Errorf("ResolveAddress = %q, want %q", got, test.want)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production
manager:
  database_port: 5432
logging:
  level: info
development:
  logging:
    level: debug
production:
  manager:
    database_host: db.prod
  logging:
    level: warn
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Manager.DatabaseHost != "db.prod" {
		t.Errorf("database_host = %q, want production override", cfg.Manager.DatabaseHost)
	}
	level, err := cfg.Logging.SlogLevel()
	if err != nil || level != slog.LevelWarn {
		t.Errorf("level = %v (%v), want warn", level, err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Environment = "staging"
	cfg.Link.Compression = "gzip"
	cfg.Timeouts.Drain = "soon"
	cfg.Manager.Address = "no-port"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, fragment := range []string{"invalid environment", "link.compression", "timeouts.drain", "manager.address"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q does not mention %q", err, fragment)
		}
	}
}
