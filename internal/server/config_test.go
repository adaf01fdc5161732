package server

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func Test_load_config_applies_defaults(t *testing.T) {
	path := writeTempConfig(t, "tunnel:\n  addr: \":9100\"\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Tunnel.Addr != ":9100" {
		t.Errorf("expected overridden tunnel addr, got %q", cfg.Tunnel.Addr)
	}
	if cfg.Socks.Addr != ":1080" {
		t.Errorf("expected default socks addr, got %q", cfg.Socks.Addr)
	}
}

func Test_load_config_rejects_incomplete_tls(t *testing.T) {
	path := writeTempConfig(t, "tls:\n  enabled: true\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error for tls.enabled without cert/key files")
	}
}

func Test_load_config_missing_file(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
