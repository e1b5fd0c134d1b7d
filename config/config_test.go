package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/pagetrace/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagetrace.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
session:
  match_patterns:
    - "https://*.example.com/*"
  include_private: true
  consider_input: true
browser:
  remote_url: "ws://127.0.0.1:9222"
sinks:
  - type: sqlite
    path: /var/lib/pagetrace/visits.db
  - type: stdout
diag:
  addr: "127.0.0.1:8090"
pages:
  - https://news.example.com/
`)

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(cfg.Session.MatchPatterns) != 1 || !cfg.Session.IncludePrivate {
		t.Errorf("session config: %+v", cfg.Session)
	}
	if cfg.Browser.RemoteURL != "ws://127.0.0.1:9222" {
		t.Errorf("browser config: %+v", cfg.Browser)
	}
	if len(cfg.Sinks) != 2 || cfg.Sinks[0].Path == "" {
		t.Errorf("sinks: %+v", cfg.Sinks)
	}
	if cfg.Diag.Addr != "127.0.0.1:8090" || len(cfg.Pages) != 1 {
		t.Errorf("diag/pages: %+v", cfg)
	}
}

func TestDefaultsToStdoutSink(t *testing.T) {
	path := writeConfig(t, "session: {}\n")

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "stdout" {
		t.Fatalf("sinks: %+v", cfg.Sinks)
	}
}

func TestRejectsUnknownSink(t *testing.T) {
	path := writeConfig(t, "sinks:\n  - type: kafka\n")

	if _, err := config.LoadFile(path); err == nil {
		t.Fatal("expected error for unknown sink type")
	}
}

func TestRejectsSQLiteWithoutPath(t *testing.T) {
	path := writeConfig(t, "sinks:\n  - type: sqlite\n")

	if _, err := config.LoadFile(path); err == nil {
		t.Fatal("expected error for sqlite sink without path")
	}
}
