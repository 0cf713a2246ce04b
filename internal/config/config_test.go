package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("GCHEALTH_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.Server.GracefulTimeout != 10*time.Second {
		t.Errorf("graceful timeout = %s", cfg.Server.GracefulTimeout)
	}
	if cfg.Ingest.NATS.Queue != "gchealth-ingest" {
		t.Errorf("nats queue = %q", cfg.Ingest.NATS.Queue)
	}
	if cfg.Dispatch.MaxAttempts != 4 {
		t.Errorf("max attempts = %d", cfg.Dispatch.MaxAttempts)
	}
	if !cfg.History.Enabled || cfg.History.Path == "" {
		t.Errorf("history = %+v, want enabled with a path", cfg.History)
	}
	if len(cfg.Dispatch.Sinks) != 1 || cfg.Dispatch.Sinks[0].Type != "log" {
		t.Errorf("default sinks = %+v, want one log sink", cfg.Dispatch.Sinks)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv("GCHEALTH_CONFIG", "")

	path := filepath.Join(t.TempDir(), "gchealth.yaml")
	body := `
server:
  address: ":9090"
store:
  retention: 30m
ingest:
  scrape:
    enabled: true
    targets:
      - name: jvm-a
        url: http://jvm-a:9464/samples
dispatch:
  maxAttempts: 2
  sinks:
    - name: ops
      type: webhook
      url: http://hooks.local/gc
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Server.MetricsAddress != ":2112" {
		t.Errorf("metrics address lost its default: %q", cfg.Server.MetricsAddress)
	}
	if cfg.Store.Retention != 30*time.Minute {
		t.Errorf("retention = %s", cfg.Store.Retention)
	}
	if !cfg.Ingest.Scrape.Enabled || len(cfg.Ingest.Scrape.Targets) != 1 {
		t.Fatalf("scrape = %+v", cfg.Ingest.Scrape)
	}
	if cfg.Ingest.Scrape.Targets[0].URL != "http://jvm-a:9464/samples" {
		t.Errorf("target url = %q", cfg.Ingest.Scrape.Targets[0].URL)
	}
	if cfg.Dispatch.MaxAttempts != 2 {
		t.Errorf("max attempts = %d", cfg.Dispatch.MaxAttempts)
	}
	if len(cfg.Dispatch.Sinks) != 1 || cfg.Dispatch.Sinks[0].URL != "http://hooks.local/gc" {
		t.Errorf("sinks = %+v", cfg.Dispatch.Sinks)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GCHEALTH_CONFIG", "")
	t.Setenv("GCHEALTH_SERVER_ADDRESS", ":7070")
	t.Setenv("GCHEALTH_LOG_FORMAT", "json")
	t.Setenv("GCHEALTH_NATS_ENABLED", "1")
	t.Setenv("GCHEALTH_NATS_URL", "nats://broker:4222")
	t.Setenv("GCHEALTH_HISTORY_RETENTION", "48h")
	t.Setenv("GCHEALTH_CACHE_DB", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if !cfg.Logging.JSON {
		t.Error("expected json logging")
	}
	if !cfg.Ingest.NATS.Enabled || cfg.Ingest.NATS.URL != "nats://broker:4222" {
		t.Errorf("nats = %+v", cfg.Ingest.NATS)
	}
	if cfg.History.Retention != 48*time.Hour {
		t.Errorf("history retention = %s", cfg.History.Retention)
	}
	if cfg.Cache.DB != 3 {
		t.Errorf("cache db = %d", cfg.Cache.DB)
	}
}

func TestEnvConfigPathFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gchealth.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \":6060\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GCHEALTH_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":6060" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
}

func TestMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
