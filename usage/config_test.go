package usage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Defaults()

	if cfg.BasePath != "/front-end-monitor/v1" || cfg.ListenAddr != ":8080" {
		t.Fatalf("paths = %q %q", cfg.BasePath, cfg.ListenAddr)
	}
	if cfg.CacheTTL != 2*time.Second || cfg.Scan.Interval != 15*time.Minute {
		t.Fatalf("durations = %v %v", cfg.CacheTTL, cfg.Scan.Interval)
	}
	if cfg.Scan.BatchItems != 500 || cfg.Scan.PageSize != 100 || cfg.ReportRateLimit.MaxRequests != 60 {
		t.Fatalf("scan = %+v, limit = %+v", cfg.Scan, cfg.ReportRateLimit)
	}

	off := &Config{CacheTTL: -1}
	off.Defaults()
	if off.CacheTTL != -1 {
		t.Fatalf("negative cache ttl overwritten: %v", off.CacheTTL)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugmon.yaml")
	raw := `
db_path: /var/lib/plugmon/evidence.db
base_path: /monitor
query_log: true
scan:
  interval: 1h
  batch_items: 50
dom:
  server_markup: true
  browser:
    enabled: true
    base_url: https://site.example
    paths: [/, /shop/]
mcp:
  enabled: true
modules:
  demo-plugin:
    selectors: [".demo-gallery"]
    handles: [demo-js, demo-css]
    text_domain: demo
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Defaults()

	if cfg.DBPath != "/var/lib/plugmon/evidence.db" || cfg.BasePath != "/monitor" || !cfg.QueryLog {
		t.Fatalf("top level = %+v", cfg)
	}
	// PageSize is clamped to BatchItems by the scheduler, not here.
	if cfg.Scan.Interval != time.Hour || cfg.Scan.BatchItems != 50 || cfg.Scan.PageSize != 100 {
		t.Fatalf("scan = %+v", cfg.Scan)
	}
	if !cfg.DOM.Browser.Enabled || len(cfg.DOM.Browser.Paths) != 2 || cfg.DOM.Browser.Timeout != 30*time.Second {
		t.Fatalf("browser = %+v", cfg.DOM.Browser)
	}
	mc := cfg.module("demo-plugin")
	if mc.TextDomain != "demo" || len(mc.Handles) != 2 || mc.Selectors[0] != ".demo-gallery" {
		t.Fatalf("module config = %+v", mc)
	}
	if got := cfg.module("other"); got.TextDomain != "" || got.Selectors != nil {
		t.Fatalf("unconfigured module = %+v", got)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file loaded")
	}
}
