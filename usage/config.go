package usage

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all plugmon configuration.
type Config struct {
	DBPath        string `yaml:"db_path"`
	ManifestPath  string `yaml:"manifest_path"`
	ListenAddr    string `yaml:"listen_addr"`
	BasePath      string `yaml:"base_path"`
	MetricsDBPath string `yaml:"metrics_db_path"`
	// AdminTokenHash is the bcrypt hash of the operator bearer token. Empty
	// disables the operator routes.
	AdminTokenHash string `yaml:"admin_token_hash"`
	// CacheTTL is the evidence read cache lifetime. Negative disables it.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// QueryLog turns on SQL capture for the db_queries probe.
	QueryLog bool `yaml:"query_log"`

	Scan            ScanConfig              `yaml:"scan"`
	DOM             DOMConfig               `yaml:"dom"`
	ReportRateLimit RateLimitConfig         `yaml:"report_rate_limit"`
	MCP             MCPConfig               `yaml:"mcp"`
	Modules         map[string]ModuleConfig `yaml:"modules"`
}

// ScanConfig controls the background content scan.
type ScanConfig struct {
	// Interval between scheduling rounds. Default: 15m.
	Interval time.Duration `yaml:"interval"`
	// BatchItems is how many content items one job reads. Default: 500.
	BatchItems int `yaml:"batch_items"`
	// PageSize is the page size requested from the content source. Default: 100.
	PageSize int `yaml:"page_size"`
	// Concurrency bounds the jobs running at once. Default: 2.
	Concurrency int `yaml:"concurrency"`
	// Visibility is the queue visibility timeout. Default: 5m.
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DOMConfig controls server-side DOM evidence.
type DOMConfig struct {
	// ServerMarkup buffers HTML responses in the middleware and parses them.
	ServerMarkup bool          `yaml:"server_markup"`
	MaxMarkup    int           `yaml:"max_markup"`
	Browser      BrowserConfig `yaml:"browser"`
}

// BrowserConfig controls the headless browser DOM check run from the scan.
type BrowserConfig struct {
	Enabled bool `yaml:"enabled"`
	// RemoteURL connects to a running Chrome DevTools endpoint instead of
	// launching one.
	RemoteURL string `yaml:"remote_url"`
	// BaseURL is the site root; Paths are visited relative to it.
	BaseURL string        `yaml:"base_url"`
	Paths   []string      `yaml:"paths"`
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig bounds client reports per IP.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	// TrustedProxies are addresses or CIDRs whose X-Forwarded-For is
	// believed. Empty keys every request on its peer address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// MCPConfig enables the MCP endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ModuleConfig overrides detection for one module.
type ModuleConfig struct {
	Selectors  []string `yaml:"selectors"`
	Handles    []string `yaml:"handles"`
	TextDomain string   `yaml:"text_domain"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "plugmon.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.BasePath == "" {
		c.BasePath = "/front-end-monitor/v1"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 2 * time.Second
	}
	if c.Scan.Interval <= 0 {
		c.Scan.Interval = 15 * time.Minute
	}
	if c.Scan.BatchItems <= 0 {
		c.Scan.BatchItems = 500
	}
	if c.Scan.PageSize <= 0 {
		c.Scan.PageSize = 100
	}
	if c.Scan.Concurrency <= 0 {
		c.Scan.Concurrency = 2
	}
	if c.Scan.Visibility <= 0 {
		c.Scan.Visibility = 5 * time.Minute
	}
	if c.Scan.PollInterval <= 0 {
		c.Scan.PollInterval = 2 * time.Second
	}
	if c.Scan.MaxAttempts <= 0 {
		c.Scan.MaxAttempts = 5
	}
	if c.DOM.MaxMarkup <= 0 {
		c.DOM.MaxMarkup = 2 << 20
	}
	if c.DOM.Browser.Timeout <= 0 {
		c.DOM.Browser.Timeout = 30 * time.Second
	}
	if len(c.DOM.Browser.Paths) == 0 {
		c.DOM.Browser.Paths = []string{"/"}
	}
	if c.ReportRateLimit.MaxRequests <= 0 {
		c.ReportRateLimit.MaxRequests = 60
	}
	if c.ReportRateLimit.Window <= 0 {
		c.ReportRateLimit.Window = time.Minute
	}
}

// Defaults fills unset fields with their default values.
func (c *Config) Defaults() { c.defaults() }

// module returns the overrides for slug (zero value when none).
func (c *Config) module(slug string) ModuleConfig {
	return c.Modules[slug]
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("usage: parse config %s: %w", path, err)
	}
	return cfg, nil
}
