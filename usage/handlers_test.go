package usage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/signal"
)

const base = "/front-end-monitor/v1"

func do(t *testing.T, h http.Handler, method, path string, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body, err)
	}
}

func TestGetPlugins(t *testing.T) {
	m := testMonitor(t, testHost())
	h := m.Handler()
	reportDOM(t, h, "demo-plugin", "true")

	rec := do(t, h, http.MethodGet, base+"/get-plugins", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var out []map[string]any
	decode(t, rec, &out)
	if len(out) != 3 {
		t.Fatalf("got %d modules", len(out))
	}

	demo := out[0]
	if demo["slug"] != "demo-plugin" || demo["Name"] != "Demo Plugin" || demo["Version"] != "1.0" {
		t.Fatalf("metadata = %v", demo)
	}
	if demo["isActive"] != true || demo["isUsed"] != true {
		t.Fatalf("flags = %v / %v", demo["isActive"], demo["isUsed"])
	}
	desc := demo["Description"].(string)
	if strings.Contains(desc, "<") || strings.Contains(desc, "alert") || !strings.Contains(desc, "gallery") {
		t.Fatalf("description not plain text: %q", desc)
	}
	usage := demo["pluginUsageType"].(map[string]any)
	if usage["hasDOMElements"] != true {
		t.Fatalf("hasDOMElements = %v", usage["hasDOMElements"])
	}
	if v, ok := usage["hasShortcodes"]; !ok || v != nil {
		t.Fatalf("hasShortcodes = %v, %v; want null", v, ok)
	}
	if len(usage) != len(signal.Kinds) {
		t.Fatalf("usage keys = %d", len(usage))
	}

	if out[2]["isActive"] != false {
		t.Fatalf("off-plugin active = %v", out[2]["isActive"])
	}
}

func TestGetEnqueuedAssets(t *testing.T) {
	m := testMonitor(t, testHost(), func(c *Config) {
		c.Modules = map[string]ModuleConfig{"quiet-plugin": {Handles: []string{"demo-plugin-js"}}}
	})
	h := m.Handler()

	tests := []struct {
		query string
		code  int
		found bool
	}{
		{"", http.StatusBadRequest, false},
		{"?slug=nope", http.StatusNotFound, false},
		{"?slug=demo-plugin", http.StatusOK, true},
		{"?slug=off-plugin", http.StatusOK, false},
		{"?slug=quiet-plugin", http.StatusOK, true},
		{"?handle=demo-plugin-js", http.StatusOK, true},
		{"?handle=other&handle=demo-plugin-js", http.StatusOK, true},
		{"?handle=other", http.StatusOK, false},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, base+"/get-enqueued-assets"+tt.query, "")
		if rec.Code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.query, rec.Code, tt.code)
			continue
		}
		if tt.code != http.StatusOK {
			continue
		}
		var out struct {
			HasEnqueuedAssets bool `json:"hasEnqueuedAssets"`
		}
		decode(t, rec, &out)
		if out.HasEnqueuedAssets != tt.found {
			t.Errorf("%s: found = %v, want %v", tt.query, out.HasEnqueuedAssets, tt.found)
		}
	}

	// Synchronous read only.
	if got := fingerprint(t, m, "demo-plugin")[signal.EnqueuedAssets].State; got != signal.Unknown {
		t.Fatalf("enqueued assets persisted: %s", got)
	}
}

type registryOnly struct{ m *bridge.Manifest }

func (r registryOnly) Modules(ctx context.Context) ([]bridge.Module, error) { return r.m.Modules(ctx) }
func (r registryOnly) Module(ctx context.Context, slug string) (bridge.Module, error) {
	return r.m.Module(ctx, slug)
}

func TestGetEnqueuedAssetsWithoutRegistry(t *testing.T) {
	m := testMonitor(t, registryOnly{testHost()})
	rec := do(t, m.Handler(), http.MethodGet, base+"/get-enqueued-assets?slug=demo-plugin", "")
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestFingerprintRoute(t *testing.T) {
	m := testMonitor(t, testHost())
	h := m.Handler()

	if rec := do(t, h, http.MethodGet, base+"/fingerprint/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown module: %d", rec.Code)
	}
	reportDOM(t, h, "demo-plugin", "false")
	rec := do(t, h, http.MethodGet, base+"/fingerprint/demo-plugin", "")
	var out struct {
		Fingerprint map[signal.Kind]signal.Verdict `json:"fingerprint"`
		Used        bool                           `json:"isUsed"`
	}
	decode(t, rec, &out)
	if out.Fingerprint[signal.DOMElements].State != signal.Absent || out.Used {
		t.Fatalf("fingerprint = %+v", out)
	}
	if len(out.Fingerprint) != len(signal.Kinds) {
		t.Fatalf("kinds = %d", len(out.Fingerprint))
	}
}

func TestReportDOMValidation(t *testing.T) {
	m := testMonitor(t, testHost())
	h := m.Handler()
	form := "application/x-www-form-urlencoded"

	tests := []struct {
		name, body, ctype string
		code              int
	}{
		{"not a bool", "module=demo-plugin&hasDOMElements=maybe", form, http.StatusBadRequest},
		{"missing value", "module=demo-plugin", form, http.StatusBadRequest},
		{"missing module", "hasDOMElements=true", form, http.StatusBadRequest},
		{"unknown module", "module=nope&hasDOMElements=true", form, http.StatusNotFound},
		{"bad json", `{"module":`, "application/json", http.StatusBadRequest},
		{"json number", `{"module":"demo-plugin","hasDOMElements":1}`, "application/json", http.StatusBadRequest},
		{"json bool", `{"module":"quiet-plugin","hasDOMElements":true}`, "application/json", http.StatusOK},
		{"json string", `{"module":"quiet-plugin","hasDOMElements":"false"}`, "application/json", http.StatusOK},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, base+"/report-dom", tt.body, "Content-Type", tt.ctype)
		if rec.Code != tt.code {
			t.Errorf("%s: code = %d, want %d (%s)", tt.name, rec.Code, tt.code, rec.Body)
		}
	}

	if got := fingerprint(t, m, "demo-plugin")[signal.DOMElements].State; got != signal.Unknown {
		t.Fatalf("malformed report changed the verdict: %s", got)
	}
	if got := fingerprint(t, m, "quiet-plugin")[signal.DOMElements].State; got != signal.Present {
		t.Fatalf("quiet-plugin = %s, want present", got)
	}
}

func TestReportDOMRateLimited(t *testing.T) {
	m := testMonitor(t, testHost(), func(c *Config) { c.ReportRateLimit.MaxRequests = 2 })
	h := m.Handler()
	codes := []int{}
	for range 3 {
		codes = append(codes, reportDOM(t, h, "demo-plugin", "true").Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestReportDOMRateLimitBehindProxy(t *testing.T) {
	m := testMonitor(t, testHost(), func(c *Config) {
		c.ReportRateLimit.MaxRequests = 1
		c.ReportRateLimit.TrustedProxies = []string{"10.0.0.0/8"}
	})
	h := m.Handler()

	send := func(remote, xff string) int {
		form := url.Values{"module": {"demo-plugin"}, "hasDOMElements": {"true"}}
		req := httptest.NewRequest(http.MethodPost, base+"/report-dom", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// Through the proxy, each client has its own bucket.
	if c := send("10.0.0.5:443", "203.0.113.1"); c != http.StatusOK {
		t.Fatalf("client 1 = %d", c)
	}
	if c := send("10.0.0.5:443", "203.0.113.2"); c != http.StatusOK {
		t.Fatalf("client 2 = %d", c)
	}
	// A direct client rotating the header still shares one bucket.
	if c := send("192.0.2.9:5000", "198.51.100.1"); c != http.StatusOK {
		t.Fatalf("direct first = %d", c)
	}
	if c := send("192.0.2.9:5000", "198.51.100.2"); c != http.StatusTooManyRequests {
		t.Fatalf("spoofed header bypassed the limit: %d", c)
	}
}

func TestDOMScriptAndSettings(t *testing.T) {
	m := testMonitor(t, testHost(), func(c *Config) {
		c.Modules = map[string]ModuleConfig{"quiet-plugin": {Selectors: []string{"#quiet-box"}}}
	})
	h := m.Handler()

	rec := do(t, h, http.MethodGet, base+"/dom-inspection.js", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "report_dom_inspection") {
		t.Fatalf("script: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/javascript") {
		t.Fatalf("content type = %q", ct)
	}

	req := httptest.NewRequest(http.MethodGet, base+"/dom-settings", nil)
	req.Host = "site.example"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("settings not readable cross-origin")
	}
	var out struct {
		ReportURL string      `json:"report_url"`
		Modules   []domModule `json:"modules"`
	}
	decode(t, rec, &out)
	if out.ReportURL != "http://site.example"+base+"/report-dom" {
		t.Fatalf("report_url = %q", out.ReportURL)
	}
	if len(out.Modules) != 2 {
		t.Fatalf("modules = %+v, want the two active ones", out.Modules)
	}
	if out.Modules[1].Slug != "quiet-plugin" || out.Modules[1].Selectors[0] != "#quiet-box" {
		t.Fatalf("quiet-plugin settings = %+v", out.Modules[1])
	}
	if len(out.Modules[0].Selectors) != 2 {
		t.Fatalf("default selectors = %v", out.Modules[0].Selectors)
	}
}

func TestOperatorRoutes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	closed := testMonitor(t, testHost())
	if rec := do(t, closed.Handler(), http.MethodPost, base+"/reset", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("no hash configured: %d", rec.Code)
	}

	m := testMonitor(t, testHost(), func(c *Config) { c.AdminTokenHash = string(hash) })
	h := m.Handler()
	reportDOM(t, h, "demo-plugin", "true")

	if rec := do(t, h, http.MethodPost, base+"/reset/demo-plugin", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, base+"/reset/demo-plugin", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}

	auth := []string{"Authorization", "Bearer s3cret"}
	if rec := do(t, h, http.MethodPost, base+"/reset/nope", "", auth...); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown module: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, base+"/reset/demo-plugin", "", auth...); rec.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", rec.Code, rec.Body)
	}
	if got := fingerprint(t, m, "demo-plugin")[signal.DOMElements].State; got != signal.Unknown {
		t.Fatalf("after reset = %s", got)
	}

	rec := do(t, h, http.MethodPost, base+"/scan/demo-plugin", "", auth...)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("scan: %d", rec.Code)
	}
	var out struct {
		Queued bool `json:"queued"`
	}
	decode(t, rec, &out)
	if !out.Queued {
		t.Fatal("scan not queued")
	}
	if n, _ := m.queue.Len(context.Background()); n != 1 {
		t.Fatalf("queue len = %d", n)
	}
}

func TestHealth(t *testing.T) {
	m := testMonitor(t, testHost())
	h := m.Handler()
	reportDOM(t, h, "demo-plugin", "true")

	rec := do(t, h, http.MethodGet, base+"/health", "")
	var out struct {
		Status  string         `json:"status"`
		Modules int            `json:"modules"`
		Cells   map[string]int `json:"cells"`
	}
	decode(t, rec, &out)
	if out.Status != "ok" || out.Modules != 3 || out.Cells["present"] != 1 {
		t.Fatalf("health = %+v", out)
	}
}
