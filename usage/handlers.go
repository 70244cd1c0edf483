package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/kit"
	"github.com/hazyhaar/plugmon/observability"
	"github.com/hazyhaar/plugmon/probe"
	"github.com/hazyhaar/plugmon/shield"
	"github.com/hazyhaar/plugmon/signal"
)

var plainText = bluemonday.StrictPolicy()

// pluginEntry is one row of the get-plugins listing.
type pluginEntry struct {
	bridge.Module
	Fingerprint signal.Fingerprint `json:"fingerprint"`
	UsageType   map[string]*bool   `json:"pluginUsageType"`
	Used        bool               `json:"isUsed"`
}

// Handler returns the reporting surface mounted under cfg.BasePath.
func (m *Monitor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(m.cfg.BasePath, func(r chi.Router) {
		r.Use(shield.DefaultStack()...)

		r.Get("/health", m.handleHealth)
		r.Get("/get-plugins", m.handleGetPlugins)
		r.Get("/get-enqueued-assets", m.handleEnqueuedAssets)
		r.Get("/fingerprint/{slug}", m.handleFingerprint)
		r.Get("/dom-inspection.js", handleDOMScript)
		r.Get("/dom-settings", m.handleDOMSettings)
		r.With(m.limiter.Middleware).Post("/report-dom", m.handleReportDOM)

		r.Group(func(r chi.Router) {
			r.Use(m.requireOperator)
			r.Post("/reset", m.handleReset)
			r.Post("/reset/{slug}", m.handleReset)
			r.Post("/scan/{slug}", m.handleScan)

			if m.cfg.MCP.Enabled {
				srv := m.NewMCPServer()
				r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
			}
		})
	})
	return r
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mods, err := m.agg.Modules(ctx)
	if err != nil {
		jsonErr(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}
	counts, err := m.store.Counts(ctx)
	if err != nil {
		jsonErr(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	cells := make(map[string]int, len(counts))
	for st, n := range counts {
		cells[st.String()] = n
	}
	queued, _ := m.queue.Len(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"modules": len(mods),
		"cells":   cells,
		"queued":  queued,
	})
}

func (m *Monitor) handleGetPlugins(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mods, err := m.agg.Modules(ctx)
	if err != nil {
		m.logger.Error("handler: list modules", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]pluginEntry, 0, len(mods))
	for _, mod := range mods {
		fp, err := m.agg.fingerprint(ctx, mod)
		if err != nil {
			m.logger.Error("handler: read fingerprint", "module", mod.Slug, "error", err)
			jsonErr(w, "internal error", http.StatusInternalServerError)
			return
		}
		mod.Description = plainText.Sanitize(mod.Description)
		out = append(out, pluginEntry{Module: mod, Fingerprint: fp, UsageType: fp.Legacy(), Used: fp.Used()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEnqueuedAssets answers from the live asset registry. The answer is
// not recorded.
func (m *Monitor) handleEnqueuedAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := r.URL.Query().Get("slug")
	handles := r.URL.Query()["handle"]
	if slug == "" && len(handles) == 0 {
		jsonErr(w, "slug or handle is required", http.StatusBadRequest)
		return
	}
	if slug != "" {
		if _, err := m.agg.Module(ctx, slug); err != nil {
			m.moduleErr(w, err)
			return
		}
		if len(handles) == 0 {
			handles = m.cfg.module(slug).Handles
		}
	}

	reg, ok := m.host.(bridge.AssetRegistry)
	if !ok {
		jsonErr(w, "host has no asset registry", http.StatusNotImplemented)
		return
	}
	assets, err := reg.Enqueued(ctx)
	if err != nil {
		m.logger.Error("handler: enqueued assets", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	_, found := probe.MatchAsset(assets, slug, handles)
	writeJSON(w, http.StatusOK, map[string]any{"slug": slug, "hasEnqueuedAssets": found})
}

func (m *Monitor) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	fp, err := m.agg.Fingerprint(r.Context(), slug)
	if err != nil {
		m.moduleErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slug":            slug,
		"fingerprint":     fp,
		"pluginUsageType": fp.Legacy(),
		"isUsed":          fp.Used(),
	})
}

// handleReportDOM records a client-side DOM inspection. The payload is
// untrusted: only a strict boolean is accepted.
func (m *Monitor) handleReportDOM(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug, found, err := parseDOMReport(r)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusBadRequest)
		return
	}
	mod, err := m.agg.Module(ctx, slug)
	if err != nil {
		m.moduleErr(w, err)
		return
	}

	v, err := m.agg.ObserveKind(ctx, &probe.Context{Module: mod, Request: r, DOMReport: &found}, signal.DOMElements)
	if err != nil {
		m.logger.Error("handler: dom report", "module", slug, "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	m.metrics.Count(observability.MetricDOMReport, "module", slug, "found", strconv.FormatBool(found))
	writeJSON(w, http.StatusOK, map[string]any{"module": slug, "verdict": v})
}

// parseDOMReport reads module and hasDOMElements from a form or JSON body.
func parseDOMReport(r *http.Request) (string, bool, error) {
	var slug, raw string
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		var body struct {
			Module         string `json:"module"`
			HasDOMElements any    `json:"hasDOMElements"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		slug = body.Module
		switch v := body.HasDOMElements.(type) {
		case bool:
			raw = strconv.FormatBool(v)
		case string:
			raw = v
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		slug = r.PostForm.Get("module")
		raw = r.PostForm.Get("hasDOMElements")
	}

	slug = strings.TrimSpace(slug)
	if slug == "" {
		return "", false, fmt.Errorf("%w: module is required", ErrMalformedReport)
	}
	found, err := strconv.ParseBool(raw)
	if err != nil {
		return "", false, fmt.Errorf("%w: hasDOMElements must be a boolean", ErrMalformedReport)
	}
	return slug, found, nil
}

type domModule struct {
	Slug      string   `json:"slug"`
	Selectors []string `json:"selectors"`
}

// handleDOMSettings serves what the client script needs: where to report
// and which selectors to try per active module.
func (m *Monitor) handleDOMSettings(w http.ResponseWriter, r *http.Request) {
	mods, err := m.activeModules(r.Context())
	if err != nil {
		m.logger.Error("handler: list modules", "error", err)
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]domModule, 0, len(mods))
	for _, mod := range mods {
		out = append(out, domModule{
			Slug:      mod.Slug,
			Selectors: probe.Selectors(mod.Slug, m.cfg.module(mod.Slug).Selectors),
		})
	}

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"report_url": scheme + "://" + r.Host + m.cfg.BasePath + "/report-dom",
		"modules":    out,
	})
}

func (m *Monitor) handleReset(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := m.Reset(r.Context(), slug); err != nil {
		m.moduleErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "module": slug})
}

func (m *Monitor) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")
	queued, err := m.EnqueueScan(ctx, slug)
	if err != nil {
		m.moduleErr(w, err)
		return
	}
	m.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventScan,
		EntityType: "module",
		EntityID:   slug,
		Action:     "enqueue",
		Details:    map[string]any{"queued": queued},
		Success:    true,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"module": slug, "queued": queued})
}

// requireOperator checks the bearer token against the configured bcrypt
// hash. Without a hash the operator routes are closed.
func (m *Monitor) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.AdminTokenHash == "" {
			jsonErr(w, "operator routes disabled", http.StatusForbidden)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(m.cfg.AdminTokenHash), []byte(token)) != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="plugmon"`)
			jsonErr(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(kit.WithOperator(r.Context())))
	})
}

func (m *Monitor) moduleErr(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrModuleNotFound) {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}
	m.logger.Error("handler: module lookup", "error", err)
	jsonErr(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
