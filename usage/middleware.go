package usage

import (
	"bytes"
	"context"
	"mime"
	"net/http"
	"sync"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/outbound"
	"github.com/hazyhaar/plugmon/probe"
	"github.com/hazyhaar/plugmon/signal"
)

type resolutionKey struct{}

// resolution collects what the host resolved while rendering a request.
type resolution struct {
	mu            sync.Mutex
	template      string
	stylesheetDir string
}

func (r *resolution) get() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.template, r.stylesheetDir
}

// ResolvedTemplate tells the monitor which template file the host rendered
// the current request with. It is a no-op outside Middleware.
func ResolvedTemplate(ctx context.Context, path string) {
	if r, ok := ctx.Value(resolutionKey{}).(*resolution); ok {
		r.mu.Lock()
		r.template = path
		r.mu.Unlock()
	}
}

// ResolvedStylesheetDir is ResolvedTemplate for the stylesheet directory.
func ResolvedStylesheetDir(ctx context.Context, dir string) {
	if r, ok := ctx.Value(resolutionKey{}).(*resolution); ok {
		r.mu.Lock()
		r.stylesheetDir = dir
		r.mu.Unlock()
	}
}

// Middleware observes host requests. For every active module it runs the
// before-send probes when the response header is written and the
// after-request probes once next returns. Query capture, outbound capture
// and template interception are bound to the request context; the host
// must pass that context down for them to see anything.
//
// Probe failures are logged and never change the response.
func (m *Monitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mods, err := m.activeModules(r.Context())
		if err != nil {
			m.logger.Warn("middleware: list modules", "error", err)
		}
		if len(mods) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		var window bridge.QueryWindow
		if m.queryLog != nil && m.queryLog.Enabled() {
			ctx, window = m.queryLog.Begin(ctx)
		}
		rec := outbound.NewRecorder(0)
		ctx = outbound.WithRecorder(ctx, rec)
		res := &resolution{}
		ctx = context.WithValue(ctx, resolutionKey{}, res)
		r = r.WithContext(ctx)

		// Writes outlive a client disconnect.
		obsCtx := context.WithoutCancel(ctx)

		cw := &captureWriter{ResponseWriter: w}
		if m.cfg.DOM.ServerMarkup {
			cw.markup = &bytes.Buffer{}
			cw.maxMarkup = m.cfg.DOM.MaxMarkup
		}
		cw.onHeader = func(h http.Header) {
			for _, mod := range mods {
				m.agg.Observe(obsCtx, &probe.Context{Module: mod, Host: m.host, Request: r, Header: h}, probe.BeforeSend)
			}
		}

		next.ServeHTTP(cw, r)
		cw.snapshot()

		var queries []string
		if window != nil {
			queries = window.End()
		}
		tmpl, sheet := res.get()
		markup := cw.markupBytes()
		urls := rec.URLs()

		for _, mod := range mods {
			c := &probe.Context{
				Module:           mod,
				Host:             m.host,
				Request:          r,
				Header:           cw.header,
				QueryLog:         m.queryLog,
				Queries:          queries,
				QueriesCaptured:  window != nil,
				Outbound:         urls,
				OutboundCaptured: true,
				Template:         tmpl,
				StylesheetDir:    sheet,
			}
			m.agg.Observe(obsCtx, c, probe.AfterRequest)
			if len(markup) > 0 {
				c.Markup = markup
				m.agg.Observe(obsCtx, c, []signal.Kind{signal.DOMElements})
			}
		}
	})
}

func (m *Monitor) activeModules(ctx context.Context) ([]bridge.Module, error) {
	mods, err := m.agg.Modules(ctx)
	if err != nil {
		return nil, err
	}
	active := mods[:0]
	for _, mod := range mods {
		if mod.Active {
			active = append(active, mod)
		}
	}
	return active, nil
}

// captureWriter snapshots the response header at the first WriteHeader and
// optionally tees an HTML body into markup.
type captureWriter struct {
	http.ResponseWriter
	onHeader func(http.Header)

	wrote  bool
	header http.Header
	html   bool

	markup    *bytes.Buffer
	maxMarkup int
}

func (w *captureWriter) snapshot() {
	if w.wrote {
		return
	}
	w.wrote = true
	w.header = w.Header().Clone()
	if ct := w.header.Get("Content-Type"); ct != "" {
		mt, _, _ := mime.ParseMediaType(ct)
		w.html = mt == "text/html"
	}
	if w.onHeader != nil {
		w.onHeader(w.header)
	}
}

func (w *captureWriter) WriteHeader(code int) {
	w.snapshot()
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		sniff := w.Header().Get("Content-Type") == ""
		w.snapshot()
		if sniff {
			mt, _, _ := mime.ParseMediaType(http.DetectContentType(b))
			w.html = mt == "text/html"
		}
	}
	if w.markup != nil && w.html {
		if room := w.maxMarkup - w.markup.Len(); room > 0 {
			w.markup.Write(b[:min(room, len(b))])
		}
	}
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) Flush() {
	w.snapshot()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *captureWriter) markupBytes() []byte {
	if w.markup == nil || !w.html {
		return nil
	}
	return w.markup.Bytes()
}
