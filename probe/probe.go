// Package probe holds the signal probes. A probe observes one kind of runtime
// evidence for one module and reports a single Observation; it only reads the
// host through bridge interfaces and never mutates it.
//
// Probes are registered in a fixed Table. Callers look them up by kind.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/signal"
)

// ErrUnavailable means the host cannot provide what the probe needs. The
// verdict stays unknown and the caller should not retry.
var ErrUnavailable = errors.New("probe: host feature unavailable")

// Probe observes one signal kind.
type Probe interface {
	Kind() signal.Kind
	// Observe returns an Observation for c.Module. A zero-state (Unknown)
	// observation with a nil error means the trigger evidence was not present
	// in c; nothing is written.
	Observe(ctx context.Context, c *Context) (signal.Observation, error)
}

// Context is the evidence available at the trigger point. Fields a trigger
// did not capture stay at their zero value.
type Context struct {
	Module bridge.Module
	Host   bridge.Host

	// Selectors and Handles override the default DOM selectors and asset
	// handle matching for this module.
	Selectors []string
	Handles   []string

	Request *http.Request
	// Header is the response header as it was at the first WriteHeader.
	Header http.Header
	// Markup is the rendered HTML body, when the caller buffered it.
	Markup []byte

	// QueryLog is the host's query log; Queries holds the statements of a
	// closed window, QueriesCaptured tells whether a window was run at all.
	QueryLog        bridge.QueryLog
	Queries         []string
	QueriesCaptured bool

	// Outbound lists the URLs of HTTP requests the host made during the
	// request. OutboundCaptured is false when no recorder was installed.
	Outbound         []string
	OutboundCaptured bool

	// Template and StylesheetDir are what the host actually resolved.
	Template      string
	StylesheetDir string

	// DOMReport is a client-side (or headless browser) answer to "does the
	// rendered page contain module elements".
	DOMReport *bool

	// Content is a bounded batch of content items. ContentComplete is true
	// when this batch finishes a full pass over the content set, which is
	// the only case where a content probe may conclude absence.
	Content         []bridge.ContentItem
	ContentComplete bool
}

func (c *Context) observation(kind signal.Kind, conf signal.Confidence, found bool, detail string) signal.Observation {
	st := signal.Absent
	if found {
		st = signal.Present
	}
	return signal.Observation{Kind: kind, State: st, Confidence: conf, Detail: detail}
}

func unknown(kind signal.Kind) signal.Observation {
	return signal.Observation{Kind: kind, State: signal.Unknown}
}

func unavailable(kind signal.Kind, what string) (signal.Observation, error) {
	return unknown(kind), fmt.Errorf("%w: %s needs %s", ErrUnavailable, kind, what)
}

// Table is the fixed registry of probes.
var Table = map[signal.Kind]Probe{
	signal.APIRequests:     APIRequests{},
	signal.CustomTemplates: CustomTemplates{},
	signal.DBQueries:       DBQueries{},
	signal.DOMElements:     DOMElements{},
	signal.EnqueuedAssets:  EnqueuedAssets{},
	signal.Hooks:           Hooks{},
	signal.HTTPTrace:       HTTPTrace{},
	signal.URLParams:       URLParams{},
	signal.Widgets:         Widgets{},
	signal.CustomFields:    CustomFields{},
	signal.CustomTypes:     CustomTypes{},
	signal.MetaBoxes:       MetaBoxes{},
	signal.Shortcodes:      Shortcodes{},
}

// Lookup returns the probe registered for kind.
func Lookup(kind signal.Kind) (Probe, bool) {
	p, ok := Table[kind]
	return p, ok
}

// Request-time probe sets, grouped by trigger point.
var (
	// BeforeSend run when the response header is about to be written.
	BeforeSend = []signal.Kind{signal.EnqueuedAssets, signal.HTTPTrace}
	// AfterRequest run once the handler returned.
	AfterRequest = []signal.Kind{signal.Hooks, signal.MetaBoxes, signal.DBQueries, signal.APIRequests, signal.CustomTemplates}
	// ContentScan run from the background scan pass.
	ContentScan = []signal.Kind{signal.URLParams, signal.Shortcodes, signal.CustomFields, signal.Widgets, signal.CustomTypes}
)

// Run calls p.Observe and turns a panic into an error, so a faulty probe
// only loses its own cell.
func Run(ctx context.Context, p Probe, c *Context) (obs signal.Observation, err error) {
	defer func() {
		if r := recover(); r != nil {
			obs = unknown(p.Kind())
			err = fmt.Errorf("probe: %s panicked: %v\n%s", p.Kind(), r, debug.Stack())
		}
	}()
	return p.Observe(ctx, c)
}
