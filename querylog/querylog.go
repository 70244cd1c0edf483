// Package querylog captures the SQL a host runs during a request so the
// db_queries probe can look for module identifiers in it.
//
// It registers a "sqlite-querylog" driver wrapping modernc.org/sqlite. A host
// opens its application database with that driver (dbopen.WithQueryLog) and
// passes request contexts to its queries. Statements executed with a context
// carrying an open window are appended to that window. Bound text arguments
// follow the statement text, so parameterised queries stay searchable:
//
//	ql := querylog.New(querylog.Options{Enabled: true})
//	ctx, w := ql.Begin(r.Context())
//	db.QueryContext(ctx, ...)          // captured
//	stmts := w.End()
//
// Every statement is also logged through slog at Debug (Warn when slow,
// Error on failure), tagged with the request trace id.
package querylog

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/hazyhaar/plugmon/bridge"
)

// DriverName is the database/sql driver registered by this package.
const DriverName = "sqlite-querylog"

func init() {
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}

// Options configures a Log.
type Options struct {
	// Enabled turns capture on. A disabled Log makes the DB probe report
	// unknown instead of absent.
	Enabled bool
	// MaxStatements bounds a window. Default: 2000.
	MaxStatements int
	// SlowThreshold logs slower statements at Warn. Default: 100ms.
	SlowThreshold time.Duration
}

func (o *Options) defaults() {
	if o.MaxStatements <= 0 {
		o.MaxStatements = 2000
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = 100 * time.Millisecond
	}
}

// Log is the host's query log. It implements bridge.QueryLog.
type Log struct {
	enabled atomic.Bool
	opts    Options
}

var _ bridge.QueryLog = (*Log)(nil)

// New creates a Log.
func New(opts Options) *Log {
	opts.defaults()
	l := &Log{opts: opts}
	l.enabled.Store(opts.Enabled)
	slowThreshold.Store(int64(opts.SlowThreshold))
	return l
}

// Enabled reports whether capture is on.
func (l *Log) Enabled() bool { return l != nil && l.enabled.Load() }

// SetEnabled toggles capture at runtime.
func (l *Log) SetEnabled(on bool) { l.enabled.Store(on) }

// Begin opens a window bound to the returned context. When capture is off the
// context is returned unchanged and the window stays empty.
func (l *Log) Begin(ctx context.Context) (context.Context, bridge.QueryWindow) {
	w := &Window{max: l.opts.MaxStatements}
	if !l.Enabled() {
		w.closed = true
		return ctx, w
	}
	return context.WithValue(ctx, windowKey{}, w), w
}

type windowKey struct{}

// Window accumulates the statements run under one context.
type Window struct {
	mu        sync.Mutex
	stmts     []string
	max       int
	truncated bool
	closed    bool
}

func (w *Window) add(query string, args []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if len(w.stmts) >= w.max {
		w.truncated = true
		return
	}
	if len(args) > 0 {
		query += " -- args: " + strings.Join(args, ", ")
	}
	w.stmts = append(w.stmts, query)
}

// End closes the window and returns what it captured. Later statements on
// the same context are dropped.
func (w *Window) End() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.stmts
}

// Truncated reports whether the window hit MaxStatements.
func (w *Window) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}

func windowFrom(ctx context.Context) *Window {
	w, _ := ctx.Value(windowKey{}).(*Window)
	return w
}
