// Package watch runs a "poll, detect change, debounce, reload" loop. The
// serve command uses it to pick up manifest edits without a restart.
//
//	w := watch.New(watch.Options{Detector: watch.FileVersion(path), Debounce: time.Second})
//	go w.OnChange(ctx, host.Reload)
package watch

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Detector returns a version token. Two calls returning different values
// mean something changed.
type Detector func(ctx context.Context) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 2s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes during the window restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector is required.
	Detector Detector
	Logger   *slog.Logger
	// Name labels log lines.
	Name string
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Name == "" {
		o.Name = "watch"
	}
}

// Watcher polls a Detector and runs an action on change. Safe for
// concurrent use.
type Watcher struct {
	opts Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(opts Options) *Watcher {
	opts.defaults()
	return &Watcher{opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
}

// Version returns the last version whose action succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled. When the detector reports a new
// version and the debounce window passes quietly, action runs. A failed
// action leaves the version where it was, so the next poll retries.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger.With("watcher", w.opts.Name)
	if w.opts.Detector == nil {
		log.Error("watch: no detector")
		return
	}

	if v, err := w.opts.Detector(ctx); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending, hasPending := int64(0), false

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || (hasPending && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, hasPending = cur, true
			if w.opts.Debounce <= 0 {
				w.fire(log, action, pending)
				hasPending = false
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C
			log.Debug("watch: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if hasPending {
				w.fire(log, action, pending)
				hasPending = false
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	log.Info("watch: reloaded", "duration", time.Since(start))
}

// FileVersion tracks a file's modification time and size. A missing file
// reads as version 0 so that deleting and recreating it counts as a change.
func FileVersion(path string) Detector {
	return func(context.Context) (int64, error) {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return fi.ModTime().UnixNano() ^ fi.Size(), nil
	}
}

// DataVersion reads PRAGMA data_version, which moves whenever another
// connection writes to the same SQLite file.
func DataVersion(db *sql.DB) Detector {
	return func(ctx context.Context) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
		return v, err
	}
}
