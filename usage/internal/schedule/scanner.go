package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/probe"
	"github.com/hazyhaar/plugmon/signal"
	"github.com/hazyhaar/plugmon/usage/internal/store"
	"github.com/hazyhaar/plugmon/vtq"
)

// Observer runs the probes of kinds against c and records what they report.
type Observer func(ctx context.Context, c *probe.Context, kinds []signal.Kind)

// DOMCheck renders the module's pages and reports whether any of them holds
// module elements. A nil result means the check could not decide.
type DOMCheck func(ctx context.Context, mod bridge.Module) (*bool, error)

// Result summarises one scan job.
type Result struct {
	Module   string        `json:"module"`
	Items    int           `json:"items"`
	Complete bool          `json:"complete"`
	Passes   int           `json:"passes"`
	Duration time.Duration `json:"duration"`
}

// Scanner runs scan jobs.
type Scanner struct {
	host    bridge.Host
	store   *store.Store
	observe Observer
	dom     DOMCheck
	config  Config
	logger  *slog.Logger
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithDOMCheck adds a headless DOM check at the start of every pass.
func WithDOMCheck(fn DOMCheck) ScannerOption {
	return func(s *Scanner) { s.dom = fn }
}

// WithLogger sets the scanner logger.
func WithLogger(l *slog.Logger) ScannerOption {
	return func(s *Scanner) { s.logger = l }
}

// NewScanner creates a Scanner. observe receives every probe context the
// scanner builds.
func NewScanner(host bridge.Host, s *store.Store, observe Observer, cfg Config, opts ...ScannerOption) *Scanner {
	cfg.defaults()
	sc := &Scanner{host: host, store: s, observe: observe, config: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(sc)
	}
	return sc
}

// Handle is the vtq.Handler for scan jobs.
func (s *Scanner) Handle(ctx context.Context, job *vtq.Job) error {
	var sj ScanJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil {
		s.logger.Warn("scanner: bad payload, dropping job", "id", job.ID, "error", err)
		return nil
	}
	_, err := s.Scan(ctx, sj.Module)
	if errors.Is(err, bridge.ErrNotFound) {
		s.logger.Info("scanner: module gone, dropping job", "module", sj.Module)
		return nil
	}
	return err
}

// Scan runs one batch for slug: it reads at most BatchItems content items
// from the saved cursor, runs the content probes and saves the new cursor.
// Inactive modules are skipped.
func (s *Scanner) Scan(ctx context.Context, slug string) (Result, error) {
	start := time.Now()
	res := Result{Module: slug}

	mod, err := s.host.Module(ctx, slug)
	if err != nil {
		return res, err
	}
	if !mod.Active {
		return res, nil
	}
	epoch := store.Epoch(mod.Version)

	cur, err := s.store.Cursor(ctx, slug, epoch)
	if err != nil {
		return res, err
	}
	res.Passes = cur.Passes

	pc := &probe.Context{Module: mod, Host: s.host}
	src, hasContent := s.host.(bridge.ContentSource)
	var next string
	if hasContent {
		items, n, complete, err := s.readBatch(ctx, src, cur.Cursor)
		if err != nil {
			return res, err
		}
		pc.Content = items
		pc.ContentComplete = complete
		next = n
		res.Items = len(items)
		res.Complete = complete
	}

	s.observe(ctx, pc, probe.ContentScan)

	if hasContent {
		if err := s.store.SaveCursor(ctx, slug, epoch, next, res.Complete); err != nil {
			return res, err
		}
		if res.Complete {
			res.Passes++
		}
	}

	if s.dom != nil && cur.Cursor == "" {
		s.checkDOM(ctx, mod)
	}

	res.Duration = time.Since(start)
	s.logger.Debug("scanner: batch done",
		"module", slug, "items", res.Items, "complete", res.Complete, "duration", res.Duration)
	return res, nil
}

// ScanAll runs batches for slug until a full pass completes or ctx ends.
// Without a content source a single batch is run.
func (s *Scanner) ScanAll(ctx context.Context, slug string) (Result, error) {
	total := Result{Module: slug}
	for {
		res, err := s.Scan(ctx, slug)
		total.Items += res.Items
		total.Duration += res.Duration
		total.Passes = res.Passes
		if err != nil {
			return total, err
		}
		total.Complete = res.Complete
		if res.Complete || res.Items == 0 {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *Scanner) readBatch(ctx context.Context, src bridge.ContentSource, cursor string) ([]bridge.ContentItem, string, bool, error) {
	var items []bridge.ContentItem
	for len(items) < s.config.BatchItems {
		limit := min(s.config.PageSize, s.config.BatchItems-len(items))
		page, err := src.ContentPage(ctx, cursor, limit)
		if err != nil {
			return nil, "", false, fmt.Errorf("scanner: content page: %w", err)
		}
		items = append(items, page.Items...)
		if page.Next == "" {
			return items, "", true, nil
		}
		cursor = page.Next
	}
	return items, cursor, false, nil
}

func (s *Scanner) checkDOM(ctx context.Context, mod bridge.Module) {
	report, err := s.dom(ctx, mod)
	if err != nil {
		s.logger.Warn("scanner: dom check failed", "module", mod.Slug, "error", err)
		return
	}
	if report == nil {
		return
	}
	s.observe(ctx, &probe.Context{Module: mod, Host: s.host, DOMReport: report}, []signal.Kind{signal.DOMElements})
}
