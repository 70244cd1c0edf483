// Package usage is the plugmon engine: it runs the signal probes against a
// host, keeps the per-module evidence, and serves it.
//
// The pipeline:
//
//	host request ─► Middleware ─► probes ─► Aggregator ─► evidence store
//	scheduler ─► vtq ─► Scanner ─► content probes ─┘          │
//	Handler / MCP tools ◄──────────────────────────────────────┘
//
// Usage:
//
//	m, err := usage.New(cfg, host, logger)
//	defer m.Close()
//	m.Start(ctx)
//	mux.Handle("/", m.Middleware(site))
//	mux.Handle(cfg.BasePath+"/", m.Handler())
package usage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/observability"
	"github.com/hazyhaar/plugmon/probe"
	"github.com/hazyhaar/plugmon/querylog"
	"github.com/hazyhaar/plugmon/shield"
	"github.com/hazyhaar/plugmon/signal"
	"github.com/hazyhaar/plugmon/usage/internal/browser"
	"github.com/hazyhaar/plugmon/usage/internal/schedule"
	"github.com/hazyhaar/plugmon/usage/internal/store"
	"github.com/hazyhaar/plugmon/vtq"
	"github.com/hazyhaar/plugmon/watch"
)

// ScanQueue is the vtq queue name of content-scan jobs.
const ScanQueue = "plugmon_scan"

// Monitor is the plugmon orchestrator.
type Monitor struct {
	cfg       *Config
	host      bridge.Host
	store     *store.Store
	agg       *Aggregator
	queue     *vtq.Q
	scheduler *schedule.Scheduler
	scanner   *schedule.Scanner
	browser   *browser.Checker
	queryLog  bridge.QueryLog
	metricsDB *sql.DB
	metrics   *observability.MetricsManager
	events    *observability.EventLogger
	limiter   *shield.RateLimiter
	logger    *slog.Logger
}

// New opens the evidence database and wires the aggregator, the scan queue
// and the scheduler. host must at least implement bridge.Registry.
func New(cfg *Config, host bridge.Host, logger *slog.Logger) (*Monitor, error) {
	if host == nil {
		return nil, errors.New("usage: nil host")
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.Open(cfg.DBPath, store.WithCacheTTL(cfg.CacheTTL))
	if err != nil {
		return nil, err
	}

	trusted, err := shield.ParseTrustedProxies(cfg.ReportRateLimit.TrustedProxies)
	if err != nil {
		s.Close()
		return nil, err
	}

	m := &Monitor{cfg: cfg, host: host, store: s, logger: logger}

	if cfg.MetricsDBPath != "" {
		db, err := observability.Open(cfg.MetricsDBPath)
		if err != nil {
			s.Close()
			return nil, err
		}
		m.metricsDB = db
		m.metrics = observability.NewMetricsManager(db, 100, 5*time.Second)
		m.events = observability.NewEventLogger(db, "plugmon")
	}

	switch {
	case cfg.QueryLog:
		m.queryLog = querylog.New(querylog.Options{Enabled: true})
	default:
		m.queryLog, _ = host.(bridge.QueryLog)
	}

	m.agg = newAggregator(host, s, cfg, m.metrics, logger)
	m.limiter = shield.NewRateLimiter(cfg.ReportRateLimit.MaxRequests, cfg.ReportRateLimit.Window).
		TrustProxies(trusted)

	m.queue = vtq.New(s.DB, vtq.Options{
		Queue:        ScanQueue,
		Visibility:   cfg.Scan.Visibility,
		PollInterval: cfg.Scan.PollInterval,
		MaxAttempts:  cfg.Scan.MaxAttempts,
		RetryDelay:   time.Minute,
		Logger:       logger,
	})
	if err := m.queue.EnsureTable(context.Background()); err != nil {
		m.Close()
		return nil, err
	}

	schedCfg := schedule.Config{
		Interval:   cfg.Scan.Interval,
		BatchItems: cfg.Scan.BatchItems,
		PageSize:   cfg.Scan.PageSize,
	}
	m.scheduler = schedule.New(host, m.queue, schedCfg, logger)

	scanOpts := []schedule.ScannerOption{schedule.WithLogger(logger)}
	if cfg.DOM.Browser.Enabled {
		m.browser = browser.New(browser.Config{
			RemoteURL: cfg.DOM.Browser.RemoteURL,
			BaseURL:   cfg.DOM.Browser.BaseURL,
			Paths:     cfg.DOM.Browser.Paths,
			Timeout:   cfg.DOM.Browser.Timeout,
			Logger:    logger,
		})
		scanOpts = append(scanOpts, schedule.WithDOMCheck(m.checkDOM))
	}
	m.scanner = schedule.NewScanner(host, s, m.agg.Observe, schedCfg, scanOpts...)

	return m, nil
}

// Start launches the scheduler and the scan consumer. They stop with ctx.
func (m *Monitor) Start(ctx context.Context) {
	go m.scheduler.Run(ctx)
	go m.queue.RunBatch(ctx, m.cfg.Scan.Concurrency, m.cfg.Scan.Concurrency, m.runScanJob)
	m.limiter.StartGC(ctx.Done())
	if m.cfg.CacheTTL > 0 {
		w := watch.New(watch.Options{
			Interval: m.cfg.CacheTTL,
			Detector: watch.DataVersion(m.store.DB),
			Logger:   m.logger,
			Name:     "evidence",
		})
		go w.OnChange(ctx, func() error {
			m.store.DropCache()
			return nil
		})
	}
	m.logger.Info("usage: started", "db", m.cfg.DBPath, "scan_interval", m.cfg.Scan.Interval)
}

// Close releases the browser, the metrics database and the evidence store.
func (m *Monitor) Close() error {
	if m.browser != nil {
		m.browser.Close()
	}
	if m.metrics != nil {
		m.metrics.Close()
	}
	if m.metricsDB != nil {
		m.metricsDB.Close()
	}
	return m.store.Close()
}

// Aggregator returns the evidence aggregator.
func (m *Monitor) Aggregator() *Aggregator { return m.agg }

// Config returns the effective configuration.
func (m *Monitor) Config() *Config { return m.cfg }

// QueryLog returns the query log used for the db_queries probe, or nil.
// When plugmon owns it (query_log: true) it is a *querylog.Log the host
// toggles and whose driver the host opens its database with.
func (m *Monitor) QueryLog() bridge.QueryLog { return m.queryLog }

// Metrics returns the metrics manager, nil without a metrics database.
func (m *Monitor) Metrics() *observability.MetricsManager { return m.metrics }

// Events returns the event logger, nil without a metrics database.
func (m *Monitor) Events() *observability.EventLogger { return m.events }

// Observe runs the probes of kinds for c.Module. Hosts with their own
// lifecycle hooks call it at each trigger point instead of using Middleware.
func (m *Monitor) Observe(ctx context.Context, c *probe.Context, kinds ...signal.Kind) {
	if c.QueryLog == nil {
		c.QueryLog = m.queryLog
	}
	m.agg.Observe(ctx, c, kinds)
}

// EnqueueScan queues a content scan of slug. It reports false when one is
// already pending.
func (m *Monitor) EnqueueScan(ctx context.Context, slug string) (bool, error) {
	if _, err := m.agg.Module(ctx, slug); err != nil {
		return false, err
	}
	return m.scheduler.Enqueue(ctx, slug)
}

// Scan runs the content scan of slug inline until a full pass completes.
func (m *Monitor) Scan(ctx context.Context, slug string) (schedule.Result, error) {
	if _, err := m.agg.Module(ctx, slug); err != nil {
		return schedule.Result{}, err
	}
	res, err := m.scanner.ScanAll(ctx, slug)
	m.recordScan(res)
	return res, err
}

// DrainScans processes the queued scan jobs synchronously.
func (m *Monitor) DrainScans(ctx context.Context) (int, error) {
	return m.queue.Drain(ctx, m.runScanJob)
}

// Reset clears the evidence of slug (all modules when empty) and logs the
// operator event.
func (m *Monitor) Reset(ctx context.Context, slug string) error {
	err := m.agg.Reset(ctx, slug)
	if errors.Is(err, ErrModuleNotFound) {
		return err
	}
	scope, entity := "all", ""
	if slug != "" {
		scope, entity = "module", slug
	}
	m.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  observability.EventReset,
		EntityType: "module",
		EntityID:   entity,
		Action:     "reset",
		Details:    map[string]any{"scope": scope},
		Success:    err == nil,
	})
	if err == nil {
		m.logger.Info("usage: evidence reset", "scope", scope, "module", slug)
	}
	return err
}

// Counts returns the number of stored cells per state.
func (m *Monitor) Counts(ctx context.Context) (map[signal.State]int, error) {
	return m.store.Counts(ctx)
}

func (m *Monitor) runScanJob(ctx context.Context, job *vtq.Job) error {
	start := time.Now()
	err := m.scanner.Handle(ctx, job)
	m.metrics.Observe(observability.MetricScanDurationMs, float64(time.Since(start).Milliseconds()), "milliseconds")
	return err
}

func (m *Monitor) recordScan(res schedule.Result) {
	m.metrics.Observe(observability.MetricScanDurationMs, float64(res.Duration.Milliseconds()), "milliseconds",
		"module", res.Module)
	m.metrics.Observe(observability.MetricScanItems, float64(res.Items), "count", "module", res.Module)
}

func (m *Monitor) checkDOM(ctx context.Context, mod bridge.Module) (*bool, error) {
	found, err := m.browser.Check(ctx, probe.Selectors(mod.Slug, m.cfg.module(mod.Slug).Selectors))
	if err != nil {
		return nil, err
	}
	return &found, nil
}
