// Package schedule drives the background content scan.
//
// The Scheduler periodically publishes one scan job per active module to a
// VTQ queue. Job ids are derived from the module slug, so a module never has
// more than one pending scan. The Scanner consumes those jobs: each job reads
// one bounded batch of content from the module's saved cursor and runs the
// content probes over it.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/vtq"
)

// Config controls the scheduler behaviour.
type Config struct {
	// Interval is how often active modules are queued for a scan.
	Interval time.Duration
	// BatchItems bounds the content items one job reads.
	BatchItems int
	// PageSize is the limit passed to the content source.
	PageSize int
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.BatchItems <= 0 {
		c.BatchItems = 500
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.PageSize > c.BatchItems {
		c.PageSize = c.BatchItems
	}
}

// ScanJob is the VTQ payload of a scan task.
type ScanJob struct {
	Module string `json:"module"`
}

// JobID returns the queue id of the scan job for slug.
func JobID(slug string) string {
	return "scan:" + slug
}

// Scheduler queues scan jobs for active modules.
type Scheduler struct {
	registry bridge.Registry
	queue    *vtq.Q
	config   Config
	logger   *slog.Logger
}

// New creates a scan scheduler.
func New(reg bridge.Registry, q *vtq.Q, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{registry: reg, queue: q, config: cfg, logger: logger}
}

// Run queues a first round immediately, then one every Interval. Blocks
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler: started", "interval", s.config.Interval)

	if err := s.check(ctx); err != nil {
		s.logger.Warn("scheduler: check failed", "error", err)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return
		case <-ticker.C:
			if err := s.check(ctx); err != nil {
				s.logger.Warn("scheduler: check failed", "error", err)
			}
		}
	}
}

// Enqueue publishes a scan job for slug. It reports false when a job for
// that module is already pending.
func (s *Scheduler) Enqueue(ctx context.Context, slug string) (bool, error) {
	payload, err := json.Marshal(ScanJob{Module: slug})
	if err != nil {
		return false, err
	}
	queued, err := s.queue.Publish(ctx, JobID(slug), payload)
	if err != nil {
		return false, fmt.Errorf("scheduler: publish %s: %w", slug, err)
	}
	return queued, nil
}

func (s *Scheduler) check(ctx context.Context) error {
	mods, err := s.registry.Modules(ctx)
	if err != nil {
		return err
	}

	var queued int
	for _, m := range mods {
		if !m.Active {
			continue
		}
		ok, err := s.Enqueue(ctx, m.Slug)
		if err != nil {
			s.logger.Warn("scheduler: enqueue failed", "module", m.Slug, "error", err)
			continue
		}
		if ok {
			queued++
		}
	}

	if queued > 0 {
		s.logger.Info("scheduler: queued scan jobs", "count", queued)
	}
	return nil
}
