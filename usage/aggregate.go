package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/observability"
	"github.com/hazyhaar/plugmon/probe"
	"github.com/hazyhaar/plugmon/signal"
	"github.com/hazyhaar/plugmon/usage/internal/store"
)

var (
	// ErrModuleNotFound is returned for a slug the registry does not know.
	ErrModuleNotFound = errors.New("usage: module not found")
	// ErrMalformedReport is returned for a client report that does not parse.
	ErrMalformedReport = errors.New("usage: malformed client report")
)

// Aggregator joins probe results with the evidence store. Reads never
// trigger probes.
type Aggregator struct {
	registry bridge.Registry
	store    *store.Store
	cfg      *Config
	metrics  *observability.MetricsManager
	logger   *slog.Logger

	// warned holds the kinds already reported as unavailable.
	warned sync.Map
}

func newAggregator(reg bridge.Registry, s *store.Store, cfg *Config, mm *observability.MetricsManager, logger *slog.Logger) *Aggregator {
	return &Aggregator{registry: reg, store: s, cfg: cfg, metrics: mm, logger: logger}
}

// Module returns the registry entry for slug with configured overrides
// applied.
func (a *Aggregator) Module(ctx context.Context, slug string) (bridge.Module, error) {
	mod, err := a.registry.Module(ctx, slug)
	if errors.Is(err, bridge.ErrNotFound) {
		return bridge.Module{}, fmt.Errorf("%w: %s", ErrModuleNotFound, slug)
	}
	if err != nil {
		return bridge.Module{}, fmt.Errorf("usage: registry: %w", err)
	}
	return a.override(mod), nil
}

// Modules lists every registered module with overrides applied.
func (a *Aggregator) Modules(ctx context.Context) ([]bridge.Module, error) {
	mods, err := a.registry.Modules(ctx)
	if err != nil {
		return nil, fmt.Errorf("usage: registry: %w", err)
	}
	for i := range mods {
		mods[i] = a.override(mods[i])
	}
	return mods, nil
}

func (a *Aggregator) override(mod bridge.Module) bridge.Module {
	if td := a.cfg.module(mod.Slug).TextDomain; td != "" {
		mod.TextDomain = td
	}
	return mod
}

// Record merges obs into the module's cell. Unknown observations are not
// written; the current verdict is returned.
func (a *Aggregator) Record(ctx context.Context, slug string, obs signal.Observation) (signal.Verdict, error) {
	if !obs.Kind.Valid() {
		return signal.Verdict{}, fmt.Errorf("usage: unknown signal kind %q", obs.Kind)
	}
	mod, err := a.Module(ctx, slug)
	if err != nil {
		return signal.Verdict{}, err
	}
	return a.record(ctx, mod, obs)
}

func (a *Aggregator) record(ctx context.Context, mod bridge.Module, obs signal.Observation) (signal.Verdict, error) {
	v, err := a.store.Put(ctx, mod.Slug, obs, store.Epoch(mod.Version))
	if err != nil {
		return v, err
	}
	if obs.State != signal.Unknown {
		a.metrics.Count(observability.MetricProbeObservation,
			"kind", string(obs.Kind), "state", obs.State.String())
	}
	return v, nil
}

// Fingerprint returns the stored verdicts of slug, every kind present.
func (a *Aggregator) Fingerprint(ctx context.Context, slug string) (signal.Fingerprint, error) {
	mod, err := a.Module(ctx, slug)
	if err != nil {
		return nil, err
	}
	return a.fingerprint(ctx, mod)
}

func (a *Aggregator) fingerprint(ctx context.Context, mod bridge.Module) (signal.Fingerprint, error) {
	return a.store.GetAll(ctx, mod.Slug, store.Epoch(mod.Version))
}

// Reset clears the evidence of slug, or of every module when slug is empty.
func (a *Aggregator) Reset(ctx context.Context, slug string) error {
	if slug == "" {
		return a.store.Reset(ctx)
	}
	if _, err := a.Module(ctx, slug); err != nil {
		return err
	}
	return a.store.Invalidate(ctx, slug)
}

// prepare fills the parts of c the caller may leave out: the host and the
// configured selector and handle overrides.
func (a *Aggregator) prepare(c *probe.Context) {
	if c.Host == nil {
		c.Host = a.registry
	}
	mc := a.cfg.module(c.Module.Slug)
	if c.Selectors == nil {
		c.Selectors = mc.Selectors
	}
	if c.Handles == nil {
		c.Handles = mc.Handles
	}
	c.Module = a.override(c.Module)
}

// ObserveKind runs the probe of kind against c and records the result.
// It returns probe.ErrUnavailable (wrapped) when the host lacks the feature.
func (a *Aggregator) ObserveKind(ctx context.Context, c *probe.Context, kind signal.Kind) (signal.Verdict, error) {
	p, ok := probe.Lookup(kind)
	if !ok {
		return signal.Verdict{}, fmt.Errorf("usage: no probe for %q", kind)
	}
	a.prepare(c)
	obs, err := probe.Run(ctx, p, c)
	if err != nil {
		return signal.Verdict{Kind: kind}, err
	}
	if obs.State == signal.Unknown {
		return a.store.Get(ctx, c.Module.Slug, kind, store.Epoch(c.Module.Version))
	}
	return a.record(ctx, c.Module, obs)
}

// Observe runs the probes of kinds against c. Failures are logged per kind
// and never stop the other probes.
func (a *Aggregator) Observe(ctx context.Context, c *probe.Context, kinds []signal.Kind) {
	a.prepare(c)
	epoch := store.Epoch(c.Module.Version)

	// A cached present cell cannot be changed by an absent observation, so
	// that write is skipped. The cache never runs ahead of the database.
	cur, err := a.store.GetAll(ctx, c.Module.Slug, epoch)
	if err != nil {
		a.logger.Warn("aggregator: read fingerprint", "module", c.Module.Slug, "error", err)
		cur = signal.NewFingerprint()
	}

	for _, kind := range kinds {
		p, ok := probe.Lookup(kind)
		if !ok {
			continue
		}
		obs, err := probe.Run(ctx, p, c)
		if err != nil {
			a.probeFailed(c.Module.Slug, kind, err)
			continue
		}
		if obs.State == signal.Unknown {
			continue
		}
		if v := cur[kind]; v.Epoch == epoch && v.State > obs.State {
			continue
		}
		if _, err := a.record(ctx, c.Module, obs); err != nil {
			a.logger.Error("aggregator: record failed", "module", c.Module.Slug, "kind", kind, "error", err)
			continue
		}
		a.logger.Debug("aggregator: observed",
			"module", c.Module.Slug, "kind", kind, "state", obs.State, "detail", obs.Detail)
	}
}

func (a *Aggregator) probeFailed(slug string, kind signal.Kind, err error) {
	if errors.Is(err, probe.ErrUnavailable) {
		if _, seen := a.warned.LoadOrStore(kind, struct{}{}); !seen {
			a.logger.Warn("aggregator: probe unavailable", "kind", kind, "error", err)
		}
		return
	}
	a.metrics.Count(observability.MetricProbeError, "kind", string(kind))
	a.logger.Warn("aggregator: probe failed", "module", slug, "kind", kind, "error", err)
}
