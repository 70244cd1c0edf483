package probe

import (
	"context"
	"net/http"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/signal"
)

// EnqueuedAssets looks for scripts and styles the module enqueued for the
// current request.
type EnqueuedAssets struct{}

func (EnqueuedAssets) Kind() signal.Kind { return signal.EnqueuedAssets }

func (EnqueuedAssets) Observe(ctx context.Context, c *Context) (signal.Observation, error) {
	reg, ok := c.Host.(bridge.AssetRegistry)
	if !ok {
		return unavailable(signal.EnqueuedAssets, "an asset registry")
	}
	assets, err := reg.Enqueued(ctx)
	if err != nil {
		return unknown(signal.EnqueuedAssets), err
	}
	if a, ok := MatchAsset(assets, c.Module.Slug, c.Handles); ok {
		return c.observation(signal.EnqueuedAssets, signal.High, true, a.Handle), nil
	}
	return c.observation(signal.EnqueuedAssets, signal.High, false, ""), nil
}

// MatchAsset returns the first asset belonging to the module. Configured
// handles are matched exactly and replace the slug heuristic.
func MatchAsset(assets []bridge.Asset, slug string, handles []string) (bridge.Asset, bool) {
	for _, a := range assets {
		if len(handles) > 0 {
			if slices.Contains(handles, a.Handle) {
				return a, true
			}
			continue
		}
		if strings.Contains(a.Handle, slug) || strings.Contains(a.Src, "/"+slug+"/") {
			return a, true
		}
	}
	return bridge.Asset{}, false
}

// Hooks checks the conventional hook names a module registers on load.
type Hooks struct{}

func (Hooks) Kind() signal.Kind { return signal.Hooks }

func (Hooks) Observe(ctx context.Context, c *Context) (signal.Observation, error) {
	reg, ok := c.Host.(bridge.HookRegistry)
	if !ok {
		return unavailable(signal.Hooks, "a hook registry")
	}
	for _, id := range Identifiers(c.Module) {
		for _, name := range HookNames(id) {
			found, err := reg.HasHook(ctx, name)
			if err != nil {
				return unknown(signal.Hooks), err
			}
			if found {
				return c.observation(signal.Hooks, signal.Low, true, name), nil
			}
		}
	}
	return c.observation(signal.Hooks, signal.Low, false, ""), nil
}

// HookNames returns the hook names probed for slug, dashed and underscored.
func HookNames(slug string) []string {
	forms := []string{slug}
	if u := strings.ReplaceAll(slug, "-", "_"); u != slug {
		forms = append(forms, u)
	}
	var names []string
	for _, s := range forms {
		names = append(names, "init_"+s, s+"_loaded", s+"_enqueue_scripts")
	}
	return names
}

// APIRequests matches outbound request URLs against the slug, with dashes
// as wildcards.
type APIRequests struct{}

func (APIRequests) Kind() signal.Kind { return signal.APIRequests }

func (APIRequests) Observe(_ context.Context, c *Context) (signal.Observation, error) {
	if !c.OutboundCaptured {
		return unavailable(signal.APIRequests, "outbound request capture")
	}
	re := apiPattern(Identifiers(c.Module)...)
	for _, u := range c.Outbound {
		if re.MatchString(u) {
			return c.observation(signal.APIRequests, signal.Low, true, u), nil
		}
	}
	return c.observation(signal.APIRequests, signal.Low, false, ""), nil
}

func apiPattern(ids ...string) *regexp.Regexp {
	alts := make([]string, len(ids))
	for i, id := range ids {
		parts := strings.Split(id, "-")
		for j, p := range parts {
			parts[j] = regexp.QuoteMeta(p)
		}
		alts[i] = strings.Join(parts, ".")
	}
	return regexp.MustCompile("(?i)(?:" + strings.Join(alts, "|") + ")")
}

// DBQueries looks for the module identifiers in the statements captured by a
// query window, bound text arguments included.
type DBQueries struct{}

func (DBQueries) Kind() signal.Kind { return signal.DBQueries }

func (DBQueries) Observe(_ context.Context, c *Context) (signal.Observation, error) {
	ql := c.QueryLog
	if ql == nil {
		ql, _ = c.Host.(bridge.QueryLog)
	}
	if ql == nil || !ql.Enabled() {
		return unavailable(signal.DBQueries, "query logging")
	}
	if !c.QueriesCaptured {
		return unknown(signal.DBQueries), nil
	}
	for _, q := range c.Queries {
		if matchesModule(q, c.Module) {
			return c.observation(signal.DBQueries, signal.Medium, true, q), nil
		}
	}
	return c.observation(signal.DBQueries, signal.Medium, false, ""), nil
}

// HTTPTrace looks for the module identifier in the response header.
type HTTPTrace struct{}

func (HTTPTrace) Kind() signal.Kind { return signal.HTTPTrace }

func (HTTPTrace) Observe(_ context.Context, c *Context) (signal.Observation, error) {
	if c.Header == nil {
		return unknown(signal.HTTPTrace), nil
	}
	match := func(s string) bool { return matchesModule(s, c.Module) }
	for name, values := range c.Header {
		if name == "Set-Cookie" {
			continue
		}
		if match(name) {
			return c.observation(signal.HTTPTrace, signal.Low, true, name), nil
		}
		for _, v := range values {
			if match(v) {
				return c.observation(signal.HTTPTrace, signal.Low, true, name), nil
			}
		}
	}
	resp := http.Response{Header: c.Header}
	for _, ck := range resp.Cookies() {
		if match(ck.Name) {
			return c.observation(signal.HTTPTrace, signal.Low, true, "cookie "+ck.Name), nil
		}
	}
	return c.observation(signal.HTTPTrace, signal.Low, false, ""), nil
}

// MetaBoxes checks the ids of the meta boxes registered for the current
// screen.
type MetaBoxes struct{}

func (MetaBoxes) Kind() signal.Kind { return signal.MetaBoxes }

func (MetaBoxes) Observe(ctx context.Context, c *Context) (signal.Observation, error) {
	reg, ok := c.Host.(bridge.MetaBoxRegistry)
	if !ok {
		return unavailable(signal.MetaBoxes, "a meta box registry")
	}
	ids, err := reg.MetaBoxIDs(ctx)
	if err != nil {
		return unknown(signal.MetaBoxes), err
	}
	for _, id := range ids {
		if matchesModule(id, c.Module) {
			return c.observation(signal.MetaBoxes, signal.Medium, true, id), nil
		}
	}
	return c.observation(signal.MetaBoxes, signal.Medium, false, ""), nil
}

// CustomTemplates reports a module that overrode template resolution: the
// resolved template (or stylesheet directory) differs from the host default
// and lives under the module's directory.
type CustomTemplates struct{}

func (CustomTemplates) Kind() signal.Kind { return signal.CustomTemplates }

func (CustomTemplates) Observe(ctx context.Context, c *Context) (signal.Observation, error) {
	res, ok := c.Host.(bridge.TemplateResolver)
	if !ok {
		return unavailable(signal.CustomTemplates, "a template resolver")
	}
	if c.Template == "" && c.StylesheetDir == "" {
		return unknown(signal.CustomTemplates), nil
	}

	if c.Template != "" {
		def, err := res.DefaultTemplate(ctx, c.Request)
		if err != nil {
			return unknown(signal.CustomTemplates), err
		}
		if overrides(c.Template, def, c.Module) {
			return c.observation(signal.CustomTemplates, signal.Medium, true, c.Template), nil
		}
	}
	if c.StylesheetDir != "" {
		def, err := res.DefaultStylesheetDir(ctx)
		if err != nil {
			return unknown(signal.CustomTemplates), err
		}
		if overrides(c.StylesheetDir, def, c.Module) {
			return c.observation(signal.CustomTemplates, signal.Medium, true, c.StylesheetDir), nil
		}
	}
	return c.observation(signal.CustomTemplates, signal.Medium, false, ""), nil
}

func overrides(resolved, def string, mod bridge.Module) bool {
	resolved = path.Clean(resolved)
	if def != "" && resolved == path.Clean(def) {
		return false
	}
	if mod.Dir != "" {
		return strings.HasPrefix(resolved+"/", path.Clean(mod.Dir)+"/")
	}
	return strings.Contains(resolved+"/", mod.InstallDir())
}

// Identifiers returns the strings a module is recognised by: its slug and,
// when it differs, its text domain.
func Identifiers(mod bridge.Module) []string {
	ids := []string{mod.Slug}
	if id := mod.Identifier(); !strings.EqualFold(id, mod.Slug) {
		ids = append(ids, id)
	}
	return ids
}

func matchesModule(s string, mod bridge.Module) bool {
	for _, id := range Identifiers(mod) {
		if containsSlug(s, id) {
			return true
		}
	}
	return false
}

func containsSlug(s, slug string) bool {
	s = strings.ToLower(s)
	slug = strings.ToLower(slug)
	if strings.Contains(s, slug) {
		return true
	}
	u := strings.ReplaceAll(slug, "-", "_")
	return u != slug && strings.Contains(s, u)
}
