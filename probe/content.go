package probe

import (
	"context"
	"regexp"
	"strings"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/signal"
)

// contentObservation applies the content-scan absence rule: a miss only
// counts as absent when the batch closed a full pass.
func (c *Context) contentObservation(kind signal.Kind, conf signal.Confidence, found bool, detail string) signal.Observation {
	if !found && !c.ContentComplete {
		return unknown(kind)
	}
	return c.observation(kind, conf, found, detail)
}

func (c *Context) requireContent(kind signal.Kind) error {
	if _, ok := c.Host.(bridge.ContentSource); !ok {
		_, err := unavailable(kind, "a content source")
		return err
	}
	return nil
}

// URLParams scans content bodies for URLs carrying a module identifier.
type URLParams struct{}

func (URLParams) Kind() signal.Kind { return signal.URLParams }

func (URLParams) Observe(_ context.Context, c *Context) (signal.Observation, error) {
	if err := c.requireContent(signal.URLParams); err != nil {
		return unknown(signal.URLParams), err
	}
	re := urlPattern(Identifiers(c.Module)...)
	for _, it := range c.Content {
		if m := re.FindString(it.Body); m != "" {
			return c.contentObservation(signal.URLParams, signal.Low, true, m), nil
		}
	}
	return c.contentObservation(signal.URLParams, signal.Low, false, ""), nil
}

// Shortcodes scans content bodies for "[id" or "[id_..." shortcode tags, id
// being the slug or the text domain.
type Shortcodes struct{}

func (Shortcodes) Kind() signal.Kind { return signal.Shortcodes }

func (Shortcodes) Observe(_ context.Context, c *Context) (signal.Observation, error) {
	if err := c.requireContent(signal.Shortcodes); err != nil {
		return unknown(signal.Shortcodes), err
	}
	re := shortcodePattern(Identifiers(c.Module)...)
	for _, it := range c.Content {
		if m := re.FindString(it.Body); m != "" {
			return c.contentObservation(signal.Shortcodes, signal.Medium, true, m), nil
		}
	}
	return c.contentObservation(signal.Shortcodes, signal.Medium, false, ""), nil
}

func urlPattern(ids ...string) *regexp.Regexp {
	alts := make([]string, len(ids))
	for i, id := range ids {
		alts[i] = regexp.QuoteMeta(id)
	}
	return regexp.MustCompile(`https?://\S*\b(?:` + strings.Join(alts, "|") + `)\b`)
}

func shortcodePattern(ids ...string) *regexp.Regexp {
	var alts []string
	for _, id := range ids {
		alts = append(alts, regexp.QuoteMeta(id))
		if u := strings.ReplaceAll(id, "-", "_"); u != id {
			alts = append(alts, regexp.QuoteMeta(u))
		}
	}
	return regexp.MustCompile(`\[(?:` + strings.Join(alts, "|") + `)(?:_[\w-]*)?(?:[\s/\]])`)
}

// CustomFields scans content metadata keys for a module identifier.
type CustomFields struct{}

func (CustomFields) Kind() signal.Kind { return signal.CustomFields }

func (CustomFields) Observe(_ context.Context, c *Context) (signal.Observation, error) {
	if err := c.requireContent(signal.CustomFields); err != nil {
		return unknown(signal.CustomFields), err
	}
	for _, it := range c.Content {
		for key := range it.Meta {
			if matchesModule(key, c.Module) {
				return c.contentObservation(signal.CustomFields, signal.Low, true, key), nil
			}
		}
	}
	return c.contentObservation(signal.CustomFields, signal.Low, false, ""), nil
}

// Widgets checks the classes of widgets placed in active areas. The widget
// registry is read whole, so a miss is a full-pass absence.
type Widgets struct{}

func (Widgets) Kind() signal.Kind { return signal.Widgets }

func (Widgets) Observe(ctx context.Context, c *Context) (signal.Observation, error) {
	reg, ok := c.Host.(bridge.WidgetRegistry)
	if !ok {
		return unavailable(signal.Widgets, "a widget registry")
	}
	areas, err := reg.WidgetAreas(ctx)
	if err != nil {
		return unknown(signal.Widgets), err
	}
	for _, area := range areas {
		if area.Inactive || area.ID == bridge.InactiveAreaID {
			continue
		}
		for _, w := range area.Widgets {
			if matchesModule(w.Class, c.Module) {
				return c.observation(signal.Widgets, signal.Medium, true, w.ID), nil
			}
		}
	}
	return c.observation(signal.Widgets, signal.Medium, false, ""), nil
}

// builtinTypes are the host's own content types.
var builtinTypes = map[string]bool{
	"post":                true,
	"page":                true,
	"attachment":          true,
	"revision":            true,
	"nav_menu_item":       true,
	"custom_css":          true,
	"customize_changeset": true,
	"oembed_cache":        true,
	"user_request":        true,
	"wp_block":            true,
	"wp_template":         true,
	"wp_template_part":    true,
	"wp_global_styles":    true,
	"wp_navigation":       true,
	"wp_font_family":      true,
	"wp_font_face":        true,
}

// CustomTypes checks registered content type names for a module identifier.
type CustomTypes struct{}

func (CustomTypes) Kind() signal.Kind { return signal.CustomTypes }

func (CustomTypes) Observe(ctx context.Context, c *Context) (signal.Observation, error) {
	reg, ok := c.Host.(bridge.TypeRegistry)
	if !ok {
		return unavailable(signal.CustomTypes, "a type registry")
	}
	types, err := reg.CustomTypes(ctx)
	if err != nil {
		return unknown(signal.CustomTypes), err
	}
	for _, t := range types {
		if builtinTypes[t] {
			continue
		}
		if matchesModule(t, c.Module) {
			return c.observation(signal.CustomTypes, signal.Medium, true, t), nil
		}
	}
	return c.observation(signal.CustomTypes, signal.Medium, false, ""), nil
}
