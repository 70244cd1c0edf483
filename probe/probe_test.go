package probe

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/signal"
)

type fakeQueryLog struct{ on bool }

func (f fakeQueryLog) Enabled() bool { return f.on }
func (f fakeQueryLog) Begin(ctx context.Context) (context.Context, bridge.QueryWindow) {
	return ctx, nil
}

func newHost(t *testing.T) *bridge.Manifest {
	t.Helper()
	return bridge.NewManifest(bridge.ManifestData{
		Modules: []bridge.Module{
			{Slug: "demo-plugin", Name: "Demo", Version: "1.0", Active: true, TextDomain: "demo"},
			{Slug: "other", Name: "Other", Version: "1.0", Active: true},
		},
		Hooks: []string{"init_demo_plugin"},
		Assets: []bridge.Asset{
			{Handle: "jquery", Kind: bridge.Script, Src: "/wp-includes/js/jquery.js"},
			{Handle: "dp-main", Kind: bridge.Style, Src: "/wp-content/plugins/demo-plugin/css/main.css"},
		},
		WidgetAreas: []bridge.WidgetArea{
			{ID: "sidebar-1", Widgets: []bridge.Widget{{ID: "text-2", Class: "WP_Widget_Text"}}},
			{ID: bridge.InactiveAreaID, Widgets: []bridge.Widget{{ID: "other-1", Class: "Other_Widget"}}},
			{ID: "footer", Widgets: []bridge.Widget{{ID: "demo-3", Class: "Demo_Plugin_Widget"}}},
		},
		CustomTypes: []string{"post", "demo_plugin_event"},
		MetaBoxes:   []string{"postexcerpt", "demo-plugin-settings"},
	})
}

func TestTableCoversEveryKind(t *testing.T) {
	for _, k := range signal.Kinds {
		p, ok := Lookup(k)
		if !ok {
			t.Fatalf("no probe for %s", k)
		}
		if p.Kind() != k {
			t.Fatalf("probe for %s reports kind %s", k, p.Kind())
		}
	}
	if len(Table) != len(signal.Kinds) {
		t.Fatalf("table has %d entries, want %d", len(Table), len(signal.Kinds))
	}
}

func TestRegistryProbes(t *testing.T) {
	host := newHost(t)
	demo, _ := host.Module(context.Background(), "demo-plugin")
	other, _ := host.Module(context.Background(), "other")

	tests := []struct {
		kind signal.Kind
		mod  bridge.Module
		want signal.State
	}{
		{signal.EnqueuedAssets, demo, signal.Present},
		{signal.EnqueuedAssets, other, signal.Absent},
		{signal.Hooks, demo, signal.Present},
		{signal.Hooks, other, signal.Absent},
		{signal.Widgets, demo, signal.Present},
		{signal.Widgets, other, signal.Absent}, // only in the inactive area
		{signal.CustomTypes, demo, signal.Present},
		{signal.CustomTypes, other, signal.Absent},
		{signal.MetaBoxes, demo, signal.Present},
		{signal.MetaBoxes, other, signal.Absent},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.mod.Slug, func(t *testing.T) {
			p, _ := Lookup(tt.kind)
			obs, err := Run(context.Background(), p, &Context{Module: tt.mod, Host: host})
			if err != nil {
				t.Fatal(err)
			}
			if obs.State != tt.want {
				t.Fatalf("state = %v, want %v", obs.State, tt.want)
			}
		})
	}
}

func TestAssetHandlesOverride(t *testing.T) {
	host := newHost(t)
	demo, _ := host.Module(context.Background(), "demo-plugin")
	obs, err := EnqueuedAssets{}.Observe(context.Background(), &Context{
		Module: demo, Host: host, Handles: []string{"nope"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if obs.State != signal.Absent {
		t.Fatalf("state = %v, want absent with unmatched configured handle", obs.State)
	}
	if obs.Confidence != signal.High {
		t.Fatalf("confidence = %v, want high", obs.Confidence)
	}
}

type registryOnly struct{ bridge.Registry }

func TestUnavailable(t *testing.T) {
	host := registryOnly{newHost(t)}
	mod := bridge.Module{Slug: "demo-plugin"}
	for _, k := range []signal.Kind{
		signal.EnqueuedAssets, signal.Hooks, signal.Widgets, signal.CustomTypes,
		signal.MetaBoxes, signal.CustomTemplates, signal.DBQueries, signal.APIRequests,
		signal.URLParams, signal.Shortcodes, signal.CustomFields,
	} {
		p, _ := Lookup(k)
		obs, err := Run(context.Background(), p, &Context{Module: mod, Host: host})
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("%s: err = %v, want ErrUnavailable", k, err)
		}
		if obs.State != signal.Unknown {
			t.Errorf("%s: state = %v, want unknown", k, obs.State)
		}
	}
}

func TestDBQueries(t *testing.T) {
	mod := bridge.Module{Slug: "demo-plugin", TextDomain: "demo"}
	queries := []string{"SELECT * FROM wp_options WHERE option_name = 'DEMO_version'"}

	obs, err := DBQueries{}.Observe(context.Background(), &Context{
		Module: mod, QueryLog: fakeQueryLog{on: true}, Queries: queries, QueriesCaptured: true,
	})
	if err != nil || obs.State != signal.Present {
		t.Fatalf("logging on: %v %v", obs.State, err)
	}

	obs, err = DBQueries{}.Observe(context.Background(), &Context{
		Module: mod, QueryLog: fakeQueryLog{on: false}, Queries: queries, QueriesCaptured: true,
	})
	if !errors.Is(err, ErrUnavailable) || obs.State != signal.Unknown {
		t.Fatalf("logging off: %v %v", obs.State, err)
	}

	obs, err = DBQueries{}.Observe(context.Background(), &Context{
		Module: mod, QueryLog: fakeQueryLog{on: true}, QueriesCaptured: true,
	})
	if err != nil || obs.State != signal.Absent {
		t.Fatalf("empty window: %v %v", obs.State, err)
	}
}

func TestAPIRequests(t *testing.T) {
	mod := bridge.Module{Slug: "demo-plugin"}
	obs, _ := APIRequests{}.Observe(context.Background(), &Context{
		Module: mod, OutboundCaptured: true,
		Outbound: []string{"https://api.example.com/v1", "https://demo.plugin.io/license"},
	})
	if obs.State != signal.Present {
		t.Fatalf("state = %v, want present", obs.State)
	}
	obs, _ = APIRequests{}.Observe(context.Background(), &Context{
		Module: mod, OutboundCaptured: true, Outbound: []string{"https://api.example.com/v1"},
	})
	if obs.State != signal.Absent {
		t.Fatalf("state = %v, want absent", obs.State)
	}
}

func TestHTTPTrace(t *testing.T) {
	mod := bridge.Module{Slug: "demo-plugin"}
	h := http.Header{}
	h.Add("Set-Cookie", "demo-plugin_session=abc; Path=/")
	obs, _ := HTTPTrace{}.Observe(context.Background(), &Context{Module: mod, Header: h})
	if obs.State != signal.Present {
		t.Fatalf("cookie: state = %v", obs.State)
	}

	h = http.Header{"X-Powered-By": {"Demo-Plugin/1.0"}}
	obs, _ = HTTPTrace{}.Observe(context.Background(), &Context{Module: mod, Header: h})
	if obs.State != signal.Present {
		t.Fatalf("value: state = %v", obs.State)
	}

	obs, _ = HTTPTrace{}.Observe(context.Background(), &Context{Module: mod})
	if obs.State != signal.Unknown {
		t.Fatalf("no header: state = %v", obs.State)
	}
}

func TestCustomTemplates(t *testing.T) {
	host := newHost(t)
	host.Update(func(d *bridge.ManifestData) {
		d.Templates.Default = "/srv/wp-content/themes/base/single.php"
		d.Templates.StylesheetDir = "/srv/wp-content/themes/base"
	})
	mod := bridge.Module{Slug: "demo-plugin"}

	tests := []struct {
		name     string
		template string
		want     signal.State
	}{
		{"module template", "/srv/wp-content/plugins/demo-plugin/templates/single.php", signal.Present},
		{"default template", "/srv/wp-content/themes/base/single.php", signal.Absent},
		{"other module", "/srv/wp-content/plugins/other/single.php", signal.Absent},
		{"not resolved", "", signal.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, err := CustomTemplates{}.Observe(context.Background(), &Context{
				Module: mod, Host: host, Template: tt.template,
			})
			if err != nil {
				t.Fatal(err)
			}
			if obs.State != tt.want {
				t.Fatalf("state = %v, want %v", obs.State, tt.want)
			}
		})
	}
}

func TestContentProbesAbsenceNeedsFullPass(t *testing.T) {
	host := newHost(t)
	mod := bridge.Module{Slug: "demo-plugin"}
	items := []bridge.ContentItem{{ID: "1", Body: "nothing here", Meta: map[string]string{"_edit_lock": "1"}}}

	for _, k := range []signal.Kind{signal.URLParams, signal.Shortcodes, signal.CustomFields} {
		p, _ := Lookup(k)
		obs, err := p.Observe(context.Background(), &Context{Module: mod, Host: host, Content: items})
		if err != nil {
			t.Fatal(err)
		}
		if obs.State != signal.Unknown {
			t.Errorf("%s partial batch: state = %v, want unknown", k, obs.State)
		}
		obs, _ = p.Observe(context.Background(), &Context{Module: mod, Host: host, Content: items, ContentComplete: true})
		if obs.State != signal.Absent {
			t.Errorf("%s full pass: state = %v, want absent", k, obs.State)
		}
	}
}

func TestContentProbesMatch(t *testing.T) {
	host := newHost(t)
	mod := bridge.Module{Slug: "demo-plugin"}
	items := []bridge.ContentItem{
		{ID: "1", Body: `See <a href="https://example.com/?src=demo-plugin">here</a>`},
		{ID: "2", Body: `[demo-plugin_gallery id="3"]`},
		{ID: "3", Meta: map[string]string{"_demo_plugin_color": "red"}},
	}
	for _, k := range []signal.Kind{signal.URLParams, signal.Shortcodes, signal.CustomFields} {
		p, _ := Lookup(k)
		obs, err := p.Observe(context.Background(), &Context{Module: mod, Host: host, Content: items})
		if err != nil {
			t.Fatal(err)
		}
		if obs.State != signal.Present {
			t.Errorf("%s: state = %v, want present", k, obs.State)
		}
	}
}

func TestShortcodePattern(t *testing.T) {
	re := shortcodePattern("demo-plugin")
	tests := []struct {
		in   string
		want bool
	}{
		{"[demo-plugin]", true},
		{"[demo-plugin id=1]", true},
		{"[demo_plugin_form/]", true},
		{"[demo-pluginx]", false},
		{"demo-plugin", false},
	}
	for _, tt := range tests {
		if got := re.MatchString(tt.in); got != tt.want {
			t.Errorf("%q: got %v, want %v", tt.in, got, tt.want)
		}
	}
}

type panicProbe struct{}

func (panicProbe) Kind() signal.Kind { return signal.Hooks }
func (panicProbe) Observe(context.Context, *Context) (signal.Observation, error) {
	panic("boom")
}

func TestRunRecovers(t *testing.T) {
	obs, err := Run(context.Background(), panicProbe{}, &Context{})
	if err == nil {
		t.Fatal("expected error from panicking probe")
	}
	if obs.State != signal.Unknown {
		t.Fatalf("state = %v", obs.State)
	}
}

func TestTextDomainIdentifiers(t *testing.T) {
	host := bridge.NewManifest(bridge.ManifestData{
		Modules: []bridge.Module{
			{Slug: "advanced-custom-fields", Version: "6.0", Active: true, TextDomain: "acf"},
			{Slug: "other", Version: "1.0", Active: true},
		},
		Hooks:       []string{"acf_loaded"},
		CustomTypes: []string{"post", "acf-field-group"},
		MetaBoxes:   []string{"acf-group_1"},
	})
	items := []bridge.ContentItem{
		{ID: "1", Body: `[acf field="x"] https://example.com/acf/export`, Meta: map[string]string{"_acf_layout": "grid"}},
	}
	acf, _ := host.Module(context.Background(), "advanced-custom-fields")
	other, _ := host.Module(context.Background(), "other")

	if got := Identifiers(acf); len(got) != 2 || got[1] != "acf" {
		t.Fatalf("Identifiers = %v", got)
	}
	if got := Identifiers(other); len(got) != 1 {
		t.Fatalf("Identifiers without text domain = %v", got)
	}

	kinds := []signal.Kind{
		signal.Shortcodes, signal.CustomFields, signal.URLParams,
		signal.CustomTypes, signal.MetaBoxes, signal.Hooks,
	}
	for _, k := range kinds {
		t.Run(string(k), func(t *testing.T) {
			p, _ := Lookup(k)
			obs, err := Run(context.Background(), p, &Context{Module: acf, Host: host, Content: items, ContentComplete: true})
			if err != nil {
				t.Fatal(err)
			}
			if obs.State != signal.Present {
				t.Fatalf("acf: state = %v, want present", obs.State)
			}
			obs, _ = Run(context.Background(), p, &Context{Module: other, Host: host, Content: items, ContentComplete: true})
			if obs.State != signal.Absent {
				t.Fatalf("other: state = %v, want absent", obs.State)
			}
		})
	}

	obs, _ := APIRequests{}.Observe(context.Background(), &Context{
		Module: acf, OutboundCaptured: true, Outbound: []string{"https://connect.acf.example/v1/license"},
	})
	if obs.State != signal.Present {
		t.Fatalf("api_requests = %v, want present", obs.State)
	}
	obs, _ = DBQueries{}.Observe(context.Background(), &Context{
		Module: acf, QueryLog: fakeQueryLog{on: true}, QueriesCaptured: true,
		Queries: []string{"SELECT meta_value FROM wp_postmeta WHERE meta_key = ? -- args: _acf_layout"},
	})
	if obs.State != signal.Present {
		t.Fatalf("db_queries = %v, want present", obs.State)
	}
}
