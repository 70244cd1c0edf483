package probe

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/signal"
)

const page = `<html><body>
<div id="main" class="content wide">
  <section class="demo-plugin-gallery"><img src="a.png"></section>
  <p data-role="note">hi</p>
</div>
</body></html>`

func TestQueryFirst(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		sel  string
		want bool
	}{
		{`[class*="demo-plugin"]`, true},
		{`[id*=demo-plugin]`, false},
		{`div#main`, true},
		{`div.content.wide`, true},
		{`div.content.narrow`, false},
		{`#main section img`, true},
		{`p[data-role=note]`, true},
		{`p[data-role^=no]`, true},
		{`p[data-role$=te]`, true},
		{`p[data-role=other]`, false},
		{`span`, false},
	}
	for _, tt := range tests {
		if got := QueryFirst(doc, tt.sel) != nil; got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.sel, got, tt.want)
		}
	}
}

func TestDOMElements(t *testing.T) {
	mod := bridge.Module{Slug: "demo-plugin"}
	yes, no := true, false

	obs, _ := DOMElements{}.Observe(context.Background(), &Context{Module: mod, DOMReport: &yes})
	if obs.State != signal.Present {
		t.Fatalf("report true: %v", obs.State)
	}
	obs, _ = DOMElements{}.Observe(context.Background(), &Context{Module: mod, DOMReport: &no})
	if obs.State != signal.Absent {
		t.Fatalf("report false: %v", obs.State)
	}

	obs, _ = DOMElements{}.Observe(context.Background(), &Context{Module: mod, Markup: []byte(page)})
	if obs.State != signal.Present {
		t.Fatalf("markup match: %v", obs.State)
	}

	obs, _ = DOMElements{}.Observe(context.Background(), &Context{Module: bridge.Module{Slug: "other"}, Markup: []byte(page)})
	if obs.State != signal.Unknown {
		t.Fatalf("markup miss must stay unknown: %v", obs.State)
	}

	obs, _ = DOMElements{}.Observe(context.Background(), &Context{
		Module: bridge.Module{Slug: "other"}, Markup: []byte(page), Selectors: []string{"p[data-role=note]"},
	})
	if obs.State != signal.Present {
		t.Fatalf("configured selector: %v", obs.State)
	}
}
