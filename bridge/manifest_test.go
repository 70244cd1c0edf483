package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testManifest = `
modules:
  - slug: demo-plugin
    name: Demo Plugin
    version: 1.2.0
    active: true
  - slug: idle-plugin
    version: 0.1.0
hooks:
  - init_demo-plugin
assets:
  - handle: demo-plugin-js
    kind: script
    src: /wp-content/plugins/demo-plugin/app.js
widget_areas:
  - id: sidebar-1
    widgets:
      - id: demo-1
        class: Demo_Plugin_Widget
content:
  - id: "1"
    body: hello
  - id: "2"
    body: world
  - id: "3"
    body: "!"
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	mods, err := m.Modules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2", len(mods))
	}
	if mods[1].Name != "idle-plugin" {
		t.Fatalf("default name = %q, want slug", mods[1].Name)
	}

	mod, err := m.Module(ctx, "demo-plugin")
	if err != nil {
		t.Fatal(err)
	}
	if !mod.Active || mod.Version != "1.2.0" {
		t.Fatalf("unexpected module: %+v", mod)
	}

	if _, err := m.Module(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	ok, _ := m.HasHook(ctx, "init_demo-plugin")
	if !ok {
		t.Fatal("hook not found")
	}
}

func TestParseManifestRejectsDuplicates(t *testing.T) {
	_, err := ParseManifest([]byte("modules:\n  - slug: a\n  - slug: a\n"))
	if err == nil {
		t.Fatal("expected duplicate slug error")
	}
}

func TestParseManifestRejectsBadSlug(t *testing.T) {
	for _, slug := range []string{"a/b", "a b", "../x"} {
		raw := "modules:\n  - slug: \"" + slug + "\"\n"
		if _, err := ParseManifest([]byte(raw)); err == nil {
			t.Fatalf("slug %q accepted", slug)
		}
	}
}

func TestManifestContentPaging(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("paging did not terminate")
		}
		page, err := m.ContentPage(ctx, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, it := range page.Items {
			seen = append(seen, it.ID)
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	if len(seen) != 3 {
		t.Fatalf("saw %v, want 3 items", seen)
	}

	if _, err := m.ContentPage(ctx, "nope", 2); err == nil {
		t.Fatal("expected bad cursor error")
	}
}

func TestManifestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	if err := os.WriteFile(path, []byte("modules:\n  - slug: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("modules:\n  - slug: a\n  - slug: b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	mods, _ := m.Modules(context.Background())
	if len(mods) != 2 {
		t.Fatalf("after reload got %d modules, want 2", len(mods))
	}
}

func TestModuleIdentifier(t *testing.T) {
	if got := (Module{Slug: "a-b"}).Identifier(); got != "a-b" {
		t.Fatalf("got %q", got)
	}
	if got := (Module{Slug: "a-b", TextDomain: "ab"}).Identifier(); got != "ab" {
		t.Fatalf("got %q", got)
	}
}
