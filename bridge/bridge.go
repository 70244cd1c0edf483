// Package bridge declares the read-only view plugmon has of its host
// application. The host owns every registry (modules, hooks, assets, widgets,
// content types, meta boxes, content, templates, query log); the engine only
// queries them, and re-queries on every call instead of holding references.
//
// A host implements Registry plus whichever optional interfaces it can serve.
// Probes type-assert the Host they receive and report the signal as
// unavailable when the interface they need is missing.
package bridge

import (
	"context"
	"errors"
	"net/http"
)

// ErrNotFound is returned by Registry.Module for an unknown slug.
var ErrNotFound = errors.New("bridge: module not found")

// Module is an installed extension unit of the host.
// JSON keys follow the host's plugin header names.
type Module struct {
	Slug        string `json:"slug" yaml:"slug"`
	Name        string `json:"Name" yaml:"name"`
	PluginURI   string `json:"PluginURI" yaml:"plugin_uri"`
	Version     string `json:"Version" yaml:"version"`
	Description string `json:"Description" yaml:"description"`
	Author      string `json:"Author" yaml:"author"`
	AuthorURI   string `json:"AuthorURI" yaml:"author_uri"`
	TextDomain  string `json:"TextDomain" yaml:"text_domain"`
	DomainPath  string `json:"DomainPath" yaml:"domain_path"`
	Network     bool   `json:"Network" yaml:"network"`
	RequiresWP  string `json:"RequiresWP" yaml:"requires_wp"`
	RequiresPHP string `json:"RequiresPHP" yaml:"requires_php"`
	UpdateURI   string `json:"UpdateURI" yaml:"update_uri"`
	Active      bool   `json:"isActive" yaml:"active"`
	// Dir is the module's install directory. Empty means the host's default
	// layout (".../plugins/<slug>/").
	Dir string `json:"-" yaml:"dir"`
}

// InstallDir returns Dir, or the default "/plugins/<slug>/" path fragment.
func (m Module) InstallDir() string {
	if m.Dir != "" {
		return m.Dir
	}
	return "/plugins/" + m.Slug + "/"
}

// Identifier returns the string probes match against: the text domain when
// declared, the slug otherwise.
func (m Module) Identifier() string {
	if m.TextDomain != "" {
		return m.TextDomain
	}
	return m.Slug
}

// Host is the composite the engine is given. Only Registry is mandatory.
type Host interface {
	Registry
}

// Registry lists installed modules with their activation state.
type Registry interface {
	Modules(ctx context.Context) ([]Module, error)
	// Module returns ErrNotFound (possibly wrapped) for unknown slugs.
	Module(ctx context.Context, slug string) (Module, error)
}

// HookRegistry answers whether any callback is attached to a hook name.
type HookRegistry interface {
	HasHook(ctx context.Context, name string) (bool, error)
}

// AssetKind distinguishes scripts from styles.
type AssetKind string

const (
	Script AssetKind = "script"
	Style  AssetKind = "style"
)

// Asset is one enqueued script or stylesheet.
type Asset struct {
	Handle string    `yaml:"handle"`
	Kind   AssetKind `yaml:"kind"`
	Src    string    `yaml:"src"`
}

// AssetRegistry exposes the host's enqueued-asset queue for the current
// request.
type AssetRegistry interface {
	Enqueued(ctx context.Context) ([]Asset, error)
}

// Widget is one placed widget instance.
type Widget struct {
	ID    string `yaml:"id"`
	Class string `yaml:"class"`
}

// WidgetArea is a sidebar or other widget container.
type WidgetArea struct {
	ID       string   `yaml:"id"`
	Inactive bool     `yaml:"inactive"`
	Widgets  []Widget `yaml:"widgets"`
}

// InactiveAreaID is the host's parking area for removed widgets.
const InactiveAreaID = "wp_inactive_widgets"

// WidgetRegistry lists widget areas and their widgets.
type WidgetRegistry interface {
	WidgetAreas(ctx context.Context) ([]WidgetArea, error)
}

// TypeRegistry lists registered non-builtin content type names.
type TypeRegistry interface {
	CustomTypes(ctx context.Context) ([]string, error)
}

// MetaBoxRegistry lists the ids of the metadata boxes registered for the
// current screen.
type MetaBoxRegistry interface {
	MetaBoxIDs(ctx context.Context) ([]string, error)
}

// ContentItem is one stored content entry with its metadata.
type ContentItem struct {
	ID   string            `yaml:"id"`
	Type string            `yaml:"type"`
	Body string            `yaml:"body"`
	Meta map[string]string `yaml:"meta"`
}

// ContentPage is one page of a content listing. Next is empty on the last
// page.
type ContentPage struct {
	Items []ContentItem
	Next  string
}

// ContentSource pages through every stored content item, all types and
// statuses. An empty cursor starts from the beginning.
type ContentSource interface {
	ContentPage(ctx context.Context, cursor string, limit int) (ContentPage, error)
}

// TemplateResolver reports what the host would have resolved without any
// module overriding it.
type TemplateResolver interface {
	DefaultTemplate(ctx context.Context, r *http.Request) (string, error)
	DefaultStylesheetDir(ctx context.Context) (string, error)
}

// QueryLog captures the SQL statements executed between two markers.
type QueryLog interface {
	// Enabled reports whether the host records queries at all.
	Enabled() bool
	// Begin opens a window bound to the returned context. Statements run
	// with that context are captured until the window ends.
	Begin(ctx context.Context) (context.Context, QueryWindow)
}

// QueryWindow is an open capture window.
type QueryWindow interface {
	// End closes the window and returns the captured statements.
	End() []string
}
