package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// ManifestData is the YAML document describing a host snapshot.
type ManifestData struct {
	Modules     []Module      `yaml:"modules"`
	Hooks       []string      `yaml:"hooks"`
	Assets      []Asset       `yaml:"assets"`
	WidgetAreas []WidgetArea  `yaml:"widget_areas"`
	CustomTypes []string      `yaml:"custom_types"`
	MetaBoxes   []string      `yaml:"meta_boxes"`
	Content     []ContentItem `yaml:"content"`
	Templates   struct {
		Default       string `yaml:"default"`
		StylesheetDir string `yaml:"stylesheet_dir"`
	} `yaml:"templates"`
}

// Manifest is a host backed by a static YAML description. It implements every
// optional registry except QueryLog and is safe for concurrent use; Reload
// swaps the snapshot atomically.
type Manifest struct {
	mu   sync.RWMutex
	data ManifestData
	path string
}

// NewManifest wraps an in-memory snapshot.
func NewManifest(data ManifestData) *Manifest {
	return &Manifest{data: data}
}

// LoadManifest reads a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseManifest decodes a YAML manifest document.
func ParseManifest(raw []byte) (*Manifest, error) {
	var data ManifestData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("bridge: parse manifest: %w", err)
	}
	if err := validateManifest(&data); err != nil {
		return nil, err
	}
	return &Manifest{data: data}, nil
}

// Reload re-reads the manifest file the Manifest was loaded from.
func (m *Manifest) Reload() error {
	if m.path == "" {
		return nil
	}
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("bridge: read manifest: %w", err)
	}
	var data ManifestData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("bridge: parse manifest %s: %w", m.path, err)
	}
	if err := validateManifest(&data); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Update replaces the snapshot through fn. Used by embedding hosts and tests.
func (m *Manifest) Update(fn func(*ManifestData)) {
	m.mu.Lock()
	fn(&m.data)
	m.mu.Unlock()
}

func validateManifest(d *ManifestData) error {
	seen := make(map[string]bool, len(d.Modules))
	for i, mod := range d.Modules {
		if mod.Slug == "" {
			return fmt.Errorf("bridge: manifest module #%d has no slug", i)
		}
		if err := checkSlug(mod.Slug); err != nil {
			return fmt.Errorf("bridge: manifest module #%d: %w", i, err)
		}
		if seen[mod.Slug] {
			return fmt.Errorf("bridge: manifest module %q listed twice", mod.Slug)
		}
		seen[mod.Slug] = true
		if d.Modules[i].Name == "" {
			d.Modules[i].Name = mod.Slug
		}
	}
	return nil
}

func (m *Manifest) Modules(_ context.Context) ([]Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.data.Modules), nil
}

func (m *Manifest) Module(_ context.Context, slug string) (Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mod := range m.data.Modules {
		if mod.Slug == slug {
			return mod, nil
		}
	}
	return Module{}, fmt.Errorf("%w: %s", ErrNotFound, slug)
}

func (m *Manifest) HasHook(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.data.Hooks, name), nil
}

func (m *Manifest) Enqueued(_ context.Context) ([]Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.data.Assets), nil
}

func (m *Manifest) WidgetAreas(_ context.Context) ([]WidgetArea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WidgetArea, len(m.data.WidgetAreas))
	for i, a := range m.data.WidgetAreas {
		a.Widgets = slices.Clone(a.Widgets)
		out[i] = a
	}
	return out, nil
}

func (m *Manifest) CustomTypes(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.data.CustomTypes), nil
}

func (m *Manifest) MetaBoxIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.data.MetaBoxes), nil
}

// ContentPage uses the decimal item offset as cursor.
func (m *Manifest) ContentPage(_ context.Context, cursor string, limit int) (ContentPage, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return ContentPage{}, fmt.Errorf("bridge: bad content cursor %q", cursor)
		}
		offset = n
	}
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.data.Content)
	if offset >= total {
		return ContentPage{}, nil
	}
	end := min(offset+limit, total)
	page := ContentPage{Items: slices.Clone(m.data.Content[offset:end])}
	if end < total {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (m *Manifest) DefaultTemplate(_ context.Context, _ *http.Request) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Templates.Default, nil
}

func (m *Manifest) DefaultStylesheetDir(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Templates.StylesheetDir, nil
}

// checkSlug keeps slugs usable as URL path segments and table keys.
func checkSlug(s string) error {
	if len(s) > 200 {
		return fmt.Errorf("slug %.20q... too long", s)
	}
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("slug %q: invalid character %q", s, r)
		}
	}
	return nil
}
