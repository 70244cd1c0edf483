// Package browser renders host pages in headless Chrome and checks them for
// module elements. It is the server-side counterpart of the client DOM
// script: scripts run, so a miss on every page is a real answer.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("browser: checker is closed")

// Config configures a Checker.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome. Empty
	// launches a local headless Chrome on first use.
	RemoteURL string
	// BaseURL is the site root the paths are resolved against.
	BaseURL string
	Paths   []string
	// Timeout bounds navigation and evaluation of one page. Default: 30s.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if len(c.Paths) == 0 {
		c.Paths = []string{"/"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Checker owns one browser, started lazily and shared by all checks.
type Checker struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// New creates a Checker. No browser is started until the first check.
func New(cfg Config) *Checker {
	cfg.defaults()
	return &Checker{cfg: cfg}
}

// Available reports whether a browser can be used: a remote URL is set or a
// local Chrome binary is installed.
func Available(remoteURL string) bool {
	if remoteURL != "" {
		return true
	}
	_, ok := launcher.LookPath()
	return ok
}

func (c *Checker) connect() (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.browser != nil {
		return c.browser, nil
	}

	wsURL := c.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		c.lnch = l
		c.cfg.Logger.Info("browser: launched local chrome", "url", wsURL)
	} else {
		c.cfg.Logger.Info("browser: connecting to remote", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if c.lnch != nil {
			c.lnch.Cleanup()
			c.lnch = nil
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	c.browser = b
	return b, nil
}

// selectorJS answers whether any of the selectors matches. Invalid selectors
// count as a miss.
const selectorJS = `(sels) => sels.some((s) => {
	try { return document.querySelector(s) !== null; } catch (e) { return false; }
})`

// Check visits every configured path and reports whether one of them holds
// an element matching selectors.
func (c *Checker) Check(ctx context.Context, selectors []string) (bool, error) {
	if c.cfg.BaseURL == "" {
		return false, errors.New("browser: no base url configured")
	}
	for _, p := range c.cfg.Paths {
		u, err := resolve(c.cfg.BaseURL, p)
		if err != nil {
			return false, err
		}
		found, err := c.CheckPage(ctx, u, selectors)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// CheckPage renders pageURL and evaluates the selectors in it.
func (c *Checker) CheckPage(ctx context.Context, pageURL string, selectors []string) (bool, error) {
	b, err := c.connect()
	if err != nil {
		return false, err
	}
	page, err := stealth.Page(b)
	if err != nil {
		return false, fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	p := page.Context(navCtx)

	if err := p.Navigate(pageURL); err != nil {
		return false, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		c.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	res, err := p.Eval(selectorJS, selectors)
	if err != nil {
		return false, fmt.Errorf("browser: evaluate %s: %w", pageURL, err)
	}
	return res.Value.Bool(), nil
}

// Close shuts the browser down.
func (c *Checker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var err error
	if c.browser != nil {
		err = c.browser.Close()
		c.browser = nil
	}
	if c.lnch != nil {
		c.lnch.Cleanup()
		c.lnch = nil
	}
	return err
}

func resolve(base, p string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("browser: base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(p))
	if err != nil {
		return "", fmt.Errorf("browser: path %q: %w", p, err)
	}
	return b.ResolveReference(ref).String(), nil
}
