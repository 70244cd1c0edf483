// Package outbound records the URLs of HTTP requests a host makes while
// serving a request, for the api_requests probe.
//
// The host wraps its HTTP client transport with Transport and issues outbound
// requests with the inbound request context. Only requests whose context
// carries a Recorder are recorded.
package outbound

import (
	"context"
	"net/http"
	"sync"
)

// Recorder collects outbound URLs for one inbound request.
type Recorder struct {
	mu   sync.Mutex
	urls []string
	max  int
}

// NewRecorder returns a Recorder keeping at most max URLs (0 = 500).
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 500
	}
	return &Recorder{max: max}
}

// Add records one URL.
func (r *Recorder) Add(u string) {
	r.mu.Lock()
	if len(r.urls) < r.max {
		r.urls = append(r.urls, u)
	}
	r.mu.Unlock()
}

// URLs returns a copy of the recorded URLs.
func (r *Recorder) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

type recorderKey struct{}

// WithRecorder attaches r to ctx.
func WithRecorder(ctx context.Context, r *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// FromContext returns the Recorder attached to ctx, or nil.
func FromContext(ctx context.Context) *Recorder {
	r, _ := ctx.Value(recorderKey{}).(*Recorder)
	return r
}

// Transport is an http.RoundTripper that records request URLs into the
// Recorder of the request context before delegating to Base.
type Transport struct {
	Base http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if rec := FromContext(req.Context()); rec != nil {
		rec.Add(req.URL.String())
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Client returns a copy of c (or of http.DefaultClient) whose transport
// records outbound requests.
func Client(c *http.Client) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	cp := *c
	cp.Transport = &Transport{Base: c.Transport}
	return &cp
}
