package shield

import (
	"encoding/json"
	"log/slog"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window, per-IP request limiter held in memory.
type RateLimiter struct {
	max     int
	window  time.Duration
	now     func() time.Time
	trusted TrustedProxies

	buckets sync.Map // ip -> *bucket
}

// NewRateLimiter allows max requests per IP per window. max <= 0 disables
// limiting.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{max: max, window: window, now: time.Now}
}

// TrustProxies makes the limiter key on the X-Forwarded-For client when the
// peer is one of trusted.
func (rl *RateLimiter) TrustProxies(trusted TrustedProxies) *RateLimiter {
	rl.trusted = trusted
	return rl
}

// StartGC drops expired buckets every window until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(rl.window)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// Allow counts one request from ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.max <= 0 {
		return true
	}
	now := rl.now()
	val, _ := rl.buckets.LoadOrStore(ip, &bucket{resetAt: now.Add(rl.window)})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(rl.window)
	}
	b.count++
	return b.count <= rl.max
}

// Middleware rejects requests over the limit with 429 and a JSON body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r, rl.trusted)
		if rl.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)

		w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// TrustedProxies lists the peers allowed to set X-Forwarded-For.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts bare addresses and CIDR prefixes.
func ParseTrustedProxies(specs []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if strings.Contains(spec, "/") {
			p, err := netip.ParsePrefix(spec)
			if err != nil {
				return nil, fmt.Errorf("shield: trusted proxy %q: %w", spec, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(spec)
		if err != nil {
			return nil, fmt.Errorf("shield: trusted proxy %q: %w", spec, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Contains reports whether ip is a trusted proxy.
func (t TrustedProxies) Contains(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range t {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ExtractIP returns the peer address of r. X-Forwarded-For is ignored.
func ExtractIP(r *http.Request) string {
	return ClientIP(r, nil)
}

// ClientIP returns the client address of r. X-Forwarded-For is only read
// when the peer is trusted, and then from the right: the first entry that
// is not itself a trusted proxy is the client.
func ClientIP(r *http.Request, trusted TrustedProxies) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	xff := r.Header.Values("X-Forwarded-For")
	if len(xff) == 0 || !trusted.Contains(peer) {
		return peer
	}
	hops := strings.Split(strings.Join(xff, ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if _, err := netip.ParseAddr(hop); err != nil {
			return peer
		}
		if !trusted.Contains(hop) {
			return hop
		}
	}
	return strings.TrimSpace(hops[0])
}
