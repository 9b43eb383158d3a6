package stream

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// IdentityStrategy selects how a caller identity is derived from a request.
type IdentityStrategy string

const (
	// IdentityByIP keys buckets by the caller's network address.
	IdentityByIP IdentityStrategy = "ip"
	// IdentityByHeader keys buckets by a header (falling back to the query
	// parameter of the same name).
	IdentityByHeader IdentityStrategy = "header"
	// IdentityByBoth combines address and header.
	IdentityByBoth IdentityStrategy = "both"
)

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	MaxRequests   int
	Window        time.Duration
	Strategy      IdentityStrategy
	HeaderName    string
	ExcludedPaths []string
	RejectStatus  int
}

// Decision is the outcome of an admission check. Rejection is expected
// control flow, not an error.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// rateBucket holds the request timestamps for one identity, ordered oldest
// first. Created lazily; discarded by the cleanup sweep when empty.
type rateBucket struct {
	timestamps []time.Time
}

// RateLimiter admits requests per caller identity using a sliding time
// window, which avoids the boundary-burst problem of fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket

	cfg RateLimitConfig
	now func() time.Time
}

// NewRateLimiter returns a limiter for the given configuration. Zero-value
// fields get defaults: 100 requests per 60s, identity by IP, status 429.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = IdentityByIP
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-Client-ID"
	}
	if cfg.RejectStatus == 0 {
		cfg.RejectStatus = http.StatusTooManyRequests
	}
	return &RateLimiter{
		buckets: make(map[string]*rateBucket),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Allow records and admits a request from identity for path, or rejects it if
// the identity has exhausted its window quota. Excluded paths bypass limiting
// entirely and report a full quota.
func (rl *RateLimiter) Allow(identity, path string) Decision {
	if rl.isExcluded(path) {
		return Decision{Allowed: true, Limit: rl.cfg.MaxRequests, Remaining: rl.cfg.MaxRequests}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[identity]
	if !ok {
		b = &rateBucket{}
		rl.buckets[identity] = b
	}
	b.prune(now.Add(-rl.cfg.Window))

	if len(b.timestamps) >= rl.cfg.MaxRequests {
		return Decision{
			Allowed:    false,
			Limit:      rl.cfg.MaxRequests,
			Remaining:  0,
			RetryAfter: rl.resetAfter(b, now),
		}
	}

	b.timestamps = append(b.timestamps, now)
	return Decision{
		Allowed:    true,
		Limit:      rl.cfg.MaxRequests,
		Remaining:  rl.cfg.MaxRequests - len(b.timestamps),
		RetryAfter: rl.resetAfter(b, now),
	}
}

// Identity resolves the caller identity for r per the configured strategy.
func (rl *RateLimiter) Identity(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	header := r.Header.Get(rl.cfg.HeaderName)
	if header == "" {
		header = r.URL.Query().Get(rl.cfg.HeaderName)
	}

	switch rl.cfg.Strategy {
	case IdentityByHeader:
		if header != "" {
			return header
		}
		return ip
	case IdentityByBoth:
		return ip + "|" + header
	default:
		return ip
	}
}

// RejectStatus returns the HTTP status to use when a request is rejected.
func (rl *RateLimiter) RejectStatus() int {
	return rl.cfg.RejectStatus
}

// Start launches the periodic bucket-cleanup sweep, which bounds memory
// growth from one-off callers. The goroutine exits when ctx is cancelled.
func (rl *RateLimiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanupExpiredBuckets()
			}
		}
	}()
}

// cleanupExpiredBuckets drops buckets with no timestamps inside the window.
func (rl *RateLimiter) cleanupExpiredBuckets() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.cfg.Window)
	for id, b := range rl.buckets {
		b.prune(cutoff)
		if len(b.timestamps) == 0 {
			delete(rl.buckets, id)
		}
	}
}

func (rl *RateLimiter) isExcluded(path string) bool {
	for _, p := range rl.cfg.ExcludedPaths {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// resetAfter computes when the oldest surviving timestamp leaves the window,
// clamped to >= 0. Caller must hold rl.mu.
func (rl *RateLimiter) resetAfter(b *rateBucket, now time.Time) time.Duration {
	if len(b.timestamps) == 0 {
		return 0
	}
	d := b.timestamps[0].Add(rl.cfg.Window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// prune drops timestamps at or before cutoff, keeping order.
func (b *rateBucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.timestamps) && !b.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.timestamps = append(b.timestamps[:0], b.timestamps[i:]...)
	}
}
