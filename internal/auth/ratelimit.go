package auth

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amillerrr/video-qc/internal/metrics"
)

// Rate limiting configuration
const (
	DefaultMaxFailedAttempts = 5
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Window:            DefaultRateLimitWindow,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

// failures is one client's count within a fixed window that closes at expires.
type failures struct {
	count   int
	expires time.Time
}

// RateLimiter locks out clients that fail authentication too often. A client is
// blocked once it reaches MaxFailedAttempts inside one window and stays blocked
// until that window closes.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*failures
	config  RateLimiterConfig
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its pruning goroutine.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	rl := &RateLimiter{
		clients: make(map[string]*failures),
		config:  config,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.prune()
	return rl
}

func (rl *RateLimiter) prune() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.removeExpired()
		}
	}
}

func (rl *RateLimiter) removeExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, f := range rl.clients {
		if !now.Before(f.expires) {
			delete(rl.clients, ip)
		}
	}
}

// Stop ends the pruning goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// Blocked reports whether ip is locked out and, if so, how long until its
// window closes.
func (rl *RateLimiter) Blocked(ip string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	f, ok := rl.clients[ip]
	if !ok {
		return 0, false
	}
	remaining := f.expires.Sub(rl.now())
	if remaining <= 0 || f.count < rl.config.MaxFailedAttempts {
		return 0, false
	}
	return remaining, true
}

func (rl *RateLimiter) blocked(ip string) (time.Duration, bool) {
	if rl == nil {
		return 0, false
	}
	return rl.Blocked(ip)
}

// RecordFailure counts a failed attempt, opening a new window when the previous
// one has closed.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	f, ok := rl.clients[ip]
	if !ok || !now.Before(f.expires) {
		f = &failures{expires: now.Add(rl.config.Window)}
		rl.clients[ip] = f
	}

	f.count++
	if f.count == rl.config.MaxFailedAttempts {
		metrics.AuthLockouts.Inc()
	}
}

// Reset forgets ip's failures.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, ip)
}

// RetryAfterValue formats d as a Retry-After header value in whole seconds,
// rounding up so clients never retry early.
func RetryAfterValue(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(max(d, time.Second).Seconds())))
}

// GetClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
