package source

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits requests per host
type Limiter struct {
	limiters     map[string]*rate.Limiter
	mu           sync.Mutex
	defaultRate  rate.Limit
	defaultBurst int
}

// NewLimiter creates a limiter whose unconfigured hosts get
// requestsPerSecond with burst
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  rate.Limit(requestsPerSecond),
		defaultBurst: burst,
	}
}

// Configure sets the rate of a host unless it already has one. Adapters
// declare rates; the first declaration for a host wins.
func (l *Limiter) Configure(host string, requestsPerSecond float64, burst int) {
	if requestsPerSecond <= 0 {
		return
	}
	if burst <= 0 {
		burst = l.defaultBurst
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.limiters[host]; !ok {
		l.limiters[host] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// Wait blocks until a request to rawURL's host is allowed, then sleeps for
// the extra crawl delay
func (l *Limiter) Wait(ctx context.Context, rawURL string, crawlDelay time.Duration) error {
	if err := l.limiter(hostOf(rawURL)).Wait(ctx); err != nil {
		return err
	}
	if crawlDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(crawlDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Allow reports whether a request could go out now without waiting
func (l *Limiter) Allow(rawURL string) bool {
	return l.limiter(hostOf(rawURL)).Allow()
}

func (l *Limiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = lim
	}
	return lim
}

// hostOf returns the lowercased host of rawURL without port, or rawURL
// itself when it is a bare domain
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}
