// Package ratelimiter implements a fixed-window per-client admission
// check: each client identifier gets a count that resets whenever the
// window has elapsed since its first request in the current window.
package ratelimiter

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxClients bounds memory: the periodic sweep keeps the map close to the
// active-client count, this is only a hard backstop.
const maxClients = 20000

type entry struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window rate limiter keyed by client identifier.
type Limiter struct {
	mu          sync.Mutex
	clients     map[string]*entry
	maxRequests int
	window      time.Duration
	trustProxy  bool
	enabled     bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Decision is the per-request outcome, carrying everything needed to set
// the X-RateLimit-* response headers regardless of allow/deny.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// New constructs a Limiter. If enabled is false, Allow always permits and
// reports a zero-cost Decision; no background sweep is started.
func New(maxRequests int, window time.Duration, trustProxy, enabled bool) *Limiter {
	l := &Limiter{
		clients:     make(map[string]*entry),
		maxRequests: maxRequests,
		window:      window,
		trustProxy:  trustProxy,
		enabled:     enabled,
		stopCh:      make(chan struct{}),
	}
	if enabled {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.sweepLoop()
		}()
	}
	return l
}

// Allow evaluates and records one request from key. Atomic per key.
func (l *Limiter) Allow(key string) Decision {
	if !l.enabled {
		return Decision{Allowed: true, Limit: l.maxRequests, Remaining: l.maxRequests}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.clients[key]

	if !ok || now.Sub(e.windowStart) >= l.window {
		if !ok && len(l.clients) >= maxClients {
			l.evictOldestLocked()
		}
		l.clients[key] = &entry{count: 1, windowStart: now}
		return Decision{Allowed: true, Limit: l.maxRequests, Remaining: l.maxRequests - 1, ResetAt: now.Add(l.window)}
	}

	resetAt := e.windowStart.Add(l.window)
	if e.count >= l.maxRequests {
		return Decision{Allowed: false, Limit: l.maxRequests, Remaining: 0, ResetAt: resetAt}
	}
	e.count++
	return Decision{Allowed: true, Limit: l.maxRequests, Remaining: l.maxRequests - e.count, ResetAt: resetAt}
}

// ClientKey extracts the client identifier from a request, honoring
// trustProxy the same way the HTTP layer's other IP-derived decisions do.
func (l *Limiter) ClientKey(r *http.Request) string {
	if l.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if idx := strings.Index(xff, ","); idx > 0 {
				first = xff[:idx]
			}
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := normalizeIP(xri); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return normalizeIP(host)
}

func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}

func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range l.clients {
		if first || e.windowStart.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.windowStart, false
		}
	}
	if oldestKey != "" {
		delete(l.clients, oldestKey)
	}
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for k, e := range l.clients {
		if now.Sub(e.windowStart) >= l.window {
			delete(l.clients, k)
		}
	}
}

// ActiveClients reports the number of currently-tracked clients, for the
// /health rate-limiter snapshot.
func (l *Limiter) ActiveClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the background sweep. Idempotent.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		if l.enabled {
			close(l.stopCh)
			l.wg.Wait()
		}
		log.Debug().Msg("rate limiter stopped")
	})
}
