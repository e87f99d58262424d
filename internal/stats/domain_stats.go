// Package stats tracks render outcomes per origin domain so rendercore can
// hand callers an informed pacing hint instead of a single fixed global
// rate limit. It backs GET /v1/pool/status's "domains" list and feeds
// ResponseMeta.SuggestedDelayMs on every render response.
package stats

import (
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxTrackedDomains bounds memory use: once this many distinct origins are
// being tracked, the least-recently-seen ones are evicted in batches.
const maxTrackedDomains = 10000

const evictionBatchSize = 100

// staleAfter is how long an origin can go unseen before the background
// sweep drops its entry.
const staleAfter = 30 * time.Minute

// delayCacheTTL bounds how often the pacing calculation re-derives itself;
// it's touched on every render response, so a short cache avoids repeating
// the float math under lock for each request to a hot origin.
const delayCacheTTL = 5 * time.Second

// DomainStats accumulates outcome counters for one origin and derives a
// suggested pacing delay from them.
type DomainStats struct {
	mu sync.RWMutex

	RequestCount   int64
	SuccessCount   int64
	ErrorCount     int64
	RateLimitCount int64

	totalLatencyMs int64

	LastRequestTime time.Time
	LastSuccessTime time.Time
	LastRateLimited time.Time
	lastSeen        time.Time

	delayCache    int
	delayCachedAt time.Time
}

// DomainStatsJSON is the snapshot shape returned by Manager.AllStats.
type DomainStatsJSON struct {
	RequestCount     int64     `json:"requestCount"`
	SuccessCount     int64     `json:"successCount"`
	ErrorCount       int64     `json:"errorCount"`
	RateLimitCount   int64     `json:"rateLimitCount"`
	AvgLatencyMs     int64     `json:"avgLatencyMs"`
	LastRequestTime  time.Time `json:"lastRequestTime,omitempty"`
	LastSuccessTime  time.Time `json:"lastSuccessTime,omitempty"`
	LastRateLimited  time.Time `json:"lastRateLimited,omitempty"`
	SuggestedDelayMs int       `json:"suggestedDelayMs"`
}

// ToJSON snapshots the stats under a read lock.
func (s *DomainStats) ToJSON(minDelay, maxDelay int) DomainStatsJSON {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgLatency int64
	if s.RequestCount > 0 {
		avgLatency = s.totalLatencyMs / s.RequestCount
	}

	return DomainStatsJSON{
		RequestCount:     s.RequestCount,
		SuccessCount:     s.SuccessCount,
		ErrorCount:       s.ErrorCount,
		RateLimitCount:   s.RateLimitCount,
		AvgLatencyMs:     avgLatency,
		LastRequestTime:  s.LastRequestTime,
		LastSuccessTime:  s.LastSuccessTime,
		LastRateLimited:  s.LastRateLimited,
		SuggestedDelayMs: s.pacingDelayMs(minDelay, maxDelay),
	}
}

// pacingDelayMs derives a recommended inter-request delay for this origin
// from its observed behavior. Callers must hold at least a read lock.
//
// The shape is a latency-targeted floor (aim for roughly two concurrent
// in-flight requests worth of spacing) scaled up when the origin is
// erroring or has recently rate-limited rendercore, then clamped to the
// caller-supplied bounds.
func (s *DomainStats) pacingDelayMs(minDelay, maxDelay int) int {
	if s.RequestCount <= 0 {
		return minDelay
	}

	avgLatencyMs := safeRatio(float64(s.totalLatencyMs), float64(s.RequestCount))
	errorRate := safeRatio(float64(s.ErrorCount), float64(s.RequestCount))
	rateLimitRate := safeRatio(float64(s.RateLimitCount), float64(s.RequestCount))

	const targetConcurrency = 2.0
	delay := avgLatencyMs / targetConcurrency

	// 0% errors leaves the delay unchanged; 20% errors doubles it.
	delay *= 1.0 + errorRate*5.0

	if rateLimitRate > 0.05 {
		delay *= 2.0
	}

	// A rate-limit in the last 5 minutes imposes its own floor that decays
	// with an exponential half-life of 2.5 minutes, so a single recent hit
	// still backs off hard even if the running averages look fine.
	if !s.LastRateLimited.IsZero() {
		if age := time.Since(s.LastRateLimited); age < 5*time.Minute {
			floor := 10000.0 * math.Pow(0.5, age.Minutes()/2.5)
			delay = math.Max(delay, floor)
		}
	}

	return int(math.Max(float64(minDelay), math.Min(float64(maxDelay), delay)))
}

func safeRatio(num, denom float64) float64 {
	if denom == 0 {
		return 0
	}
	r := num / denom
	if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
		return 0
	}
	return r
}

// SuggestedDelayMs returns the pacing delay, recomputing it at most once
// per delayCacheTTL under a write lock (the calculation above is cheap, but
// every render response calls this, so a hot origin would otherwise repeat
// the same float math on every request).
func (s *DomainStats) SuggestedDelayMs(minDelay, maxDelay int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.delayCachedAt.IsZero() || time.Since(s.delayCachedAt) >= delayCacheTTL {
		s.delayCache = s.pacingDelayMs(minDelay, maxDelay)
		s.delayCachedAt = time.Now()
	}
	return s.delayCache
}

// Manager owns the per-domain stats map, the maximum tracked-origin count,
// and a background sweep that evicts origins gone quiet.
type Manager struct {
	mu      sync.RWMutex
	domains map[string]*DomainStats

	DefaultMinDelayMs int
	DefaultMaxDelayMs int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager and starts its background sweep.
func NewManager() *Manager {
	m := &Manager{
		domains:           make(map[string]*DomainStats),
		DefaultMinDelayMs: 1000,
		DefaultMaxDelayMs: 30000,
		stopCh:            make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictStale()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed int
	for domain, ds := range m.domains {
		ds.mu.RLock()
		lastSeen := ds.lastSeen
		ds.mu.RUnlock()

		if now.Sub(lastSeen) > staleAfter {
			delete(m.domains, domain)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(m.domains)).Msg("swept stale domain stats")
	}
}

// Close stops the background sweep and waits for it to exit.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// ExtractDomain returns the hostname rawURL resolves to, or "" if rawURL
// doesn't parse.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// getOrCreate returns the stats entry for domain, creating one (and
// evicting a batch of the least-recently-seen entries first if the tracked
// set is already at capacity) if it doesn't exist yet.
func (m *Manager) getOrCreate(domain string) *DomainStats {
	m.mu.Lock()

	ds, exists := m.domains[domain]
	if !exists {
		if len(m.domains) >= maxTrackedDomains {
			m.evictOldestLocked(evictionBatchSize)
		}
		ds = &DomainStats{lastSeen: time.Now()}
		m.domains[domain] = ds
		m.mu.Unlock()
		return ds
	}
	m.mu.Unlock()

	ds.mu.Lock()
	ds.lastSeen = time.Now()
	ds.mu.Unlock()

	return ds
}

// evictOldestLocked removes the count least-recently-seen entries. Callers
// must hold m.mu.
func (m *Manager) evictOldestLocked(count int) {
	if count <= 0 || len(m.domains) == 0 {
		return
	}
	if len(m.domains) <= count {
		for domain := range m.domains {
			delete(m.domains, domain)
		}
		return
	}

	type seenAt struct {
		domain   string
		lastSeen time.Time
	}
	candidates := make([]seenAt, 0, len(m.domains))
	for domain, ds := range m.domains {
		ds.mu.RLock()
		lastSeen := ds.lastSeen
		ds.mu.RUnlock()
		candidates = append(candidates, seenAt{domain, lastSeen})
	}

	for i := 0; i < count && i < len(candidates); i++ {
		oldest := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].lastSeen.Before(candidates[oldest].lastSeen) {
				oldest = j
			}
		}
		candidates[i], candidates[oldest] = candidates[oldest], candidates[i]
		delete(m.domains, candidates[i].domain)
	}
}

// maxCounterValue caps the per-domain counters well below int64's range;
// hitting it resets the domain's running totals rather than risking
// overflow on a long-lived, very hot origin.
const maxCounterValue int64 = 1 << 62

// RecordRequest folds one completed render's outcome into domain's running
// stats. rateLimited marks that the origin itself (not rendercore's own
// limiter) answered with a rate-limit signal, e.g. detection classified
// the response as a 429 block.
func (m *Manager) RecordRequest(domain string, latencyMs int64, success, rateLimited bool) {
	if domain == "" {
		return
	}

	ds := m.getOrCreate(domain)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.RequestCount >= maxCounterValue {
		log.Warn().Str("domain", domain).Int64("request_count", ds.RequestCount).
			Msg("domain counter approaching overflow, resetting")
		ds.RequestCount, ds.SuccessCount, ds.ErrorCount, ds.RateLimitCount, ds.totalLatencyMs = 0, 0, 0, 0, 0
		ds.LastRequestTime, ds.LastSuccessTime, ds.LastRateLimited = time.Time{}, time.Time{}, time.Time{}
	}

	ds.RequestCount++
	if ds.totalLatencyMs < maxCounterValue-latencyMs {
		ds.totalLatencyMs += latencyMs
	}
	ds.LastRequestTime = time.Now()

	if success {
		ds.SuccessCount++
		ds.LastSuccessTime = time.Now()
	} else {
		ds.ErrorCount++
	}

	if rateLimited {
		ds.RateLimitCount++
		ds.LastRateLimited = time.Now()
	}

	ds.delayCachedAt = time.Time{} // invalidate the pacing cache
}

// SuggestedDelay returns the pacing hint for domain, or the configured
// minimum if nothing has been recorded for it yet.
func (m *Manager) SuggestedDelay(domain string) int {
	m.mu.RLock()
	ds := m.domains[domain]
	m.mu.RUnlock()

	if ds == nil {
		return m.DefaultMinDelayMs
	}
	return ds.SuggestedDelayMs(m.DefaultMinDelayMs, m.DefaultMaxDelayMs)
}

// AllStats snapshots every tracked origin's stats.
func (m *Manager) AllStats() map[string]DomainStatsJSON {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]DomainStatsJSON, len(m.domains))
	for domain, ds := range m.domains {
		result[domain] = ds.ToJSON(m.DefaultMinDelayMs, m.DefaultMaxDelayMs)
	}
	return result
}
