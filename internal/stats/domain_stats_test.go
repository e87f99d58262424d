package stats

import (
	"fmt"
	"testing"
	"time"
)

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{name: "simple url", rawURL: "https://example.com/page", want: "example.com"},
		{name: "url with port", rawURL: "https://example.com:8080/page", want: "example.com"},
		{name: "url with subdomain", rawURL: "https://api.example.com/v1/data", want: "api.example.com"},
		{name: "url with www", rawURL: "https://www.example.com/page", want: "www.example.com"},
		{name: "http url", rawURL: "http://example.com/page", want: "example.com"},
		{name: "url with query params", rawURL: "https://example.com/page?foo=bar", want: "example.com"},
		{name: "invalid url", rawURL: "not-a-valid-url", want: ""},
		{name: "empty url", rawURL: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractDomain(tt.rawURL)
			if got != tt.want {
				t.Errorf("ExtractDomain(%q) = %q, want %q", tt.rawURL, got, tt.want)
			}
		})
	}
}

func TestManager_RecordRequest(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordRequest("example.com", 100, true, false)
	m.RecordRequest("example.com", 200, true, false)
	m.RecordRequest("example.com", 150, false, true) // origin rate-limited this one

	all := m.AllStats()
	ds, ok := all["example.com"]
	if !ok {
		t.Fatal("expected stats for example.com")
	}
	if ds.RequestCount != 3 {
		t.Errorf("RequestCount = %d, want 3", ds.RequestCount)
	}
	if ds.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", ds.SuccessCount)
	}
	if ds.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", ds.ErrorCount)
	}
	if ds.RateLimitCount != 1 {
		t.Errorf("RateLimitCount = %d, want 1", ds.RateLimitCount)
	}
	if ds.AvgLatencyMs != 150 {
		t.Errorf("AvgLatencyMs = %d, want 150", ds.AvgLatencyMs)
	}
}

func TestManager_EmptyDomainIgnored(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordRequest("", 100, true, false)
	if len(m.AllStats()) != 0 {
		t.Error("recording an empty domain should not create an entry")
	}
}

func TestManager_SuggestedDelay(t *testing.T) {
	m := NewManager()
	defer m.Close()

	if delay := m.SuggestedDelay("unknown.com"); delay != m.DefaultMinDelayMs {
		t.Errorf("SuggestedDelay for untracked domain = %d, want %d", delay, m.DefaultMinDelayMs)
	}

	for i := 0; i < 10; i++ {
		m.RecordRequest("fast.com", 500, true, false)
	}
	fastDelay := m.SuggestedDelay("fast.com")
	if fastDelay > 1000 {
		t.Errorf("SuggestedDelay for a fast, healthy domain = %d, want <= 1000", fastDelay)
	}

	for i := 0; i < 5; i++ {
		m.RecordRequest("flaky.com", 1000, false, false)
	}
	for i := 0; i < 5; i++ {
		m.RecordRequest("flaky.com", 1000, true, false)
	}
	flakyDelay := m.SuggestedDelay("flaky.com")
	if flakyDelay <= fastDelay {
		t.Errorf("SuggestedDelay for an erroring domain (%d) should exceed a healthy one (%d)", flakyDelay, fastDelay)
	}
}

func TestManager_RecentRateLimitRaisesDelay(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordRequest("limited.com", 1000, false, true)

	delay := m.SuggestedDelay("limited.com")
	if delay < 5000 {
		t.Errorf("SuggestedDelay right after an origin rate-limit = %d, want >= 5000", delay)
	}
}

func TestManager_AllStats(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordRequest("a.com", 100, true, false)
	m.RecordRequest("b.com", 200, false, true)

	all := m.AllStats()
	if len(all) != 2 {
		t.Fatalf("AllStats length = %d, want 2", len(all))
	}
	if all["a.com"].RequestCount != 1 || all["a.com"].SuccessCount != 1 {
		t.Errorf("unexpected a.com stats: %+v", all["a.com"])
	}
	if all["b.com"].RateLimitCount != 1 {
		t.Errorf("unexpected b.com stats: %+v", all["b.com"])
	}
}

func TestManager_EvictsStaleEntries(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordRequest("stale.com", 100, true, false)
	ds := m.domains["stale.com"]
	ds.mu.Lock()
	ds.lastSeen = time.Now().Add(-(staleAfter + time.Minute))
	ds.mu.Unlock()

	m.evictStale()

	if _, ok := m.AllStats()["stale.com"]; ok {
		t.Error("stale.com should have been evicted")
	}
}

func TestManager_EvictsOldestWhenAtCapacity(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.domains["old.com"] = &DomainStats{lastSeen: time.Now().Add(-time.Hour)}
	for i := 0; i < maxTrackedDomains-1; i++ {
		m.domains[randomDomainName(i)] = &DomainStats{lastSeen: time.Now()}
	}

	m.RecordRequest("newcomer.com", 100, true, false)

	if _, ok := m.AllStats()["old.com"]; ok {
		t.Error("oldest entry should have been evicted to make room")
	}
	if _, ok := m.AllStats()["newcomer.com"]; !ok {
		t.Error("newcomer.com should have been recorded after eviction freed a slot")
	}
}

func randomDomainName(i int) string {
	return fmt.Sprintf("filler-%d.com", i)
}

func TestDomainStats_CacheIsConcurrencySafe(t *testing.T) {
	m := NewManager()
	defer m.Close()

	domain := "concurrent.com"
	m.RecordRequest(domain, 100, true, false)

	done := make(chan struct{})
	const readers = 10
	const iterations = 100

	for i := 0; i < readers; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				if delay := m.SuggestedDelay(domain); delay < 0 {
					t.Errorf("SuggestedDelay returned a negative value: %d", delay)
				}
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < readers/2; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				m.RecordRequest(domain, int64(100+j), j%2 == 0, j%5 == 0)
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < readers+readers/2; i++ {
		<-done
	}

	final := m.SuggestedDelay(domain)
	if final < m.DefaultMinDelayMs || final > m.DefaultMaxDelayMs {
		t.Errorf("final delay %d out of bounds [%d, %d]", final, m.DefaultMinDelayMs, m.DefaultMaxDelayMs)
	}
}
