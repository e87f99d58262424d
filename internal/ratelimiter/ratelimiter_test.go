package ratelimiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowsUnderLimit(t *testing.T) {
	l := New(10, time.Second, false, true)
	defer l.Close()

	for i := 0; i < 10; i++ {
		d := l.Allow("127.0.0.1")
		if !d.Allowed {
			t.Fatalf("request %d should have been allowed", i+1)
		}
	}

	d := l.Allow("127.0.0.1")
	if d.Allowed {
		t.Error("11th request should have been blocked")
	}
	if d.Remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", d.Remaining)
	}
}

func TestWindowResets(t *testing.T) {
	l := New(5, 50*time.Millisecond, false, true)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Allow("127.0.0.1")
	}
	if l.Allow("127.0.0.1").Allowed {
		t.Fatal("should be blocked after exhausting limit")
	}

	time.Sleep(70 * time.Millisecond)

	if !l.Allow("127.0.0.1").Allowed {
		t.Error("should be allowed again after window reset")
	}
}

func TestSeparateKeys(t *testing.T) {
	l := New(2, time.Second, false, true)
	defer l.Close()

	l.Allow("a")
	l.Allow("a")
	if l.Allow("a").Allowed {
		t.Error("key a should be exhausted")
	}
	if !l.Allow("b").Allowed {
		t.Error("key b should have its own counter")
	}
}

func TestDisabledIsNoOp(t *testing.T) {
	l := New(1, time.Second, false, false)
	defer l.Close()

	for i := 0; i < 5; i++ {
		if !l.Allow("x").Allowed {
			t.Fatal("disabled limiter should always allow")
		}
	}
}

func TestClientKeyTrustsProxyOnlyWhenConfigured(t *testing.T) {
	trusting := New(1, time.Second, true, true)
	defer trusting.Close()
	untrusting := New(1, time.Second, false, true)
	defer untrusting.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := trusting.ClientKey(req); got != "203.0.113.9" {
		t.Errorf("expected forwarded IP when trusted, got %q", got)
	}
	if got := untrusting.ClientKey(req); got != "10.0.0.5" {
		t.Errorf("expected remote addr when proxy untrusted, got %q", got)
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	l := New(1, 20*time.Millisecond, false, true)
	defer l.Close()

	l.Allow("a")
	if l.ActiveClients() != 1 {
		t.Fatalf("expected 1 active client, got %d", l.ActiveClients())
	}

	time.Sleep(60 * time.Millisecond)

	if got := l.ActiveClients(); got != 0 {
		t.Errorf("expected sweep to evict stale entry, got %d active", got)
	}
}
