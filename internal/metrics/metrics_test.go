package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	RecordRequest("ok", 1*time.Second)
	UpdatePoolMetrics(3, 2, 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"rendercore_browser_pool_instances",
		"rendercore_browser_pool_leased_contexts",
		"rendercore_browser_pool_queued_acquisitions",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.22")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "rendercore_build_info") {
		t.Error("Expected rendercore_build_info metric")
	}
	if !strings.Contains(body, "version=\"1.0.0\"") {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, "go_version=\"go1.22\"") {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("ok", 1*time.Second)
	RecordRequest("error", 500*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "rendercore_requests_total") {
		t.Error("Expected rendercore_requests_total metric")
	}
	if !strings.Contains(body, "rendercore_request_duration_seconds") {
		t.Error("Expected rendercore_request_duration_seconds metric")
	}
}

func TestRecordDetection(t *testing.T) {
	RecordDetection("captcha", "recaptcha")
	RecordDetection("block", "access_denied")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "rendercore_detection_outcomes_total") {
		t.Error("Expected rendercore_detection_outcomes_total metric")
	}
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "rendercore_rate_limit_rejections_total") {
		t.Error("Expected rendercore_rate_limit_rejections_total metric")
	}
}

func TestUpdatePoolMetrics(t *testing.T) {
	UpdatePoolMetrics(3, 2, 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "rendercore_browser_pool_instances 3") {
		t.Error("Expected browser_pool_instances to be 3")
	}
	if !strings.Contains(body, "rendercore_browser_pool_leased_contexts 2") {
		t.Error("Expected browser_pool_leased_contexts to be 2")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})

	go StartMemoryCollector(50*time.Millisecond, stopCh)

	time.Sleep(150 * time.Millisecond)

	close(stopCh)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()

	if !strings.Contains(body, "rendercore_memory_usage_bytes") {
		t.Error("Expected rendercore_memory_usage_bytes metric")
	}
	if !strings.Contains(body, "rendercore_memory_sys_bytes") {
		t.Error("Expected rendercore_memory_sys_bytes metric")
	}
	if !strings.Contains(body, "rendercore_goroutines") {
		t.Error("Expected rendercore_goroutines metric")
	}
}
