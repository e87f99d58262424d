package types

import "time"

// WaitUntil is the navigation-completion mode requested for a render.
type WaitUntil string

const (
	WaitCommit           WaitUntil = "commit"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitLoad             WaitUntil = "load"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// RenderRequest is the body of POST /v1/render.
type RenderRequest struct {
	URL     string         `json:"url"`
	Render  RenderOptions  `json:"render"`
	Browser BrowserOptions `json:"browser"`
	Proxy   *ProxyOptions  `json:"proxy,omitempty"`
	Debug   DebugOptions   `json:"debug"`
}

// RenderOptions controls navigation, waiting, and scripted extraction.
type RenderOptions struct {
	WaitUntil  WaitUntil     `json:"wait_until"`
	TimeoutMs  int           `json:"timeout_ms"`
	JavaScript *bool         `json:"javascript,omitempty"`
	Scroll     ScrollOptions `json:"scroll"`
	WaitFor    string        `json:"wait_for,omitempty"`
	JSCode     []string      `json:"js_code,omitempty"`
}

// ScrollOptions configures the scroll-engine step.
type ScrollOptions struct {
	Enabled    bool `json:"enabled"`
	MaxScrolls int  `json:"max_scrolls"`
	DelayMs    int  `json:"delay_ms"`
}

// BrowserOptions configures the fingerprint of the acquired context.
type BrowserOptions struct {
	Viewport  ViewportOptions   `json:"viewport"`
	UserAgent string            `json:"user_agent,omitempty"`
	Locale    string            `json:"locale"`
	Timezone  string            `json:"timezone"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ViewportOptions bounds the emulated browser viewport.
type ViewportOptions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ProxyOptions configures a per-request upstream proxy.
type ProxyOptions struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Rotate   bool   `json:"rotate,omitempty"`
}

// DebugOptions toggles auxiliary artifact capture.
type DebugOptions struct {
	Screenshot bool `json:"screenshot"`
	HAR        bool `json:"har"`
}

// ApplyDefaults fills in zero-valued fields with the service defaults.
func (r *RenderRequest) ApplyDefaults() {
	if r.Render.WaitUntil == "" {
		r.Render.WaitUntil = WaitNetworkIdle
	}
	if r.Render.TimeoutMs == 0 {
		r.Render.TimeoutMs = 30000
	}
	if r.Render.JavaScript == nil {
		t := true
		r.Render.JavaScript = &t
	}
	if r.Render.Scroll.MaxScrolls == 0 {
		r.Render.Scroll.MaxScrolls = 5
	}
	if r.Render.Scroll.DelayMs == 0 {
		r.Render.Scroll.DelayMs = 500
	}
	if r.Browser.Viewport.Width == 0 {
		r.Browser.Viewport.Width = 1366
	}
	if r.Browser.Viewport.Height == 0 {
		r.Browser.Viewport.Height = 768
	}
	if r.Browser.Locale == "" {
		r.Browser.Locale = "en-US"
	}
	if r.Browser.Timezone == "" {
		r.Browser.Timezone = "America/New_York"
	}
}

// TotalDeadline is render.timeout_ms + the pipeline's fixed overhead budget.
func (r *RenderRequest) TotalDeadline() time.Duration {
	return time.Duration(r.Render.TimeoutMs)*time.Millisecond + 30*time.Second
}

// RenderResponse is the body returned by POST /v1/render.
type RenderResponse struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	URL       string          `json:"url,omitempty"`
	Content   string          `json:"content,omitempty"`
	Meta      ResponseMeta    `json:"meta"`
	Errors    []ResponseError `json:"errors"`
	Timestamp time.Time       `json:"timestamp"`
}

// ResponseMeta carries extraction results and debug artifacts.
type ResponseMeta struct {
	Title            string           `json:"title,omitempty"`
	HTTPStatus       int              `json:"http_status,omitempty"`
	FinalURL         string           `json:"final_url,omitempty"`
	DurationMs       int64            `json:"duration_ms"`
	Captcha          *DetectionResult `json:"captcha,omitempty"`
	Block            *DetectionResult `json:"block,omitempty"`
	Screenshot       string           `json:"screenshot,omitempty"`
	HARSupported     bool             `json:"har_supported"`
	ScriptResults    []interface{}    `json:"script_results,omitempty"`
	SuggestedDelayMs int              `json:"suggested_delay_ms,omitempty"`
	ProxyUsed        bool             `json:"proxy_used"`
}

// DetectionResult is the shared shape for CAPTCHA and Block classifier
// outcomes.
type DetectionResult struct {
	Detected   bool   `json:"detected"`
	Type       string `json:"type,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Confidence string `json:"confidence,omitempty"` // "high", "medium", "low"
	Reason     string `json:"reason,omitempty"`
}

// ResponseError is one entry in RenderResponse.Errors.
type ResponseError struct {
	Code    ErrorCode `json:"code"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"` // only populated in development mode
}

// PoolStatusResponse is the pool capacity snapshot carried inside the
// /v1/pool/status envelope and the /health body.
type PoolStatusResponse struct {
	Instances             int          `json:"totalBrowsers"`
	HealthyInstances      int          `json:"healthyBrowsers"`
	MinBrowsers           int          `json:"minBrowsers"`
	MaxBrowsers           int          `json:"maxBrowsers"`
	MaxContextsPerBrowser int          `json:"maxContextsPerBrowser"`
	LeasedContexts        int          `json:"leasedContexts"`
	AvailableSlots        int          `json:"availableSlots"`
	QueuedAcquisitions    int          `json:"queueLength"`
	Domains               []DomainHint `json:"domains,omitempty"`
}

// PoolStatusEnvelope is the body of GET /v1/pool/status:
// {success, data:{totalBrowsers, availableSlots, queueLength, ...}}.
type PoolStatusEnvelope struct {
	Success bool               `json:"success"`
	Data    PoolStatusResponse `json:"data"`
}

// DomainHint is one entry of the per-origin throttling hints surfaced by
// GET /v1/pool/status. It is informational only: nothing in RenderPipeline
// reads it back to change its own behavior.
type DomainHint struct {
	Domain           string  `json:"domain"`
	RequestCount     int64   `json:"requestCount"`
	ErrorRate        float64 `json:"errorRate"`
	SuggestedDelayMs int     `json:"suggestedDelayMs"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	UptimeS     float64            `json:"uptime_seconds"`
	Pool        PoolStatusResponse `json:"pool"`
	RateLimiter RateLimiterStatus  `json:"rate_limiter"`
}

// RateLimiterStatus summarizes the rate limiter for /health.
type RateLimiterStatus struct {
	Enabled       bool `json:"enabled"`
	WindowMs      int  `json:"window_ms"`
	MaxRequests   int  `json:"max_requests"`
	ActiveClients int  `json:"active_clients"`
}
