// Package httpapi exposes the render service's four fixed REST endpoints
// over net/http, wiring them to the render pipeline, the browser pool, and
// the rate limiter.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrel-labs/rendercore/internal/assets"
	"github.com/kestrel-labs/rendercore/internal/browserpool"
	"github.com/kestrel-labs/rendercore/internal/config"
	"github.com/kestrel-labs/rendercore/internal/metrics"
	"github.com/kestrel-labs/rendercore/internal/ratelimiter"
	"github.com/kestrel-labs/rendercore/internal/renderpipeline"
	"github.com/kestrel-labs/rendercore/internal/security"
	"github.com/kestrel-labs/rendercore/internal/stats"
	"github.com/kestrel-labs/rendercore/internal/types"
	"github.com/kestrel-labs/rendercore/pkg/version"
)

// maxDomainHints bounds how many per-domain throttling hints GET
// /v1/pool/status surfaces, keeping the response bounded even when the
// underlying stats.Manager is tracking thousands of origins.
const maxDomainHints = 20

// maxRequestBodySize bounds POST /v1/render bodies to prevent memory
// exhaustion from an oversized payload.
const maxRequestBodySize = 1 << 20 // 1MB

// Handler wires the render pipeline, pool, and rate limiter into HTTP
// handlers and implements http.Handler via Router.
type Handler struct {
	pipeline  *renderpipeline.Pipeline
	pool      *browserpool.Pool
	limiter   *ratelimiter.Limiter
	domains   *stats.Manager
	cfg       *config.Config
	startTime time.Time
}

// New constructs a Handler.
func New(pipeline *renderpipeline.Pipeline, pool *browserpool.Pool, limiter *ratelimiter.Limiter, domains *stats.Manager, cfg *config.Config) *Handler {
	return &Handler{pipeline: pipeline, pool: pool, limiter: limiter, domains: domains, cfg: cfg, startTime: time.Now()}
}

// Router builds the mux for the four fixed endpoints.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/render", h.handleRender)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/v1/pool/status", h.handlePoolStatus)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", h.handleIndex)
	return mux
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing request body")
	}
}

// handleRender serves POST /v1/render.
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, types.CodeValidationError, "method not allowed", start)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer closeBody(r.Body)

	buf := getRequestBuffer()
	defer putRequestBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("failed to read render request body")
		h.writeError(w, http.StatusBadRequest, types.CodeValidationError, "failed to read request body", start)
		return
	}

	var req types.RenderRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		h.writeError(w, http.StatusBadRequest, types.CodeValidationError, "invalid JSON request body", start)
		return
	}

	req.ApplyDefaults()
	if fieldErrs := req.Validate(r.Context(), h.cfg.AllowLocalProxies); len(fieldErrs) > 0 {
		log.Warn().Str("url", security.RedactURL(req.URL)).Int("errors", len(fieldErrs)).Msg("render request failed validation")
		h.writeValidationErrors(w, fieldErrs, start)
		return
	}

	log.Info().Str("url", security.RedactURL(req.URL)).Str("wait_until", string(req.Render.WaitUntil)).Msg("render request accepted")

	resp := h.pipeline.Run(r.Context(), &req)
	if !h.cfg.Development {
		for i := range resp.Errors {
			resp.Errors[i].Details = ""
		}
	}

	status := http.StatusOK
	metricStatus := "ok"
	if !resp.Success {
		metricStatus = "error"
		if len(resp.Errors) > 0 {
			status = resp.Errors[0].Code.HTTPStatus()
		} else {
			status = http.StatusInternalServerError
		}
	}
	metrics.RecordRequest(metricStatus, time.Since(start))
	if resp.Meta.Captcha != nil && resp.Meta.Captcha.Detected {
		metrics.RecordDetection("captcha", resp.Meta.Captcha.Type)
	}
	if resp.Meta.Block != nil && resp.Meta.Block.Detected {
		metrics.RecordDetection("block", resp.Meta.Block.Type)
	}
	if domain := stats.ExtractDomain(req.URL); domain != "" {
		rateLimitedByOrigin := resp.Meta.Block != nil && resp.Meta.Block.Type == "rate_limited"
		h.domains.RecordRequest(domain, resp.Meta.DurationMs, resp.Success, rateLimitedByOrigin)
		resp.Meta.SuggestedDelayMs = h.domains.SuggestedDelay(domain)
	}

	h.writeJSON(w, status, resp)
}

// writeValidationErrors writes a 400 RenderResponse carrying one
// ResponseError per invalid field.
func (h *Handler) writeValidationErrors(w http.ResponseWriter, fieldErrs []types.ResponseError, start time.Time) {
	metrics.RecordRequest("validation_error", time.Since(start))
	resp := &types.RenderResponse{
		Success:   false,
		Errors:    fieldErrs,
		Timestamp: time.Now(),
	}
	resp.Meta.DurationMs = time.Since(start).Milliseconds()
	h.writeJSON(w, http.StatusBadRequest, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code types.ErrorCode, message string, start time.Time) {
	resp := &types.RenderResponse{
		Success:   false,
		Errors:    []types.ResponseError{{Code: code, Message: message}},
		Timestamp: time.Now(),
	}
	resp.Meta.DurationMs = time.Since(start).Milliseconds()
	h.writeJSON(w, status, resp)
}

// handleHealth serves GET /health: liveness plus a pool and rate-limiter
// snapshot.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	poolStatus := h.pool.Status()
	metrics.UpdatePoolMetrics(poolStatus.Instances, poolStatus.LeasedContexts, poolStatus.QueuedAcquisitions)

	resp := types.HealthResponse{
		Status:  "ok",
		Version: version.Full(),
		UptimeS: time.Since(h.startTime).Seconds(),
		Pool:    poolStatus,
		RateLimiter: types.RateLimiterStatus{
			Enabled:       h.cfg.RateLimitEnabled,
			WindowMs:      int(h.cfg.RateLimitWindow.Milliseconds()),
			MaxRequests:   h.cfg.RateLimitMaxRequests,
			ActiveClients: h.limiter.ActiveClients(),
		},
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handlePoolStatus serves GET /v1/pool/status: a {success, data} envelope
// around the pool capacity debug view plus per-domain throttling hints for
// operators tuning their own call patterns.
func (h *Handler) handlePoolStatus(w http.ResponseWriter, _ *http.Request) {
	status := h.pool.Status()
	status.Domains = h.topDomainHints()
	h.writeJSON(w, http.StatusOK, types.PoolStatusEnvelope{Success: true, Data: status})
}

// topDomainHints returns up to maxDomainHints domains, sorted by request
// count descending, so the busiest origins are never crowded out by the
// long tail of one-off requests.
func (h *Handler) topDomainHints() []types.DomainHint {
	all := h.domains.AllStats()
	hints := make([]types.DomainHint, 0, len(all))
	for domain, s := range all {
		errorRate := 0.0
		if s.RequestCount > 0 {
			errorRate = float64(s.ErrorCount) / float64(s.RequestCount)
		}
		hints = append(hints, types.DomainHint{
			Domain:           domain,
			RequestCount:     s.RequestCount,
			ErrorRate:        errorRate,
			SuggestedDelayMs: s.SuggestedDelayMs,
		})
	}
	sort.Slice(hints, func(i, j int) bool { return hints[i].RequestCount > hints[j].RequestCount })
	if len(hints) > maxDomainHints {
		hints = hints[:maxDomainHints]
	}
	return hints
}

// handleIndex serves GET /: service identity and the endpoint index. Any
// path other than "/" falls through to a 404.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	poolStatus := h.pool.Status()
	page, err := assets.RenderIndexPage(assets.IndexPageData{
		Version:     version.Full(),
		GoVersion:   version.GoVersion(),
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		PoolSize:    poolStatus.Instances,
		LeasedCount: poolStatus.LeasedContexts,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to render index page")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(page)); err != nil {
		log.Debug().Err(err).Msg("failed to write index page")
	}
}

// writeJSON buffers JSON before writing to ensure encoding errors are
// caught before headers are sent, avoiding a partial response body.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"code":"INTERNAL_ERROR","message":"internal encoding error"}]}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
