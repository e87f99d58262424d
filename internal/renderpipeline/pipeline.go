// Package renderpipeline executes the per-request render stages — lease
// acquisition, navigation, stabilization, scripted extraction, scrolling,
// detection, and response assembly — under a single outer deadline.
package renderpipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/kestrel-labs/rendercore/internal/contextbroker"
	"github.com/kestrel-labs/rendercore/internal/detection"
	"github.com/kestrel-labs/rendercore/internal/humanize"
	"github.com/kestrel-labs/rendercore/internal/security"
	"github.com/kestrel-labs/rendercore/internal/types"
)

const acquireSubTimeout = 35 * time.Second

// Pipeline wires a ContextBroker and DetectionSuite into the render
// algorithm.
type Pipeline struct {
	broker *contextbroker.Broker
	detect *detection.Suite
}

// New constructs a Pipeline.
func New(broker *contextbroker.Broker, suite *detection.Suite) *Pipeline {
	return &Pipeline{broker: broker, detect: suite}
}

// Run executes one render end to end. The lease is always released before
// returning, whether the pipeline succeeds, errors, or the caller's
// context is cancelled.
func (p *Pipeline) Run(ctx context.Context, req *types.RenderRequest) *types.RenderResponse {
	req.ApplyDefaults()
	requestID := newRequestID()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, req.TotalDeadline())
	defer cancel()

	resp := &types.RenderResponse{RequestID: requestID, Timestamp: start}

	acquireCtx, acquireCancel := context.WithTimeout(ctx, acquireSubTimeout)
	lease, err := p.broker.Acquire(acquireCtx, req)
	acquireCancel()
	if err != nil {
		return fail(resp, start, acquireErrorCode(ctx, err), "failed to acquire a browser context", err.Error())
	}
	defer lease.Release()

	resp.Meta.ProxyUsed = req.Proxy != nil

	page := lease.Page.Context(ctx)

	navTimeout := time.Duration(req.Render.TimeoutMs)*time.Millisecond + 5*time.Second
	navCtx, navCancel := context.WithTimeout(ctx, navTimeout)
	navPage := lease.Page.Context(navCtx)
	statusCode, navErr := navigate(navPage, req.Render.WaitUntil, req.URL)
	if req.Render.WaitUntil == types.WaitNetworkIdle && navErr == nil {
		stabilize(navCtx, navPage)
	}
	navCancel()
	if navErr != nil {
		return fail(resp, start, navigationErrorCode(ctx, navErr), "navigation failed", navErr.Error())
	}
	resp.Meta.HTTPStatus = statusCode

	if err := wanderMouse(ctx, page, req.Browser.Viewport.Width, req.Browser.Viewport.Height); err != nil {
		log.Debug().Err(err).Str("request_id", requestID).Msg("humanized mouse wander skipped")
	}

	if len(req.Render.JSCode) > 0 {
		resp.Meta.ScriptResults = runPreExtractionScripts(page, req.Render.JSCode)
	}

	if req.Render.WaitFor != "" {
		dispatchScriptedWait(ctx, page, req.Render.WaitFor, time.Duration(req.Render.TimeoutMs)*time.Millisecond)
	}

	if req.Render.Scroll.Enabled {
		scroller := humanize.NewScroller(page)
		if err := scroller.ScrollForContent(ctx, humanize.InfiniteScrollConfig{
			MaxScrolls: req.Render.Scroll.MaxScrolls,
			DelayMs:    req.Render.Scroll.DelayMs,
		}); err != nil {
			log.Debug().Err(err).Str("request_id", requestID).Msg("scroll engine stopped early")
		}
	}

	html, title := extract(page)
	innerText := visibleText(page)

	captcha, block := p.detect.Detect(ctx, detection.Snapshot{
		StatusCode: statusCode,
		HTML:       html,
		InnerText:  innerText,
		ScriptTags: strings.Count(strings.ToLower(html), "<script"),
	})
	resp.Meta.Captcha = captcha
	resp.Meta.Block = block

	if req.Debug.Screenshot {
		if shot, err := captureScreenshot(page); err != nil {
			log.Warn().Err(err).Str("request_id", requestID).Msg("screenshot capture failed")
		} else {
			resp.Meta.Screenshot = shot
		}
	}
	resp.Meta.HARSupported = false
	if req.Debug.HAR {
		resp.Errors = append(resp.Errors, types.ResponseError{
			Code:    types.CodeValidationError,
			Field:   "debug.har",
			Message: "HAR capture is not supported by this service",
		})
	}

	resp.Success = true
	resp.URL = req.URL
	resp.Content = html
	resp.Meta.Title = title
	resp.Meta.FinalURL = currentURL(page, req.URL)
	resp.Meta.DurationMs = time.Since(start).Milliseconds()
	return resp
}

// fail appends one ResponseError and finalizes the response. details is
// always recorded; httpapi strips it from the response unless the server
// is running in development mode.
func fail(resp *types.RenderResponse, start time.Time, code types.ErrorCode, message, details string) *types.RenderResponse {
	resp.Success = false
	resp.Errors = append(resp.Errors, types.ResponseError{Code: code, Message: message, Details: details})
	resp.Meta.DurationMs = time.Since(start).Milliseconds()
	return resp
}

// acquireErrorCode classifies a failed broker.Acquire: an error already
// carrying a code (proxy configuration, late validation) keeps it, a blown
// outer deadline is reported as CodeTotalTimeout (the request's whole time
// budget expired), a blown per-stage sub-timeout as CodeTimeout, and
// anything else as CodeBrowserError.
func acquireErrorCode(outer context.Context, err error) types.ErrorCode {
	var re *types.RenderError
	if errors.As(err, &re) {
		return re.Code
	}
	if !isTimeoutErr(err) {
		return types.CodeBrowserError
	}
	if outer.Err() != nil {
		return types.CodeTotalTimeout
	}
	return types.CodeTimeout
}

// navigationErrorCode classifies a failed navigate() call the same way
// acquireErrorCode does, falling back to CodeNavigationFailed instead of
// CodeBrowserError for non-timeout failures.
func navigationErrorCode(outer context.Context, err error) types.ErrorCode {
	if !isTimeoutErr(err) {
		return types.CodeNavigationFailed
	}
	if outer.Err() != nil {
		return types.CodeTotalTimeout
	}
	return types.CodeTimeout
}

func isTimeoutErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrAcquireTimeout)
}

// newRequestID generates the server-side request identifier carried on
// every RenderResponse, reusing security's session-ID generator (same
// entropy budget and hex encoding rendercore otherwise uses for session
// tokens) rather than hand-rolling a second random-ID scheme.
func newRequestID() string {
	id, err := security.GenerateSessionID()
	if err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return "req-" + id
}

// navigate drives the engine's navigation primitive, mapping wait-until to
// the corresponding CDP page lifecycle event, and captures the main
// document's HTTP status from the first matching network response. A nil
// navigation result (some redirect chains yield one) is treated as success
// with an assumed 200.
func navigate(page *rod.Page, waitUntil types.WaitUntil, url string) (int, error) {
	statusCode := 200
	var mu sync.Mutex
	var captured bool

	listenCtx, stopListening := context.WithCancel(context.Background())
	pageWithCtx := page.Context(listenCtx)

	// The response listener must be armed before Navigate, or a fast
	// main-document response can be missed entirely.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Debug().Interface("panic", r).Msg("recovered from panic in response listener")
			}
		}()
		pageWithCtx.EachEvent(func(e *proto.NetworkResponseReceived) bool {
			if e.Type != proto.NetworkResourceTypeDocument {
				return false
			}
			mu.Lock()
			if !captured {
				statusCode = e.Response.Status
				captured = true
			}
			mu.Unlock()
			return false
		})()
	}()
	defer stopListening()

	if err := page.Navigate(url); err != nil {
		return 0, err
	}

	switch waitUntil {
	case types.WaitCommit:
		// no further wait: navigation commit is sufficient
	case types.WaitDOMContentLoaded:
		_ = page.WaitDOMStable(300*time.Millisecond, 0.1)
	case types.WaitLoad, types.WaitNetworkIdle:
		if err := page.WaitLoad(); err != nil {
			log.Debug().Err(err).Msg("WaitLoad did not complete cleanly, proceeding")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return statusCode, nil
}

// stabilize polls document.body.innerHTML.length every 200ms for up to 3s,
// declaring the DOM stable after two consecutive unchanged samples.
func stabilize(ctx context.Context, page *rod.Page) {
	deadline := time.Now().Add(3 * time.Second)
	var lastLen int = -1
	unchanged := 0

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := page.Eval(`() => document.body ? document.body.innerHTML.length : 0`)
		if err != nil {
			return
		}
		length := int(res.Value.Num())

		if length == lastLen {
			unchanged++
			if unchanged >= 2 {
				return
			}
		} else {
			unchanged = 0
		}
		lastLen = length

		if !humanize.SleepWithContext(ctx, 200*time.Millisecond) {
			return
		}
	}
}

// runPreExtractionScripts executes each script sequentially with a 100ms
// inter-script delay, collecting each script's return value for
// meta.script_results. A script failure is logged and short-circuits the
// remaining scripts but never fails the overall render; values collected
// before the failure are still returned.
func runPreExtractionScripts(page *rod.Page, scripts []string) []interface{} {
	results := make([]interface{}, 0, len(scripts))
	for i, script := range scripts {
		res, err := page.Eval(script)
		if err != nil {
			log.Warn().Err(err).Int("index", i).Msg("pre-extraction script failed, skipping remaining scripts")
			return results
		}
		results = append(results, res.Value.Val())
		time.Sleep(100 * time.Millisecond)
	}
	return results
}

// dispatchScriptedWait interprets waitFor by prefix: css: waits for a
// selector to attach, js: waits for a function to return truthy, and a
// bare value is treated as a CSS selector. Failures are logged only.
func dispatchScriptedWait(ctx context.Context, page *rod.Page, waitFor string, timeout time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p := page.Context(waitCtx)

	switch {
	case strings.HasPrefix(waitFor, "css:"):
		selector := strings.TrimPrefix(waitFor, "css:")
		if _, err := p.Element(selector); err != nil {
			log.Debug().Err(err).Str("selector", selector).Msg("wait_for css selector did not attach")
		}
	case strings.HasPrefix(waitFor, "js:"):
		expr := strings.TrimPrefix(waitFor, "js:")
		if !pollTruthy(waitCtx, p, expr) {
			log.Debug().Str("expr", expr).Msg("wait_for js function did not become truthy before timeout")
		}
	default:
		if _, err := p.Element(waitFor); err != nil {
			log.Debug().Err(err).Str("selector", waitFor).Msg("wait_for bare selector did not attach")
		}
	}
}

// pollTruthy evaluates expr every 200ms until it returns a truthy value or
// waitCtx is done.
func pollTruthy(waitCtx context.Context, page *rod.Page, expr string) bool {
	for {
		res, err := page.Eval(`() => { try { return !!(` + expr + `); } catch (e) { return false; } }`)
		if err == nil && res.Value.Bool() {
			return true
		}
		if !humanize.SleepWithContext(waitCtx, 200*time.Millisecond) {
			return false
		}
	}
}

func extract(page *rod.Page) (html, title string) {
	html, err := page.HTML()
	if err != nil {
		log.Warn().Err(err).Msg("failed to extract page HTML")
	}
	if res, err := page.Eval(`() => document.title`); err == nil {
		title = res.Value.Str()
	}
	return html, title
}

// wanderMouse moves the mouse along a humanized Bezier path to a random
// point inside the viewport before any scripted interaction runs, so a page
// that fingerprints pointer movement on load sees plausible motion rather
// than a cursor that teleports straight to its first click.
func wanderMouse(ctx context.Context, page *rod.Page, viewportWidth, viewportHeight int) error {
	if viewportWidth <= 0 || viewportHeight <= 0 {
		return nil
	}
	x := float64(viewportWidth/4 + rand.Intn(viewportWidth/2+1))
	y := float64(viewportHeight/4 + rand.Intn(viewportHeight/2+1))
	return humanize.NewMouse(page).MoveTo(ctx, x, y)
}

// visibleText reads document.body.innerText, the rendered-and-visible text
// the detection classifiers key on, as opposed to raw HTML which still
// carries script/style contents and hidden markup.
func visibleText(page *rod.Page) string {
	res, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		log.Debug().Err(err).Msg("failed to extract visible body text")
		return ""
	}
	return res.Value.Str()
}

func currentURL(page *rod.Page, fallback string) string {
	res, err := page.Eval(`() => window.location.href`)
	if err != nil || res.Value.Str() == "" {
		return fallback
	}
	return res.Value.Str()
}

func captureScreenshot(page *rod.Page) (string, error) {
	data, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return "", fmt.Errorf("screenshot capture failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
