package types

import (
	"context"
	"fmt"
	"net/url"

	"github.com/kestrel-labs/rendercore/internal/security"
)

// Validate checks a RenderRequest against the request schema and returns
// one ResponseError per violated field. ApplyDefaults must be called first;
// Validate does not fill in defaults itself. allowLocalProxies mirrors the
// server's proxy-to-private-network policy.
func (r *RenderRequest) Validate(ctx context.Context, allowLocalProxies bool) []ResponseError {
	var errs []ResponseError

	if r.URL == "" {
		errs = append(errs, NewValidationFieldError("url", "url is required"))
	} else if _, err := url.ParseRequestURI(r.URL); err != nil {
		errs = append(errs, NewValidationFieldError("url", "url is not a valid absolute url"))
	} else if err := security.ValidateURLWithContext(ctx, r.URL); err != nil {
		errs = append(errs, NewValidationFieldError("url", fmt.Sprintf("url is not permitted: %s", err.Error())))
	}

	switch r.Render.WaitUntil {
	case WaitCommit, WaitDOMContentLoaded, WaitLoad, WaitNetworkIdle:
	default:
		errs = append(errs, NewValidationFieldError("render.wait_until",
			"must be one of commit, domcontentloaded, load, networkidle"))
	}

	if r.Render.TimeoutMs < 1000 || r.Render.TimeoutMs > 120000 {
		errs = append(errs, NewValidationFieldError("render.timeout_ms", "must be in [1000, 120000]"))
	}

	if r.Render.Scroll.Enabled {
		if r.Render.Scroll.MaxScrolls < 1 || r.Render.Scroll.MaxScrolls > 50 {
			errs = append(errs, NewValidationFieldError("render.scroll.max_scrolls", "must be in [1, 50]"))
		}
		if r.Render.Scroll.DelayMs < 100 || r.Render.Scroll.DelayMs > 5000 {
			errs = append(errs, NewValidationFieldError("render.scroll.delay_ms", "must be in [100, 5000]"))
		}
	}

	if r.Browser.Viewport.Width < 320 || r.Browser.Viewport.Width > 3840 {
		errs = append(errs, NewValidationFieldError("browser.viewport.width", "must be in [320, 3840]"))
	}
	if r.Browser.Viewport.Height < 240 || r.Browser.Viewport.Height > 2160 {
		errs = append(errs, NewValidationFieldError("browser.viewport.height", "must be in [240, 2160]"))
	}

	if err := security.ValidateHeaders(r.Browser.Headers); err != nil {
		errs = append(errs, NewValidationFieldError("browser.headers", err.Error()))
	}

	if r.Proxy != nil {
		if r.Proxy.Server == "" {
			errs = append(errs, NewValidationFieldError("proxy.server", "required when proxy is present"))
		} else if err := security.ValidateProxyURL(r.Proxy.Server, allowLocalProxies); err != nil {
			errs = append(errs, NewValidationFieldError("proxy.server", err.Error()))
		}
		if (r.Proxy.Username == "") != (r.Proxy.Password == "") {
			errs = append(errs, NewValidationFieldError("proxy", "username and password must both be set or both be empty"))
		}
	}

	return errs
}

// NewValidationFieldError builds a ResponseError for a single invalid field.
func NewValidationFieldError(field, message string) ResponseError {
	return ResponseError{Code: CodeValidationError, Field: field, Message: message}
}
