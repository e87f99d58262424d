package browserpool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// ApplyStealth applies anti-detection measures to a page. It must be called
// after context/page creation but before navigation so the patches are in
// place before any site script runs, including inside iframes (the script
// re-installs itself on every new document via Page.addScriptToEvaluateOnNewDocument
// semantics provided by rod's EvalOnNewDocument). The upstream stealth.JS
// script covers the well-known webdriver/chrome-object/permissions/plugin
// signals; fingerprintPatchScript layers on the canvas, WebGL, and
// hardware-fingerprint masking on top of it.
func ApplyStealth(page *rod.Page) error {
	combined := stealth.JS + "\n" + fingerprintPatchScript
	_, err := page.EvalOnNewDocument(combined)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "SyntaxError") {
			return fmt.Errorf("stealth script syntax error: %w", err)
		}
		if strings.Contains(errStr, "ReferenceError") {
			return fmt.Errorf("stealth script reference error: %w", err)
		}
		log.Warn().Err(err).Msg("stealth script had non-fatal errors, continuing")
		return nil
	}
	// Apply immediately to the current document too (EvalOnNewDocument only
	// fires for documents loaded after this call).
	if _, err := page.Evaluate(rod.Eval(combined)); err != nil {
		log.Debug().Err(err).Msg("stealth immediate-apply skipped (no document yet)")
	}
	return nil
}

// fingerprintPatchScript masks the automation detection vectors that
// go-rod/stealth's own JS doesn't cover: canvas noise, WebGL vendor spoof,
// hardware-concurrency/device-memory/connection hints, and outer window
// dimensions. Guarded by a non-enumerable global marker so repeated
// application (session reuse, re-navigation) is a no-op.
const fingerprintPatchScript = `
(() => {
    'use strict';
    if (window.__stealthApplied) { return; }
    Object.defineProperty(window, '__stealthApplied', { value: true, configurable: false, enumerable: false });

    try {
        if (navigator.connection) {
            Object.defineProperty(navigator, 'connection', {
                get: () => ({ effectiveType: '4g', rtt: 50, downlink: 10, saveData: false, onchange: null }),
                configurable: true
            });
        }

        Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8, configurable: true });
        Object.defineProperty(navigator, 'deviceMemory', { get: () => 8, configurable: true });

        try {
            const UNMASKED_VENDOR_WEBGL = 37445;
            const UNMASKED_RENDERER_WEBGL = 37446;
            ['WebGLRenderingContext', 'WebGL2RenderingContext'].forEach(function(ctxName) {
                try {
                    const ctx = window[ctxName];
                    if (!ctx || !ctx.prototype) return;
                    const originalGetParameter = ctx.prototype.getParameter;
                    if (typeof originalGetParameter !== 'function' || originalGetParameter._stealth) return;
                    ctx.prototype.getParameter = function(param) {
                        if (param === UNMASKED_VENDOR_WEBGL) return 'Intel Inc.';
                        if (param === UNMASKED_RENDERER_WEBGL) return 'Intel Iris OpenGL Engine';
                        return originalGetParameter.call(this, param);
                    };
                    ctx.prototype.getParameter._stealth = true;
                } catch (e) {}
            });
        } catch (e) {}

        try {
            if (window.HTMLCanvasElement && !HTMLCanvasElement.prototype.toDataURL._stealth) {
                const originalToDataURL = HTMLCanvasElement.prototype.toDataURL;
                HTMLCanvasElement.prototype.toDataURL = function(...args) {
                    const ctx = this.getContext('2d');
                    if (ctx) {
                        const shift = (Math.random() - 0.5) * 0.0001;
                        try {
                            const imageData = ctx.getImageData(0, 0, this.width, this.height);
                            for (let i = 0; i < imageData.data.length; i += 4) {
                                imageData.data[i] = Math.min(255, Math.max(0, imageData.data[i] + shift));
                            }
                            ctx.putImageData(imageData, 0, 0);
                        } catch (e) {}
                    }
                    return originalToDataURL.apply(this, args);
                };
                HTMLCanvasElement.prototype.toDataURL._stealth = true;
            }
        } catch (e) {}

        try {
            Object.defineProperty(window, 'outerWidth', { get: () => window.innerWidth, configurable: true });
            Object.defineProperty(window, 'outerHeight', { get: () => window.innerHeight + 85, configurable: true });
        } catch (e) {}

        if (typeof Notification !== 'undefined') {
            Object.defineProperty(Notification, 'permission', { get: () => 'default', configurable: true });
        }
    } catch (e) {
        console.debug('[stealth] patch failed:', e && e.message);
    }
})();
`

// BlockResources configures the page to fail every script-type sub-resource
// request (used when a render request disables JavaScript); inline scripts
// in the document itself are not blocked. Returns a cleanup function that
// must be called exactly once; safe to call multiple times.
func BlockResources(ctx context.Context, page *rod.Page) (cleanup func(), err error) {
	err = proto.FetchEnable{
		Patterns: []*proto.FetchRequestPattern{{ResourceType: proto.NetworkResourceTypeScript}},
	}.Call(page)
	if err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var once sync.Once
	cleanupFunc := func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("timeout waiting for script-blocking listeners to clean up")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			cleanupFunc()
			return true
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = proto.FetchFailRequest{RequestID: e.RequestID, ErrorReason: proto.NetworkErrorReasonBlockedByClient}.Call(page)
			return false
		})()
	}()

	return cleanupFunc, nil
}

// SetUserAgent sets a custom user agent on the page.
func SetUserAgent(page *rod.Page, userAgent string) error {
	return proto.NetworkSetUserAgentOverride{UserAgent: userAgent}.Call(page)
}

// SetViewport sets the page viewport size.
func SetViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}
