// Package contextbroker merges a render request's browser options with
// defaults, acquires a pooled (or dedicated, for proxied requests) browser
// context, applies fingerprint hardening, and hands back a Lease that
// releases exactly once.
package contextbroker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/kestrel-labs/rendercore/internal/browserpool"
	"github.com/kestrel-labs/rendercore/internal/security"
	"github.com/kestrel-labs/rendercore/internal/types"
	"github.com/kestrel-labs/rendercore/pkg/version"
)

// Broker merges requests into browser pool acquisitions.
type Broker struct {
	pool *browserpool.Pool
}

// New constructs a Broker over the given pool.
func New(pool *browserpool.Pool) *Broker {
	return &Broker{pool: pool}
}

// Lease binds one in-flight request to one browser context/page. Release
// must be called exactly once; subsequent calls are a no-op.
type Lease struct {
	Page      *rod.Page
	UserAgent string

	broker     *Broker
	instance   *browserpool.Instance
	browserCtx *rod.Browser
	dedicated  bool
	cleanups   []func()
	released   sync.Once
}

// Release closes the page and context and returns the lease slot to the
// pool (or closes the dedicated browser outright for proxied requests).
// Safe to call more than once; only the first call has any effect.
func (l *Lease) Release() {
	l.released.Do(func() {
		for i := len(l.cleanups) - 1; i >= 0; i-- {
			l.cleanups[i]()
		}
		if l.Page != nil {
			_ = l.Page.Close()
		}
		if l.dedicated {
			_ = l.instance.Browser.Close()
			return
		}
		if l.browserCtx != nil {
			_ = l.browserCtx.Close()
		}
		l.broker.pool.Release(l.instance)
	})
}

// Acquire merges req's browser/proxy options into a pool acquisition,
// applies stealth hardening, and returns a ready-to-navigate Lease.
func (b *Broker) Acquire(ctx context.Context, req *types.RenderRequest) (*Lease, error) {
	if err := security.ValidateHeaders(req.Browser.Headers); err != nil {
		return nil, types.NewValidationError("browser.headers", err.Error())
	}

	proxyCfg, err := browserpool.ParseProxy(req.Proxy)
	if err != nil {
		return nil, types.NewValidationError("proxy.server", err.Error())
	}

	var instance *browserpool.Instance
	dedicated := proxyCfg != nil
	if dedicated {
		instance, err = b.pool.LaunchDedicated(ctx, proxyCfg.String())
	} else {
		instance, err = b.pool.Acquire(ctx)
	}
	if err != nil {
		return nil, types.NewPoolAcquireError(err.Error(), err)
	}

	browserCtx, err := instance.Browser.Incognito()
	if err != nil {
		if !dedicated {
			b.pool.Release(instance)
		} else {
			_ = instance.Browser.Close()
		}
		return nil, fmt.Errorf("failed to create isolated context: %w", err)
	}

	page, err := browserCtx.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browserCtx.Close()
		if !dedicated {
			b.pool.Release(instance)
		} else {
			_ = instance.Browser.Close()
		}
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	lease := &Lease{
		broker:     b,
		instance:   instance,
		browserCtx: browserCtx,
		dedicated:  dedicated,
		Page:       page,
	}

	ua := req.Browser.UserAgent
	if ua == "" {
		ua = version.UserAgentPool[rand.Intn(len(version.UserAgentPool))]
	}
	lease.UserAgent = ua

	if err := browserpool.SetUserAgent(page, ua); err != nil {
		log.Warn().Err(err).Msg("failed to set user agent")
	}
	if err := browserpool.SetViewport(page, req.Browser.Viewport.Width, req.Browser.Viewport.Height); err != nil {
		log.Warn().Err(err).Msg("failed to set viewport")
	}
	if err := browserpool.ApplyStealth(page); err != nil {
		lease.Release()
		return nil, fmt.Errorf("stealth application failed: %w", err)
	}
	if err := applyLocaleHeaders(page, req.Browser.Locale, ua, req.Browser.Headers); err != nil {
		log.Warn().Err(err).Msg("failed to inject locale-consistent headers")
	}
	if err := timezoneOverride(page, req.Browser.Timezone); err != nil {
		log.Warn().Err(err).Msg("failed to apply timezone override")
	}

	if proxyCfg != nil {
		cleanup, err := browserpool.ApplyProxyAuth(ctx, page, proxyCfg)
		if err != nil {
			lease.Release()
			return nil, types.NewRenderError(types.CodeProxyError, "failed to configure proxy authentication: "+err.Error(), err)
		}
		lease.cleanups = append(lease.cleanups, cleanup)
	}

	if req.Render.JavaScript != nil && !*req.Render.JavaScript {
		cleanup, err := browserpool.BlockResources(ctx, page)
		if err != nil {
			log.Warn().Err(err).Msg("failed to install script-blocking interceptor")
		} else {
			lease.cleanups = append(lease.cleanups, cleanup)
		}
	}

	return lease, nil
}
