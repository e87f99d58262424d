package browserpool

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/kestrel-labs/rendercore/internal/types"
)

// ProxyConfig is the normalized, validated form of a request's proxy
// options: protocol://host:port plus optional credentials.
type ProxyConfig struct {
	Protocol string // "http", "https", "socks5"
	Host     string
	Port     string
	Username string
	Password string
}

// String returns the normalized "protocol://host:port" form used as the
// --proxy-server launch argument.
func (p *ProxyConfig) String() string {
	return fmt.Sprintf("%s://%s:%s", p.Protocol, p.Host, p.Port)
}

var defaultPortByProtocol = map[string]string{
	"http":   "8080",
	"https":  "8443",
	"socks5": "1080",
}

// ParseProxy validates and normalizes a render request's proxy server
// string. The protocol must be http, https, or socks5; host is required;
// port defaults by protocol when omitted; credentials must be both present
// or both absent.
func ParseProxy(opts *types.ProxyOptions) (*ProxyConfig, error) {
	if opts == nil || opts.Server == "" {
		return nil, nil
	}
	if (opts.Username == "") != (opts.Password == "") {
		return nil, fmt.Errorf("%w: proxy credentials must include both username and password or neither", types.ErrInvalidRequest)
	}

	u, err := url.Parse(opts.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy server url: %w", err)
	}
	protocol := strings.ToLower(u.Scheme)
	switch protocol {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q: must be http, https, or socks5", protocol)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("proxy server requires a host")
	}

	port := u.Port()
	if port == "" {
		port = defaultPortByProtocol[protocol]
	}

	return &ProxyConfig{
		Protocol: protocol,
		Host:     u.Hostname(),
		Port:     port,
		Username: opts.Username,
		Password: opts.Password,
	}, nil
}

// ApplyProxyAuth configures proxy authentication for a page via CDP. The
// proxy server itself must already be set at browser launch time (dedicated
// browser) since Chrome doesn't support per-page proxy servers. Returns a
// cleanup function that must be called exactly once; safe to call multiple
// times.
func ApplyProxyAuth(ctx context.Context, page *rod.Page, proxy *ProxyConfig) (cleanup func(), err error) {
	if proxy == nil || proxy.Username == "" {
		return func() {}, nil
	}

	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(page); err != nil {
		log.Warn().Err(err).Msg("failed to enable fetch domain for proxy auth")
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
				log.Warn().Msg("timeout waiting for proxy auth listeners to clean up")
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
		pageWithCtx.EachEvent(func(e *proto.FetchAuthRequired) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				},
			}.Call(page)
			return false
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
			if e.ResponseStatusCode == nil {
				_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
			}
			return false
		})()
	}()

	return cleanupFunc, nil
}
