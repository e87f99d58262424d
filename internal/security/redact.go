package security

import (
	"net/url"
	"strings"
)

// RedactURL returns rawURL with embedded userinfo credentials and any
// secret-shaped query parameter stripped, so a render target can be logged
// without leaking what it was trying to authenticate with.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[redacted]")
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}

	return parsed.String()
}

// secretLikeParams are query parameter name fragments that likely carry a
// credential or session token.
var secretLikeParams = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"authorization",
	"bearer",
	"credential",
	"key",
	"access_token",
	"refresh_token",
	"session",
	"sessionid",
	"sid",
	"private",
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values, len(params))

	for key, values := range params {
		keyLower := strings.ToLower(key)
		secret := false
		for _, pattern := range secretLikeParams {
			if strings.Contains(keyLower, pattern) {
				secret = true
				break
			}
		}

		if secret {
			redacted[key] = []string{"[redacted]"}
		} else {
			redacted[key] = values
		}
	}

	return redacted
}

// RedactProxyURL returns proxyURL with its basic-auth password replaced,
// for logging the configured upstream proxy without leaking it.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "[redacted]")
		}
	}

	return parsed.String()
}
