package contextbroker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const defaultAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"

// applyLocaleHeaders injects Accept and Accept-Language headers consistent
// with the requested locale, client-hint headers consistent with the chosen
// user agent for Chromium-family UAs, plus any caller-supplied custom
// headers. Network.setExtraHTTPHeaders replaces the whole extra-header set
// on every call, so everything must go out together or the second call would
// clobber the first.
func applyLocaleHeaders(page *rod.Page, locale, userAgent string, custom map[string]string) error {
	kv := []string{
		"Accept", defaultAccept,
		"Accept-Language", localeToAcceptLanguage(locale),
	}
	kv = append(kv, clientHintHeaders(userAgent)...)
	for name, value := range custom {
		kv = append(kv, name, value)
	}
	_, err := page.SetExtraHeaders(kv)
	return err
}

func localeToAcceptLanguage(locale string) string {
	if locale == "" || locale == "en-US" {
		return "en-US,en;q=0.9"
	}
	base := strings.SplitN(locale, "-", 2)[0]
	return fmt.Sprintf("%s,%s;q=0.9,en-US;q=0.8", locale, base)
}

var chromeVersionRe = regexp.MustCompile(`(?:Chrome|Edg)/(\d+)`)

// clientHintHeaders builds the low-entropy sec-ch-ua headers a real
// Chromium browser sends unprompted. Firefox and Safari send none, so a
// non-Chromium UA gets none here either; a mismatch between UA family and
// client hints is itself a fingerprinting signal.
func clientHintHeaders(userAgent string) []string {
	m := chromeVersionRe.FindStringSubmatch(userAgent)
	if m == nil {
		return nil
	}
	major := m[1]

	brand := "Google Chrome"
	if strings.Contains(userAgent, "Edg/") {
		brand = "Microsoft Edge"
	}

	platform := "Linux"
	switch {
	case strings.Contains(userAgent, "Windows"):
		platform = "Windows"
	case strings.Contains(userAgent, "Mac OS X"):
		platform = "macOS"
	}

	return []string{
		"sec-ch-ua", fmt.Sprintf(`"Chromium";v="%s", "%s";v="%s", "Not_A Brand";v="24"`, major, brand, major),
		"sec-ch-ua-mobile", "?0",
		"sec-ch-ua-platform", fmt.Sprintf("%q", platform),
	}
}

// timezoneOverride applies the CDP timezone emulation override.
func timezoneOverride(page *rod.Page, timezone string) error {
	if timezone == "" {
		return nil
	}
	return proto.EmulationSetTimezoneOverride{TimezoneID: timezone}.Call(page)
}
