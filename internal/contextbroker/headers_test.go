package contextbroker

import (
	"strings"
	"testing"
)

func TestLocaleToAcceptLanguage(t *testing.T) {
	tests := []struct {
		locale string
		want   string
	}{
		{"", "en-US,en;q=0.9"},
		{"en-US", "en-US,en;q=0.9"},
		{"de-DE", "de-DE,de;q=0.9,en-US;q=0.8"},
		{"fr-FR", "fr-FR,fr;q=0.9,en-US;q=0.8"},
		{"ja", "ja,ja;q=0.9,en-US;q=0.8"},
	}
	for _, tt := range tests {
		if got := localeToAcceptLanguage(tt.locale); got != tt.want {
			t.Errorf("localeToAcceptLanguage(%q) = %q, want %q", tt.locale, got, tt.want)
		}
	}
}

func headerMap(kv []string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func TestClientHintHeadersChromium(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
	hints := headerMap(clientHintHeaders(ua))

	if got := hints["sec-ch-ua"]; !strings.Contains(got, `"Chromium";v="132"`) || !strings.Contains(got, "Google Chrome") {
		t.Errorf("sec-ch-ua = %q", got)
	}
	if got := hints["sec-ch-ua-mobile"]; got != "?0" {
		t.Errorf("sec-ch-ua-mobile = %q, want ?0", got)
	}
	if got := hints["sec-ch-ua-platform"]; got != `"Windows"` {
		t.Errorf("sec-ch-ua-platform = %q, want quoted Windows", got)
	}
}

func TestClientHintHeadersEdge(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edg/132.0.0.0 Safari/537.36"
	hints := headerMap(clientHintHeaders(ua))

	if got := hints["sec-ch-ua"]; !strings.Contains(got, "Microsoft Edge") {
		t.Errorf("sec-ch-ua = %q, want an Edge brand entry", got)
	}
}

func TestClientHintHeadersNonChromium(t *testing.T) {
	for _, ua := range []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	} {
		if hints := clientHintHeaders(ua); hints != nil {
			t.Errorf("non-Chromium UA %q should emit no client hints, got %v", ua, hints)
		}
	}
}
