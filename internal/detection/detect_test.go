package detection

import (
	"context"
	"testing"
)

func newTestSuite(t *testing.T) *Suite {
	t.Helper()
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewSuite(m)
}

func TestDetectCaptchaBySelector(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{StatusCode: 200, HTML: `<div class="g-recaptcha" data-sitekey="x"></div>`}
	captcha, _ := s.Detect(context.Background(), snap)
	if !captcha.Detected || captcha.Provider != "recaptcha" || captcha.Confidence != "high" {
		t.Fatalf("expected high-confidence recaptcha detection, got %+v", captcha)
	}
}

func TestDetectCaptchaGenericPhrase(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{StatusCode: 200, HTML: "<p>please verify you are human</p>", InnerText: "please verify you are human"}
	captcha, _ := s.Detect(context.Background(), snap)
	if !captcha.Detected || captcha.Confidence != "low" {
		t.Fatalf("expected low-confidence generic captcha detection, got %+v", captcha)
	}
}

func TestDetectNoCaptcha(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{StatusCode: 200, HTML: "<html><body>hello world</body></html>"}
	captcha, _ := s.Detect(context.Background(), snap)
	if captcha.Detected {
		t.Fatalf("expected no captcha detected, got %+v", captcha)
	}
}

func TestDetectBlockCloudflare403(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{StatusCode: 403, HTML: "<title>Attention Required! | Cloudflare</title>"}
	_, block := s.Detect(context.Background(), snap)
	if !block.Detected || block.Type != "access_denied" || block.Provider != "cloudflare" {
		t.Fatalf("expected cloudflare access_denied, got %+v", block)
	}
}

func TestDetectBlockRateLimited429(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{StatusCode: 429, HTML: "<p>akamai reference #18273.abc</p>"}
	_, block := s.Detect(context.Background(), snap)
	if !block.Detected || block.Type != "rate_limited" {
		t.Fatalf("expected rate_limited type on 429, got %+v", block)
	}
}

func TestDetectBlockUnknownProviderOnBlockingStatus(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{StatusCode: 503, HTML: "<p>service temporarily unavailable</p>"}
	_, block := s.Detect(context.Background(), snap)
	if !block.Detected || block.Provider != "unknown" || block.Confidence != "medium" {
		t.Fatalf("expected unknown/medium fallback, got %+v", block)
	}
}

func TestDetectBlockSoftChallengeOn200(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{StatusCode: 200, HTML: "<p>just a moment...</p>"}
	_, block := s.Detect(context.Background(), snap)
	if !block.Detected || block.Type != "bot_challenge" {
		t.Fatalf("expected bot_challenge on soft-challenge phrase, got %+v", block)
	}
}

func TestDetectBlockGenericPhraseInShortText(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{
		StatusCode: 200,
		HTML:       "<html><body><p>Access denied</p></body></html>",
		InnerText:  "Access denied",
	}
	_, block := s.Detect(context.Background(), snap)
	if !block.Detected || block.Type != "access_denied" || block.Confidence != "low" {
		t.Fatalf("expected low-confidence access_denied on short blocked text, got %+v", block)
	}
}

func TestDetectBlockMinimalContentManyScripts(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{
		StatusCode: 200,
		HTML:       "<html><head></head><body></body></html>",
		InnerText:  "",
		ScriptTags: 8,
	}
	_, block := s.Detect(context.Background(), snap)
	if !block.Detected || block.Type != "bot_challenge" || block.Confidence != "low" {
		t.Fatalf("expected bot_challenge for minimal content with many scripts, got %+v", block)
	}
}

func TestDetectBlockNoneOnNormalPage(t *testing.T) {
	s := newTestSuite(t)
	snap := Snapshot{StatusCode: 200, HTML: "<html><body><h1>Welcome</h1><p>Normal content here, nothing suspicious at all about this page.</p></body></html>"}
	_, block := s.Detect(context.Background(), snap)
	if block.Detected {
		t.Fatalf("expected no block detected, got %+v", block)
	}
}
