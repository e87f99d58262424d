package detection

import (
	"context"
	"strings"

	"github.com/kestrel-labs/rendercore/internal/types"
)

// Snapshot is the shared page state both classifiers read. Capturing it
// once keeps the two classifiers independent: neither re-queries the live
// page, so one throwing (or timing out) can never affect the other.
type Snapshot struct {
	StatusCode int
	HTML       string
	InnerText  string
	ScriptTags int
}

// Suite runs the CAPTCHA and Block classifiers against a shared snapshot.
type Suite struct {
	manager *Manager
}

func NewSuite(manager *Manager) *Suite {
	return &Suite{manager: manager}
}

// Detect runs both classifiers concurrently. Each is wrapped so a panic or
// failure degrades to {Detected:false, Confidence:"low"} rather than
// failing the render.
func (s *Suite) Detect(ctx context.Context, snap Snapshot) (captcha, block *types.DetectionResult) {
	captchaCh := make(chan *types.DetectionResult, 1)
	blockCh := make(chan *types.DetectionResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				captchaCh <- &types.DetectionResult{Confidence: "low"}
			}
		}()
		captchaCh <- s.classifyCaptcha(snap)
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				blockCh <- &types.DetectionResult{Confidence: "low"}
			}
		}()
		blockCh <- s.classifyBlock(snap)
	}()

	return <-captchaCh, <-blockCh
}

// classifyCaptcha cascades per-provider selectors (high confidence), then
// per-provider content/text phrase substrings (medium), then generic
// phrases (low).
func (s *Suite) classifyCaptcha(snap Snapshot) *types.DetectionResult {
	table := s.manager.Table()
	lowerHTML := strings.ToLower(snap.HTML)
	lowerText := strings.ToLower(snap.InnerText)

	for _, p := range table.CaptchaProviders {
		for _, sel := range p.Selectors {
			if strings.Contains(lowerHTML, strings.ToLower(sel)) {
				return &types.DetectionResult{Detected: true, Type: "captcha", Provider: p.Name, Confidence: "high", Reason: "provider selector matched"}
			}
		}
	}
	for _, p := range table.CaptchaProviders {
		for _, phrase := range p.Phrases {
			if strings.Contains(lowerHTML, phrase) || strings.Contains(lowerText, phrase) {
				return &types.DetectionResult{Detected: true, Type: "captcha", Provider: p.Name, Confidence: "medium", Reason: "provider phrase matched"}
			}
		}
	}
	for _, phrase := range table.GenericCaptchaPhrases {
		if strings.Contains(lowerText, phrase) {
			return &types.DetectionResult{Detected: true, Type: "captcha", Provider: "unknown", Confidence: "low", Reason: "generic captcha phrase matched"}
		}
	}
	return &types.DetectionResult{Detected: false, Confidence: "low"}
}

// classifyBlock cascades per-WAF-provider status-whitelist+phrase match
// (high), an unknown-provider fallback on a blocking status code (medium),
// a soft-challenge phrase scan on HTTP 200 (medium), and two last-resort
// heuristics (short content + generic phrase; suspiciously many script tags
// with minimal content).
func (s *Suite) classifyBlock(snap Snapshot) *types.DetectionResult {
	table := s.manager.Table()
	lowerHTML := strings.ToLower(snap.HTML)
	lowerText := strings.ToLower(snap.InnerText)
	isBlockingStatus := snap.StatusCode == 403 || snap.StatusCode == 429 || snap.StatusCode == 503

	if isBlockingStatus {
		for _, w := range table.WAFProviders {
			if !w.allowsStatus(snap.StatusCode) {
				continue
			}
			for _, phrase := range w.Phrases {
				if strings.Contains(lowerHTML, phrase) || strings.Contains(lowerText, phrase) {
					typ := "access_denied"
					if snap.StatusCode == 429 {
						typ = "rate_limited"
					}
					return &types.DetectionResult{Detected: true, Type: typ, Provider: w.Name, Confidence: "high", Reason: "waf provider phrase matched"}
				}
			}
		}
		typ := "access_denied"
		if snap.StatusCode == 429 {
			typ = "rate_limited"
		}
		return &types.DetectionResult{Detected: true, Type: typ, Provider: "unknown", Confidence: "medium", Reason: "blocking status code with no provider match"}
	}

	if snap.StatusCode == 200 {
		for _, phrase := range table.SoftChallengePhrases {
			if strings.Contains(lowerHTML, phrase) || strings.Contains(lowerText, phrase) {
				return &types.DetectionResult{Detected: true, Type: "bot_challenge", Provider: "unknown", Confidence: "medium", Reason: "soft challenge phrase matched on 200"}
			}
		}
	}

	if len(snap.InnerText) < 5000 {
		for _, phrase := range table.GenericBlockPhrases {
			if strings.Contains(lowerText, phrase) {
				return &types.DetectionResult{Detected: true, Type: "access_denied", Provider: "unknown", Confidence: "low", Reason: "generic block phrase in short visible text"}
			}
		}
	}

	if snap.StatusCode == 200 && len(snap.InnerText) < 100 && snap.ScriptTags > 5 {
		return &types.DetectionResult{Detected: true, Type: "bot_challenge", Provider: "unknown", Confidence: "low", Reason: "minimal content but many scripts"}
	}

	return &types.DetectionResult{Detected: false, Confidence: "low"}
}
