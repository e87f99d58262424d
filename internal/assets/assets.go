// Package assets provides embedded static content for the application:
// the `/` identity page and its HTML rendering.
package assets

import (
	"bytes"
	"html"
	"html/template"
	"regexp"
)

// versionSanitizer matches any potentially dangerous characters in the version string.
// This prevents XSS via build-time ldflags injection.
// Only allows alphanumeric characters, dots, dashes, underscores, and plus signs.
var versionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.\-_+]`)

// SanitizeVersion sanitizes a version string to prevent XSS attacks.
// Returns "unknown" if the result is empty after sanitization.
func SanitizeVersion(version string) string {
	// First HTML escape, then remove any remaining suspicious characters
	escaped := html.EscapeString(version)
	sanitized := versionSanitizer.ReplaceAllString(escaped, "")
	if sanitized == "" {
		return "unknown"
	}
	// Limit length to prevent DoS via extremely long version strings
	if len(sanitized) > 100 {
		sanitized = sanitized[:100]
	}
	return sanitized
}

// IndexPageData contains the data for rendering the `/` identity page.
type IndexPageData struct {
	Version     string
	GoVersion   string
	Uptime      string
	PoolSize    int
	LeasedCount int
}

// indexPageTemplate is the pre-compiled identity page template using
// html/template for automatic XSS protection.
var indexPageTemplate = template.Must(template.New("index").Parse(indexPageHTML))

// RenderIndexPage renders the `/` identity page with the given data.
// Uses html/template for automatic XSS escaping of all values.
func RenderIndexPage(data IndexPageData) (string, error) {
	// Pre-sanitize version as defense in depth
	data.Version = SanitizeVersion(data.Version)

	var buf bytes.Buffer
	if err := indexPageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// indexPageHTML is the template source for the `/` identity page.
// SECURITY: This template uses html/template which auto-escapes all values.
// Additionally, the Version field is pre-sanitized before rendering.
const indexPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>rendercore</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 100%);
            color: #e0e0e0;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
        }
        .container {
            text-align: center;
            padding: 2rem;
            background: rgba(255,255,255,0.05);
            border-radius: 16px;
            backdrop-filter: blur(10px);
            box-shadow: 0 8px 32px rgba(0,0,0,0.3);
            max-width: 560px;
        }
        h1 {
            color: #00d9ff;
            margin-bottom: 0.5rem;
            font-size: 2.5rem;
        }
        .subtitle {
            color: #888;
            margin-bottom: 2rem;
        }
        .status {
            display: inline-flex;
            align-items: center;
            gap: 0.5rem;
            padding: 0.75rem 1.5rem;
            background: rgba(0, 255, 128, 0.1);
            border: 1px solid rgba(0, 255, 128, 0.3);
            border-radius: 8px;
            color: #00ff80;
            font-weight: 600;
            margin-bottom: 1.5rem;
        }
        .status::before {
            content: '';
            width: 10px;
            height: 10px;
            background: #00ff80;
            border-radius: 50%;
            animation: pulse 2s infinite;
        }
        @keyframes pulse {
            0%, 100% { opacity: 1; }
            50% { opacity: 0.5; }
        }
        .info {
            text-align: left;
            background: rgba(0,0,0,0.2);
            padding: 1rem;
            border-radius: 8px;
            font-family: monospace;
            font-size: 0.9rem;
        }
        .info div {
            padding: 0.25rem 0;
        }
        .label {
            color: #888;
        }
        .endpoints {
            text-align: left;
            margin-top: 1.5rem;
            font-family: monospace;
            font-size: 0.85rem;
        }
        .endpoints div {
            padding: 0.15rem 0;
            color: #bbb;
        }
        .endpoints span {
            color: #00d9ff;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>rendercore</h1>
        <p class="subtitle">headless render service</p>
        <div class="status">Service Healthy</div>
        <div class="info">
            <div><span class="label">Version:</span> {{.Version}}</div>
            <div><span class="label">Go Version:</span> {{.GoVersion}}</div>
            <div><span class="label">Uptime:</span> {{.Uptime}}</div>
            <div><span class="label">Pool Instances:</span> {{.PoolSize}}</div>
            <div><span class="label">Leased Contexts:</span> {{.LeasedCount}}</div>
        </div>
        <div class="endpoints">
            <div><span>POST</span> /v1/render</div>
            <div><span>GET</span>&nbsp; /health</div>
            <div><span>GET</span>&nbsp; /v1/pool/status</div>
        </div>
    </div>
</body>
</html>`
