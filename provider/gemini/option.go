package gemini

import "net/http"

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}
