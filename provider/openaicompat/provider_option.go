package openaicompat

import "net/http"

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the backend name returned by Name() (default "openai-compat").
// Use this to distinguish backends in logs and observability.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithHeader adds a header to every request. Gateways that need
// routing metadata (e.g. an OCI compartment id) are configured here.
func WithHeader(key, value string) ProviderOption {
	return func(p *Provider) {
		if p.headers == nil {
			p.headers = make(map[string]string)
		}
		p.headers[key] = value
	}
}

// WithOptions appends request-level options (temperature, top_p, etc.)
// that are applied to every request made by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}
