package transport

import "net/http"

const defaultAPIKeyHeader = "X-Api-Key"

// decorateClient clones the configured HTTP client (or the default one) and
// installs auth-header decoration for the backend's auth scheme.
func decorateClient(cfg *Config) *http.Client {
	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if cfg.Auth.Scheme == "" || cfg.Auth.Scheme == AuthNone {
		return base
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next: defaultRoundTripper(base.Transport),
		auth: cfg.Auth,
	}
	return &clone
}

// headerDecorator injects the backend's outbound auth header on every
// request, leaving an explicitly set Authorization header untouched.
type headerDecorator struct {
	next http.RoundTripper
	auth AuthConfig
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	switch d.auth.Scheme {
	case AuthBearer:
		if req.Header.Get("Authorization") == "" && d.auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+d.auth.Token)
		}
	case AuthAPIKey:
		header := d.auth.Header
		if header == "" {
			header = defaultAPIKeyHeader
		}
		if req.Header.Get(header) == "" && d.auth.Token != "" {
			req.Header.Set(header, d.auth.Token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
