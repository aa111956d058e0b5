package auth

import (
	"log/slog"
	"net/http"
	"sync"
)

// BasicAuth implements HTTP Basic authentication. WinRM only accepts it
// for local accounts, and only over HTTPS unless AllowUnencrypted is set.
type BasicAuth struct {
	creds    Credentials
	warnOnce sync.Once
}

// NewBasicAuth creates a new Basic authentication handler.
func NewBasicAuth(creds Credentials) *BasicAuth {
	return &BasicAuth{creds: creds}
}

// Name returns the authentication scheme name.
func (a *BasicAuth) Name() string {
	return "Basic"
}

// Transport wraps an http.RoundTripper with Basic authentication.
func (a *BasicAuth) Transport(base http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Scheme != "https" {
			a.warnOnce.Do(func() {
				slog.Warn("basic authentication over non-HTTPS connection; credentials are not encrypted",
					"host", req.URL.Host)
			})
		}
		reqCopy := req.Clone(req.Context())
		reqCopy.SetBasicAuth(a.creds.principal(), a.creds.Password)
		return base.RoundTrip(reqCopy)
	})
}

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
