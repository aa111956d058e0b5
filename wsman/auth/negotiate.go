package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// maxNegotiateRetries is the maximum number of authentication attempts.
// This prevents infinite loops from malicious servers.
const maxNegotiateRetries = 5

// NegotiateAuth implements SPNEGO authentication using a pluggable SecurityProvider.
type NegotiateAuth struct {
	provider SecurityProvider
}

// NewNegotiateAuth creates a new Negotiate authenticator.
func NewNegotiateAuth(provider SecurityProvider) *NegotiateAuth {
	return &NegotiateAuth{
		provider: provider,
	}
}

// Name returns the scheme name.
func (a *NegotiateAuth) Name() string {
	return "Negotiate"
}

// Transport wraps the base transport with Negotiate authentication logic.
func (a *NegotiateAuth) Transport(base http.RoundTripper) http.RoundTripper {
	return &negotiateRoundTripper{
		base:     base,
		provider: a.provider,
	}
}

// negotiateRoundTripper drives the provider handshake. Requests are
// serialized because the provider holds a single security context.
type negotiateRoundTripper struct {
	base     http.RoundTripper
	mu       sync.Mutex
	provider SecurityProvider
	bindings []byte
}

func (rt *negotiateRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Buffer the request body upfront so we can retry
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		_ = req.Body.Close() // Error intentionally ignored; body already read
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.provider.Complete() {
		return rt.base.RoundTrip(cloneRequest(req, bodyBytes, nil))
	}

	isHTTPS := req.URL.Scheme == "https"
	if isHTTPS && rt.bindings == nil {
		// Learn the server certificate for channel binding before the
		// provider builds its first token.
		resp, err := rt.base.RoundTrip(cloneRequest(req, nil, nil))
		if err != nil {
			return nil, err
		}
		rt.bindings = channelBindingHash(resp)
		drainAndClose(resp)
	}

	ctx := context.WithValue(req.Context(), ContextKeyIsHTTPS, isHTTPS)
	if len(rt.bindings) > 0 {
		ctx = context.WithValue(ctx, ContextKeyChannelBindings, rt.bindings)
	}

	var serverToken []byte
	for attempt := 0; attempt < maxNegotiateRetries; attempt++ {
		clientToken, _, err := rt.provider.Step(ctx, serverToken)
		if err != nil {
			return nil, fmt.Errorf("negotiate step failed: %w", err)
		}

		resp, err := rt.base.RoundTrip(cloneRequest(req, bodyBytes, clientToken))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}

		token, ok := negotiateChallenge(resp.Header.Values("WWW-Authenticate"))
		if !ok || len(token) == 0 {
			// Not a Negotiate continuation: the server rejected the
			// credentials. Let the caller see the 401.
			return resp, nil
		}
		drainAndClose(resp)
		serverToken = token
	}

	return nil, fmt.Errorf("negotiate authentication failed after %d attempts", maxNegotiateRetries)
}

// cloneRequest copies req with body and an optional Negotiate token.
func cloneRequest(req *http.Request, body, token []byte) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	if token != nil {
		clone.Header.Set("Authorization", "Negotiate "+base64.StdEncoding.EncodeToString(token))
	}
	return clone
}

// negotiateChallenge extracts the token of a Negotiate challenge. ok is
// false when the server did not offer Negotiate.
func negotiateChallenge(headers []string) (token []byte, ok bool) {
	for _, h := range headers {
		scheme, value, _ := strings.Cut(strings.TrimSpace(h), " ")
		if !strings.EqualFold(scheme, "Negotiate") {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return nil, true
		}
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, true
		}
		return decoded, true
	}
	return nil, false
}

// channelBindingHash returns the RFC 5929 tls-server-end-point hash of the
// server certificate, or nil for plain HTTP.
func channelBindingHash(resp *http.Response) []byte {
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		return nil
	}
	cert := resp.TLS.PeerCertificates[0]
	switch cert.SignatureAlgorithm {
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		sum := sha512.Sum384(cert.Raw)
		return sum[:]
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		sum := sha512.Sum512(cert.Raw)
		return sum[:]
	default:
		// MD5, SHA-1 and SHA-256 signatures all bind with SHA-256.
		sum := sha256.Sum256(cert.Raw)
		return sum[:]
	}
}

func drainAndClose(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
