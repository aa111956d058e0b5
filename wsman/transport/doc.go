// Package transport posts WS-Management envelopes over HTTP or HTTPS.
//
// HTTPTransport owns the http.Client used by a WINRM session. Options set
// the per-request timeout, proxy, TLS verification and client certificate;
// authenticators hook in through Wrap. Non-2xx replies surface as
// *StatusError carrying the body, which for WinRM is usually a SOAP fault.
package transport
