// Package winrm implements the WINRM protocol driver of the mi engine on
// top of the WS-Management client in package wsman.
//
// WMI objects travel as WS-CIM XML, which carries no type information.
// Sessions therefore fetch class declarations (CIM-XML, through the
// cim-schema resource) and type every returned object against them.
package winrm

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/wsman"
	"github.com/smnsjas/go-wmi/wsman/auth"
	"github.com/smnsjas/go-wmi/wsman/transport"
)

// Default WinRM listener ports.
const (
	DefaultHTTPPort  = 5985
	DefaultHTTPSPort = 5986
)

// CertificateLookup returns the client certificate for a thumbprint.
type CertificateLookup func(thumbprint string) (tls.Certificate, error)

// Driver opens WINRM sessions.
type Driver struct {
	logger        *slog.Logger
	certLookup    CertificateLookup
	transportOpts []transport.HTTPTransportOption
	pullWait      time.Duration
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger for the driver and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithCertificateLookup installs the resolver used for ClientCerts
// authentication.
func WithCertificateLookup(fn CertificateLookup) Option {
	return func(d *Driver) {
		d.certLookup = fn
	}
}

// WithTransportOptions adds options applied to every session transport.
func WithTransportOptions(opts ...transport.HTTPTransportOption) Option {
	return func(d *Driver) {
		d.transportOpts = append(d.transportOpts, opts...)
	}
}

// WithEventPullTimeout sets how long a subscription Pull waits on the
// server for events before returning empty.
func WithEventPullTimeout(wait time.Duration) Option {
	return func(d *Driver) {
		if wait > 0 {
			d.pullWait = wait
		}
	}
}

// New returns a WINRM driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		logger:   slog.New(slog.DiscardHandler),
		pullWait: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Protocol implements mi.Driver.
func (d *Driver) Protocol() string {
	return mi.ProtocolWinRM
}

// NewSession implements mi.Driver. computer may also be a full endpoint
// URL, which is used as is.
func (d *Driver) NewSession(_ context.Context, computer string, dest *mi.DestinationOptions) (mi.Session, error) {
	if dest == nil {
		dest = mi.NewDestinationOptions()
	}
	endpoint, host := Endpoint(computer, dest)

	httpTimeout := transport.DefaultTimeout
	if dest.Timeout > 0 {
		httpTimeout = dest.Timeout
	}
	if d.pullWait >= httpTimeout {
		httpTimeout = d.pullWait
	}
	opts := []transport.HTTPTransportOption{
		// Leave room for the server to answer after OperationTimeout.
		transport.WithTimeout(httpTimeout + 30*time.Second),
	}
	if dest.InsecureSkipVerify {
		opts = append(opts, transport.WithInsecureSkipVerify(true))
	}
	opts = append(opts, d.transportOpts...)

	authenticator, certOpt, err := d.authenticator(host, dest)
	if err != nil {
		return nil, err
	}
	if certOpt != nil {
		opts = append(opts, certOpt)
	}
	tr := transport.NewHTTPTransport(opts...)
	if authenticator != nil {
		tr.Wrap(authenticator.Transport)
	}

	client := wsman.NewClient(endpoint, tr)
	client.SetLogger(d.logger)
	client.SetLocale(dest.UILocale)
	if dest.Timeout > 0 {
		client.SetOperationTimeout(dest.Timeout)
	}

	d.logger.Debug("winrm session opened", "endpoint", endpoint, "auth", authName(authenticator))
	return newSession(client, serverName(computer), dest.Timeout, d.pullWait, d.logger), nil
}

// Endpoint returns the WS-Management URL for computer and the host part
// used for Kerberos service names.
func Endpoint(computer string, dest *mi.DestinationOptions) (endpoint, host string) {
	if strings.Contains(computer, "://") {
		host = computer[strings.Index(computer, "://")+3:]
		if i := strings.IndexAny(host, ":/"); i >= 0 {
			host = host[:i]
		}
		return computer, host
	}

	host = computer
	if host == "" || host == "." {
		host = "localhost"
	}
	scheme, port := "http", DefaultHTTPPort
	if strings.EqualFold(dest.Transport, mi.TransportHTTPS) {
		scheme, port = "https", DefaultHTTPSPort
	}
	if dest.Port > 0 {
		port = dest.Port
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/wsman", host
}

// serverName is the server name stamped on returned instances.
func serverName(computer string) string {
	if computer == "" || computer == "." || strings.Contains(computer, "://") {
		return "localhost"
	}
	return computer
}

// authenticator maps MI authentication types onto wsman authenticators.
// Client certificates are a transport option rather than an authenticator.
func (d *Driver) authenticator(host string, dest *mi.DestinationOptions) (auth.Authenticator, transport.HTTPTransportOption, error) {
	c := dest.Credentials
	if c == nil {
		c = &mi.Credentials{}
	}
	creds := auth.Credentials{Username: c.Username, Password: c.Password, Domain: c.Domain}
	hasCreds := c.Username != ""

	switch c.AuthType {
	case "", mi.AuthTypeDefault, mi.AuthTypeNegoWithCreds:
		if !hasCreds {
			return d.ssoAuthenticator(host, dest)
		}
		if kerberosConfigured(dest) {
			return d.kerberosAuthenticator(host, dest, &creds)
		}
		return ntlmAuthenticator(creds)
	case mi.AuthTypeNegoNoCreds:
		return d.ssoAuthenticator(host, dest)
	case mi.AuthTypeNone:
		return nil, nil, nil
	case mi.AuthTypeBasic:
		if err := creds.Validate(); err != nil {
			return nil, nil, mi.NewError(mi.ResultInvalidParameter, "basic authentication: %v", err)
		}
		return auth.NewBasicAuth(creds), nil, nil
	case mi.AuthTypeNTLM:
		return ntlmAuthenticator(creds)
	case mi.AuthTypeKerberos:
		if !hasCreds {
			return d.ssoAuthenticator(host, dest)
		}
		return d.kerberosAuthenticator(host, dest, &creds)
	case mi.AuthTypeClientCerts:
		if d.certLookup == nil {
			return nil, nil, mi.NewError(mi.ResultNotSupported, "client certificate authentication requires a certificate lookup")
		}
		if !strings.EqualFold(dest.Transport, mi.TransportHTTPS) {
			return nil, nil, mi.NewError(mi.ResultInvalidParameter, "client certificate authentication requires the HTTPS transport")
		}
		cert, err := d.certLookup(c.CertThumbprint)
		if err != nil {
			return nil, nil, &mi.Error{Result: mi.ResultAccessDenied, Message: fmt.Sprintf("load client certificate: %v", err)}
		}
		return nil, transport.WithClientCertificate(cert), nil
	default:
		return nil, nil, mi.NewError(mi.ResultNotSupported, "authentication type %q is not supported by the WINRM driver", c.AuthType)
	}
}

func ntlmAuthenticator(creds auth.Credentials) (auth.Authenticator, transport.HTTPTransportOption, error) {
	if err := creds.Validate(); err != nil {
		return nil, nil, mi.NewError(mi.ResultInvalidParameter, "NTLM authentication: %v", err)
	}
	return auth.NewNTLMAuth(creds), nil, nil
}

func kerberosConfigured(dest *mi.DestinationOptions) bool {
	return dest.KerberosRealm != "" || dest.KerberosKrb5Conf != "" ||
		dest.KerberosCCache != "" || dest.KerberosKeytab != ""
}

// ssoAuthenticator authenticates as the current user: SSPI on Windows, a
// Kerberos credential cache elsewhere.
func (d *Driver) ssoAuthenticator(host string, dest *mi.DestinationOptions) (auth.Authenticator, transport.HTTPTransportOption, error) {
	if !auth.SupportsSSO() && dest.KerberosCCache == "" {
		return nil, nil, mi.NewError(mi.ResultAccessDenied, "no credentials supplied and single sign-on is not available on this platform")
	}
	return d.kerberosAuthenticator(host, dest, nil)
}

func (d *Driver) kerberosAuthenticator(host string, dest *mi.DestinationOptions, creds *auth.Credentials) (auth.Authenticator, transport.HTTPTransportOption, error) {
	if creds != nil {
		if err := creds.ValidateForKerberos(); err != nil {
			return nil, nil, mi.NewError(mi.ResultInvalidParameter, "kerberos authentication: %v", err)
		}
	}
	spn := dest.ServicePrincipalID
	if spn == "" {
		spn = auth.ServicePrincipal(host)
	}
	provider, err := auth.NewKerberosProvider(auth.KerberosProviderConfig{
		TargetSPN:    spn,
		UseSSO:       creds == nil,
		Realm:        dest.KerberosRealm,
		Krb5ConfPath: dest.KerberosKrb5Conf,
		KeytabPath:   dest.KerberosKeytab,
		CCachePath:   dest.KerberosCCache,
		Credentials:  creds,
	})
	if err != nil {
		return nil, nil, &mi.Error{Result: mi.ResultAccessDenied, Message: fmt.Sprintf("kerberos: %v", err)}
	}
	return auth.NewNegotiateAuth(provider), nil, nil
}

func authName(a auth.Authenticator) string {
	if a == nil {
		return "none"
	}
	return a.Name()
}
