package auth

import (
	"net"
	"os"
	"strings"
)

// SSPI package names.
const (
	SSPIPackageNegotiate = "Negotiate"
	SSPIPackageKerberos  = "Kerberos"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// KerberosProviderConfig configures the Kerberos provider of the current
// platform: SSPI on Windows, the pure Go client elsewhere. Fields that do
// not apply to a platform are ignored there.
type KerberosProviderConfig struct {
	// TargetSPN names the WinRM service, HTTP/<host> unless the
	// destination overrides it. See ServicePrincipal.
	TargetSPN string

	// UseSSO logs on as the current Windows user.
	UseSSO bool

	// Realm, Krb5ConfPath, KeytabPath and CCachePath configure the pure Go
	// client. An empty Krb5ConfPath falls back to $KRB5_CONFIG, then
	// /etc/krb5.conf.
	Realm        string
	Krb5ConfPath string
	KeytabPath   string
	CCachePath   string

	// Credentials are used when neither a keytab nor a ccache is set, and
	// on Windows instead of SSO.
	Credentials *Credentials

	// SSPIPackage is Negotiate by default. Kerberos disables the NTLM
	// fallback.
	SSPIPackage string
}

// SSPIConfig configures the Windows SSPI provider.
type SSPIConfig struct {
	UseDefaultCreds bool
	Username        string
	Password        string
	Domain          string
	PackageName     string
}

// ServicePrincipal returns the SPN of the WinRM listener on host. A port,
// if any, is not part of the SPN.
func ServicePrincipal(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return "HTTP/" + strings.Trim(host, "[]")
}

// sspiConfig maps cfg onto SSPI settings. Explicit credentials win over
// SSO.
func (cfg KerberosProviderConfig) sspiConfig() SSPIConfig {
	out := SSPIConfig{UseDefaultCreds: true, PackageName: cfg.SSPIPackage}
	if out.PackageName == "" {
		out.PackageName = SSPIPackageNegotiate
	}
	if c := cfg.Credentials; c != nil && c.Username != "" {
		out.UseDefaultCreds = false
		out.Username, out.Password, out.Domain = c.Username, c.Password, c.Domain
	}
	return out
}

// pureConfig maps cfg onto the pure Go client settings.
func (cfg KerberosProviderConfig) pureConfig() PureKerberosConfig {
	conf := cfg.Krb5ConfPath
	if conf == "" {
		conf = os.Getenv("KRB5_CONFIG")
	}
	if conf == "" {
		conf = defaultKrb5Conf
	}
	return PureKerberosConfig{
		Realm:        cfg.Realm,
		Krb5ConfPath: conf,
		KeytabPath:   cfg.KeytabPath,
		CCachePath:   cfg.CCachePath,
		Credentials:  cfg.Credentials,
	}
}
