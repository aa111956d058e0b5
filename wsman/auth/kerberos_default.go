//go:build !windows

package auth

// NewKerberosProvider returns a pure Go Kerberos provider.
func NewKerberosProvider(cfg KerberosProviderConfig) (SecurityProvider, error) {
	return NewPureKerberosProvider(cfg.pureConfig(), cfg.TargetSPN)
}

// SupportsSSO reports whether the current user can authenticate without
// explicit credentials. Elsewhere than Windows that takes a ccache.
func SupportsSSO() bool { return false }
