//go:build windows

package auth

// NewKerberosProvider returns an SSPI provider. The pure Go client is not
// used on Windows, where tickets live in the LSA rather than a ccache.
func NewKerberosProvider(cfg KerberosProviderConfig) (SecurityProvider, error) {
	return NewSSPIProvider(cfg.sspiConfig(), cfg.TargetSPN)
}

// SupportsSSO reports whether the current user can authenticate without
// explicit credentials.
func SupportsSSO() bool { return true }
