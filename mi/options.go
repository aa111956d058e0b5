package mi

import "time"

// Credentials authenticate a session.
type Credentials struct {
	AuthType string
	Domain   string
	Username string
	Password string

	// CertThumbprint selects a client certificate for AuthTypeClientCerts
	// and AuthTypeIssuerCert.
	CertThumbprint string
}

// Principal returns the user name qualified with its domain in
// DOMAIN\user form, or the bare user name when no domain is set.
func (c Credentials) Principal() string {
	if c.Domain == "" {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}

// DestinationOptions configure a session.
type DestinationOptions struct {
	UILocale string

	// Timeout bounds every operation of the session. Zero means no limit.
	Timeout time.Duration

	// Transport is TransportHTTP or TransportHTTPS. Empty selects the
	// driver default.
	Transport string

	Credentials *Credentials

	// Port overrides the protocol default port.
	Port int

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Kerberos settings for drivers that authenticate without SSPI.
	KerberosRealm      string
	KerberosKrb5Conf   string
	KerberosCCache     string
	KerberosKeytab     string
	ServicePrincipalID string
}

// NewDestinationOptions returns empty destination options.
func NewDestinationOptions() *DestinationOptions {
	return &DestinationOptions{}
}

// SetCredentials sets the credentials used by the session.
func (o *DestinationOptions) SetCredentials(c Credentials) {
	o.Credentials = &c
}

// Clone returns an independent copy of o. A nil receiver yields empty
// options.
func (o *DestinationOptions) Clone() *DestinationOptions {
	if o == nil {
		return NewDestinationOptions()
	}
	out := *o
	if o.Credentials != nil {
		c := *o.Credentials
		out.Credentials = &c
	}
	return &out
}

// CustomOption is a named, typed per-operation option.
type CustomOption struct {
	Name  string
	Type  Type
	Value any

	// MustComply requires the provider to honor the option or fail.
	MustComply bool
}

// OperationOptions configure a single operation.
type OperationOptions struct {
	// Timeout overrides the session timeout. Zero keeps the session value.
	Timeout time.Duration

	CustomOptions []CustomOption
}

// NewOperationOptions returns empty operation options.
func NewOperationOptions() *OperationOptions {
	return &OperationOptions{}
}

// SetCustomOption adds or replaces a custom option. The value is converted
// with Coerce.
func (o *OperationOptions) SetCustomOption(name string, t Type, v any, mustComply bool) error {
	cv, err := Coerce(t, v)
	if err != nil {
		return err
	}
	opt := CustomOption{Name: name, Type: t, Value: cv, MustComply: mustComply}
	for i := range o.CustomOptions {
		if o.CustomOptions[i].Name == name {
			o.CustomOptions[i] = opt
			return nil
		}
	}
	o.CustomOptions = append(o.CustomOptions, opt)
	return nil
}

// CustomOption returns the custom option named name.
func (o *OperationOptions) CustomOption(name string) (CustomOption, bool) {
	if o == nil {
		return CustomOption{}, false
	}
	for _, opt := range o.CustomOptions {
		if opt.Name == name {
			return opt, true
		}
	}
	return CustomOption{}, false
}

// Clone returns an independent copy of o. A nil receiver yields nil.
func (o *OperationOptions) Clone() *OperationOptions {
	if o == nil {
		return nil
	}
	out := *o
	out.CustomOptions = make([]CustomOption, len(o.CustomOptions))
	for i, opt := range o.CustomOptions {
		opt.Value = cloneValue(opt.Value)
		out.CustomOptions[i] = opt
	}
	return &out
}

// EffectiveTimeout returns the operation timeout if set, else fallback.
func (o *OperationOptions) EffectiveTimeout(fallback time.Duration) time.Duration {
	if o != nil && o.Timeout > 0 {
		return o.Timeout
	}
	return fallback
}
