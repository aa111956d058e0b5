package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-krb5/krb5/client"
	"github.com/go-krb5/krb5/config"
	"github.com/go-krb5/krb5/credentials"
	"github.com/go-krb5/krb5/keytab"
	"github.com/go-krb5/krb5/spnego"
)

// PureKerberosProvider implements SecurityProvider using the pure Go krb5 library.
//
// Message-level sealing is not implemented, so the provider refuses plain
// HTTP endpoints unless AllowUnencrypted is set on the endpoint.
type PureKerberosProvider struct {
	client     *client.Client
	spnego     *spnego.SPNEGO
	targetSPN  string
	isComplete bool
}

// PureKerberosConfig holds the configuration for the PureKerberosProvider.
type PureKerberosConfig struct {
	// Realm is the Kerberos realm (e.g. EXAMPLE.COM).
	Realm string

	// Krb5ConfPath is the path to the krb5.conf file.
	Krb5ConfPath string

	// KeytabPath is the path to the keytab file (optional).
	KeytabPath string

	// CCachePath is the path to the credential cache (optional).
	CCachePath string

	// Credentials are used if KeytabPath/CCachePath are empty.
	Credentials *Credentials
}

// NewPureKerberosProvider creates a new pure Go Kerberos provider.
func NewPureKerberosProvider(cfg PureKerberosConfig, targetSPN string) (*PureKerberosProvider, error) {
	if cfg.Krb5ConfPath == "" {
		cfg.Krb5ConfPath = defaultKrb5Conf
	}
	conf, err := config.Load(cfg.Krb5ConfPath)
	if err != nil {
		return nil, fmt.Errorf("load krb5.conf from %s: %w", cfg.Krb5ConfPath, err)
	}

	var cl *client.Client
	switch {
	case cfg.KeytabPath != "":
		if cfg.Credentials == nil || cfg.Credentials.Username == "" {
			return nil, errors.New("keytab authentication requires a username")
		}
		kt, err := keytab.Load(cfg.KeytabPath)
		if err != nil {
			return nil, fmt.Errorf("load keytab from %s: %w", cfg.KeytabPath, err)
		}
		cl = client.NewWithKeytab(cfg.Credentials.Username, cfg.Realm, kt, conf, client.DisablePAFXFAST(true))
	case cfg.CCachePath != "":
		cc, err := credentials.LoadCCache(cfg.CCachePath)
		if err != nil {
			return nil, fmt.Errorf("load ccache from %s: %w", cfg.CCachePath, err)
		}
		cl, err = client.NewFromCCache(cc, conf, client.DisablePAFXFAST(true))
		if err != nil {
			return nil, fmt.Errorf("create client from ccache: %w", err)
		}
	case cfg.Credentials != nil:
		cl = client.NewWithPassword(
			cfg.Credentials.Username,
			cfg.Realm,
			cfg.Credentials.Password,
			conf,
			client.DisablePAFXFAST(true),
		)
	default:
		return nil, errors.New("no credentials provided (keytab, ccache, or password required)")
	}

	return &PureKerberosProvider{
		client:    cl,
		targetSPN: targetSPN,
	}, nil
}

// Step performs a SPNEGO step. The first call produces the NegTokenInit;
// a later server token only confirms the context.
func (p *PureKerberosProvider) Step(_ context.Context, inputToken []byte) ([]byte, bool, error) {
	if len(inputToken) > 0 {
		if !p.isComplete {
			return nil, false, errors.New("received server token before client token was sent")
		}
		return nil, false, nil
	}

	if err := p.client.Login(); err != nil {
		return nil, false, fmt.Errorf("kerberos login: %w", err)
	}
	if p.spnego == nil {
		p.spnego = spnego.SPNEGOClient(p.client, p.targetSPN)
	}
	tkn, err := p.spnego.InitSecContext()
	if err != nil {
		return nil, false, fmt.Errorf("init security context: %w", err)
	}
	token, err := tkn.Marshal()
	if err != nil {
		return nil, false, fmt.Errorf("marshal token: %w", err)
	}

	p.isComplete = true
	return token, false, nil
}

// Complete returns true if the context is established.
func (p *PureKerberosProvider) Complete() bool {
	return p.isComplete
}

// Close releases resources.
func (p *PureKerberosProvider) Close() error {
	p.client.Destroy()
	return nil
}
