package wmi

import (
	"log/slog"
	"strings"
	"time"

	"github.com/smnsjas/go-wmi/mi"
)

// DefaultOperationTimeout bounds every operation of connections created
// without WithOperationTimeout. Zero means no timeout.
var DefaultOperationTimeout time.Duration

// DefaultProtocol is the protocol of connections created without
// WithProtocol.
const DefaultProtocol = mi.ProtocolWinRM

// DefaultCacheSize is the number of entries kept by each connection cache.
const DefaultCacheSize = 1024

// Option configures a Connection.
type Option func(*config)

type config struct {
	computer       string
	user           string
	password       string
	authType       string
	certThumbprint string
	locale         string
	transport      string
	protocol       string
	timeout        time.Duration
	port           int
	insecure       bool

	cacheClasses bool
	cacheSize    int

	executor Executor
	logger   *slog.Logger
	observer Observer
	app      *mi.Application
}

func newConfig(opts []Option) config {
	cfg := config{
		authType:     mi.AuthTypeDefault,
		protocol:     DefaultProtocol,
		cacheClasses: true,
		cacheSize:    DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.executor == nil {
		cfg.executor = DefaultExecutor()
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.observer == nil {
		cfg.observer = nopObserver{}
	}
	if cfg.app == nil {
		cfg.app = Application()
	}
	return cfg
}

// options returns the Option list reproducing cfg, used to reconnect to
// referenced objects with the same settings.
func (cfg config) options() []Option {
	return []Option{func(c *config) { *c = cfg }}
}

// WithComputer sets the target computer when the moniker names the local
// machine (".").
func WithComputer(name string) Option {
	return func(c *config) { c.computer = name }
}

// WithCredentials sets the user and password. The user may be qualified as
// DOMAIN\user, DOMAIN/user or user@domain.
func WithCredentials(user, password string) Option {
	return func(c *config) {
		c.user = user
		c.password = password
	}
}

// WithAuthType selects the authentication mechanism (mi.AuthType*).
func WithAuthType(authType string) Option {
	return func(c *config) { c.authType = authType }
}

// WithCertThumbprint authenticates with the client certificate whose
// thumbprint is given.
func WithCertThumbprint(thumbprint string) Option {
	return func(c *config) { c.certThumbprint = thumbprint }
}

// WithLocale sets the UI locale of the session, such as "en-US".
func WithLocale(locale string) Option {
	return func(c *config) { c.locale = locale }
}

// WithOperationTimeout bounds every operation of the connection.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTransport selects mi.TransportHTTP or mi.TransportHTTPS.
func WithTransport(transport string) Option {
	return func(c *config) { c.transport = strings.ToUpper(transport) }
}

// WithPort overrides the protocol default port.
func WithPort(port int) Option {
	return func(c *config) { c.port = port }
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *config) { c.insecure = skip }
}

// WithProtocol selects the engine protocol (mi.ProtocolWinRM or
// mi.ProtocolWMIDCOM).
func WithProtocol(protocol string) Option {
	return func(c *config) { c.protocol = strings.ToUpper(protocol) }
}

// WithClassCache enables or disables the class and method template caches.
// Caching is on by default.
func WithClassCache(enabled bool) Option {
	return func(c *config) { c.cacheClasses = enabled }
}

// WithClassCacheSize sets the number of entries kept by each cache.
func WithClassCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// WithExecutor sets the executor running the connection's blocking calls.
func WithExecutor(e Executor) Option {
	return func(c *config) { c.executor = e }
}

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithObserver installs an operation and cache observer.
func WithObserver(o Observer) Option {
	return func(c *config) { c.observer = o }
}

// WithApplication uses app instead of the process-wide application.
func WithApplication(app *mi.Application) Option {
	return func(c *config) { c.app = app }
}

// destination builds the session destination options.
func (cfg config) destination() *mi.DestinationOptions {
	d := cfg.app.NewDestinationOptions()
	d.UILocale = cfg.locale
	d.Timeout = cfg.timeout
	if d.Timeout == 0 {
		d.Timeout = DefaultOperationTimeout
	}
	d.Transport = cfg.transport
	d.Port = cfg.port
	d.InsecureSkipVerify = cfg.insecure
	if cfg.user != "" || cfg.certThumbprint != "" {
		user, domain := splitUser(cfg.user)
		d.SetCredentials(mi.Credentials{
			AuthType:       cfg.authType,
			Domain:         domain,
			Username:       user,
			Password:       cfg.password,
			CertThumbprint: cfg.certThumbprint,
		})
	}
	return d
}

// splitUser separates a DOMAIN\user, DOMAIN/user or user@domain name.
func splitUser(name string) (user, domain string) {
	name = strings.ReplaceAll(name, "/", `\`)
	if d, u, ok := strings.Cut(name, `\`); ok {
		return u, d
	}
	if u, d, ok := strings.Cut(name, "@"); ok {
		return u, d
	}
	return name, ""
}

// OperationOptions tune a single operation.
type OperationOptions struct {
	// Timeout overrides the connection timeout.
	Timeout time.Duration

	CustomOptions []CustomOption
}

// CustomOption is a named provider option. Value is converted like a
// property value of type Type.
type CustomOption struct {
	Name  string
	Type  mi.Type
	Value any

	// Optional lets the provider ignore the option instead of failing.
	Optional bool
}
