// Package dcom implements the WMIDCOM protocol driver of the mi engine on
// top of the WMI scripting API (WbemScripting.SWbemLocator) through COM
// automation.
//
// The driver is only functional on Windows. On other platforms NewSession
// fails with mi.ResultNotSupported, so the driver can be registered
// unconditionally.
//
// Calls of a session run one at a time on a dedicated OS thread joined to
// the COM multithreaded apartment. COM calls cannot be interrupted: a
// cancelled context stops a call from being queued, not a call in
// progress.
package dcom

import (
	"context"
	"log/slog"
	"time"

	"github.com/smnsjas/go-wmi/mi"
)

// Driver opens WMIDCOM sessions.
type Driver struct {
	logger       *slog.Logger
	pollInterval time.Duration
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

// WithEventPollInterval sets how long a subscription waits for the next
// event before checking for cancellation.
func WithEventPollInterval(interval time.Duration) Option {
	return func(d *Driver) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// New returns a WMIDCOM driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		logger:       slog.New(slog.DiscardHandler),
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Protocol implements mi.Driver.
func (d *Driver) Protocol() string {
	return mi.ProtocolWMIDCOM
}

// NewSession implements mi.Driver. computer "." or "" names the local
// machine.
func (d *Driver) NewSession(ctx context.Context, computer string, dest *mi.DestinationOptions) (mi.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dest == nil {
		dest = mi.NewDestinationOptions()
	}
	if computer == "" {
		computer = "."
	}
	return d.newSession(ctx, computer, dest)
}

// connectArgs are the SWbemLocator.ConnectServer arguments that do not
// depend on the namespace.
type connectArgs struct {
	server    string
	user      string
	password  string
	locale    string
	authority string
}

// newConnectArgs maps destination options onto ConnectServer arguments.
// WMI wants the domain in the authority rather than the user name.
func newConnectArgs(computer string, dest *mi.DestinationOptions) (connectArgs, error) {
	args := connectArgs{server: computer}
	if len(dest.UILocale) > 3 && dest.UILocale[:3] == "MS_" {
		args.locale = dest.UILocale
	}
	c := dest.Credentials
	if c == nil {
		return args, nil
	}
	switch c.AuthType {
	case "", mi.AuthTypeDefault, mi.AuthTypeNTLM, mi.AuthTypeNegoWithCreds:
		if c.Domain != "" {
			args.authority = "ntlmdomain:" + c.Domain
		}
	case mi.AuthTypeKerberos:
		spn := dest.ServicePrincipalID
		if spn == "" {
			spn = "HOST/" + computer
		}
		args.authority = "kerberos:" + spn
		if c.Domain != "" {
			args.user = c.Domain + `\` + c.Username
			args.password = c.Password
			return args, nil
		}
	default:
		return connectArgs{}, mi.NewError(mi.ResultNotSupported, "authentication type %q is not supported over WMIDCOM", c.AuthType)
	}
	args.user = c.Username
	args.password = c.Password
	return args, nil
}
