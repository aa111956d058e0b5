package mitest

import (
	"context"
	"strings"
	"sync"

	"github.com/smnsjas/go-wmi/mi"
)

// Driver opens sessions on a Repository for one protocol name.
type Driver struct {
	protocol string
	repo     *Repository

	mu       sync.Mutex
	failures map[string]error
	openErr  error
}

// NewDriver returns a driver registering as protocol.
func NewDriver(protocol string, repo *Repository) *Driver {
	return &Driver{protocol: protocol, repo: repo, failures: make(map[string]error)}
}

// Protocol implements mi.Driver.
func (d *Driver) Protocol() string {
	return d.protocol
}

// Fail makes every later call of op (a Session method name such as
// "DeleteInstance") on this driver's sessions return err. A nil err clears
// the failure.
func (d *Driver) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// FailNewSession makes NewSession return err.
func (d *Driver) FailNewSession(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

func (d *Driver) failure(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[op]
}

// NewSession implements mi.Driver.
func (d *Driver) NewSession(ctx context.Context, computer string, dest *mi.DestinationOptions) (mi.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	openErr := d.openErr
	d.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}

	server := computer
	if server == "" || server == "." || strings.EqualFold(server, "localhost") {
		server = d.repo.hostname
	}
	s := &session{
		driver:   d,
		repo:     d.repo,
		protocol: d.protocol,
		computer: computer,
		server:   server,
		dest:     dest.Clone(),
	}
	d.repo.mu.Lock()
	d.repo.sessions = append(d.repo.sessions, s)
	d.repo.mu.Unlock()
	return s, nil
}
