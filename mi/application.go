package mi

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Application is the process-wide engine handle. It holds the driver
// registry and the factories for engine objects. It has no teardown.
type Application struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewApplication returns an Application with no drivers registered.
func NewApplication() *Application {
	return &Application{drivers: make(map[string]Driver)}
}

// RegisterDriver makes d available for its protocol, replacing any driver
// previously registered for it.
func (a *Application) RegisterDriver(d Driver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drivers[strings.ToUpper(d.Protocol())] = d
}

// Driver returns the driver registered for protocol.
func (a *Application) Driver(protocol string) (Driver, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.drivers[strings.ToUpper(protocol)]
	if !ok {
		return nil, NewError(ResultNotSupported, "no driver registered for protocol %q", protocol)
	}
	return d, nil
}

// Protocols returns the registered protocol names, sorted.
func (a *Application) Protocols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.drivers))
	for p := range a.drivers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// NewSession opens a session to computer over protocol. dest may be nil.
func (a *Application) NewSession(ctx context.Context, protocol, computer string, dest *DestinationOptions) (Session, error) {
	d, err := a.Driver(protocol)
	if err != nil {
		return nil, err
	}
	return d.NewSession(ctx, computer, dest.Clone())
}

// NewInstance returns an empty, dynamically typed instance.
func (a *Application) NewInstance(className string) *Instance {
	return NewInstance(className)
}

// NewInstanceFromClass returns an unpersisted instance shaped after cls.
func (a *Application) NewInstanceFromClass(className string, cls *Class) *Instance {
	return cls.NewInstance(className)
}

// NewMethodParams returns the inbound parameter set of a method of cls.
func (a *Application) NewMethodParams(cls *Class, method string) (*Instance, error) {
	return cls.NewMethodParams(method)
}

// NewDestinationOptions returns empty destination options.
func (a *Application) NewDestinationOptions() *DestinationOptions {
	return NewDestinationOptions()
}

// NewOperationOptions returns empty operation options.
func (a *Application) NewOperationOptions() *OperationOptions {
	return NewOperationOptions()
}

// NewSerializer returns a CIM-XML serializer.
func (a *Application) NewSerializer() *Serializer {
	return &Serializer{}
}
