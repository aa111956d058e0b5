package wmi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smnsjas/go-wmi/mi"
)

// Connection is a session to one namespace of a management server. It owns
// the session and the class and method template caches. Close releases it;
// instances obtained from a closed connection can no longer reach the
// server.
type Connection struct {
	cfg      config
	id       ConnRef
	app      *mi.Application
	session  mi.Session
	ns       string
	computer string
	protocol string
	dest     *mi.DestinationOptions

	classes   *cache[*mi.Class]
	templates *cache[*mi.Instance]

	exec     Executor
	logger   *slog.Logger
	observer Observer

	mu        sync.Mutex
	closed    bool
	nextHook  uint64
	callbacks map[uint64]func()
	hookOrder []uint64
	refs      map[string]*Connection
}

// NewConnection opens a session to namespace ns of computer ("." for the
// local machine).
func NewConnection(ctx context.Context, computer, ns string, opts ...Option) (*Connection, error) {
	return newConnection(ctx, computer, ns, newConfig(opts))
}

func newConnection(ctx context.Context, computer, ns string, cfg config) (*Connection, error) {
	if computer == "" {
		computer = "."
	}
	c := &Connection{
		cfg:      cfg,
		app:      cfg.app,
		ns:       ns,
		computer: computer,
		protocol: cfg.protocol,
		dest:     cfg.destination(),
		exec:     cfg.executor,
		logger:   cfg.logger.With("computer", computer, "namespace", ns),
		observer: cfg.observer,
	}
	c.classes = newCache("class", cfg.cacheSize, cfg.cacheClasses, (*mi.Class).Clone, cfg.observer)
	c.templates = newCache("method", cfg.cacheSize, cfg.cacheClasses, (*mi.Instance).Clone, cfg.observer)

	err := c.run(ctx, "Connect", func(ctx context.Context) error {
		s, err := c.app.NewSession(ctx, c.protocol, computer, c.dest)
		c.session = s
		return err
	})
	if err != nil {
		return nil, err
	}
	c.id = register(c)
	c.logger.Debug("wmi connection opened", "protocol", c.protocol)
	return c, nil
}

// Namespace returns the connection namespace.
func (c *Connection) Namespace() string { return c.ns }

// Computer returns the target computer name.
func (c *Connection) Computer() string { return c.computer }

// Protocol returns the engine protocol of the session.
func (c *Connection) Protocol() string { return c.protocol }

// Ref returns a non-owning reference to c.
func (c *Connection) Ref() ConnRef { return c.id }

// run executes fn through the connection executor, reporting it to the
// observer and translating its error.
func (c *Connection) run(ctx context.Context, op string, fn func(context.Context) error) error {
	c.observer.OperationStarted(op)
	start := time.Now()
	err := translateError(c.exec.Execute(ctx, fn))
	c.observer.OperationFinished(op, time.Since(start), err)
	return err
}

func (c *Connection) sess() (mi.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.session, nil
}

// onClose registers fn to run when the connection closes. fn runs at once
// when it is already closed. The returned func unregisters fn.
func (c *Connection) onClose(fn func()) (remove func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	if c.callbacks == nil {
		c.callbacks = make(map[uint64]func())
	}
	c.nextHook++
	id := c.nextHook
	c.callbacks[id] = fn
	c.hookOrder = append(c.hookOrder, id)
	c.mu.Unlock()
	return func() { c.removeHook(id) }
}

func (c *Connection) removeHook(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.callbacks[id]; !ok {
		return
	}
	delete(c.callbacks, id)
	for i, h := range c.hookOrder {
		if h == id {
			c.hookOrder = append(c.hookOrder[:i], c.hookOrder[i+1:]...)
			break
		}
	}
}

// Close runs the registered close callbacks in registration order, then
// closes the session. Further calls return nil.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	callbacks := make([]func(), 0, len(c.hookOrder))
	for _, id := range c.hookOrder {
		callbacks = append(callbacks, c.callbacks[id])
	}
	c.callbacks, c.hookOrder, c.refs = nil, nil, nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	unregister(c.id)
	c.classes.purge()
	c.templates.purge()
	c.logger.Debug("wmi connection closed")
	return translateError(c.session.Close())
}

// operationOptions converts caller options to engine options, converting
// custom option values like property values.
func (c *Connection) operationOptions(ctx context.Context, opts *OperationOptions) (*mi.OperationOptions, error) {
	if opts == nil {
		return nil, nil
	}
	out := c.app.NewOperationOptions()
	out.Timeout = opts.Timeout
	for _, o := range opts.CustomOptions {
		v, err := c.unwrapElement(ctx, o.Type, o.Value)
		if err != nil {
			return nil, err
		}
		if err := out.SetCustomOption(o.Name, o.Type, v, !o.Optional); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// drain reads every instance of op, detached from the operation, and
// closes it.
func (c *Connection) drain(ctx context.Context, op mi.Operation) ([]*Instance, error) {
	defer op.Close()
	var out []*Instance
	for {
		inst, ok, err := op.NextInstance(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, c.wrap(inst.Clone()))
	}
}

// Query runs a WQL query and returns every result. Backslashes are doubled
// before the query is sent.
func (c *Connection) Query(ctx context.Context, wql string, opts *OperationOptions) ([]*Instance, error) {
	s, err := c.sess()
	if err != nil {
		return nil, err
	}
	wql = strings.ReplaceAll(wql, `\`, `\\`)
	c.logger.Debug("wmi query", "wql", wql)

	var out []*Instance
	err = c.run(ctx, "Query", func(ctx context.Context) error {
		miOpts, err := c.operationOptions(ctx, opts)
		if err != nil {
			return err
		}
		op, err := s.ExecQuery(ctx, c.ns, wql, miOpts)
		if err != nil {
			return err
		}
		out, err = c.drain(ctx, op)
		return err
	})
	return out, err
}

// Associators returns the objects associated with inst.
func (c *Connection) Associators(ctx context.Context, inst *Instance, assocClass, resultClass string, opts *OperationOptions) ([]*Instance, error) {
	s, err := c.sess()
	if err != nil {
		return nil, err
	}
	var out []*Instance
	err = c.run(ctx, "Associators", func(ctx context.Context) error {
		miOpts, err := c.operationOptions(ctx, opts)
		if err != nil {
			return err
		}
		op, err := s.GetAssociators(ctx, c.ns, inst.obj, assocClass, resultClass, miOpts)
		if err != nil {
			return err
		}
		out, err = c.drain(ctx, op)
		return err
	})
	return out, err
}

// classDescriptor returns a clone of the named class declaration, or nil
// when the server does not know the class.
func (c *Connection) classDescriptor(ctx context.Context, name string) (*mi.Class, error) {
	s, err := c.sess()
	if err != nil {
		return nil, err
	}
	cls, _, err := c.classes.get(ctx, strings.ToLower(name), func(ctx context.Context) (*mi.Class, bool, error) {
		var cls *mi.Class
		err := c.run(ctx, "GetClass", func(ctx context.Context) error {
			var err error
			cls, err = s.GetClass(ctx, c.ns, name)
			return err
		})
		if errors.Is(err, mi.ErrNotFound) || errors.Is(err, mi.ErrInvalidClass) {
			c.logger.Debug("wmi class not found", "class", name)
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return cls, cls != nil, nil
	})
	return cls, err
}

// Class returns the named class. A class unknown to the server yields a
// *NotFoundError.
func (c *Connection) Class(ctx context.Context, name string) (*Class, error) {
	cls, err := c.classDescriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	if cls == nil {
		return nil, notFound("class %s not found in %s", name, c.ns)
	}
	return &Class{conn: c, name: name, obj: cls}, nil
}

// methodParams returns a private copy of the parameter template of a
// method of target's class.
func (c *Connection) methodParams(ctx context.Context, target Entity, method string) (*mi.Instance, error) {
	key := strings.ToLower(target.ClassName()) + "\x00" + strings.ToLower(method)
	params, _, err := c.templates.get(ctx, key, func(ctx context.Context) (*mi.Instance, bool, error) {
		cls, err := target.Class(ctx)
		if err != nil {
			return nil, false, err
		}
		params, err := c.app.NewMethodParams(cls.obj, method)
		if err != nil {
			return nil, false, translateError(err)
		}
		return params, true, nil
	})
	return params, err
}

// InvokeMethod calls method on target. Positional arguments fill parameters
// by position, KW arguments by name, and an *OperationOptions argument
// tunes the call.
//
// Output parameters are returned sorted by name, whatever order the
// protocol used. A boolean ReturnValue of true is dropped, since it is what
// void methods report; a method that genuinely returns true is therefore
// indistinguishable from a void one.
func (c *Connection) InvokeMethod(ctx context.Context, target Entity, method string, args ...any) ([]any, error) {
	s, err := c.sess()
	if err != nil {
		return nil, err
	}
	params, err := c.methodParams(ctx, target, method)
	if err != nil {
		return nil, err
	}

	var (
		positional []any
		named      = map[string]any{}
		opts       *OperationOptions
	)
	for _, arg := range args {
		switch a := arg.(type) {
		case KW:
			for k, v := range a {
				named[k] = v
			}
		case *OperationOptions:
			opts = a
		default:
			positional = append(positional, arg)
		}
	}
	for i, v := range positional {
		el, err := params.ElementAt(i)
		if err != nil {
			return nil, translateError(err)
		}
		u, err := c.unwrapElement(ctx, el.Type, v)
		if err != nil {
			return nil, translateError(err)
		}
		if err := params.SetAt(i, u); err != nil {
			return nil, translateError(err)
		}
	}
	for _, name := range sortedKeys(named) {
		el, err := params.Element(name)
		if err != nil {
			return nil, translateError(err)
		}
		u, err := c.unwrapElement(ctx, el.Type, named[name])
		if err != nil {
			return nil, translateError(err)
		}
		if err := params.Set(name, u); err != nil {
			return nil, translateError(err)
		}
	}
	if params.Len() == 0 {
		params = nil
	}

	var miTarget mi.Target
	switch t := target.WrappedObject().(type) {
	case *mi.Instance:
		miTarget = t
	case *mi.Class:
		miTarget = t
	default:
		return nil, fmt.Errorf("%w: cannot invoke a method on %T", ErrInvalidArgument, target.WrappedObject())
	}

	c.logger.Debug("wmi invoke method", "class", target.ClassName(), "method", method)
	var out *mi.Instance
	err = c.run(ctx, "InvokeMethod", func(ctx context.Context) error {
		miOpts, err := c.operationOptions(ctx, opts)
		if err != nil {
			return err
		}
		out, err = s.InvokeMethod(ctx, c.ns, miTarget, method, params, miOpts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return []any{}, nil
	}

	elements := out.Elements()
	sort.SliceStable(elements, func(i, j int) bool { return elements[i].Name < elements[j].Name })
	result := make([]any, 0, len(elements))
	for _, el := range elements {
		if isVoidReturn(el) {
			continue
		}
		v, err := c.wrapElement(ctx, el, false)
		if err != nil {
			return nil, translateError(err)
		}
		result = append(result, v)
	}
	return result, nil
}

func isVoidReturn(el mi.Element) bool {
	b, ok := el.Value.(bool)
	return el.Name == "ReturnValue" && el.Type == mi.TypeBoolean && ok && b
}

// NewInstance returns an unpersisted instance of cls.
func (c *Connection) NewInstance(_ context.Context, cls *Class) (*Instance, error) {
	if _, err := c.sess(); err != nil {
		return nil, err
	}
	return c.wrap(c.app.NewInstanceFromClass(cls.name, cls.obj)), nil
}

// Instance returns the instance of className identified by key, or nil
// when there is none.
func (c *Connection) Instance(ctx context.Context, className string, key map[string]any) (*Instance, error) {
	s, err := c.sess()
	if err != nil {
		return nil, err
	}
	cls, err := c.Class(ctx, className)
	if err != nil {
		return nil, err
	}
	keys := c.app.NewInstanceFromClass(className, cls.obj)
	for _, name := range sortedKeys(key) {
		el, err := keys.Element(name)
		if err != nil {
			return nil, translateError(err)
		}
		u, err := c.unwrapElement(ctx, el.Type, key[name])
		if err != nil {
			return nil, translateError(err)
		}
		if err := keys.Set(name, u); err != nil {
			return nil, translateError(err)
		}
	}

	var found *mi.Instance
	err = c.run(ctx, "GetInstance", func(ctx context.Context) error {
		var err error
		found, err = s.GetInstance(ctx, c.ns, keys, nil)
		return err
	})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil || found == nil {
		return nil, err
	}
	return c.wrap(found.Clone()), nil
}

// CreateInstance creates inst on the server.
func (c *Connection) CreateInstance(ctx context.Context, inst *Instance, opts *OperationOptions) (*Instance, error) {
	return c.write(ctx, "CreateInstance", inst, opts, mi.Session.CreateInstance)
}

// ModifyInstance writes the properties of inst to the server.
func (c *Connection) ModifyInstance(ctx context.Context, inst *Instance, opts *OperationOptions) (*Instance, error) {
	return c.write(ctx, "ModifyInstance", inst, opts, mi.Session.ModifyInstance)
}

type writeFunc func(mi.Session, context.Context, string, *mi.Instance, *mi.OperationOptions) (*mi.Instance, error)

func (c *Connection) write(ctx context.Context, op string, inst *Instance, opts *OperationOptions, fn writeFunc) (*Instance, error) {
	s, err := c.sess()
	if err != nil {
		return nil, err
	}
	var out *mi.Instance
	err = c.run(ctx, op, func(ctx context.Context) error {
		miOpts, err := c.operationOptions(ctx, opts)
		if err != nil {
			return err
		}
		out, err = fn(s, ctx, c.ns, inst.obj, miOpts)
		return err
	})
	if err != nil || out == nil {
		return nil, err
	}
	return c.wrap(out.Clone()), nil
}

// DeleteInstance deletes inst. Some providers reject deletes over WMIDCOM
// with WBEM_E_PROVIDER_NOT_CAPABLE; those are retried once over a
// temporary WINRM session.
func (c *Connection) DeleteInstance(ctx context.Context, inst *Instance, opts *OperationOptions) error {
	s, err := c.sess()
	if err != nil {
		return err
	}
	err = c.deleteWith(ctx, s, inst, opts)
	if err == nil || hresultOf(err) != unsignedToSigned(mi.ErrorCodeProviderNotCapable) ||
		strings.EqualFold(c.protocol, mi.ProtocolWinRM) {
		return err
	}

	c.logger.Debug("wmi delete retried over WINRM", "class", inst.ClassName())
	var tmp mi.Session
	err = c.run(ctx, "Connect", func(ctx context.Context) error {
		var err error
		tmp, err = c.app.NewSession(ctx, mi.ProtocolWinRM, c.computer, c.dest)
		return err
	})
	if err != nil {
		return err
	}
	defer tmp.Close()
	return c.deleteWith(ctx, tmp, inst, opts)
}

func (c *Connection) deleteWith(ctx context.Context, s mi.Session, inst *Instance, opts *OperationOptions) error {
	return c.run(ctx, "DeleteInstance", func(ctx context.Context) error {
		miOpts, err := c.operationOptions(ctx, opts)
		if err != nil {
			return err
		}
		return s.DeleteInstance(ctx, c.ns, inst.obj, miOpts)
	})
}

// Subscribe starts an event subscription. fn receives every indication on
// a driver goroutine. closeFn runs when the connection closes.
func (c *Connection) Subscribe(ctx context.Context, wql string, fn mi.IndicationFunc, closeFn func()) (mi.Subscription, error) {
	s, err := c.sess()
	if err != nil {
		return nil, err
	}
	c.logger.Debug("wmi subscribe", "wql", wql)
	var sub mi.Subscription
	err = c.run(ctx, "Subscribe", func(ctx context.Context) error {
		var err error
		sub, err = s.Subscribe(ctx, c.ns, wql, fn, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if closeFn != nil {
		c.onClose(closeFn)
	}
	return sub, nil
}

// WatchFor subscribes to the events selected by wql.
func (c *Connection) WatchFor(ctx context.Context, wql string) (*EventWatcher, error) {
	return newEventWatcher(ctx, c, wql)
}

// Serialize returns the CIM-XML form of inst.
func (c *Connection) Serialize(_ context.Context, inst *Instance) ([]byte, error) {
	b, err := c.app.NewSerializer().SerializeInstance(inst.obj)
	return b, translateError(err)
}
