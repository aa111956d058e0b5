package wmi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/smnsjas/go-wmi/mi"
)

// Entity is the behavior shared by instances and classes: property reads,
// method lookup and invocation.
type Entity interface {
	// WrappedObject returns the engine object, an *mi.Instance or an
	// *mi.Class.
	WrappedObject() any
	ClassName() string
	Class(ctx context.Context) (*Class, error)

	// Get returns the named property, or a *Method when no property of
	// that name exists. A name that is neither yields an *AttributeError.
	Get(ctx context.Context, name string) (any, error)
	Method(ctx context.Context, name string) (*Method, error)
	Invoke(ctx context.Context, name string, args ...any) ([]any, error)
	Path() (*Path, error)
	String() string
}

var (
	_ Entity = (*Instance)(nil)
	_ Entity = (*Class)(nil)
)

// Instance is a management object bound to the connection it came from.
type Instance struct {
	obj *mi.Instance

	// Exactly one of conn and ref is set. Event payloads use ref so that
	// they do not keep their connection usable after it is closed.
	conn *Connection
	ref  ConnRef

	// owned is set when the instance came from ConnectObject and conn
	// exists only to serve it.
	owned bool

	previous *Instance
}

func (c *Connection) wrap(obj *mi.Instance) *Instance {
	return &Instance{obj: obj, conn: c}
}

func (c *Connection) wrapWeak(obj *mi.Instance) *Instance {
	return &Instance{obj: obj, ref: c.id}
}

// connection returns the open connection of i.
func (i *Instance) connection() (*Connection, error) {
	c := i.conn
	if c == nil {
		var ok bool
		if c, ok = i.ref.Connection(); !ok {
			return nil, ErrClosed
		}
	}
	if _, err := c.sess(); err != nil {
		return nil, err
	}
	return c, nil
}

// WrappedObject implements Entity.
func (i *Instance) WrappedObject() any { return i.obj }

// Native returns the engine instance. Changes made through it are visible
// to the wrapper.
func (i *Instance) Native() *mi.Instance { return i.obj }

// ClassName implements Entity.
func (i *Instance) ClassName() string { return i.obj.ClassName }

// Class implements Entity.
func (i *Instance) Class(ctx context.Context) (*Class, error) {
	c, err := i.connection()
	if err != nil {
		return nil, err
	}
	return c.Class(ctx, i.obj.ClassName)
}

// Property returns the named property. References are resolved to the
// objects they point to.
func (i *Instance) Property(ctx context.Context, name string) (any, error) {
	c, err := i.connection()
	if err != nil {
		return nil, err
	}
	el, err := i.obj.Element(name)
	if err != nil {
		return nil, translateError(err)
	}
	v, err := c.wrapElement(ctx, el, true)
	return v, translateError(err)
}

// Get implements Entity.
func (i *Instance) Get(ctx context.Context, name string) (any, error) {
	if !i.obj.Has(name) {
		return getMethod(ctx, i, name)
	}
	return i.Property(ctx, name)
}

// Method implements Entity.
func (i *Instance) Method(ctx context.Context, name string) (*Method, error) {
	c, err := i.connection()
	if err != nil {
		return nil, err
	}
	return newMethod(ctx, c, i, name)
}

// Invoke implements Entity.
func (i *Instance) Invoke(ctx context.Context, name string, args ...any) ([]any, error) {
	m, err := i.Method(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, args...)
}

// Path implements Entity.
func (i *Instance) Path() (*Path, error) {
	return &Path{entity: i}, nil
}

// PathString returns the object path, or "" for an unpersisted instance.
func (i *Instance) PathString() (string, error) {
	p, err := i.obj.Path()
	return p, translateError(err)
}

// Previous returns the state of the object before the change, for event
// payloads that carry it.
func (i *Instance) Previous() *Instance { return i.previous }

// Set assigns a property, converting v for the property's declared type.
func (i *Instance) Set(ctx context.Context, name string, v any) error {
	c, err := i.connection()
	if err != nil {
		return err
	}
	el, err := i.obj.Element(name)
	if err != nil {
		return translateError(err)
	}
	u, err := c.unwrapElement(ctx, el.Type, v)
	if err != nil {
		return translateError(err)
	}
	return translateError(i.obj.Set(name, u))
}

// SetMany assigns several properties in name order, stopping at the first
// failure.
func (i *Instance) SetMany(ctx context.Context, values map[string]any) error {
	for _, name := range sortedKeys(values) {
		if err := i.Set(ctx, name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// Associators returns the objects associated with i. Empty class names
// select every association and result class.
func (i *Instance) Associators(ctx context.Context, assocClass, resultClass string, opts *OperationOptions) ([]*Instance, error) {
	c, err := i.connection()
	if err != nil {
		return nil, err
	}
	return c.Associators(ctx, i, assocClass, resultClass, opts)
}

// Put creates the object when it has not been persisted, and modifies it
// otherwise.
func (i *Instance) Put(ctx context.Context, opts *OperationOptions) error {
	c, err := i.connection()
	if err != nil {
		return err
	}
	path, err := i.PathString()
	if err != nil {
		return err
	}
	var out *Instance
	if path == "" {
		out, err = c.CreateInstance(ctx, i, opts)
	} else {
		out, err = c.ModifyInstance(ctx, i, opts)
	}
	if err != nil {
		return err
	}
	if out != nil && out.obj.ServerName != "" {
		i.obj = out.obj
	}
	return nil
}

// Delete deletes the object.
func (i *Instance) Delete(ctx context.Context, opts *OperationOptions) error {
	c, err := i.connection()
	if err != nil {
		return err
	}
	return c.DeleteInstance(ctx, i, opts)
}

// Serialize returns the CIM-XML form of the object.
func (i *Instance) Serialize(ctx context.Context) ([]byte, error) {
	c, err := i.connection()
	if err != nil {
		return nil, err
	}
	return c.Serialize(ctx, i)
}

// GetText returns Serialize as a string.
func (i *Instance) GetText(ctx context.Context) (string, error) {
	b, err := i.Serialize(ctx)
	return string(b), err
}

// Close closes the connection of an instance returned by ConnectObject.
// Other instances share their connection and Close does nothing for them.
func (i *Instance) Close() error {
	if !i.owned || i.conn == nil {
		return nil
	}
	return i.conn.Close()
}

func (i *Instance) String() string {
	return formatObject(i.obj.ClassName, i.obj.Elements())
}

// Class is a class declaration bound to a connection.
type Class struct {
	conn *Connection
	name string
	obj  *mi.Class
}

// WrappedObject implements Entity.
func (c *Class) WrappedObject() any { return c.obj }

// Native returns the engine class declaration.
func (c *Class) Native() *mi.Class { return c.obj }

// ClassName implements Entity.
func (c *Class) ClassName() string { return c.name }

// Class implements Entity. A class is its own class.
func (c *Class) Class(context.Context) (*Class, error) { return c, nil }

// Property returns the declared default of the named property. References
// are returned as paths.
func (c *Class) Property(ctx context.Context, name string) (any, error) {
	el, err := c.obj.Property(name)
	if err != nil {
		return nil, translateError(err)
	}
	v, err := c.conn.wrapElement(ctx, el, false)
	return v, translateError(err)
}

// Get implements Entity.
func (c *Class) Get(ctx context.Context, name string) (any, error) {
	if _, err := c.obj.Property(name); err != nil {
		return getMethod(ctx, c, name)
	}
	return c.Property(ctx, name)
}

// Method implements Entity.
func (c *Class) Method(ctx context.Context, name string) (*Method, error) {
	return newMethod(ctx, c.conn, c, name)
}

// Invoke implements Entity, calling a static method.
func (c *Class) Invoke(ctx context.Context, name string, args ...any) ([]any, error) {
	m, err := c.Method(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, args...)
}

// Path implements Entity.
func (c *Class) Path() (*Path, error) {
	return &Path{entity: c}, nil
}

// New returns an unpersisted instance of the class. Put creates it.
func (c *Class) New(ctx context.Context) (*Instance, error) {
	return c.conn.NewInstance(ctx, c)
}

// WatchFor subscribes to the events selected by wql.
func (c *Class) WatchFor(ctx context.Context, wql string) (*EventWatcher, error) {
	return c.conn.WatchFor(ctx, wql)
}

// Query selects instances of the class. fields limits the returned
// properties (all when empty) and where adds equality conditions joined by
// AND. Names and values are inserted into the query text as given.
func (c *Class) Query(ctx context.Context, fields []string, where map[string]any, opts *OperationOptions) ([]*Instance, error) {
	return c.conn.Query(ctx, buildQuery(c.name, fields, where), opts)
}

// Call is the call-style form of Query. It accepts at most one []string of
// field names, any number of KW condition maps and an *OperationOptions.
func (c *Class) Call(ctx context.Context, args ...any) ([]*Instance, error) {
	var (
		fields    []string
		hasFields bool
		where     = map[string]any{}
		opts      *OperationOptions
	)
	for _, arg := range args {
		switch a := arg.(type) {
		case []string:
			if hasFields {
				return nil, fmt.Errorf("%w: more than one field list", ErrInvalidArgument)
			}
			fields, hasFields = a, true
		case KW:
			for k, v := range a {
				where[k] = v
			}
		case *OperationOptions:
			opts = a
		default:
			return nil, fmt.Errorf("%w: %T is not a field list", ErrInvalidArgument, arg)
		}
	}
	return c.Query(ctx, fields, where, opts)
}

func (c *Class) String() string {
	return formatObject(c.name, c.obj.Properties())
}

// buildQuery assembles the query text of Class.Query.
func buildQuery(className string, fields []string, where map[string]any) string {
	projection := strings.Join(fields, ", ")
	if projection == "" {
		projection = "*"
	}
	conds := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		conds = append(conds, fmt.Sprintf("%s = '%v'", k, where[k]))
	}
	wql := fmt.Sprintf("select %s from %s", projection, className)
	if len(conds) > 0 {
		wql += " where " + strings.Join(conds, " and ")
	}
	return wql
}

// getMethod is the attribute fallback of Get.
func getMethod(ctx context.Context, e Entity, name string) (any, error) {
	m, err := e.Method(ctx, name)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, mi.ErrMethodNotFound) {
		return nil, &AttributeError{Class: e.ClassName(), Name: name}
	}
	return nil, err
}

// formatObject renders elements in MOF-like form.
func formatObject(className string, elements []mi.Element) string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance of %s\n{", className)
	for _, el := range elements {
		var v string
		switch {
		case el.Value == nil:
			v = "NULL"
		case el.Type == mi.TypeString:
			v = `"` + el.Value.(string) + `"`
		default:
			v = mi.FormatValue(el.Value)
		}
		fmt.Fprintf(&b, "\n\t%s = %s;", el.Name, v)
	}
	b.WriteString("\n};")
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
