package wmi

import (
	"context"
	"fmt"
	"strings"

	"github.com/smnsjas/go-wmi/mi"
)

// KW holds named method arguments or query conditions in a call argument
// list.
type KW map[string]any

// Method is a method bound to its target instance or class. The parameter
// template is resolved when the Method is created, so a Method for an
// unknown name cannot be constructed.
type Method struct {
	conn   *Connection
	target Entity
	name   string
	params *mi.Instance
}

func newMethod(ctx context.Context, c *Connection, target Entity, name string) (*Method, error) {
	params, err := c.methodParams(ctx, target, name)
	if err != nil {
		return nil, err
	}
	return &Method{conn: c, target: target, name: name, params: params}, nil
}

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Parameters returns the inbound parameter names in declaration order.
func (m *Method) Parameters() []string {
	names := make([]string, 0, m.params.Len())
	for _, el := range m.params.Elements() {
		names = append(names, el.Name)
	}
	return names
}

// Call invokes the method. Positional arguments fill parameters in
// declaration order; a KW argument fills them by name and an
// *OperationOptions argument tunes the call. Output parameters are
// returned sorted by name.
func (m *Method) Call(ctx context.Context, args ...any) ([]any, error) {
	return m.conn.InvokeMethod(ctx, m.target, m.name, args...)
}

func (m *Method) String() string {
	return fmt.Sprintf("<function %s (%s)>", m.name, strings.Join(m.Parameters(), ", "))
}
