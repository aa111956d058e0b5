package mi

import "strings"

// Method declares a class method.
type Method struct {
	Name       string
	Parameters []Element
	ReturnType Type
	Qualifiers map[string]any
}

// IsStatic reports whether the method carries the Static qualifier.
func (m Method) IsStatic() bool {
	return qualifierBool(m.Qualifiers, "static")
}

// InParameters returns the inbound parameters in declaration order.
func (m Method) InParameters() []Element {
	var in []Element
	for _, p := range m.Parameters {
		if p.Flags&FlagIn != 0 || qualifierBool(p.Qualifiers, "in") {
			in = append(in, p)
		}
	}
	return in
}

// OutParameters returns the outbound parameters in declaration order.
func (m Method) OutParameters() []Element {
	var out []Element
	for _, p := range m.Parameters {
		if p.Flags&FlagOut != 0 || qualifierBool(p.Qualifiers, "out") {
			out = append(out, p)
		}
	}
	return out
}

func (m Method) clone() Method {
	out := m
	out.Parameters = make([]Element, len(m.Parameters))
	for i, p := range m.Parameters {
		out.Parameters[i] = p.clone()
	}
	out.Qualifiers = cloneQualifiers(m.Qualifiers)
	return out
}

// Class is a class declaration: properties with their defaults and methods.
type Class struct {
	Name       string
	Namespace  string
	ServerName string
	SuperClass string
	Qualifiers map[string]any

	props   elementSet
	methods []Method
}

// NewClass returns an empty class declaration.
func NewClass(name string) *Class {
	return &Class{Name: name}
}

// AddProperty appends a property declaration. The element value is the
// property default.
func (c *Class) AddProperty(el Element) error {
	if !el.Type.Valid() {
		return NewError(ResultInvalidParameter, "invalid type %d for %q", uint32(el.Type), el.Name)
	}
	v, err := Coerce(el.Type, el.Value)
	if err != nil {
		return err
	}
	el.Value = v
	return c.props.add(el)
}

// AddMethod appends a method declaration.
func (c *Class) AddMethod(m Method) error {
	if _, err := c.Method(m.Name); err == nil {
		return NewError(ResultAlreadyExists, "method %q already exists", m.Name)
	}
	c.methods = append(c.methods, m)
	return nil
}

// Properties returns the property declarations in order.
func (c *Class) Properties() []Element {
	out := make([]Element, len(c.props.elements))
	copy(out, c.props.elements)
	return out
}

// Property returns the property declaration named name.
func (c *Class) Property(name string) (Element, error) {
	idx, ok := c.props.lookup(name)
	if !ok {
		return Element{}, NewError(ResultNoSuchProperty, "no such property %q on class %s", name, c.Name)
	}
	return c.props.elements[idx], nil
}

// Methods returns the method declarations in order.
func (c *Class) Methods() []Method {
	out := make([]Method, len(c.methods))
	copy(out, c.methods)
	return out
}

// Method returns the method declaration named name, failing with
// ResultMethodNotFound.
func (c *Class) Method(name string) (Method, error) {
	for _, m := range c.methods {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Method{}, NewError(ResultMethodNotFound, "method %q not found on class %s", name, c.Name)
}

// KeyNames returns the names of the key properties.
func (c *Class) KeyNames() []string {
	var keys []string
	for _, el := range c.props.elements {
		if el.IsKey() {
			keys = append(keys, el.Name)
		}
	}
	return keys
}

// Clone returns a deep copy detached from c.
func (c *Class) Clone() *Class {
	if c == nil {
		return nil
	}
	out := *c
	out.Qualifiers = cloneQualifiers(c.Qualifiers)
	out.props = c.props.clone()
	out.methods = make([]Method, len(c.methods))
	for i, m := range c.methods {
		out.methods[i] = m.clone()
	}
	return &out
}

// NewInstance returns an unpersisted instance of className shaped after the
// class: one element per property, holding the declared default. The
// instance has no server name, so its Path is empty.
func (c *Class) NewInstance(className string) *Instance {
	inst := NewInstance(className)
	inst.Namespace = c.Namespace
	for _, p := range c.props.elements {
		el := p.clone()
		if el.IsKey() {
			el.Flags |= FlagKey
		}
		if el.Value == nil {
			el.Flags |= FlagNull
		}
		el.Qualifiers = nil
		// Names are unique in the class, so add cannot fail.
		_ = inst.set.add(el)
	}
	return inst
}

// NewMethodParams returns an empty parameter set holding the inbound
// parameters of method, in declaration order.
func (c *Class) NewMethodParams(method string) (*Instance, error) {
	m, err := c.Method(method)
	if err != nil {
		return nil, err
	}
	params := NewInstance("__PARAMETERS")
	for _, p := range m.InParameters() {
		if err := params.set.add(Element{Name: p.Name, Type: p.Type, Flags: FlagIn | FlagNull}); err != nil {
			return nil, err
		}
	}
	return params, nil
}

func qualifierBool(q map[string]any, name string) bool {
	for k, v := range q {
		if strings.EqualFold(k, name) {
			b, _ := v.(bool)
			return b
		}
	}
	return false
}

func cloneQualifiers(q map[string]any) map[string]any {
	if q == nil {
		return nil
	}
	out := make(map[string]any, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}
