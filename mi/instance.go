package mi

import (
	"fmt"
	"strings"
)

// Element is a named, typed slot on an instance, class or parameter set.
type Element struct {
	Name  string
	Type  Type
	Value any
	Flags Flags

	// Qualifiers holds declaration qualifiers (class elements only).
	Qualifiers map[string]any
}

// IsKey reports whether the element is a key, either through FlagKey or a
// true "key" qualifier.
func (e Element) IsKey() bool {
	if e.Flags&FlagKey != 0 {
		return true
	}
	for name, v := range e.Qualifiers {
		if strings.EqualFold(name, "key") {
			b, _ := v.(bool)
			return b
		}
	}
	return false
}

func (e Element) clone() Element {
	out := e
	out.Value = cloneValue(e.Value)
	if e.Qualifiers != nil {
		out.Qualifiers = make(map[string]any, len(e.Qualifiers))
		for k, v := range e.Qualifiers {
			out.Qualifiers[k] = v
		}
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Instance:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// elementSet is an ordered element collection indexed case-insensitively.
type elementSet struct {
	elements []Element
	index    map[string]int
}

func (s *elementSet) lookup(name string) (int, bool) {
	i, ok := s.index[strings.ToLower(name)]
	return i, ok
}

func (s *elementSet) add(el Element) error {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	key := strings.ToLower(el.Name)
	if _, dup := s.index[key]; dup {
		return NewError(ResultAlreadyExists, "element %q already exists", el.Name)
	}
	s.index[key] = len(s.elements)
	s.elements = append(s.elements, el)
	return nil
}

func (s *elementSet) clone() elementSet {
	out := elementSet{
		elements: make([]Element, len(s.elements)),
		index:    make(map[string]int, len(s.index)),
	}
	for i, el := range s.elements {
		out.elements[i] = el.clone()
	}
	for k, v := range s.index {
		out.index[k] = v
	}
	return out
}

// Instance is a typed management object: a class name, a location and an
// ordered set of elements. Method parameter sets are also Instances, named
// after the method (__PARAMETERS in WMI terms).
type Instance struct {
	ClassName  string
	Namespace  string
	ServerName string

	set elementSet
}

// NewInstance returns an empty instance of className.
func NewInstance(className string) *Instance {
	return &Instance{ClassName: className}
}

// Len returns the number of elements.
func (i *Instance) Len() int {
	return len(i.set.elements)
}

// ElementAt returns the element at position idx.
func (i *Instance) ElementAt(idx int) (Element, error) {
	if idx < 0 || idx >= len(i.set.elements) {
		return Element{}, NewError(ResultInvalidParameter, "element index %d out of range", idx)
	}
	return i.set.elements[idx], nil
}

// Element returns the element named name. Lookup is case-insensitive.
func (i *Instance) Element(name string) (Element, error) {
	idx, ok := i.set.lookup(name)
	if !ok {
		return Element{}, NewError(ResultNoSuchProperty, "no such property %q on %s", name, i.ClassName)
	}
	return i.set.elements[idx], nil
}

// Has reports whether an element named name exists.
func (i *Instance) Has(name string) bool {
	_, ok := i.set.lookup(name)
	return ok
}

// Elements returns a copy of the element list in declaration order.
func (i *Instance) Elements() []Element {
	out := make([]Element, len(i.set.elements))
	copy(out, i.set.elements)
	return out
}

// Add appends a new element. The value is converted with Coerce.
func (i *Instance) Add(name string, t Type, v any, flags Flags) error {
	if !t.Valid() {
		return NewError(ResultInvalidParameter, "invalid type %d for %q", uint32(t), name)
	}
	cv, err := Coerce(t, v)
	if err != nil {
		return err
	}
	if cv == nil {
		flags |= FlagNull
	} else {
		flags &^= FlagNull
	}
	return i.set.add(Element{Name: name, Type: t, Value: cv, Flags: flags})
}

// Set assigns the value of an existing element, converting it to the
// element's declared type.
func (i *Instance) Set(name string, v any) error {
	idx, ok := i.set.lookup(name)
	if !ok {
		return NewError(ResultNoSuchProperty, "no such property %q on %s", name, i.ClassName)
	}
	return i.SetAt(idx, v)
}

// SetAt assigns the value of the element at position idx.
func (i *Instance) SetAt(idx int, v any) error {
	if idx < 0 || idx >= len(i.set.elements) {
		return NewError(ResultInvalidParameter, "element index %d out of range", idx)
	}
	el := &i.set.elements[idx]
	cv, err := Coerce(el.Type, v)
	if err != nil {
		return err
	}
	el.Value = cv
	if cv == nil {
		el.Flags |= FlagNull
	} else {
		el.Flags &^= FlagNull
	}
	return nil
}

// Clone returns a deep copy detached from i.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.set = i.set.clone()
	return &out
}

// KeyNames returns the names of the key elements in declaration order.
func (i *Instance) KeyNames() []string {
	var keys []string
	for _, el := range i.set.elements {
		if el.IsKey() {
			keys = append(keys, el.Name)
		}
	}
	return keys
}

// Path returns the WMI object path of the instance:
//
//	\\SERVER\root\cimv2:Win32_Service.Name="wuauserv"
//
// An instance without a server name has not been persisted and yields an
// empty path.
func (i *Instance) Path() (string, error) {
	if i.ServerName == "" {
		return "", nil
	}
	keys := i.KeyNames()
	if len(keys) == 0 {
		return "", NewError(ResultFailed, "cannot get path of an instance without key elements")
	}

	var b strings.Builder
	fmt.Fprintf(&b, `\\%s\%s:%s.`, i.ServerName, strings.ReplaceAll(i.Namespace, "/", `\`), i.ClassName)
	for n, name := range keys {
		if n > 0 {
			b.WriteByte(',')
		}
		el, _ := i.Element(name)
		b.WriteString(el.Name)
		b.WriteByte('=')
		switch v := el.Value.(type) {
		case string:
			b.WriteString(quoteKey(v))
		case *Instance:
			ref, err := v.Path()
			if err != nil {
				return "", err
			}
			b.WriteString(quoteKey(ref))
		case uint8, uint16, uint32, uint64, int8, int16, int32, int64:
			fmt.Fprintf(&b, "%d", v)
		case bool:
			b.WriteString(FormatValue(v))
		default:
			return "", NewError(ResultNotSupported, "unsupported key type %s for %q", el.Type, el.Name)
		}
	}
	return b.String(), nil
}

func quoteKey(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
