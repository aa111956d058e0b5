package mi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// CIM-XML (DSP0201) element shapes. Only the subset needed to carry
// classes, instances and instance names is modelled.

type xmlQualifier struct {
	XMLName    xml.Name       `xml:"QUALIFIER"`
	Name       string         `xml:"NAME,attr"`
	Type       string         `xml:"TYPE,attr"`
	Value      *string        `xml:"VALUE"`
	ValueArray *xmlValueArray `xml:"VALUE.ARRAY"`
}

type xmlValueArray struct {
	Values []string `xml:"VALUE"`
}

type xmlKeyBinding struct {
	Name     string             `xml:"NAME,attr"`
	KeyValue *xmlKeyValue       `xml:"KEYVALUE"`
	ValueRef *xmlValueReference `xml:"VALUE.REFERENCE"`
}

type xmlKeyValue struct {
	ValueType string `xml:"VALUETYPE,attr,omitempty"`
	Type      string `xml:"TYPE,attr,omitempty"`
	Text      string `xml:",chardata"`
}

type xmlInstanceName struct {
	ClassName   string          `xml:"CLASSNAME,attr"`
	KeyBindings []xmlKeyBinding `xml:"KEYBINDING"`
}

type xmlNamespace struct {
	Name string `xml:"NAME,attr"`
}

type xmlNamespacePath struct {
	Host       string         `xml:"HOST"`
	Namespaces []xmlNamespace `xml:"LOCALNAMESPACEPATH>NAMESPACE"`
}

type xmlInstancePath struct {
	NamespacePath xmlNamespacePath `xml:"NAMESPACEPATH"`
	InstanceName  xmlInstanceName  `xml:"INSTANCENAME"`
}

type xmlValueReference struct {
	InstancePath *xmlInstancePath `xml:"INSTANCEPATH"`
	InstanceName *xmlInstanceName `xml:"INSTANCENAME"`
}

type xmlValueRefArray struct {
	Values []xmlValueReference `xml:"VALUE.REFERENCE"`
}

// xmlProperty covers PROPERTY, PROPERTY.ARRAY and PROPERTY.REFERENCE, and
// the PARAMETER variants inside METHOD.
type xmlProperty struct {
	XMLName        xml.Name
	Name           string             `xml:"NAME,attr"`
	Type           string             `xml:"TYPE,attr,omitempty"`
	ReferenceClass string             `xml:"REFERENCECLASS,attr,omitempty"`
	EmbeddedObject string             `xml:"EmbeddedObject,attr,omitempty"`
	Qualifiers     []xmlQualifier     `xml:"QUALIFIER"`
	Value          *string            `xml:"VALUE"`
	ValueArray     *xmlValueArray     `xml:"VALUE.ARRAY"`
	ValueReference *xmlValueReference `xml:"VALUE.REFERENCE"`
	ValueRefArray  *xmlValueRefArray  `xml:"VALUE.REFARRAY"`
}

type xmlMethod struct {
	Name       string         `xml:"NAME,attr"`
	Type       string         `xml:"TYPE,attr,omitempty"`
	Qualifiers []xmlQualifier `xml:"QUALIFIER"`
	Parameters []xmlProperty  `xml:",any"`
}

type xmlInstance struct {
	XMLName    xml.Name       `xml:"INSTANCE"`
	ClassName  string         `xml:"CLASSNAME,attr"`
	Qualifiers []xmlQualifier `xml:"QUALIFIER"`
	Properties []xmlProperty  `xml:",any"`
}

type xmlClass struct {
	XMLName    xml.Name       `xml:"CLASS"`
	Name       string         `xml:"NAME,attr"`
	SuperClass string         `xml:"SUPERCLASS,attr,omitempty"`
	Qualifiers []xmlQualifier `xml:"QUALIFIER"`
	Methods    []xmlMethod    `xml:"METHOD"`
	Properties []xmlProperty  `xml:",any"`
}

const embeddedInstance = "instance"

// Serializer renders instances and classes as CIM-XML.
type Serializer struct{}

// SerializeInstance renders inst as a CIM-XML INSTANCE element.
func (s *Serializer) SerializeInstance(inst *Instance) ([]byte, error) {
	x, err := encodeInstance(inst)
	if err != nil {
		return nil, err
	}
	return marshalXML(x)
}

// SerializeClass renders cls as a CIM-XML CLASS element.
func (s *Serializer) SerializeClass(cls *Class) ([]byte, error) {
	x := xmlClass{
		Name:       cls.Name,
		SuperClass: cls.SuperClass,
		Qualifiers: encodeQualifiers(cls.Qualifiers),
	}
	for _, p := range cls.props.elements {
		xp, err := encodeProperty("PROPERTY", p)
		if err != nil {
			return nil, err
		}
		xp.Qualifiers = append(xp.Qualifiers, encodeQualifiers(p.Qualifiers)...)
		if p.Flags&FlagKey != 0 && !hasQualifier(p.Qualifiers, "key") {
			xp.Qualifiers = append(xp.Qualifiers, encodeQualifiers(map[string]any{"key": true})...)
		}
		x.Properties = append(x.Properties, xp)
	}
	for _, m := range cls.methods {
		xm := xmlMethod{Name: m.Name, Qualifiers: encodeQualifiers(m.Qualifiers)}
		if m.ReturnType.Valid() {
			xm.Type = m.ReturnType.Elem().String()
		}
		for _, p := range m.Parameters {
			p.Value = nil
			xp, err := encodeProperty("PARAMETER", p)
			if err != nil {
				return nil, err
			}
			q := cloneQualifiers(p.Qualifiers)
			if q == nil {
				q = map[string]any{}
			}
			if p.Flags&FlagIn != 0 && !hasQualifier(q, "in") {
				q["In"] = true
			}
			if p.Flags&FlagOut != 0 && !hasQualifier(q, "out") {
				q["Out"] = true
			}
			xp.Qualifiers = encodeQualifiers(q)
			xm.Parameters = append(xm.Parameters, xp)
		}
		x.Methods = append(x.Methods, xm)
	}
	return marshalXML(x)
}

// DeserializeInstance parses the first INSTANCE element found in data.
func DeserializeInstance(data []byte) (*Instance, error) {
	var x xmlInstance
	if err := decodeFirst(data, "INSTANCE", &x); err != nil {
		return nil, err
	}
	return decodeInstance(&x)
}

// DeserializeClass parses the first CLASS element found in data.
func DeserializeClass(data []byte) (*Class, error) {
	var x xmlClass
	if err := decodeFirst(data, "CLASS", &x); err != nil {
		return nil, err
	}
	cls := NewClass(x.Name)
	cls.SuperClass = x.SuperClass
	cls.Qualifiers = decodeQualifiers(x.Qualifiers)
	for i := range x.Properties {
		el, err := decodeProperty(&x.Properties[i], "PROPERTY")
		if err != nil {
			return nil, err
		}
		if el == nil {
			continue
		}
		if el.IsKey() {
			el.Flags |= FlagKey
		}
		if err := cls.props.add(*el); err != nil {
			return nil, err
		}
	}
	for _, xm := range x.Methods {
		m := Method{Name: xm.Name, Qualifiers: decodeQualifiers(xm.Qualifiers)}
		if xm.Type != "" {
			t, err := ParseType(xm.Type)
			if err != nil {
				return nil, err
			}
			m.ReturnType = t
		}
		for i := range xm.Parameters {
			p, err := decodeProperty(&xm.Parameters[i], "PARAMETER")
			if err != nil {
				return nil, err
			}
			if p == nil {
				continue
			}
			if qualifierBool(p.Qualifiers, "in") {
				p.Flags |= FlagIn
			}
			if qualifierBool(p.Qualifiers, "out") {
				p.Flags |= FlagOut
			}
			m.Parameters = append(m.Parameters, *p)
		}
		cls.methods = append(cls.methods, m)
	}
	return cls, nil
}

func marshalXML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("mi: encode cim-xml: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFirst(data []byte, local string, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return NewError(ResultFailed, "no %s element in cim-xml", local)
		}
		if err != nil {
			return fmt.Errorf("mi: decode cim-xml: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			if err := dec.DecodeElement(v, &se); err != nil {
				return fmt.Errorf("mi: decode cim-xml %s: %w", local, err)
			}
			return nil
		}
	}
}

func encodeInstance(inst *Instance) (*xmlInstance, error) {
	x := &xmlInstance{ClassName: inst.ClassName}
	for _, el := range inst.set.elements {
		xp, err := encodeProperty("PROPERTY", el)
		if err != nil {
			return nil, err
		}
		x.Properties = append(x.Properties, xp)
	}
	return x, nil
}

func encodeProperty(kind string, el Element) (xmlProperty, error) {
	xp := xmlProperty{Name: el.Name}
	base := el.Type.Elem()
	switch {
	case base == TypeReference && el.Type.IsArray():
		xp.XMLName.Local = kind + ".REFARRAY"
		if kind == "PROPERTY" {
			// DSP0201 has no PROPERTY.REFARRAY; WMI encodes reference
			// arrays as string arrays of object paths.
			xp.XMLName.Local = "PROPERTY.ARRAY"
			xp.Type = "string"
			xp.ValueArray = encodePathArray(el.Value)
			return xp, nil
		}
		if items, ok := el.Value.([]any); ok {
			xp.ValueRefArray = &xmlValueRefArray{}
			for _, item := range items {
				if ref, ok := item.(*Instance); ok {
					xp.ValueRefArray.Values = append(xp.ValueRefArray.Values, encodeReference(ref))
				}
			}
		}
		return xp, nil
	case base == TypeReference:
		xp.XMLName.Local = kind + ".REFERENCE"
		if ref, ok := el.Value.(*Instance); ok {
			r := encodeReference(ref)
			xp.ValueReference = &r
		}
		return xp, nil
	case el.Type.IsArray():
		xp.XMLName.Local = kind + ".ARRAY"
	default:
		xp.XMLName.Local = kind
	}

	if base == TypeInstance {
		xp.Type = "string"
		xp.EmbeddedObject = embeddedInstance
	} else {
		xp.Type = base.String()
	}

	if el.Value == nil {
		return xp, nil
	}
	if el.Type.IsArray() {
		items, ok := el.Value.([]any)
		if !ok {
			return xp, NewError(ResultTypeMismatch, "array element %q holds %T", el.Name, el.Value)
		}
		xp.ValueArray = &xmlValueArray{}
		for _, item := range items {
			text, err := encodeScalar(base, item)
			if err != nil {
				return xp, err
			}
			xp.ValueArray.Values = append(xp.ValueArray.Values, text)
		}
		return xp, nil
	}
	text, err := encodeScalar(base, el.Value)
	if err != nil {
		return xp, err
	}
	xp.Value = &text
	return xp, nil
}

func encodeScalar(t Type, v any) (string, error) {
	switch t {
	case TypeInstance:
		inst, ok := v.(*Instance)
		if !ok {
			return "", NewError(ResultTypeMismatch, "embedded instance holds %T", v)
		}
		x, err := encodeInstance(inst)
		if err != nil {
			return "", err
		}
		b, err := marshalXML(x)
		return string(b), err
	case TypeChar16:
		if c, ok := v.(uint16); ok {
			return string(rune(c)), nil
		}
	}
	return FormatValue(v), nil
}

func encodePathArray(v any) *xmlValueArray {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	arr := &xmlValueArray{}
	for _, item := range items {
		arr.Values = append(arr.Values, FormatValue(item))
	}
	return arr
}

func encodeReference(ref *Instance) xmlValueReference {
	name := &xmlInstanceName{ClassName: ref.ClassName}
	for _, el := range ref.set.elements {
		if !el.IsKey() {
			continue
		}
		kv := &xmlKeyValue{Text: FormatValue(el.Value)}
		switch el.Type {
		case TypeString, TypeChar16, TypeDatetime:
			kv.ValueType = "string"
		case TypeBoolean:
			kv.ValueType = "boolean"
		default:
			kv.ValueType = "numeric"
		}
		kv.Type = el.Type.String()
		name.KeyBindings = append(name.KeyBindings, xmlKeyBinding{Name: el.Name, KeyValue: kv})
	}
	if ref.ServerName == "" {
		return xmlValueReference{InstanceName: name}
	}
	path := &xmlInstancePath{InstanceName: *name}
	path.NamespacePath.Host = ref.ServerName
	for _, part := range strings.FieldsFunc(ref.Namespace, func(r rune) bool { return r == '/' || r == '\\' }) {
		path.NamespacePath.Namespaces = append(path.NamespacePath.Namespaces, xmlNamespace{Name: part})
	}
	return xmlValueReference{InstancePath: path}
}

func decodeReference(x *xmlValueReference) (*Instance, error) {
	var (
		name   *xmlInstanceName
		server string
		ns     []string
	)
	switch {
	case x.InstancePath != nil:
		name = &x.InstancePath.InstanceName
		server = x.InstancePath.NamespacePath.Host
		for _, n := range x.InstancePath.NamespacePath.Namespaces {
			ns = append(ns, n.Name)
		}
	case x.InstanceName != nil:
		name = x.InstanceName
	default:
		return nil, NewError(ResultFailed, "empty reference value")
	}
	ref := NewInstance(name.ClassName)
	ref.ServerName = server
	ref.Namespace = strings.Join(ns, "/")
	for _, kb := range name.KeyBindings {
		switch {
		case kb.KeyValue != nil:
			t := TypeString
			if kb.KeyValue.Type != "" {
				if parsed, err := ParseType(kb.KeyValue.Type); err == nil {
					t = parsed
				}
			} else if kb.KeyValue.ValueType == "numeric" {
				t = TypeSint64
			} else if kb.KeyValue.ValueType == "boolean" {
				t = TypeBoolean
			}
			v, err := ParseValue(t, kb.KeyValue.Text)
			if err != nil {
				return nil, err
			}
			if err := ref.set.add(Element{Name: kb.Name, Type: t, Value: v, Flags: FlagKey}); err != nil {
				return nil, err
			}
		case kb.ValueRef != nil:
			inner, err := decodeReference(kb.ValueRef)
			if err != nil {
				return nil, err
			}
			if err := ref.set.add(Element{Name: kb.Name, Type: TypeReference, Value: inner, Flags: FlagKey}); err != nil {
				return nil, err
			}
		}
	}
	return ref, nil
}

func decodeInstance(x *xmlInstance) (*Instance, error) {
	inst := NewInstance(x.ClassName)
	for i := range x.Properties {
		el, err := decodeProperty(&x.Properties[i], "PROPERTY")
		if err != nil {
			return nil, err
		}
		if el == nil {
			continue
		}
		el.Qualifiers = nil
		if err := inst.set.add(*el); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// decodeProperty returns nil for elements that are not properties of the
// requested kind.
func decodeProperty(xp *xmlProperty, kind string) (*Element, error) {
	el := &Element{Name: xp.Name, Qualifiers: decodeQualifiers(xp.Qualifiers)}
	switch xp.XMLName.Local {
	case kind + ".REFERENCE":
		el.Type = TypeReference
		if xp.ValueReference != nil {
			ref, err := decodeReference(xp.ValueReference)
			if err != nil {
				return nil, err
			}
			el.Value = ref
		}
	case kind + ".REFARRAY":
		el.Type = TypeReferenceA
		if xp.ValueRefArray != nil {
			items := make([]any, 0, len(xp.ValueRefArray.Values))
			for i := range xp.ValueRefArray.Values {
				ref, err := decodeReference(&xp.ValueRefArray.Values[i])
				if err != nil {
					return nil, err
				}
				items = append(items, ref)
			}
			el.Value = items
		}
	case kind, kind + ".ARRAY":
		base, err := ParseType(xp.Type)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(xp.EmbeddedObject, embeddedInstance) || strings.EqualFold(xp.EmbeddedObject, "object") {
			base = TypeInstance
		}
		el.Type = base
		if xp.XMLName.Local == kind+".ARRAY" {
			el.Type |= TypeArray
			if xp.ValueArray != nil {
				items := make([]any, 0, len(xp.ValueArray.Values))
				for _, text := range xp.ValueArray.Values {
					v, err := decodeScalar(base, text)
					if err != nil {
						return nil, fmt.Errorf("mi: property %s: %w", xp.Name, err)
					}
					items = append(items, v)
				}
				el.Value = items
			}
		} else if xp.Value != nil {
			v, err := decodeScalar(base, *xp.Value)
			if err != nil {
				return nil, fmt.Errorf("mi: property %s: %w", xp.Name, err)
			}
			el.Value = v
		}
	default:
		return nil, nil
	}
	if el.Value == nil {
		el.Flags |= FlagNull
	}
	return el, nil
}

func decodeScalar(t Type, text string) (any, error) {
	switch t {
	case TypeInstance:
		return DeserializeInstance([]byte(text))
	case TypeChar16:
		if r := []rune(text); len(r) == 1 {
			return uint16(r[0]), nil
		}
	}
	return ParseValue(t, text)
}

func encodeQualifiers(q map[string]any) []xmlQualifier {
	if len(q) == 0 {
		return nil
	}
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]xmlQualifier, 0, len(q))
	for _, name := range names {
		v := q[name]
		xq := xmlQualifier{Name: name}
		switch x := v.(type) {
		case bool:
			xq.Type = "boolean"
		case string:
			xq.Type = "string"
		case []any:
			xq.Type = "string"
			xq.ValueArray = &xmlValueArray{}
			for _, item := range x {
				xq.ValueArray.Values = append(xq.ValueArray.Values, FormatValue(item))
			}
			out = append(out, xq)
			continue
		default:
			xq.Type = "sint32"
		}
		text := FormatValue(v)
		xq.Value = &text
		out = append(out, xq)
	}
	return out
}

func decodeQualifiers(xs []xmlQualifier) map[string]any {
	if len(xs) == 0 {
		return nil
	}
	out := make(map[string]any, len(xs))
	for _, xq := range xs {
		t, err := ParseType(xq.Type)
		if err != nil {
			t = TypeString
		}
		switch {
		case xq.ValueArray != nil:
			items := make([]any, 0, len(xq.ValueArray.Values))
			for _, text := range xq.ValueArray.Values {
				v, err := ParseValue(t.Elem(), text)
				if err != nil {
					v = text
				}
				items = append(items, v)
			}
			out[xq.Name] = items
		case xq.Value != nil:
			v, err := ParseValue(t.Elem(), *xq.Value)
			if err != nil {
				v = *xq.Value
			}
			out[xq.Name] = v
		default:
			// A valueless boolean qualifier is true.
			out[xq.Name] = t == TypeBoolean
		}
	}
	return out
}

func hasQualifier(q map[string]any, name string) bool {
	for k := range q {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
