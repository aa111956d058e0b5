package winrm

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/wsman"
)

// node is a parsed WS-CIM element. WS-CIM objects carry no type
// information, so they are read into a small tree and typed afterwards
// against the class declaration.
type node struct {
	name     xml.Name
	attrs    []xml.Attr
	children []*node
	text     string
}

func parseNode(data []byte) (*node, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	var (
		stack []*node
		root  *node
	)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse WS-CIM object: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name, attrs: t.Copy().Attr}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return root, nil
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("parse WS-CIM object: no element")
	}
	return root, nil
}

func (n *node) attr(local string) string {
	for _, a := range n.attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (n *node) isNil() bool {
	return n.attr("nil") == "true"
}

func (n *node) child(local string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name.Local == local {
			return c
		}
	}
	return nil
}

func (n *node) isReference() bool {
	return n.child("ReferenceParameters") != nil || n.child("Address") != nil
}

func (n *node) isDatetime() bool {
	return len(n.children) == 1 && (n.child("Datetime") != nil || n.child("Interval") != nil ||
		n.child("Date") != nil)
}

// schemaFunc resolves the declaration of a class. It returns nil when the
// class is unknown; decoding then falls back to untyped string elements.
type schemaFunc func(className string) *mi.Class

// decoder types WS-CIM objects into MI instances.
type decoder struct {
	namespace string
	server    string
	schema    schemaFunc
}

func (d *decoder) lookup(className string) *mi.Class {
	if d.schema == nil || className == "" {
		return nil
	}
	return d.schema(className)
}

// decodeObject decodes a top level object such as an enumeration item or a
// Get response. Event envelopes (w:Event) are unwrapped.
func (d *decoder) decodeObject(data []byte, epr *wsman.EndpointReference) (*mi.Instance, error) {
	n, err := parseNode(data)
	if err != nil {
		return nil, err
	}
	if n.name.Local == "Event" && len(n.children) > 0 {
		n = n.children[0]
	}
	inst, err := d.instance(n, d.lookup(n.name.Local))
	if err != nil {
		return nil, err
	}
	if epr != nil {
		if err := markKeys(inst, epr); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// markKeys flags the selector properties of epr as keys. Instances decoded
// without a class declaration learn their keys this way.
func markKeys(inst *mi.Instance, epr *wsman.EndpointReference) error {
	if len(inst.KeyNames()) > 0 {
		return nil
	}
	keyed := mi.NewInstance(inst.ClassName)
	keyed.Namespace, keyed.ServerName = inst.Namespace, inst.ServerName
	isKey := make(map[string]bool)
	for _, s := range epr.Selectors {
		if s.Name != wsman.SelectorCIMNamespace {
			isKey[strings.ToLower(s.Name)] = true
		}
	}
	for _, el := range inst.Elements() {
		flags := el.Flags
		if isKey[strings.ToLower(el.Name)] {
			flags |= mi.FlagKey
		}
		if err := keyed.Add(el.Name, el.Type, el.Value, flags); err != nil {
			return err
		}
	}
	*inst = *keyed
	return nil
}

// instance decodes n. cls may be nil.
func (d *decoder) instance(n *node, cls *mi.Class) (*mi.Instance, error) {
	className := n.name.Local
	if cls != nil {
		className = cls.Name
	}
	inst := mi.NewInstance(className)
	inst.Namespace = d.namespace
	inst.ServerName = d.server

	groups := make(map[string][]*node)
	var order []string
	for _, c := range n.children {
		key := strings.ToLower(c.name.Local)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}

	if cls != nil {
		for _, p := range cls.Properties() {
			key := strings.ToLower(p.Name)
			v, err := d.values(p.Type, groups[key])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", className, p.Name, err)
			}
			var flags mi.Flags
			if p.IsKey() {
				flags |= mi.FlagKey
			}
			if err := inst.Add(p.Name, p.Type, v, flags); err != nil {
				return nil, err
			}
			delete(groups, key)
		}
	}

	for _, key := range order {
		nodes, ok := groups[key]
		if !ok {
			continue
		}
		t := guessType(nodes)
		v, err := d.values(t, nodes)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", className, nodes[0].name.Local, err)
		}
		if err := inst.Add(nodes[0].name.Local, t, v, 0); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// guessType types an undeclared property from its shape.
func guessType(nodes []*node) mi.Type {
	t := mi.TypeString
	for _, n := range nodes {
		if n.isNil() {
			continue
		}
		switch {
		case n.isReference():
			t = mi.TypeReference
		case n.isDatetime():
			t = mi.TypeDatetime
		case len(n.children) > 0:
			t = mi.TypeInstance
		}
		break
	}
	if len(nodes) > 1 {
		t |= mi.TypeArray
	}
	return t
}

func (d *decoder) values(t mi.Type, nodes []*node) (any, error) {
	if len(nodes) == 0 || (len(nodes) == 1 && nodes[0].isNil()) {
		return nil, nil
	}
	if !t.IsArray() {
		return d.value(t, nodes[0])
	}
	items := make([]any, 0, len(nodes))
	for _, n := range nodes {
		if n.isNil() {
			items = append(items, nil)
			continue
		}
		v, err := d.value(t.Elem(), n)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

func (d *decoder) value(t mi.Type, n *node) (any, error) {
	switch t {
	case mi.TypeReference:
		return d.reference(n)
	case mi.TypeInstance:
		return d.embedded(n)
	case mi.TypeDatetime:
		return parseDatetimeNode(n)
	case mi.TypeString:
		return n.text, nil
	case mi.TypeChar16:
		if r := []rune(n.text); len(r) == 1 {
			return uint16(r[0]), nil
		}
	}
	return mi.ParseValue(t, strings.TrimSpace(n.text))
}

// embedded decodes an embedded instance. Its class comes from xsi:type
// ("p:Win32_Process_Type") or, failing that, from the element name.
func (d *decoder) embedded(n *node) (*mi.Instance, error) {
	className := n.attr("type")
	if i := strings.LastIndexByte(className, ':'); i >= 0 {
		className = className[i+1:]
	}
	className = strings.TrimSuffix(className, "_Type")
	if className == "" {
		className = n.name.Local
	}
	inst, err := d.instance(n, d.lookup(className))
	if err != nil {
		return nil, err
	}
	inst.ClassName = className
	return inst, nil
}

// reference converts an endpoint reference into a key-only instance.
func (d *decoder) reference(n *node) (*mi.Instance, error) {
	params := n.child("ReferenceParameters")
	var uri string
	if r := params.child("ResourceURI"); r != nil {
		uri = strings.TrimSpace(r.text)
	}
	if uri == "" {
		return nil, errors.New("reference without resource URI")
	}
	className, ns := splitResourceURI(uri)
	if ns == "" {
		ns = d.namespace
	}

	var selectors []*node
	if set := params.child("SelectorSet"); set != nil {
		selectors = set.children
	}
	for _, s := range selectors {
		if s.attr("Name") == wsman.SelectorCIMNamespace {
			ns = strings.TrimSpace(s.text)
		}
	}

	ref := mi.NewInstance(className)
	ref.Namespace = ns
	ref.ServerName = d.server
	cls := d.lookup(className)
	for _, s := range selectors {
		name := s.attr("Name")
		if name == "" || name == wsman.SelectorCIMNamespace {
			continue
		}
		var (
			v   any = s.text
			typ     = mi.TypeString
		)
		if nested := s.child("EndpointReference"); nested != nil {
			inner, err := d.reference(nested)
			if err != nil {
				return nil, err
			}
			v, typ = inner, mi.TypeReference
		} else if cls != nil {
			if p, err := cls.Property(name); err == nil && !p.Type.IsArray() {
				if tv, err := d.value(p.Type, s); err == nil {
					v, typ = tv, p.Type
				}
			}
		}
		if err := ref.Add(name, typ, v, mi.FlagKey); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

// splitResourceURI returns the class name and namespace of a WMI resource
// URI. The namespace is empty for URIs outside the WMI root.
func splitResourceURI(uri string) (className, ns string) {
	i := strings.LastIndexByte(uri, '/')
	className = uri[i+1:]
	if rest, ok := strings.CutPrefix(uri[:max(i, 0)], wsman.ResourceURIWMI+"/"); ok {
		ns = rest
	}
	return className, ns
}

func parseDatetimeNode(n *node) (mi.Datetime, error) {
	if iv := n.child("Interval"); iv != nil {
		d, err := parseXSDuration(strings.TrimSpace(iv.text))
		if err != nil {
			return mi.Datetime{}, err
		}
		return mi.NewInterval(d), nil
	}
	text := n.text
	if dt := n.child("Datetime"); dt != nil {
		text = dt.text
	} else if dt := n.child("Date"); dt != nil {
		text = dt.text
	}
	text = strings.TrimSpace(text)
	if dmtf, err := mi.ParseDatetime(text); err == nil {
		return dmtf, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, text); err == nil {
			return mi.NewTimestamp(t), nil
		}
	}
	return mi.Datetime{}, fmt.Errorf("invalid datetime %q", text)
}

// parseXSDuration parses an xs:duration such as "P1DT2H3M4.5S". Years and
// months are not accepted because they have no fixed length.
func parseXSDuration(s string) (time.Duration, error) {
	orig := s
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	s = s[1:]
	var (
		total  time.Duration
		inTime bool
		num    strings.Builder
	)
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case (r >= '0' && r <= '9') || r == '.':
			num.WriteRune(r)
		default:
			f, err := strconv.ParseFloat(num.String(), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", orig)
			}
			num.Reset()
			var unit time.Duration
			switch {
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("unsupported duration %q", orig)
			}
			total += time.Duration(math.Round(f * float64(unit)))
		}
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	if neg {
		total = -total
	}
	return total, nil
}

// formatXSDuration renders d as an xs:duration with microsecond precision.
func formatXSDuration(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign, d = "-", -d
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	mins := d / time.Minute
	d -= mins * time.Minute
	secs := d / time.Second
	d -= secs * time.Second
	return fmt.Sprintf("%sP%dDT%dH%dM%d.%06dS", sign, days, hours, mins, secs, d/time.Microsecond)
}

// encoder renders MI instances as WS-CIM objects.
type encoder struct {
	buf bytes.Buffer
	// skipNull omits null elements instead of writing xsi:nil.
	skipNull bool
}

// encodeObject renders inst as <p:element xmlns:p="resourceURI">.
func encodeObject(element, resourceURI string, inst *mi.Instance, skipNull bool) ([]byte, error) {
	e := &encoder{skipNull: skipNull}
	fmt.Fprintf(&e.buf, `<p:%s xmlns:p="%s" xmlns:xsi="%s" xmlns:cim="%s">`,
		element, escape(resourceURI), wsman.NsXsi, wsman.NsCimCommon)
	if err := e.elements("p", inst); err != nil {
		return nil, err
	}
	fmt.Fprintf(&e.buf, `</p:%s>`, element)
	return e.buf.Bytes(), nil
}

func (e *encoder) elements(prefix string, inst *mi.Instance) error {
	for _, el := range inst.Elements() {
		if err := e.element(prefix, el.Name, el.Type, el.Value); err != nil {
			return fmt.Errorf("%s: %w", el.Name, err)
		}
	}
	return nil
}

func (e *encoder) element(prefix, name string, t mi.Type, v any) error {
	if v == nil {
		if !e.skipNull {
			fmt.Fprintf(&e.buf, `<%s:%s xsi:nil="true"/>`, prefix, name)
		}
		return nil
	}
	if t.IsArray() {
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("array value has type %T", v)
		}
		for _, item := range items {
			if err := e.element(prefix, name, t.Elem(), item); err != nil {
				return err
			}
		}
		return nil
	}

	switch t {
	case mi.TypeReference:
		ref, ok := v.(*mi.Instance)
		if !ok {
			return fmt.Errorf("reference value has type %T", v)
		}
		fmt.Fprintf(&e.buf, `<%s:%s>`, prefix, name)
		if err := e.reference(ref); err != nil {
			return err
		}
		fmt.Fprintf(&e.buf, `</%s:%s>`, prefix, name)
	case mi.TypeInstance:
		inst, ok := v.(*mi.Instance)
		if !ok {
			return fmt.Errorf("instance value has type %T", v)
		}
		uri := wsman.WMIResourceURI(inst.Namespace, inst.ClassName)
		fmt.Fprintf(&e.buf, `<%s:%s xmlns:e="%s" xsi:type="e:%s_Type">`, prefix, name, escape(uri), inst.ClassName)
		if err := e.elements("e", inst); err != nil {
			return err
		}
		fmt.Fprintf(&e.buf, `</%s:%s>`, prefix, name)
	case mi.TypeDatetime:
		dt, ok := v.(mi.Datetime)
		if !ok {
			return fmt.Errorf("datetime value has type %T", v)
		}
		if dt.IsInterval {
			fmt.Fprintf(&e.buf, `<%s:%s><cim:Interval>%s</cim:Interval></%s:%s>`,
				prefix, name, formatXSDuration(dt.Interval), prefix, name)
		} else {
			fmt.Fprintf(&e.buf, `<%s:%s><cim:Datetime>%s</cim:Datetime></%s:%s>`,
				prefix, name, dt.Time.Format("2006-01-02T15:04:05.000000Z07:00"), prefix, name)
		}
	case mi.TypeChar16:
		c, ok := v.(uint16)
		if !ok {
			return fmt.Errorf("char16 value has type %T", v)
		}
		fmt.Fprintf(&e.buf, `<%s:%s>%s</%s:%s>`, prefix, name, escape(string(rune(c))), prefix, name)
	default:
		fmt.Fprintf(&e.buf, `<%s:%s>%s</%s:%s>`, prefix, name, escape(mi.FormatValue(v)), prefix, name)
	}
	return nil
}

func (e *encoder) reference(ref *mi.Instance) error {
	selectors, err := keySelectors(ref)
	if err != nil {
		return err
	}
	ns := ref.Namespace
	fmt.Fprintf(&e.buf, `<a:Address xmlns:a="%s">%s</a:Address>`, wsman.NsAddressing, wsman.AddressAnonymous)
	fmt.Fprintf(&e.buf, `<a:ReferenceParameters xmlns:a="%s" xmlns:w="%s">`, wsman.NsAddressing, wsman.NsWsman)
	fmt.Fprintf(&e.buf, `<w:ResourceURI>%s</w:ResourceURI><w:SelectorSet>`, escape(wsman.WMIResourceURI(ns, ref.ClassName)))
	for _, s := range selectors {
		fmt.Fprintf(&e.buf, `<w:Selector Name="%s">%s</w:Selector>`, escape(s.Name), escape(s.Value))
	}
	e.buf.WriteString(`</w:SelectorSet></a:ReferenceParameters>`)
	return nil
}

// keySelectors returns the WS-Management selectors addressing inst.
func keySelectors(inst *mi.Instance) ([]wsman.Selector, error) {
	keys := inst.KeyNames()
	if len(keys) == 0 {
		return nil, mi.NewError(mi.ResultInvalidParameter, "instance of %s has no key properties", inst.ClassName)
	}
	selectors := make([]wsman.Selector, 0, len(keys))
	for _, name := range keys {
		el, err := inst.Element(name)
		if err != nil {
			return nil, err
		}
		if el.Value == nil {
			return nil, mi.NewError(mi.ResultInvalidParameter, "key property %s of %s is null", name, inst.ClassName)
		}
		selectors = append(selectors, wsman.Selector{Name: el.Name, Value: mi.FormatValue(el.Value)})
	}
	return selectors, nil
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
