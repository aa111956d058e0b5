//go:build windows

package dcom

import (
	"strings"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/smnsjas/go-wmi/mi"
)

// property reads a named property of disp as a Go value.
func property(disp *ole.IDispatch, name string) (any, error) {
	v, err := oleutil.GetProperty(disp, name)
	if err != nil {
		return nil, comError(err)
	}
	defer v.Clear()
	return v.Value(), nil
}

// child reads a named object property of disp. The caller releases it.
func child(disp *ole.IDispatch, name string) (*ole.IDispatch, error) {
	v, err := oleutil.GetProperty(disp, name)
	if err != nil {
		return nil, comError(err)
	}
	if v.VT != ole.VT_DISPATCH {
		_ = v.Clear()
		return nil, nil
	}
	return v.ToIDispatch(), nil
}

func stringProperty(disp *ole.IDispatch, name string) string {
	v, err := property(disp, name)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// each calls fn for every object of the collection property name of disp.
func each(disp *ole.IDispatch, name string, fn func(*ole.IDispatch) error) error {
	coll, err := child(disp, name)
	if err != nil || coll == nil {
		return err
	}
	defer coll.Release()
	return comError(oleutil.ForEach(coll, func(v *ole.VARIANT) error {
		item := v.ToIDispatch()
		if item == nil {
			return nil
		}
		return fn(item)
	}))
}

// location fills the class, namespace and server of an SWbemObject.
func location(obj *ole.IDispatch) (class, namespace, server string, err error) {
	path, err := child(obj, "Path_")
	if err != nil || path == nil {
		return "", "", "", err
	}
	defer path.Release()
	class = stringProperty(path, "Class")
	namespace = strings.ReplaceAll(stringProperty(path, "Namespace"), `\`, "/")
	server = stringProperty(path, "Server")
	return class, namespace, server, nil
}

// qualifiers reads the Qualifiers_ collection of a declaration.
func qualifiers(disp *ole.IDispatch) (map[string]any, error) {
	var q map[string]any
	err := each(disp, "Qualifiers_", func(item *ole.IDispatch) error {
		name := stringProperty(item, "Name")
		v, err := property(item, "Value")
		if err != nil {
			return err
		}
		if q == nil {
			q = make(map[string]any)
		}
		if arr, ok := v.(*ole.SafeArrayConversion); ok {
			v = arr.ToValueArray()
		}
		q[name] = v
		return nil
	})
	return q, err
}

// element converts one SWbemProperty.
func element(prop *ole.IDispatch) (mi.Element, error) {
	name := stringProperty(prop, "Name")
	cimType, err := property(prop, "CIMType")
	if err != nil {
		return mi.Element{}, err
	}
	isArray, _ := property(prop, "IsArray")
	arr, _ := isArray.(bool)
	t, err := miType(toInt32(cimType), arr)
	if err != nil {
		return mi.Element{}, err
	}

	raw, err := oleutil.GetProperty(prop, "Value")
	if err != nil {
		return mi.Element{}, comError(err)
	}
	defer raw.Clear()
	v, err := fromVariant(t, raw)
	if err != nil {
		return mi.Element{}, err
	}
	cv, err := mi.Coerce(t, v)
	if err != nil {
		return mi.Element{}, err
	}
	el := mi.Element{Name: name, Type: t, Value: cv}
	if cv == nil {
		el.Flags |= mi.FlagNull
	}
	return el, nil
}

// fromVariant converts a property VARIANT for an element of type t.
func fromVariant(t mi.Type, v *ole.VARIANT) (any, error) {
	if v.VT == ole.VT_NULL || v.VT == ole.VT_EMPTY {
		return nil, nil
	}
	if v.VT&ole.VT_ARRAY != 0 {
		items := v.ToArray().ToValueArray()
		out := make([]any, len(items))
		for i, item := range items {
			cv, err := scalar(t.Elem(), item)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	}
	return scalar(t, v.Value())
}

func scalar(t mi.Type, v any) (any, error) {
	switch x := v.(type) {
	case *ole.IDispatch:
		if t != mi.TypeInstance {
			return nil, mi.NewError(mi.ResultTypeMismatch, "unexpected object for %s", t)
		}
		return toInstance(x)
	case string:
		if t == mi.TypeReference {
			return parseObjectPath(x)
		}
	case int32:
		// Automation has no unsigned 32-bit variant for uint32 properties.
		if t == mi.TypeUint32 {
			return uint32(x), nil
		}
	case int16:
		if t == mi.TypeChar16 || t == mi.TypeUint16 {
			return uint16(x), nil
		}
	}
	return v, nil
}

func toInt32(v any) int32 {
	switch x := v.(type) {
	case int32:
		return x
	case int64:
		return int32(x)
	case int:
		return int32(x)
	case uint32:
		return int32(x)
	}
	return 0
}

// keyNames lists the key property names from the object path.
func keyNames(obj *ole.IDispatch) map[string]bool {
	keys := make(map[string]bool)
	path, err := child(obj, "Path_")
	if err != nil || path == nil {
		return keys
	}
	defer path.Release()
	_ = each(path, "Keys", func(item *ole.IDispatch) error {
		keys[strings.ToLower(stringProperty(item, "Name"))] = true
		return nil
	})
	return keys
}

// toInstance converts an SWbemObject instance.
func toInstance(obj *ole.IDispatch) (*mi.Instance, error) {
	class, ns, server, err := location(obj)
	if err != nil {
		return nil, err
	}
	inst := mi.NewInstance(class)
	inst.Namespace, inst.ServerName = ns, server
	keys := keyNames(obj)
	err = each(obj, "Properties_", func(prop *ole.IDispatch) error {
		el, err := element(prop)
		if err != nil {
			return err
		}
		flags := el.Flags
		if keys[strings.ToLower(el.Name)] {
			flags |= mi.FlagKey
		}
		return inst.Add(el.Name, el.Type, el.Value, flags)
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// toClass converts an SWbemObject class definition.
func toClass(obj *ole.IDispatch) (*mi.Class, error) {
	name, ns, server, err := location(obj)
	if err != nil {
		return nil, err
	}
	cls := mi.NewClass(name)
	cls.Namespace, cls.ServerName = ns, server
	if cls.Qualifiers, err = qualifiers(obj); err != nil {
		return nil, err
	}
	if sys, err := child(obj, "SystemProperties_"); err == nil && sys != nil {
		if super, err := oleutil.CallMethod(sys, "Item", "__SUPERCLASS"); err == nil {
			if p := super.ToIDispatch(); p != nil {
				cls.SuperClass = stringProperty(p, "Value")
			}
			_ = super.Clear()
		}
		sys.Release()
	}

	err = each(obj, "Properties_", func(prop *ole.IDispatch) error {
		el, err := element(prop)
		if err != nil {
			return err
		}
		if el.Qualifiers, err = qualifiers(prop); err != nil {
			return err
		}
		if el.IsKey() {
			el.Flags |= mi.FlagKey
		}
		return cls.AddProperty(el)
	})
	if err != nil {
		return nil, err
	}

	err = each(obj, "Methods_", func(m *ole.IDispatch) error {
		method := mi.Method{Name: stringProperty(m, "Name"), ReturnType: mi.TypeUint32}
		var err error
		if method.Qualifiers, err = qualifiers(m); err != nil {
			return err
		}
		if err := parameters(m, "InParameters", mi.FlagIn, &method); err != nil {
			return err
		}
		if err := parameters(m, "OutParameters", mi.FlagOut, &method); err != nil {
			return err
		}
		return cls.AddMethod(method)
	})
	if err != nil {
		return nil, err
	}
	return cls, nil
}

// parameters appends the parameters declared by the signature object in
// property sig of m. ReturnValue sets the method return type.
func parameters(m *ole.IDispatch, sig string, flag mi.Flags, method *mi.Method) error {
	decl, err := child(m, sig)
	if err != nil || decl == nil {
		return err
	}
	defer decl.Release()
	return each(decl, "Properties_", func(prop *ole.IDispatch) error {
		el, err := element(prop)
		if err != nil {
			return err
		}
		if flag == mi.FlagOut && strings.EqualFold(el.Name, "ReturnValue") {
			method.ReturnType = el.Type
			return nil
		}
		if el.Qualifiers, err = qualifiers(prop); err != nil {
			return err
		}
		el.Flags |= flag
		method.Parameters = append(method.Parameters, el)
		return nil
	})
}

// setProperties writes the elements of inst onto obj. Keys are left
// alone when modifying an existing object.
func setProperties(obj *ole.IDispatch, inst *mi.Instance, skipKeys bool) error {
	props, err := child(obj, "Properties_")
	if err != nil {
		return err
	}
	if props == nil {
		return mi.NewError(mi.ResultFailed, "object has no properties")
	}
	defer props.Release()
	for _, el := range inst.Elements() {
		if skipKeys && el.IsKey() {
			continue
		}
		if el.Value == nil && !skipKeys {
			continue
		}
		v, err := toVariantValue(el)
		if err != nil {
			return err
		}
		item, err := oleutil.CallMethod(props, "Item", el.Name)
		if err != nil {
			if e := comError(err); !isNotFound(e) {
				return e
			}
			return mi.NewError(mi.ResultNoSuchProperty, "no such property %q on %s", el.Name, inst.ClassName)
		}
		prop := item.ToIDispatch()
		_, err = oleutil.PutProperty(prop, "Value", v)
		prop.Release()
		if err != nil {
			return comError(err)
		}
	}
	return nil
}

// toVariantValue converts an element value to something go-ole can pass
// through IDispatch.
func toVariantValue(el mi.Element) (any, error) {
	switch v := el.Value.(type) {
	case nil:
		return nil, nil
	case *mi.Instance:
		if el.Type == mi.TypeReference {
			return objectPath(v)
		}
	case []any:
	case mi.Datetime:
		return v.String(), nil
	case uint64, int64:
		// 64-bit integers travel as strings through automation.
		return mi.FormatValue(v), nil
	default:
		return v, nil
	}
	return nil, mi.NewError(mi.ResultNotSupported, "WMIDCOM cannot write %s property %q", el.Type, el.Name)
}

func isNotFound(err error) bool {
	e, ok := err.(*mi.Error)
	return ok && e.Result == mi.ResultNotFound
}
