package dcom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smnsjas/go-wmi/mi"
)

// WbemCimtypeEnum values reported by SWbemProperty.CIMType.
const (
	cimSint16    = 2
	cimSint32    = 3
	cimReal32    = 4
	cimReal64    = 5
	cimString    = 8
	cimBoolean   = 11
	cimObject    = 13
	cimSint8     = 16
	cimUint8     = 17
	cimUint16    = 18
	cimUint32    = 19
	cimSint64    = 20
	cimUint64    = 21
	cimDatetime  = 101
	cimReference = 102
	cimChar16    = 103
)

var cimTypes = map[int32]mi.Type{
	cimSint16:    mi.TypeSint16,
	cimSint32:    mi.TypeSint32,
	cimReal32:    mi.TypeReal32,
	cimReal64:    mi.TypeReal64,
	cimString:    mi.TypeString,
	cimBoolean:   mi.TypeBoolean,
	cimObject:    mi.TypeInstance,
	cimSint8:     mi.TypeSint8,
	cimUint8:     mi.TypeUint8,
	cimUint16:    mi.TypeUint16,
	cimUint32:    mi.TypeUint32,
	cimSint64:    mi.TypeSint64,
	cimUint64:    mi.TypeUint64,
	cimDatetime:  mi.TypeDatetime,
	cimReference: mi.TypeReference,
	cimChar16:    mi.TypeChar16,
}

// miType maps a CIMType to the engine type.
func miType(cimType int32, isArray bool) (mi.Type, error) {
	t, ok := cimTypes[cimType]
	if !ok {
		return 0, mi.NewError(mi.ResultNotSupported, "unsupported CIM type %d", cimType)
	}
	if isArray {
		t |= mi.TypeArray
	}
	return t, nil
}

// parseObjectPath parses a WMI object path such as
//
//	\\SERVER\root\cimv2:Win32_Service.Name="wuauserv"
//
// into a key-only instance. Quoted key values become strings, unquoted
// ones integers or booleans.
func parseObjectPath(path string) (*mi.Instance, error) {
	inst := mi.NewInstance("")
	rest := path
	if strings.HasPrefix(rest, `\\`) {
		server, after, ok := strings.Cut(rest[2:], `\`)
		if !ok {
			return nil, mi.NewError(mi.ResultInvalidParameter, "malformed object path %q", path)
		}
		inst.ServerName, rest = server, after
	}
	// Key values may contain colons, so only one before the keys separates
	// the namespace.
	if i := strings.Index(rest, ":"); i >= 0 && !strings.ContainsAny(rest[:i], `.="`) {
		inst.Namespace = strings.ReplaceAll(rest[:i], `\`, "/")
		rest = rest[i+1:]
	}

	class, keys, hasKeys := strings.Cut(rest, ".")
	if !hasKeys {
		class, _, _ = strings.Cut(rest, "=")
	}
	if class == "" {
		return nil, mi.NewError(mi.ResultInvalidParameter, "malformed object path %q", path)
	}
	inst.ClassName = class
	if !hasKeys {
		return inst, nil
	}

	for keys != "" {
		name, after, ok := strings.Cut(keys, "=")
		if !ok || name == "" {
			return nil, mi.NewError(mi.ResultInvalidParameter, "malformed key in object path %q", path)
		}
		var (
			t   mi.Type
			v   any
			err error
		)
		if strings.HasPrefix(after, `"`) {
			v, after, err = unquoteKey(after)
			t = mi.TypeString
		} else {
			raw, next, _ := strings.Cut(after, ",")
			t, v, err = parseKeyLiteral(raw)
			after = "," + next
			if next == "" {
				after = ""
			}
		}
		if err != nil {
			return nil, fmt.Errorf("object path %q: %w", path, err)
		}
		if err := inst.Add(name, t, v, mi.FlagKey); err != nil {
			return nil, err
		}
		if after != "" && after[0] != ',' {
			return nil, mi.NewError(mi.ResultInvalidParameter, "malformed key in object path %q", path)
		}
		keys = strings.TrimPrefix(after, ",")
	}
	return inst, nil
}

// unquoteKey reads a quoted key value with backslash escapes from the
// start of s and returns the value and the remainder.
func unquoteKey(s string) (string, string, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
			if i < len(s) {
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", mi.NewError(mi.ResultInvalidParameter, "unterminated key value")
}

func parseKeyLiteral(raw string) (mi.Type, any, error) {
	switch strings.ToLower(raw) {
	case "true":
		return mi.TypeBoolean, true, nil
	case "false":
		return mi.TypeBoolean, false, nil
	}
	if u, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return mi.TypeUint64, u, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return mi.TypeSint64, i, nil
	}
	return 0, nil, mi.NewError(mi.ResultInvalidParameter, "malformed key value %q", raw)
}

// relativePath renders the class-relative path of inst from its keys, as
// accepted by SWbemServices.Get. An instance without keys is taken to be a
// singleton.
func relativePath(inst *mi.Instance) (string, error) {
	keys := inst.KeyNames()
	if len(keys) == 0 {
		return inst.ClassName + "=@", nil
	}
	var b strings.Builder
	b.WriteString(inst.ClassName)
	b.WriteByte('.')
	for n, name := range keys {
		if n > 0 {
			b.WriteByte(',')
		}
		el, _ := inst.Element(name)
		b.WriteString(el.Name)
		b.WriteByte('=')
		switch v := el.Value.(type) {
		case string:
			b.WriteString(quoteKey(v))
		case *mi.Instance:
			ref, err := objectPath(v)
			if err != nil {
				return "", err
			}
			b.WriteString(quoteKey(ref))
		case bool:
			b.WriteString(strings.ToUpper(strconv.FormatBool(v)))
		case uint8, uint16, uint32, uint64, int8, int16, int32, int64:
			fmt.Fprintf(&b, "%d", v)
		case nil:
			return "", mi.NewError(mi.ResultInvalidParameter, "key %q of %s is not set", el.Name, inst.ClassName)
		default:
			return "", mi.NewError(mi.ResultNotSupported, "unsupported key type %s for %q", el.Type, el.Name)
		}
	}
	return b.String(), nil
}

// objectPath is Instance.Path falling back to the relative path for
// instances that have no server name.
func objectPath(inst *mi.Instance) (string, error) {
	p, err := inst.Path()
	if err != nil || p != "" {
		return p, err
	}
	return relativePath(inst)
}

func quoteKey(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
