package wmi

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/smnsjas/go-wmi/mi"
)

// wrapElement converts an engine element value into the value handed to
// callers. Embedded instances become *Instance, references become their
// path, or with convertReferences the referenced object loaded through a
// reference connection (see resolveReference).
func (c *Connection) wrapElement(ctx context.Context, el mi.Element, convertReferences bool) (any, error) {
	switch v := el.Value.(type) {
	case *mi.Instance:
		switch el.Type {
		case mi.TypeInstance:
			return c.wrap(v.Clone()), nil
		case mi.TypeReference:
			path, err := v.Path()
			if err != nil {
				return nil, err
			}
			if !convertReferences || path == "" {
				return path, nil
			}
			inst, err := c.resolveReference(ctx, path)
			if err != nil {
				return nil, err
			}
			if inst == nil {
				return nil, nil
			}
			return inst, nil
		default:
			return nil, fmt.Errorf("wmi: unsupported instance element type %s", el.Type)
		}
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			ref, isInst := item.(*mi.Instance)
			switch {
			case el.Type == mi.TypeReferenceA && isInst:
				path, err := ref.Path()
				if err != nil {
					return nil, err
				}
				out[i] = path
			case el.Type == mi.TypeInstanceA && isInst:
				out[i] = c.wrap(ref.Clone())
			default:
				out[i] = item
			}
		}
		return out, nil
	default:
		return v, nil
	}
}

// unwrapElement converts a caller value into the engine representation of
// type t. The engine applies mi.Coerce on assignment, so most values pass
// through unchanged.
func (c *Connection) unwrapElement(ctx context.Context, t mi.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case t == mi.TypeReference:
		switch x := v.(type) {
		case *Instance:
			return x.obj, nil
		case *mi.Instance:
			return x, nil
		case string:
			inst, err := c.resolveReference(ctx, x)
			if err != nil {
				return nil, err
			}
			if inst == nil {
				return nil, notFound("reference not found: %s", x)
			}
			return inst.obj, nil
		}
		return v, nil
	case t == mi.TypeInstance:
		if x, ok := v.(*Instance); ok {
			return x.obj, nil
		}
		return v, nil
	case t == mi.TypeBoolean:
		return toBool(v), nil
	case t.IsArray():
		items, ok := asSlice(v)
		if !ok {
			return v, nil
		}
		out := make([]any, len(items))
		for i, item := range items {
			u, err := c.unwrapElement(ctx, t.Elem(), item)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	default:
		return v, nil
	}
}

// toBool applies the legacy boolean rules: strings are true when they read
// "true", "yes" or "1", numbers when non-zero.
func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(x) {
		case "true", "yes", "1":
			return true
		}
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// resolveReference loads the object at path. References are resolved
// through a separate connection per computer and namespace, opened with
// this connection's settings on first use and closed with it. A nil
// *Instance means the object does not exist.
func (c *Connection) resolveReference(ctx context.Context, path string) (*Instance, error) {
	mk, computer, err := monikerTarget(path, c.cfg)
	if err != nil {
		return nil, err
	}
	if mk.Class == "" {
		// The path named no object.
		return nil, nil
	}
	ref, err := c.referenceConnection(ctx, computer, mk.Namespace)
	if err != nil {
		return nil, err
	}
	return ref.Instance(ctx, mk.Class, mk.keyValues())
}

// referenceConnection returns the open reference connection for ns on
// computer, connecting it when there is none.
func (c *Connection) referenceConnection(ctx context.Context, computer, ns string) (*Connection, error) {
	key := strings.ToLower(computer + "/" + strings.Trim(ns, "/"))
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ref := c.refs[key]
	c.mu.Unlock()
	if ref != nil {
		if _, err := ref.sess(); err == nil {
			return ref, nil
		}
	}

	ref, err := newConnection(ctx, computer, ns, c.cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ref.Close()
		return nil, ErrClosed
	}
	if cur := c.refs[key]; cur != nil {
		if _, err := cur.sess(); err == nil {
			// Lost a race with a concurrent resolution.
			c.mu.Unlock()
			_ = ref.Close()
			return cur, nil
		}
	}
	if c.refs == nil {
		c.refs = make(map[string]*Connection)
	}
	c.refs[key] = ref
	c.mu.Unlock()

	remove := c.onClose(func() { _ = ref.Close() })
	ref.onClose(func() {
		remove()
		c.forgetReference(key, ref)
	})
	return ref, nil
}

func (c *Connection) forgetReference(key string, ref *Connection) {
	c.mu.Lock()
	if c.refs[key] == ref {
		delete(c.refs, key)
	}
	c.mu.Unlock()
}
