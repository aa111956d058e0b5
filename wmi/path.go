package wmi

import (
	"strings"

	"github.com/smnsjas/go-wmi/mi"
)

// Path describes the location of an instance or class, in the manner of
// SWbemObjectPath.
type Path struct {
	entity Entity
}

// Class returns the class name.
func (p *Path) Class() string { return p.entity.ClassName() }

// IsClass reports whether the path names a class.
func (p *Path) IsClass() bool {
	_, ok := p.entity.(*Class)
	return ok
}

// Namespace returns the namespace of the object.
func (p *Path) Namespace() string {
	switch e := p.entity.(type) {
	case *Instance:
		return e.obj.Namespace
	case *Class:
		return e.obj.Namespace
	}
	return ""
}

// Server returns the server the object was read from.
func (p *Path) Server() string {
	switch e := p.entity.(type) {
	case *Instance:
		return e.obj.ServerName
	case *Class:
		return e.obj.ServerName
	}
	return ""
}

// Path returns the full object path, or "" for an unpersisted instance.
func (p *Path) Path() (string, error) {
	switch e := p.entity.(type) {
	case *Instance:
		return e.PathString()
	case *Class:
		return classPath(e.obj), nil
	}
	return "", nil
}

// RelPath returns the path without the server and namespace.
func (p *Path) RelPath() (string, error) {
	path, err := p.Path()
	if err != nil {
		return "", err
	}
	return path[strings.Index(path, ":")+1:], nil
}

// DisplayName returns the path in moniker form.
func (p *Path) DisplayName() (string, error) {
	path, err := p.Path()
	if err != nil || path == "" {
		return path, err
	}
	return "WINMGMTS:" + path, nil
}

func (p *Path) String() string {
	path, _ := p.Path()
	return path
}

// Authority is not available from the engine.
func (p *Path) Authority() (string, error) { return "", ErrNotImplemented }

// IsSingleton is not available from the engine.
func (p *Path) IsSingleton() (bool, error) { return false, ErrNotImplemented }

// Keys is not available from the engine.
func (p *Path) Keys() (map[string]any, error) { return nil, ErrNotImplemented }

// Locale is not available from the engine.
func (p *Path) Locale() (string, error) { return "", ErrNotImplemented }

// ParentNamespace is not available from the engine.
func (p *Path) ParentNamespace() (string, error) { return "", ErrNotImplemented }

// Security is not available from the engine.
func (p *Path) Security() (any, error) { return nil, ErrNotImplemented }

func classPath(cls *mi.Class) string {
	if cls.ServerName == "" {
		return ""
	}
	return `\\` + cls.ServerName + `\` + strings.ReplaceAll(cls.Namespace, "/", `\`) + ":" + cls.Name
}
