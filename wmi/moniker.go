package wmi

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var (
	monikerRe = regexp.MustCompile(`^(?i:winmgmts:)?//([^/]+)/([^:]*)(?::(.*))?`)
	objectRe  = regexp.MustCompile(`^([^.]+)\.(.*)$`)
	quotedKV  = regexp.MustCompile(`^([^=]+)="(.*)"`)
	plainKV   = regexp.MustCompile(`^([^=]+)=(.*)$`)
)

// Moniker is a parsed connection string.
type Moniker struct {
	// Server is "." for the local machine.
	Server    string
	Namespace string

	// Class and Keys name a single object. Keys is nil when the moniker
	// has no key clause.
	Class string
	Keys  map[string]string
}

// ParseMoniker parses a moniker of the form
//
//	[winmgmts:]//server/namespace[:Class.Key="value",Other=1]
//
// Input that does not start with "//" is taken as a namespace on the local
// machine. Key values have "//" replaced by a backslash, which undoes the
// slash conversion Connect applies to the whole moniker.
func ParseMoniker(s string) (Moniker, error) {
	m := monikerRe.FindStringSubmatch(s)
	if m == nil {
		return Moniker{Server: ".", Namespace: s}, nil
	}
	mk := Moniker{Server: m[1], Namespace: m[2]}
	path := m[3]
	if path == "" {
		return mk, nil
	}
	obj := objectRe.FindStringSubmatch(path)
	if obj == nil {
		mk.Class = path
		return mk, nil
	}
	mk.Class = obj[1]
	mk.Keys = make(map[string]string)
	for _, kv := range strings.Split(obj[2], ",") {
		if kv == "" {
			continue
		}
		parts := quotedKV.FindStringSubmatch(kv)
		if parts == nil {
			parts = plainKV.FindStringSubmatch(kv)
		}
		if parts == nil {
			return Moniker{}, fmt.Errorf("%w: malformed key %q in moniker", ErrInvalidArgument, kv)
		}
		mk.Keys[parts[1]] = strings.ReplaceAll(parts[2], "//", `\`)
	}
	return mk, nil
}

// Connect opens a connection to the namespace named by moniker, such as
// "root/cimv2" or "//server/root/cimv2". The connection is checked with a
// class lookup before it is returned. Monikers naming an object are
// rejected; use ConnectObject for those.
func Connect(ctx context.Context, moniker string, opts ...Option) (*Connection, error) {
	obj, err := connectMoniker(ctx, moniker, newConfig(opts), false)
	if err != nil {
		return nil, err
	}
	return obj.(*Connection), nil
}

// ConnectObject is Connect for monikers that may name an object. It
// returns a *Connection for a namespace moniker, and the named *Instance,
// or nil when it does not exist, for an object moniker. The instance owns
// its connection; release it with Instance.Close.
func ConnectObject(ctx context.Context, moniker string, opts ...Option) (any, error) {
	return connectMoniker(ctx, moniker, newConfig(opts), true)
}

func connectMoniker(ctx context.Context, moniker string, cfg config, allowObject bool) (any, error) {
	mk, computer, err := monikerTarget(moniker, cfg)
	if err != nil {
		return nil, err
	}
	if mk.Class != "" && !allowObject {
		return nil, fmt.Errorf("%w: moniker %q names an object", ErrInvalidArgument, moniker)
	}

	conn, err := newConnection(ctx, computer, mk.Namespace, cfg)
	if err != nil {
		return nil, err
	}
	if mk.Class == "" {
		// Fail early when the namespace cannot be read.
		if _, err := conn.classDescriptor(ctx, "__Provider"); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}

	inst, err := conn.Instance(ctx, mk.Class, mk.keyValues())
	if err != nil || inst == nil {
		_ = conn.Close()
		return nil, err
	}
	inst.owned = true
	return inst, nil
}

// monikerTarget parses moniker and resolves the computer it names, which
// for the local machine is the configured computer, if any.
func monikerTarget(moniker string, cfg config) (Moniker, string, error) {
	mk, err := ParseMoniker(strings.ReplaceAll(moniker, `\`, "/"))
	if err != nil {
		return Moniker{}, "", err
	}
	computer := mk.Server
	if computer == "." && cfg.computer != "" {
		computer = cfg.computer
	}
	return mk, computer, nil
}

func (mk Moniker) keyValues() map[string]any {
	key := make(map[string]any, len(mk.Keys))
	for k, v := range mk.Keys {
		key[k] = v
	}
	return key
}
