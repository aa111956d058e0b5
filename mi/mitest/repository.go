// Package mitest provides an in-memory mi.Driver backed by a scriptable
// repository of classes, instances, method handlers and event sources.
//
// It stands in for a management server in tests:
//
//	repo := mitest.NewRepository("HOST1")
//	repo.AddClass("root/cimv2", processClass)
//	app := mi.NewApplication()
//	app.RegisterDriver(mitest.NewDriver(mi.ProtocolWinRM, repo))
package mitest

import (
	"context"
	"strings"
	"sync"

	"github.com/smnsjas/go-wmi/mi"
)

// MethodFunc implements a method. target is the *mi.Instance or *mi.Class
// the method was invoked on; params holds the inbound parameters. The
// returned instance becomes the output parameter set.
type MethodFunc func(ctx context.Context, target mi.Target, params *mi.Instance) (*mi.Instance, error)

// Call records one session operation.
type Call struct {
	Protocol  string
	Op        string
	Namespace string
	Query     string
	ClassName string
	Method    string

	// Params is a copy of the parameter set or instance passed in.
	Params *mi.Instance
}

// SessionInfo describes a session opened against the repository.
type SessionInfo struct {
	Protocol string
	Computer string
	Dest     *mi.DestinationOptions
	Closed   bool
}

type association struct {
	class string
	a, b  *mi.Instance
}

// Repository is the shared state behind every session of the drivers
// created over it. It is safe for concurrent use.
type Repository struct {
	hostname string

	mu           sync.Mutex
	classes      map[string]*mi.Class
	instances    map[string][]*mi.Instance
	methods      map[string]MethodFunc
	associations []association
	subs         []*subscription
	sessions     []*session
	calls        []Call
}

// NewRepository returns an empty repository. hostname is the server name
// stamped on instances returned for the local computer.
func NewRepository(hostname string) *Repository {
	if hostname == "" {
		hostname = "localhost"
	}
	return &Repository{
		hostname:  hostname,
		classes:   make(map[string]*mi.Class),
		instances: make(map[string][]*mi.Instance),
		methods:   make(map[string]MethodFunc),
	}
}

func nsKey(ns string) string {
	return strings.ToLower(strings.Trim(strings.ReplaceAll(ns, `\`, "/"), "/"))
}

func classKey(ns, class string) string {
	return nsKey(ns) + ":" + strings.ToLower(class)
}

// AddClass declares cls in namespace ns.
func (r *Repository) AddClass(ns string, cls *mi.Class) {
	c := cls.Clone()
	c.Namespace = nsKey(ns)
	r.mu.Lock()
	r.classes[classKey(ns, cls.Name)] = c
	r.mu.Unlock()
}

// AddInstance stores a copy of inst in namespace ns.
func (r *Repository) AddInstance(ns string, inst *mi.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(ns, inst)
}

func (r *Repository) addLocked(ns string, inst *mi.Instance) error {
	if len(inst.KeyNames()) == 0 {
		return mi.NewError(mi.ResultInvalidParameter, "instance of %s has no key properties", inst.ClassName)
	}
	key := classKey(ns, inst.ClassName)
	for _, existing := range r.instances[key] {
		if sameKeys(existing, inst) {
			return mi.NewError(mi.ResultAlreadyExists, "instance of %s already exists", inst.ClassName)
		}
	}
	c := inst.Clone()
	c.Namespace = nsKey(ns)
	r.instances[key] = append(r.instances[key], c)
	return nil
}

// Instances returns copies of the stored instances of className.
func (r *Repository) Instances(ns, className string) []*mi.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*mi.Instance
	for _, inst := range r.instances[classKey(ns, className)] {
		out = append(out, inst.Clone())
	}
	return out
}

// SetMethod installs the implementation of className.method.
func (r *Repository) SetMethod(className, method string, fn MethodFunc) {
	r.mu.Lock()
	r.methods[strings.ToLower(className+"."+method)] = fn
	r.mu.Unlock()
}

// AddAssociation links a and b through an association class.
func (r *Repository) AddAssociation(assocClass string, a, b *mi.Instance) {
	r.mu.Lock()
	r.associations = append(r.associations, association{class: assocClass, a: a.Clone(), b: b.Clone()})
	r.mu.Unlock()
}

// Calls returns the operations performed so far, oldest first.
func (r *Repository) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsTo returns the recorded calls of one operation.
func (r *Repository) CallsTo(op string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Sessions describes every session opened so far.
func (r *Repository) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		out = append(out, SessionInfo{Protocol: s.protocol, Computer: s.computer, Dest: s.dest.Clone(), Closed: s.closed})
		s.mu.Unlock()
	}
	return out
}

func (r *Repository) record(c Call) {
	if c.Params != nil {
		c.Params = c.Params.Clone()
	}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func sameKeys(a, b *mi.Instance) bool {
	if !strings.EqualFold(a.ClassName, b.ClassName) {
		return false
	}
	keys := a.KeyNames()
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		av, err := a.Element(k)
		if err != nil {
			return false
		}
		bv, err := b.Element(k)
		if err != nil {
			return false
		}
		if !strings.EqualFold(mi.FormatValue(av.Value), mi.FormatValue(bv.Value)) {
			return false
		}
	}
	return true
}
