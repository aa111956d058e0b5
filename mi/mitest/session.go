package mitest

import (
	"context"
	"strings"
	"sync"

	"github.com/smnsjas/go-wmi/mi"
)

type session struct {
	driver   *Driver
	repo     *Repository
	protocol string
	computer string
	server   string
	dest     *mi.DestinationOptions

	mu     sync.Mutex
	closed bool
}

var errClosed = mi.NewError(mi.ResultFailed, "session is closed")

// begin records the call and returns the injected or lifecycle failure
// for op, if any.
func (s *session) begin(ctx context.Context, c Call) error {
	c.Protocol = s.protocol
	s.repo.record(c)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errClosed
	}
	return s.driver.failure(c.Op)
}

// stamp returns a copy of inst as seen from this session.
func (s *session) stamp(inst *mi.Instance) *mi.Instance {
	out := inst.Clone()
	out.ServerName = s.server
	for _, el := range out.Elements() {
		if el.Type == mi.TypeReference {
			if ref, ok := el.Value.(*mi.Instance); ok && ref.ServerName == "" {
				ref.ServerName = s.server
			}
		}
	}
	return out
}

// ExecQuery implements mi.Session.
func (s *session) ExecQuery(ctx context.Context, ns, wql string, _ *mi.OperationOptions) (mi.Operation, error) {
	if err := s.begin(ctx, Call{Op: "ExecQuery", Namespace: ns, Query: wql}); err != nil {
		return nil, err
	}
	q, err := parseQuery(wql)
	if err != nil {
		return nil, err
	}

	s.repo.mu.Lock()
	_, declared := s.repo.classes[classKey(ns, q.class)]
	stored := s.repo.instances[classKey(ns, q.class)]
	var out []*mi.Instance
	for _, inst := range stored {
		if q.matches(inst) {
			out = append(out, s.stamp(q.project(inst)))
		}
	}
	s.repo.mu.Unlock()

	if !declared && len(stored) == 0 {
		return nil, &mi.Error{Result: mi.ResultInvalidClass, ErrorCode: mi.ErrorCodeInvalidClass, Message: "invalid class " + q.class}
	}
	return mi.NewInstanceOperation(out), nil
}

// GetAssociators implements mi.Session.
func (s *session) GetAssociators(ctx context.Context, ns string, inst *mi.Instance, assocClass, resultClass string, _ *mi.OperationOptions) (mi.Operation, error) {
	if err := s.begin(ctx, Call{Op: "GetAssociators", Namespace: ns, ClassName: inst.ClassName, Params: inst}); err != nil {
		return nil, err
	}
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()

	var out []*mi.Instance
	for _, a := range s.repo.associations {
		if assocClass != "" && !strings.EqualFold(a.class, assocClass) {
			continue
		}
		var other *mi.Instance
		switch {
		case sameKeys(a.a, inst):
			other = a.b
		case sameKeys(a.b, inst):
			other = a.a
		default:
			continue
		}
		if resultClass != "" && !strings.EqualFold(other.ClassName, resultClass) {
			continue
		}
		// Associations hold key-only endpoints; resolve the full object.
		full := other
		for _, stored := range s.repo.instances[classKey(ns, other.ClassName)] {
			if sameKeys(stored, other) {
				full = stored
				break
			}
		}
		out = append(out, s.stamp(full))
	}
	return mi.NewInstanceOperation(out), nil
}

// GetClass implements mi.Session.
func (s *session) GetClass(ctx context.Context, ns, className string) (*mi.Class, error) {
	if err := s.begin(ctx, Call{Op: "GetClass", Namespace: ns, ClassName: className}); err != nil {
		return nil, err
	}
	s.repo.mu.Lock()
	cls, ok := s.repo.classes[classKey(ns, className)]
	s.repo.mu.Unlock()
	if !ok {
		return nil, &mi.Error{Result: mi.ResultNotFound, ErrorCode: mi.ErrorCodeNotFound, Message: "class " + className + " not found"}
	}
	out := cls.Clone()
	out.ServerName = s.server
	return out, nil
}

// GetInstance implements mi.Session.
func (s *session) GetInstance(ctx context.Context, ns string, keys *mi.Instance, _ *mi.OperationOptions) (*mi.Instance, error) {
	if err := s.begin(ctx, Call{Op: "GetInstance", Namespace: ns, ClassName: keys.ClassName, Params: keys}); err != nil {
		return nil, err
	}
	if len(keys.KeyNames()) == 0 {
		return nil, mi.NewError(mi.ResultInvalidParameter, "instance of %s has no key properties", keys.ClassName)
	}
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	for _, inst := range s.repo.instances[classKey(ns, keys.ClassName)] {
		if sameKeys(inst, keys) {
			return s.stamp(inst), nil
		}
	}
	return nil, &mi.Error{Result: mi.ResultNotFound, ErrorCode: mi.ErrorCodeNotFound, Message: "instance not found"}
}

// InvokeMethod implements mi.Session.
func (s *session) InvokeMethod(ctx context.Context, ns string, target mi.Target, method string, params *mi.Instance, _ *mi.OperationOptions) (*mi.Instance, error) {
	className := target.TargetClassName()
	if err := s.begin(ctx, Call{Op: "InvokeMethod", Namespace: ns, ClassName: className, Method: method, Params: params}); err != nil {
		return nil, err
	}
	if params == nil {
		params = mi.NewInstance("__PARAMETERS")
	}

	s.repo.mu.Lock()
	fn := s.repo.methods[strings.ToLower(className+"."+method)]
	cls := s.repo.classes[classKey(ns, className)]
	s.repo.mu.Unlock()

	if fn == nil {
		if cls == nil {
			return nil, mi.NewError(mi.ResultInvalidClass, "invalid class %s", className)
		}
		if _, err := cls.Method(method); err != nil {
			return nil, err
		}
		return mi.NewInstance("__PARAMETERS"), nil
	}
	out, err := fn(ctx, target, params.Clone())
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = mi.NewInstance("__PARAMETERS")
	}
	return out, nil
}

// CreateInstance implements mi.Session.
func (s *session) CreateInstance(ctx context.Context, ns string, inst *mi.Instance, _ *mi.OperationOptions) (*mi.Instance, error) {
	if err := s.begin(ctx, Call{Op: "CreateInstance", Namespace: ns, ClassName: inst.ClassName, Params: inst}); err != nil {
		return nil, err
	}
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	if err := s.repo.addLocked(ns, inst); err != nil {
		return nil, err
	}
	out := s.stamp(inst)
	out.Namespace = nsKey(ns)
	return out, nil
}

// ModifyInstance implements mi.Session.
func (s *session) ModifyInstance(ctx context.Context, ns string, inst *mi.Instance, _ *mi.OperationOptions) (*mi.Instance, error) {
	if err := s.begin(ctx, Call{Op: "ModifyInstance", Namespace: ns, ClassName: inst.ClassName, Params: inst}); err != nil {
		return nil, err
	}
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	stored := s.repo.instances[classKey(ns, inst.ClassName)]
	for i, existing := range stored {
		if sameKeys(existing, inst) {
			c := inst.Clone()
			c.Namespace = nsKey(ns)
			stored[i] = c
			return s.stamp(c), nil
		}
	}
	return nil, &mi.Error{Result: mi.ResultNotFound, ErrorCode: mi.ErrorCodeNotFound, Message: "instance not found"}
}

// DeleteInstance implements mi.Session.
func (s *session) DeleteInstance(ctx context.Context, ns string, inst *mi.Instance, _ *mi.OperationOptions) error {
	if err := s.begin(ctx, Call{Op: "DeleteInstance", Namespace: ns, ClassName: inst.ClassName, Params: inst}); err != nil {
		return err
	}
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	key := classKey(ns, inst.ClassName)
	stored := s.repo.instances[key]
	for i, existing := range stored {
		if sameKeys(existing, inst) {
			s.repo.instances[key] = append(stored[:i:i], stored[i+1:]...)
			return nil
		}
	}
	return &mi.Error{Result: mi.ResultNotFound, ErrorCode: mi.ErrorCodeNotFound, Message: "instance not found"}
}

// Subscribe implements mi.Session.
func (s *session) Subscribe(ctx context.Context, ns, wql string, fn mi.IndicationFunc, _ *mi.OperationOptions) (mi.Subscription, error) {
	if err := s.begin(ctx, Call{Op: "Subscribe", Namespace: ns, Query: wql}); err != nil {
		return nil, err
	}
	q, err := parseQuery(wql)
	if err != nil {
		return nil, err
	}
	sub := newSubscription(nsKey(ns), q.class, s.server, fn)
	s.repo.mu.Lock()
	s.repo.subs = append(s.repo.subs, sub)
	s.repo.mu.Unlock()
	return sub, nil
}

// Close implements mi.Session.
func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
