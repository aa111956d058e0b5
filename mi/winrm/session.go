package winrm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/wsman"
)

// session implements mi.Session over one WS-Management endpoint.
type session struct {
	client   *wsman.Client
	server   string
	timeout  time.Duration
	pullWait time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	schemas map[string]*mi.Class
	closed  bool
}

func newSession(client *wsman.Client, server string, timeout, pullWait time.Duration, logger *slog.Logger) *session {
	return &session{
		client:   client,
		server:   server,
		timeout:  timeout,
		pullWait: pullWait,
		logger:   logger,
		schemas:  make(map[string]*mi.Class),
	}
}

var errSessionClosed = mi.NewError(mi.ResultFailed, "session is closed")

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	return nil
}

// normalizeNamespace renders ns with forward slashes, as used in resource
// URIs and the __cimnamespace selector.
func normalizeNamespace(ns string) string {
	return strings.Trim(strings.ReplaceAll(ns, `\`, "/"), "/")
}

func (s *session) requestOptions(opts *mi.OperationOptions) *wsman.RequestOptions {
	ro := &wsman.RequestOptions{Timeout: opts.EffectiveTimeout(s.timeout)}
	if opts == nil {
		return ro
	}
	for _, o := range opts.CustomOptions {
		ro.Options = append(ro.Options, wsman.Option{
			Name:       o.Name,
			Type:       xsType(o.Type),
			MustComply: o.MustComply,
			Value:      mi.FormatValue(o.Value),
		})
	}
	return ro
}

// xsType returns the XML schema type name announced for an option value.
func xsType(t mi.Type) string {
	switch t {
	case mi.TypeBoolean:
		return "xs:boolean"
	case mi.TypeUint8:
		return "xs:unsignedByte"
	case mi.TypeSint8:
		return "xs:byte"
	case mi.TypeUint16:
		return "xs:unsignedShort"
	case mi.TypeSint16:
		return "xs:short"
	case mi.TypeUint32:
		return "xs:unsignedInt"
	case mi.TypeSint32:
		return "xs:int"
	case mi.TypeUint64:
		return "xs:unsignedLong"
	case mi.TypeSint64:
		return "xs:long"
	case mi.TypeReal32:
		return "xs:float"
	case mi.TypeReal64:
		return "xs:double"
	case mi.TypeString:
		return "xs:string"
	default:
		return ""
	}
}

func (s *session) decoder(ctx context.Context, ns string) *decoder {
	return &decoder{
		namespace: ns,
		server:    s.server,
		schema: func(className string) *mi.Class {
			cls, err := s.class(ctx, ns, className)
			if err != nil {
				s.logger.Debug("class declaration unavailable, decoding untyped",
					"namespace", ns, "class", className, "error", err)
				return nil
			}
			return cls
		},
	}
}

// class returns the cached declaration of className. Failed lookups are
// cached as well so untyped decoding does not refetch on every object.
func (s *session) class(ctx context.Context, ns, className string) (*mi.Class, error) {
	key := strings.ToLower(ns + ":" + className)
	s.mu.Lock()
	cls, ok := s.schemas[key]
	s.mu.Unlock()
	if ok {
		if cls == nil {
			return nil, mi.NewError(mi.ResultNotFound, "class %s not available", className)
		}
		return cls, nil
	}

	cls, err := s.fetchClass(ctx, ns, className)
	if err != nil {
		if _, isMI := mi.AsError(err); isMI {
			s.mu.Lock()
			s.schemas[key] = nil
			s.mu.Unlock()
		}
		return nil, err
	}
	s.mu.Lock()
	s.schemas[key] = cls
	s.mu.Unlock()
	return cls, nil
}

func (s *session) fetchClass(ctx context.Context, ns, className string) (*mi.Class, error) {
	selectors := []wsman.Selector{{Name: wsman.SelectorCIMNamespace, Value: normalizeNamespace(ns)}}
	body, err := s.client.Get(ctx, wsman.ClassResourceURI(className), selectors, s.requestOptions(nil))
	if err != nil {
		return nil, toMIError(err)
	}
	cls, err := mi.DeserializeClass(body)
	if err != nil {
		return nil, &mi.Error{Result: mi.ResultFailed, Message: fmt.Sprintf("decode class %s: %v", className, err)}
	}
	cls.Namespace = ns
	cls.ServerName = s.server
	s.logger.Debug("class declaration fetched", "namespace", ns, "class", cls.Name)
	return cls, nil
}

// GetClass implements mi.Session.
func (s *session) GetClass(ctx context.Context, ns, className string) (*mi.Class, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cls, err := s.class(ctx, ns, className)
	if err != nil {
		return nil, err
	}
	return cls.Clone(), nil
}

// ExecQuery implements mi.Session.
func (s *session) ExecQuery(ctx context.Context, ns, wql string, opts *mi.OperationOptions) (mi.Operation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	uri := wsman.WMIResourceURI(ns, "")
	resp, err := s.client.Enumerate(ctx, uri, wsman.WQLFilter(wql), s.requestOptions(opts))
	if err != nil {
		return nil, toMIError(err)
	}
	s.logger.Debug("query started", "namespace", ns, "query", wql)
	return s.newCursor(ns, uri, resp)
}

// GetAssociators implements mi.Session.
func (s *session) GetAssociators(ctx context.Context, ns string, inst *mi.Instance, assocClass, resultClass string, opts *mi.OperationOptions) (mi.Operation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	selectors, err := keySelectors(inst)
	if err != nil {
		return nil, err
	}
	source := ns
	if inst.Namespace != "" {
		source = inst.Namespace
	}
	epr := &wsman.EndpointReference{
		Address:     wsman.AddressAnonymous,
		ResourceURI: wsman.WMIResourceURI(source, inst.ClassName),
		Selectors:   selectors,
	}
	uri := wsman.WMIResourceURI(ns, "")
	resp, err := s.client.Enumerate(ctx, uri, wsman.AssociationFilter(epr, assocClass, resultClass), s.requestOptions(opts))
	if err != nil {
		return nil, toMIError(err)
	}
	return s.newCursor(ns, uri, resp)
}

// GetInstance implements mi.Session.
func (s *session) GetInstance(ctx context.Context, ns string, keys *mi.Instance, opts *mi.OperationOptions) (*mi.Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	selectors, err := keySelectors(keys)
	if err != nil {
		return nil, err
	}
	body, err := s.client.Get(ctx, wsman.WMIResourceURI(ns, keys.ClassName), selectors, s.requestOptions(opts))
	if err != nil {
		return nil, toMIError(err)
	}
	inst, err := s.decoder(ctx, ns).decodeObject(body, &wsman.EndpointReference{Selectors: selectors})
	if err != nil {
		return nil, &mi.Error{Result: mi.ResultFailed, Message: err.Error()}
	}
	return inst, nil
}

// InvokeMethod implements mi.Session.
func (s *session) InvokeMethod(ctx context.Context, ns string, target mi.Target, method string, params *mi.Instance, opts *mi.OperationOptions) (*mi.Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	className := target.TargetClassName()
	uri := wsman.WMIResourceURI(ns, className)

	var selectors []wsman.Selector
	if inst, ok := target.(*mi.Instance); ok {
		var err error
		if selectors, err = keySelectors(inst); err != nil {
			return nil, err
		}
	}

	if params == nil {
		params = mi.NewInstance("__PARAMETERS")
	}
	body, err := encodeObject(method+"_INPUT", uri, params, true)
	if err != nil {
		return nil, &mi.Error{Result: mi.ResultInvalidParameter, Message: fmt.Sprintf("encode %s parameters: %v", method, err)}
	}

	s.logger.Debug("invoking method", "namespace", ns, "class", className, "method", method)
	out, err := s.client.Invoke(ctx, uri, method, selectors, body, s.requestOptions(opts))
	if err != nil {
		return nil, toMIError(err)
	}

	var decl *mi.Method
	if cls, err := s.class(ctx, ns, className); err == nil {
		if m, err := cls.Method(method); err == nil {
			decl = &m
		}
	}
	result, err := s.decodeOutput(ctx, ns, out, decl)
	if err != nil {
		return nil, &mi.Error{Result: mi.ResultFailed, Message: fmt.Sprintf("decode %s output: %v", method, err)}
	}
	return result, nil
}

// decodeOutput types a <Method_OUTPUT> element. The output holds the
// outbound parameters and, when the server sent one, ReturnValue.
func (s *session) decodeOutput(ctx context.Context, ns string, data []byte, decl *mi.Method) (*mi.Instance, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return mi.NewInstance("__PARAMETERS"), nil
	}
	n, err := parseNode(data)
	if err != nil {
		return nil, err
	}

	var outCls *mi.Class
	if decl != nil {
		outCls = mi.NewClass("__PARAMETERS")
		if n.child("ReturnValue") != nil {
			if err := outCls.AddProperty(mi.Element{Name: "ReturnValue", Type: decl.ReturnType, Flags: mi.FlagOut}); err != nil {
				return nil, err
			}
		}
		for _, p := range decl.OutParameters() {
			if strings.EqualFold(p.Name, "ReturnValue") {
				continue
			}
			if err := outCls.AddProperty(mi.Element{Name: p.Name, Type: p.Type, Flags: mi.FlagOut}); err != nil {
				return nil, err
			}
		}
	}

	d := s.decoder(ctx, ns)
	out, err := d.instance(n, outCls)
	if err != nil {
		return nil, err
	}
	out.ClassName = "__PARAMETERS"
	return out, nil
}

// CreateInstance implements mi.Session. The result is inst with its
// location and the key values assigned by the provider.
func (s *session) CreateInstance(ctx context.Context, ns string, inst *mi.Instance, opts *mi.OperationOptions) (*mi.Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	uri := wsman.WMIResourceURI(ns, inst.ClassName)
	body, err := encodeObject(inst.ClassName, uri, inst, true)
	if err != nil {
		return nil, &mi.Error{Result: mi.ResultInvalidParameter, Message: err.Error()}
	}
	epr, err := s.client.Create(ctx, uri, body, s.requestOptions(opts))
	if err != nil {
		return nil, toMIError(err)
	}

	out := inst.Clone()
	out.Namespace = ns
	out.ServerName = s.server
	for _, sel := range epr.Selectors {
		if sel.Name == wsman.SelectorCIMNamespace {
			continue
		}
		if out.Has(sel.Name) {
			if err := out.Set(sel.Name, sel.Value); err != nil {
				s.logger.Debug("created key not assignable", "property", sel.Name, "error", err)
			}
			continue
		}
		if err := out.Add(sel.Name, mi.TypeString, sel.Value, mi.FlagKey); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ModifyInstance implements mi.Session.
func (s *session) ModifyInstance(ctx context.Context, ns string, inst *mi.Instance, opts *mi.OperationOptions) (*mi.Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	selectors, err := keySelectors(inst)
	if err != nil {
		return nil, err
	}
	uri := wsman.WMIResourceURI(ns, inst.ClassName)
	body, err := encodeObject(inst.ClassName, uri, inst, false)
	if err != nil {
		return nil, &mi.Error{Result: mi.ResultInvalidParameter, Message: err.Error()}
	}
	resp, err := s.client.Put(ctx, uri, selectors, body, s.requestOptions(opts))
	if err != nil {
		return nil, toMIError(err)
	}
	if len(bytes.TrimSpace(resp)) == 0 {
		return inst.Clone(), nil
	}
	out, err := s.decoder(ctx, ns).decodeObject(resp, &wsman.EndpointReference{Selectors: selectors})
	if err != nil {
		return nil, &mi.Error{Result: mi.ResultFailed, Message: err.Error()}
	}
	return out, nil
}

// DeleteInstance implements mi.Session.
func (s *session) DeleteInstance(ctx context.Context, ns string, inst *mi.Instance, opts *mi.OperationOptions) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	selectors, err := keySelectors(inst)
	if err != nil {
		return err
	}
	epr := &wsman.EndpointReference{ResourceURI: wsman.WMIResourceURI(ns, inst.ClassName), Selectors: selectors}
	return toMIError(s.client.Delete(ctx, epr, s.requestOptions(opts)))
}

// Close implements mi.Session.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.schemas = make(map[string]*mi.Class)
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}

// cursor streams an enumeration, pulling further batches on demand.
type cursor struct {
	s   *session
	ns  string
	uri string

	mu      sync.Mutex
	enumCtx string
	pending []wsman.Item
	done    bool
	closed  bool
}

func (s *session) newCursor(ns, uri string, resp *wsman.EnumerateResponse) (*cursor, error) {
	items, err := resp.Items.Entries()
	if err != nil {
		return nil, &mi.Error{Result: mi.ResultFailed, Message: err.Error()}
	}
	return &cursor{
		s:       s,
		ns:      ns,
		uri:     uri,
		enumCtx: resp.EnumerationContext,
		pending: items,
		done:    resp.Done(),
	}, nil
}

// NextInstance implements mi.Operation.
func (c *cursor) NextInstance(ctx context.Context) (*mi.Instance, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) == 0 {
		if c.closed {
			return nil, false, mi.NewError(mi.ResultFailed, "operation closed")
		}
		if c.done {
			return nil, false, nil
		}
		resp, err := c.s.client.Pull(ctx, c.uri, c.enumCtx, wsman.DefaultMaxElements)
		if err != nil {
			return nil, false, toMIError(err)
		}
		items, err := resp.Items.Entries()
		if err != nil {
			return nil, false, &mi.Error{Result: mi.ResultFailed, Message: err.Error()}
		}
		if resp.EnumerationContext != "" {
			c.enumCtx = resp.EnumerationContext
		}
		c.pending = items
		c.done = resp.EndOfSequence != nil
	}

	item := c.pending[0]
	c.pending = c.pending[1:]
	inst, err := c.s.decoder(ctx, c.ns).decodeObject(item.Object, item.EPR)
	if err != nil {
		return nil, false, &mi.Error{Result: mi.ResultFailed, Message: err.Error()}
	}
	return inst, true, nil
}

// NextClass implements mi.Operation.
func (c *cursor) NextClass(context.Context) (*mi.Class, bool, error) {
	return nil, false, mi.NewError(mi.ResultNotSupported, "class enumeration is not supported over WINRM")
}

// Close implements mi.Operation. An unfinished enumeration is released on
// the server.
func (c *cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	if c.done || c.enumCtx == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.s.client.Release(ctx, c.uri, c.enumCtx); err != nil && !errors.Is(err, context.Canceled) {
		c.s.logger.Debug("release enumeration failed", "error", err)
	}
	return nil
}
