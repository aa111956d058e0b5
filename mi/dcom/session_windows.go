//go:build windows

package dcom

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/smnsjas/go-wmi/mi"
)

// SWbemServices call flags.
const (
	wbemFlagReturnImmediately = 0x10
	wbemFlagForwardOnly       = 0x20
	wbemFlagUpdateOnly        = 0x1
	wbemFlagCreateOnly        = 0x2

	wbemImpersonationLevelImpersonate = 3
)

var errClosed = mi.NewError(mi.ResultFailed, "session is closed")

type session struct {
	args   connectArgs
	server string
	poll   time.Duration
	logger *slog.Logger

	calls chan func()
	quit  chan struct{}
	done  chan struct{}

	closeOnce sync.Once

	// Owned by the apartment goroutine.
	locator  *ole.IDispatch
	services map[string]*ole.IDispatch
}

func (d *Driver) newSession(ctx context.Context, computer string, dest *mi.DestinationOptions) (mi.Session, error) {
	args, err := newConnectArgs(computer, dest)
	if err != nil {
		return nil, err
	}
	server := computer
	if server == "." {
		server, _ = os.Hostname()
	}
	s := &session{
		args:     args,
		server:   server,
		poll:     d.pollInterval,
		logger:   d.logger.With("computer", computer),
		calls:    make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		services: make(map[string]*ole.IDispatch),
	}
	ready := make(chan error, 1)
	go s.apartment(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	err = s.do(ctx, func() error {
		unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
		if err != nil {
			return comError(err)
		}
		defer unknown.Release()
		s.locator, err = unknown.QueryInterface(ole.IID_IDispatch)
		return comError(err)
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	d.logger.Debug("wmidcom session opened", "computer", computer)
	return s, nil
}

// apartment runs every COM call of the session on one OS thread.
func (s *session) apartment(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oe *ole.OleError
		// S_FALSE means the thread already joined the apartment.
		if !errors.As(err, &oe) || oe.Code() != 1 {
			ready <- comError(err)
			return
		}
	}
	defer ole.CoUninitialize()
	ready <- nil

	for {
		select {
		case fn := <-s.calls:
			fn()
		case <-s.quit:
			for ns, svc := range s.services {
				svc.Release()
				delete(s.services, ns)
			}
			if s.locator != nil {
				s.locator.Release()
				s.locator = nil
			}
			return
		}
	}
}

// do runs fn on the apartment goroutine.
func (s *session) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	call := func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- mi.NewError(mi.ResultFailed, "COM call panicked: %v", r)
			}
		}()
		errc <- fn()
	}
	select {
	case s.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errClosed
	}
	return <-errc
}

// namespace returns the SWbemServices object for ns, connecting on first
// use. It must run on the apartment goroutine.
func (s *session) namespace(ns string) (*ole.IDispatch, error) {
	key := strings.ToLower(strings.ReplaceAll(ns, "/", `\`))
	if svc, ok := s.services[key]; ok {
		return svc, nil
	}
	s.logger.Debug("wmidcom connect server", "namespace", key)
	v, err := oleutil.CallMethod(s.locator, "ConnectServer",
		s.args.server, key, s.args.user, s.args.password, s.args.locale, s.args.authority)
	if err != nil {
		return nil, comError(err)
	}
	svc := v.ToIDispatch()

	sec, err := oleutil.GetProperty(svc, "Security_")
	if err == nil {
		_, err = oleutil.PutProperty(sec.ToIDispatch(), "ImpersonationLevel", wbemImpersonationLevelImpersonate)
		_ = sec.Clear()
	}
	if err != nil {
		svc.Release()
		return nil, comError(err)
	}
	s.services[key] = svc
	return svc, nil
}

// get returns the object at path, a class name or a relative object path.
func (s *session) get(ns, path string) (*ole.IDispatch, error) {
	svc, err := s.namespace(ns)
	if err != nil {
		return nil, err
	}
	v, err := oleutil.CallMethod(svc, "Get", path)
	if err != nil {
		return nil, comError(err)
	}
	return v.ToIDispatch(), nil
}

// collect converts every object of an SWbemObjectSet.
func (s *session) collect(set *ole.IDispatch) ([]*mi.Instance, error) {
	defer set.Release()
	var out []*mi.Instance
	err := oleutil.ForEach(set, func(v *ole.VARIANT) error {
		obj := v.ToIDispatch()
		inst, err := toInstance(obj)
		if err != nil {
			return err
		}
		out = append(out, inst)
		return nil
	})
	return out, comError(err)
}

// ExecQuery implements mi.Session.
func (s *session) ExecQuery(ctx context.Context, ns, wql string, _ *mi.OperationOptions) (mi.Operation, error) {
	var out []*mi.Instance
	err := s.do(ctx, func() error {
		svc, err := s.namespace(ns)
		if err != nil {
			return err
		}
		v, err := oleutil.CallMethod(svc, "ExecQuery", wql, "WQL", wbemFlagReturnImmediately|wbemFlagForwardOnly)
		if err != nil {
			return comError(err)
		}
		out, err = s.collect(v.ToIDispatch())
		return err
	})
	if err != nil {
		return nil, err
	}
	return mi.NewInstanceOperation(out), nil
}

// GetAssociators implements mi.Session.
func (s *session) GetAssociators(ctx context.Context, ns string, inst *mi.Instance, assocClass, resultClass string, _ *mi.OperationOptions) (mi.Operation, error) {
	path, err := objectPath(inst)
	if err != nil {
		return nil, err
	}
	var out []*mi.Instance
	err = s.do(ctx, func() error {
		svc, err := s.namespace(ns)
		if err != nil {
			return err
		}
		v, err := oleutil.CallMethod(svc, "AssociatorsOf", path, assocClass, resultClass)
		if err != nil {
			return comError(err)
		}
		out, err = s.collect(v.ToIDispatch())
		return err
	})
	if err != nil {
		return nil, err
	}
	return mi.NewInstanceOperation(out), nil
}

// GetClass implements mi.Session.
func (s *session) GetClass(ctx context.Context, ns, className string) (*mi.Class, error) {
	var cls *mi.Class
	err := s.do(ctx, func() error {
		obj, err := s.get(ns, className)
		if err != nil {
			return err
		}
		defer obj.Release()
		cls, err = toClass(obj)
		return err
	})
	return cls, err
}

// GetInstance implements mi.Session.
func (s *session) GetInstance(ctx context.Context, ns string, keys *mi.Instance, _ *mi.OperationOptions) (*mi.Instance, error) {
	path, err := relativePath(keys)
	if err != nil {
		return nil, err
	}
	var inst *mi.Instance
	err = s.do(ctx, func() error {
		obj, err := s.get(ns, path)
		if err != nil {
			return err
		}
		defer obj.Release()
		inst, err = toInstance(obj)
		return err
	})
	return inst, err
}

// InvokeMethod implements mi.Session.
func (s *session) InvokeMethod(ctx context.Context, ns string, target mi.Target, method string, params *mi.Instance, _ *mi.OperationOptions) (*mi.Instance, error) {
	var path string
	switch t := target.(type) {
	case *mi.Instance:
		var err error
		if path, err = relativePath(t); err != nil {
			return nil, err
		}
	case *mi.Class:
		path = t.Name
	default:
		return nil, mi.NewError(mi.ResultInvalidParameter, "unsupported method target %T", target)
	}

	var out *mi.Instance
	err := s.do(ctx, func() error {
		obj, err := s.get(ns, path)
		if err != nil {
			return err
		}
		defer obj.Release()

		in, err := s.inParameters(obj, method, params)
		if err != nil {
			return err
		}
		var v *ole.VARIANT
		if in != nil {
			defer in.Release()
			v, err = oleutil.CallMethod(obj, "ExecMethod_", method, in)
		} else {
			v, err = oleutil.CallMethod(obj, "ExecMethod_", method)
		}
		if err != nil {
			return comError(err)
		}
		if v.VT != ole.VT_DISPATCH {
			out = mi.NewInstance("__PARAMETERS")
			return nil
		}
		res := v.ToIDispatch()
		defer res.Release()
		out, err = toInstance(res)
		if err != nil {
			return err
		}
		out.ClassName = "__PARAMETERS"
		return nil
	})
	return out, err
}

// inParameters spawns the input parameter object of method and fills it
// from params. It returns nil for methods without inputs.
func (s *session) inParameters(obj *ole.IDispatch, method string, params *mi.Instance) (*ole.IDispatch, error) {
	methods, err := oleutil.GetProperty(obj, "Methods_")
	if err != nil {
		return nil, comError(err)
	}
	defer methods.Clear()
	m, err := oleutil.CallMethod(methods.ToIDispatch(), "Item", method)
	if err != nil {
		if errors.Is(comError(err), mi.ErrNotFound) {
			return nil, mi.NewError(mi.ResultMethodNotFound, "method %s not found", method)
		}
		return nil, comError(err)
	}
	defer m.Clear()
	decl, err := oleutil.GetProperty(m.ToIDispatch(), "InParameters")
	if err != nil {
		return nil, comError(err)
	}
	defer decl.Clear()
	if decl.VT != ole.VT_DISPATCH || decl.ToIDispatch() == nil {
		return nil, nil
	}
	v, err := oleutil.CallMethod(decl.ToIDispatch(), "SpawnInstance_")
	if err != nil {
		return nil, comError(err)
	}
	in := v.ToIDispatch()
	if params != nil {
		if err := setProperties(in, params, false); err != nil {
			in.Release()
			return nil, err
		}
	}
	return in, nil
}

// CreateInstance implements mi.Session.
func (s *session) CreateInstance(ctx context.Context, ns string, inst *mi.Instance, _ *mi.OperationOptions) (*mi.Instance, error) {
	var out *mi.Instance
	err := s.do(ctx, func() error {
		cls, err := s.get(ns, inst.ClassName)
		if err != nil {
			return err
		}
		defer cls.Release()
		v, err := oleutil.CallMethod(cls, "SpawnInstance_")
		if err != nil {
			return comError(err)
		}
		obj := v.ToIDispatch()
		defer obj.Release()
		if err := setProperties(obj, inst, false); err != nil {
			return err
		}
		out, err = s.put(ns, obj, wbemFlagCreateOnly)
		return err
	})
	return out, err
}

// ModifyInstance implements mi.Session.
func (s *session) ModifyInstance(ctx context.Context, ns string, inst *mi.Instance, _ *mi.OperationOptions) (*mi.Instance, error) {
	path, err := relativePath(inst)
	if err != nil {
		return nil, err
	}
	var out *mi.Instance
	err = s.do(ctx, func() error {
		obj, err := s.get(ns, path)
		if err != nil {
			return err
		}
		defer obj.Release()
		if err := setProperties(obj, inst, true); err != nil {
			return err
		}
		out, err = s.put(ns, obj, wbemFlagUpdateOnly)
		return err
	})
	return out, err
}

// put writes obj and reads the stored object back.
func (s *session) put(ns string, obj *ole.IDispatch, flags int) (*mi.Instance, error) {
	v, err := oleutil.CallMethod(obj, "Put_", flags)
	if err != nil {
		return nil, comError(err)
	}
	pathObj := v.ToIDispatch()
	defer pathObj.Release()
	rel, err := oleutil.GetProperty(pathObj, "RelPath")
	if err != nil {
		return nil, comError(err)
	}
	stored, err := s.get(ns, rel.ToString())
	if err != nil {
		return nil, err
	}
	defer stored.Release()
	return toInstance(stored)
}

// DeleteInstance implements mi.Session.
func (s *session) DeleteInstance(ctx context.Context, ns string, inst *mi.Instance, _ *mi.OperationOptions) error {
	path, err := relativePath(inst)
	if err != nil {
		return err
	}
	return s.do(ctx, func() error {
		svc, err := s.namespace(ns)
		if err != nil {
			return err
		}
		_, err = oleutil.CallMethod(svc, "Delete", path)
		return comError(err)
	})
}

// Subscribe implements mi.Session.
func (s *session) Subscribe(ctx context.Context, ns, wql string, fn mi.IndicationFunc, _ *mi.OperationOptions) (mi.Subscription, error) {
	var src *ole.IDispatch
	err := s.do(ctx, func() error {
		svc, err := s.namespace(ns)
		if err != nil {
			return err
		}
		v, err := oleutil.CallMethod(svc, "ExecNotificationQuery", wql, "WQL", wbemFlagReturnImmediately|wbemFlagForwardOnly)
		if err != nil {
			return comError(err)
		}
		src = v.ToIDispatch()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("wmidcom subscription started", "namespace", ns)
	return newSubscription(src, s.server, s.poll, fn, s.logger), nil
}

// Close implements mi.Session.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
	})
	return nil
}

// comError converts a COM failure into an engine error.
func comError(err error) error {
	if err == nil {
		return nil
	}
	var oe *ole.OleError
	if !errors.As(err, &oe) {
		return err
	}
	code := uint32(oe.Code())
	msg := oe.String()
	if ei, ok := oe.SubError().(ole.EXCEPINFO); ok {
		if sc := ei.SCODE(); sc != 0 {
			code = sc
		}
		if d := ei.String(); d != "" {
			msg = d
		}
	}
	return newError(code, strings.TrimSpace(msg))
}
