package mi

import (
	"context"
	"sync"
)

// Target is the object a method is invoked on: an *Instance for instance
// methods or a *Class for static methods.
type Target interface {
	TargetClassName() string
}

// TargetClassName implements Target.
func (i *Instance) TargetClassName() string { return i.ClassName }

// TargetClassName implements Target.
func (c *Class) TargetClassName() string { return c.Name }

// Session is an open connection to one management endpoint.
//
// Cursor operations (ExecQuery, GetAssociators) return an Operation that
// must be closed. Single-result operations return their result directly.
// Every error returned by a Session is, or wraps, an *Error.
type Session interface {
	ExecQuery(ctx context.Context, ns, wql string, opts *OperationOptions) (Operation, error)
	GetAssociators(ctx context.Context, ns string, inst *Instance, assocClass, resultClass string, opts *OperationOptions) (Operation, error)
	GetClass(ctx context.Context, ns, className string) (*Class, error)
	GetInstance(ctx context.Context, ns string, keys *Instance, opts *OperationOptions) (*Instance, error)
	InvokeMethod(ctx context.Context, ns string, target Target, method string, params *Instance, opts *OperationOptions) (*Instance, error)
	CreateInstance(ctx context.Context, ns string, inst *Instance, opts *OperationOptions) (*Instance, error)
	ModifyInstance(ctx context.Context, ns string, inst *Instance, opts *OperationOptions) (*Instance, error)
	DeleteInstance(ctx context.Context, ns string, inst *Instance, opts *OperationOptions) error
	Subscribe(ctx context.Context, ns, wql string, fn IndicationFunc, opts *OperationOptions) (Subscription, error)
	Close() error
}

// Operation is a result cursor.
type Operation interface {
	// NextInstance returns the next instance. ok is false once the cursor
	// is exhausted.
	NextInstance(ctx context.Context) (inst *Instance, ok bool, err error)
	// NextClass returns the next class. ok is false once the cursor is
	// exhausted.
	NextClass(ctx context.Context) (cls *Class, ok bool, err error)
	Close() error
}

// IndicationResult is one delivery of a subscription.
type IndicationResult struct {
	Instance  *Instance
	Bookmark  string
	MachineID string

	// MoreResults is false on the final delivery of a subscription.
	MoreResults bool

	Result       Result
	ErrorMessage string
	ErrorDetails *Instance
}

// IndicationFunc receives subscription deliveries. Drivers call it from
// their own goroutine, one delivery at a time.
type IndicationFunc func(IndicationResult)

// Subscription is a running event subscription.
//
// After Cancel the driver delivers exactly one final IndicationResult with
// MoreResults set to false. Close releases the subscription and must only
// be called once that final result has been delivered.
type Subscription interface {
	Cancel() error
	HasMoreResults() bool
	Close() error
}

// Driver opens sessions for one protocol.
type Driver interface {
	Protocol() string
	NewSession(ctx context.Context, computer string, dest *DestinationOptions) (Session, error)
}

// SliceOperation is an Operation over buffered results.
type SliceOperation struct {
	mu        sync.Mutex
	instances []*Instance
	classes   []*Class
	closed    bool
}

// NewInstanceOperation returns an Operation yielding insts.
func NewInstanceOperation(insts []*Instance) *SliceOperation {
	return &SliceOperation{instances: insts}
}

// NewClassOperation returns an Operation yielding classes.
func NewClassOperation(classes []*Class) *SliceOperation {
	return &SliceOperation{classes: classes}
}

// NextInstance implements Operation.
func (o *SliceOperation) NextInstance(ctx context.Context) (*Instance, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false, NewError(ResultFailed, "operation closed")
	}
	if len(o.instances) == 0 {
		return nil, false, nil
	}
	inst := o.instances[0]
	o.instances = o.instances[1:]
	return inst, true, nil
}

// NextClass implements Operation.
func (o *SliceOperation) NextClass(ctx context.Context) (*Class, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, false, NewError(ResultFailed, "operation closed")
	}
	if len(o.classes) == 0 {
		return nil, false, nil
	}
	cls := o.classes[0]
	o.classes = o.classes[1:]
	return cls, true, nil
}

// Close implements Operation.
func (o *SliceOperation) Close() error {
	o.mu.Lock()
	o.closed = true
	o.instances, o.classes = nil, nil
	o.mu.Unlock()
	return nil
}
