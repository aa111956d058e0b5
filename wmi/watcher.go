package wmi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smnsjas/go-wmi/mi"
)

// EventWatcher turns an event subscription into a blocking Wait.
//
// Events are queued as the driver delivers them. A delivered error is
// latched and returned by the next Wait. Once the subscription ends, Wait
// closes the watcher and returns ErrNoMoreEvents, together with the error
// that ended that call, if any. A timed out Wait may therefore also be the
// last one.
type EventWatcher struct {
	conn *Connection
	exec Executor

	mu    sync.Mutex
	sub   mi.Subscription
	queue []*Instance
	err   *Error

	signal   chan struct{}
	closed   chan struct{}
	finished chan struct{}

	finishOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
	unhook     func()
}

func newEventWatcher(ctx context.Context, c *Connection, wql string) (*EventWatcher, error) {
	w := &EventWatcher{
		conn:     c,
		exec:     c.exec,
		signal:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
	sub, err := c.Subscribe(ctx, wql, w.indication, nil)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	// Registered only once sub is set, so that closing the connection
	// always cancels it. Runs Close at once if the connection closed
	// during Subscribe.
	unhook := c.onClose(func() { _ = w.Close() })
	w.mu.Lock()
	w.unhook = unhook
	w.mu.Unlock()
	return w, nil
}

// indication runs on the driver goroutine. It must not call Close, which
// waits for this goroutine to deliver the final indication.
func (w *EventWatcher) indication(r mi.IndicationResult) {
	w.mu.Lock()
	if r.Instance != nil {
		w.queue = append(w.queue, w.event(r.Instance))
	}
	if r.ErrorDetails != nil || r.Result != mi.ResultOK {
		msg := r.ErrorMessage
		if msg == "" {
			msg = r.Result.String()
		}
		w.err = &Error{
			Info:    msg,
			Result:  r.Result,
			Message: r.ErrorMessage,
			Cause:   &mi.Error{Result: r.Result, Message: r.ErrorMessage, Details: r.ErrorDetails.Clone()},
		}
	}
	w.mu.Unlock()

	if !r.MoreResults {
		w.finishOnce.Do(func() { close(w.finished) })
	}
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// event extracts the changed object of an indication. Intrinsic events
// carry it as TargetInstance, with PreviousInstance for modifications;
// other events are returned whole.
func (w *EventWatcher) event(ind *mi.Instance) *Instance {
	embedded := func(name string) *mi.Instance {
		el, err := ind.Element(name)
		if err != nil {
			return nil
		}
		inst, _ := el.Value.(*mi.Instance)
		return inst
	}
	target := embedded("TargetInstance")
	if target == nil {
		return w.conn.wrapWeak(ind.Clone())
	}
	ev := w.conn.wrapWeak(target.Clone())
	if prev := embedded("PreviousInstance"); prev != nil {
		ev.previous = w.conn.wrapWeak(prev.Clone())
	}
	return ev
}

// next pops the latched error, or else the oldest event.
func (w *EventWatcher) next() (*Instance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		err := w.err
		w.err = nil
		return nil, err
	}
	if len(w.queue) > 0 {
		ev := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		return ev, nil
	}
	return nil, nil
}

// exhausted reports whether the subscription has ended and its final
// indication has been recorded.
func (w *EventWatcher) exhausted() bool {
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	if sub == nil {
		return true
	}
	select {
	case <-w.finished:
		return !sub.HasMoreResults()
	default:
		return false
	}
}

// Wait returns the next event, waiting at most timeout (forever when
// timeout <= 0). It returns a *TimedOutError when no event arrived in
// time, and ErrNoMoreEvents once the subscription has ended.
func (w *EventWatcher) Wait(ctx context.Context, timeout time.Duration) (ev *Instance, err error) {
	defer func() {
		if w.exhausted() {
			_ = w.Close()
			ev = nil
			if err != nil {
				err = errors.Join(ErrNoMoreEvents, err)
			} else {
				err = ErrNoMoreEvents
			}
		}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		if ev, err := w.next(); ev != nil || err != nil {
			return ev, err
		}
		if w.exhausted() {
			return nil, nil
		}
		err := w.exec.Execute(ctx, func(ctx context.Context) error {
			select {
			case <-w.signal:
				return nil
			case <-w.closed:
				return nil
			case <-expired:
				return timedOut("timed out waiting for event")
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			return nil, err
		}
	}
}

// Close cancels the subscription and waits for the driver to confirm it
// before releasing it. Pending and future Waits return ErrNoMoreEvents.
// Close is idempotent.
func (w *EventWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		sub := w.sub
		w.mu.Unlock()

		if sub != nil {
			err := sub.Cancel()
			// Releasing the subscription while the cancel is in flight is
			// unsafe, so wait for the final indication first.
			_ = w.exec.Execute(context.Background(), func(context.Context) error {
				<-w.finished
				return nil
			})
			w.closeErr = translateError(errors.Join(err, sub.Close()))
		}

		w.mu.Lock()
		w.sub = nil
		w.queue = nil
		w.err = nil
		unhook := w.unhook
		w.unhook = nil
		w.mu.Unlock()
		close(w.closed)
		if unhook != nil {
			unhook()
		}
	})
	return w.closeErr
}
