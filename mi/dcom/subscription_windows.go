//go:build windows

package dcom

import (
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/smnsjas/go-wmi/mi"
)

// subscription polls an SWbemEventSource on its own MTA thread. NextEvent
// blocks for at most one poll interval, which bounds how long Cancel takes
// to be noticed.
type subscription struct {
	src     *ole.IDispatch
	machine string
	poll    time.Duration
	fn      mi.IndicationFunc
	logger  *slog.Logger

	more       atomic.Bool
	stop       chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
}

func newSubscription(src *ole.IDispatch, machine string, poll time.Duration, fn mi.IndicationFunc, logger *slog.Logger) *subscription {
	s := &subscription{
		src:     src,
		machine: machine,
		poll:    poll,
		fn:      fn,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.more.Store(true)
	go s.run()
	return s
}

func (s *subscription) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	final := mi.IndicationResult{MachineID: s.machine}
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oe *ole.OleError
		if !errors.As(err, &oe) || oe.Code() != 1 {
			s.finish(final, comError(err))
			return
		}
	}
	defer ole.CoUninitialize()

	timeoutMs := int32(s.poll / time.Millisecond)
	for {
		select {
		case <-s.stop:
			s.finish(final, nil)
			return
		default:
		}
		v, err := oleutil.CallMethod(s.src, "NextEvent", timeoutMs)
		if err != nil {
			e := comError(err)
			var me *mi.Error
			if errors.As(e, &me) && me.IsTimeout() {
				continue
			}
			s.finish(final, e)
			return
		}
		obj := v.ToIDispatch()
		inst, err := toInstance(obj)
		obj.Release()
		if err != nil {
			s.finish(final, err)
			return
		}
		s.fn(mi.IndicationResult{Instance: inst, MachineID: s.machine, MoreResults: true})
	}
}

// finish releases the event source and delivers the final result.
func (s *subscription) finish(final mi.IndicationResult, err error) {
	s.more.Store(false)
	s.src.Release()
	if err != nil {
		var me *mi.Error
		if errors.As(err, &me) {
			final.Result = me.Result
			final.ErrorMessage = me.Message
			final.ErrorDetails = me.Details
		} else {
			final.Result = mi.ResultFailed
			final.ErrorMessage = err.Error()
		}
		s.logger.Debug("wmidcom subscription ended", "result", final.Result, "error", final.ErrorMessage)
	}
	s.fn(final)
}

// Cancel implements mi.Subscription.
func (s *subscription) Cancel() error {
	s.cancelOnce.Do(func() { close(s.stop) })
	return nil
}

// HasMoreResults implements mi.Subscription.
func (s *subscription) HasMoreResults() bool {
	return s.more.Load()
}

// Close implements mi.Subscription.
func (s *subscription) Close() error {
	_ = s.Cancel()
	<-s.done
	return nil
}
