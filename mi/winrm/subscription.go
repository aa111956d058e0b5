package winrm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smnsjas/go-wmi/mi"
	"github.com/smnsjas/go-wmi/wsman"
)

// eventBatch bounds the events returned by one Pull.
const eventBatch = 64

// subscription polls a pull-mode WS-Eventing subscription and hands each
// event to the callback.
type subscription struct {
	s   *session
	ns  string
	uri string
	sub *wsman.Subscription
	fn  mi.IndicationFunc

	cancel     context.CancelFunc
	cancelOnce sync.Once
	more       atomic.Bool
	done       chan struct{}
}

// Subscribe implements mi.Session.
func (s *session) Subscribe(ctx context.Context, ns, wql string, fn mi.IndicationFunc, _ *mi.OperationOptions) (mi.Subscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, mi.NewError(mi.ResultInvalidParameter, "indication callback is nil")
	}
	uri := wsman.WMIResourceURI(ns, "")
	sub, err := s.client.Subscribe(ctx, uri, wql)
	if err != nil {
		return nil, toMIError(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	es := &subscription{
		s:      s,
		ns:     ns,
		uri:    uri,
		sub:    sub,
		fn:     fn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	es.more.Store(true)
	s.logger.Debug("event subscription started", "namespace", ns, "query", wql, "id", sub.SubscriptionID)
	go es.run(runCtx)
	return es, nil
}

func (es *subscription) run(ctx context.Context) {
	defer close(es.done)

	final := mi.IndicationResult{MachineID: es.s.server, Result: mi.ResultOK}
	if err := es.poll(ctx); err != nil && ctx.Err() == nil {
		final.Result = mi.ResultOf(err)
		final.ErrorMessage = err.Error()
		es.s.logger.Debug("event subscription failed", "id", es.sub.SubscriptionID, "error", err)
	}

	uctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := es.s.client.Unsubscribe(uctx, es.sub); err != nil {
		es.s.logger.Debug("unsubscribe failed", "id", es.sub.SubscriptionID, "error", err)
	}
	cancel()

	es.more.Store(false)
	es.fn(final)
}

// poll pulls until the context ends, the server closes the sequence, or a
// failure outlasts the retry policy.
func (es *subscription) poll(ctx context.Context) error {
	enumCtx := es.sub.EnumerationContext

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	policy := backoff.WithContext(b, ctx)

	for {
		var resp *wsman.PullResponse
		err := backoff.Retry(func() error {
			r, err := es.s.client.PullWait(ctx, es.uri, enumCtx, eventBatch, es.s.pullWait)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				var fault *wsman.Fault
				if errors.As(err, &fault) {
					if fault.IsTimeout() {
						resp = &wsman.PullResponse{EnumerationContext: enumCtx}
						return nil
					}
					if fault.IsInvalidEnumerationContext() || fault.IsAccessDenied() {
						return backoff.Permanent(toMIError(err))
					}
				}
				es.s.logger.Debug("event pull failed, retrying", "id", es.sub.SubscriptionID, "error", err)
				return toMIError(err)
			}
			resp = r
			return nil
		}, policy)
		if err != nil {
			return err
		}
		b.Reset()

		if resp.EnumerationContext != "" {
			enumCtx = resp.EnumerationContext
		}
		items, err := resp.Items.Entries()
		if err != nil {
			es.deliverError(&mi.Error{Result: mi.ResultFailed, Message: err.Error()})
		}
		d := es.s.decoder(ctx, es.ns)
		for _, item := range items {
			if ctx.Err() != nil {
				return nil
			}
			inst, err := d.decodeObject(item.Object, item.EPR)
			if err != nil {
				es.deliverError(&mi.Error{Result: mi.ResultFailed, Message: err.Error()})
				continue
			}
			es.fn(mi.IndicationResult{
				Instance:    inst,
				MachineID:   es.s.server,
				MoreResults: true,
				Result:      mi.ResultOK,
			})
		}
		if resp.EndOfSequence != nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (es *subscription) deliverError(err *mi.Error) {
	es.fn(mi.IndicationResult{
		MachineID:    es.s.server,
		MoreResults:  true,
		Result:       err.Result,
		ErrorMessage: err.Message,
	})
}

// Cancel implements mi.Subscription.
func (es *subscription) Cancel() error {
	es.cancelOnce.Do(es.cancel)
	return nil
}

// HasMoreResults implements mi.Subscription.
func (es *subscription) HasMoreResults() bool {
	return es.more.Load()
}

// Close implements mi.Subscription.
func (es *subscription) Close() error {
	_ = es.Cancel()
	<-es.done
	return nil
}
