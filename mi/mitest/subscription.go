package mitest

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/smnsjas/go-wmi/mi"
)

// subscription delivers repository events to one callback from its own
// goroutine, one at a time.
type subscription struct {
	id     string
	ns     string
	class  string
	server string
	fn     mi.IndicationFunc

	queue chan mi.IndicationResult
	stop  chan struct{}
	done  chan struct{}

	stopOnce  sync.Once
	more      atomic.Bool
	finals    atomic.Int32
	closeCnt  atomic.Int32
	finalMu   sync.Mutex
	finalNote mi.IndicationResult
}

func newSubscription(ns, class, server string, fn mi.IndicationFunc) *subscription {
	s := &subscription{
		id:     uuid.NewString(),
		ns:     ns,
		class:  class,
		server: server,
		fn:     fn,
		queue:  make(chan mi.IndicationResult, 128),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.finalNote = mi.IndicationResult{MachineID: server, Result: mi.ResultOK}
	s.more.Store(true)
	go s.run()
	return s
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		select {
		case r := <-s.queue:
			s.fn(r)
		case <-s.stop:
			s.drain()
			s.finalMu.Lock()
			final := s.finalNote
			s.finalMu.Unlock()
			s.more.Store(false)
			s.finals.Add(1)
			s.fn(final)
			return
		}
	}
}

// drain delivers what was queued before the subscription stopped.
func (s *subscription) drain() {
	for {
		select {
		case r := <-s.queue:
			s.fn(r)
		default:
			return
		}
	}
}

func (s *subscription) end(final mi.IndicationResult) {
	s.stopOnce.Do(func() {
		s.finalMu.Lock()
		s.finalNote = final
		s.finalMu.Unlock()
		close(s.stop)
	})
}

func (s *subscription) deliver(r mi.IndicationResult) {
	select {
	case <-s.stop:
	case s.queue <- r:
	}
}

// Cancel implements mi.Subscription.
func (s *subscription) Cancel() error {
	s.end(mi.IndicationResult{MachineID: s.server, Result: mi.ResultOK})
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
	s.closeCnt.Add(1)
	return nil
}

// SubscriptionStats reports the lifecycle of one subscription.
type SubscriptionStats struct {
	ID     string
	Class  string
	Active bool

	// Finals counts final (MoreResults=false) deliveries.
	Finals int
	// Closes counts calls to Close.
	Closes int
}

// Subscriptions reports every subscription created so far.
func (r *Repository) Subscriptions() []SubscriptionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SubscriptionStats, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, SubscriptionStats{
			ID:     s.id,
			Class:  s.class,
			Active: s.more.Load(),
			Finals: int(s.finals.Load()),
			Closes: int(s.closeCnt.Load()),
		})
	}
	return out
}

func (r *Repository) matching(ns, class string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*subscription
	for _, s := range r.subs {
		if s.ns == nsKey(ns) && (class == "" || strings.EqualFold(s.class, class)) && s.more.Load() {
			out = append(out, s)
		}
	}
	return out
}

// Emit delivers event to the active subscriptions of namespace ns whose
// query selects event's class. It returns the number of subscriptions
// reached.
func (r *Repository) Emit(ns string, event *mi.Instance) int {
	subs := r.matching(ns, event.ClassName)
	for _, s := range subs {
		ev := event.Clone()
		ev.Namespace = nsKey(ns)
		ev.ServerName = s.server
		s.deliver(mi.IndicationResult{Instance: ev, MachineID: s.server, MoreResults: true, Result: mi.ResultOK})
	}
	return len(subs)
}

// EmitError delivers a failed indication to the active subscriptions of
// ns. details may be nil.
func (r *Repository) EmitError(ns string, result mi.Result, message string, details *mi.Instance) {
	for _, s := range r.matching(ns, "") {
		s.deliver(mi.IndicationResult{
			MachineID:    s.server,
			MoreResults:  true,
			Result:       result,
			ErrorMessage: message,
			ErrorDetails: details.Clone(),
		})
	}
}

// EndSubscriptions ends the active subscriptions of ns from the server
// side, as when the provider stops or the connection drops.
func (r *Repository) EndSubscriptions(ns string, result mi.Result, message string) {
	for _, s := range r.matching(ns, "") {
		s.end(mi.IndicationResult{MachineID: s.server, Result: result, ErrorMessage: message})
	}
}
