// Package events provides one-shot pub/sub used to await protocol events.
// A subscription resolves with the first matching event emitted after it was
// created; there is no replay and no buffering of earlier events.
package events

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Predicate filters event payloads. A nil predicate matches every event of
// the subscribed kind. Predicates run with the registry lock held and must
// not call back into the registry.
type Predicate func(payload any) bool

// Registry fans events out to one-shot subscriptions, keyed by event kind.
// Safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a one-shot listener for the given event kind. The
// returned cancel func removes the listener; it is idempotent and safe to
// call after the subscription already resolved.
func (r *Registry) Subscribe(kind string, pred Predicate) (*Subscription, func()) {
	sub := &Subscription{
		id:   ulid.Make().String(),
		kind: kind,
		pred: pred,
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[kind] = append(r.subs[kind], sub)
	r.mu.Unlock()

	cancel := func() {
		r.remove(sub)
		sub.cancel()
	}
	return sub, cancel
}

// Emit resolves and removes every current subscription for kind whose
// predicate accepts payload. Multiple subscriptions may resolve off a single
// event; zero matches is not an error.
func (r *Registry) Emit(kind string, payload any) {
	r.mu.Lock()
	subs := r.subs[kind]
	var matched []*Subscription
	var kept []*Subscription
	for _, sub := range subs {
		if sub.pred == nil || sub.pred(payload) {
			matched = append(matched, sub)
		} else {
			kept = append(kept, sub)
		}
	}
	if len(matched) > 0 {
		if len(kept) > 0 {
			r.subs[kind] = kept
		} else {
			delete(r.subs, kind)
		}
	}
	r.mu.Unlock()

	for _, sub := range matched {
		sub.resolve(payload)
	}
}

// CancelAll cancels every outstanding subscription. Used when the event
// source goes away (session detach, connection loss).
func (r *Registry) CancelAll() {
	r.mu.Lock()
	all := r.subs
	r.subs = make(map[string][]*Subscription)
	r.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.cancel()
		}
	}
}

// Len reports the number of outstanding subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, subs := range r.subs {
		n += len(subs)
	}
	return n
}

func (r *Registry) remove(target *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[target.kind]
	for i, sub := range subs {
		if sub == target {
			r.subs[target.kind] = append(subs[:i], subs[i+1:]...)
			if len(r.subs[target.kind]) == 0 {
				delete(r.subs, target.kind)
			}
			return
		}
	}
}

// Subscription is a single-resolution future for one event. Exactly one of
// resolve or cancel ever takes effect; the struct enforces this with
// sync.Once rather than last-write-wins.
type Subscription struct {
	id   string
	kind string
	pred Predicate

	once      sync.Once
	done      chan struct{}
	payload   any
	cancelled bool
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Kind returns the subscribed event kind.
func (s *Subscription) Kind() string { return s.kind }

// Done is closed once the subscription resolved or was cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Payload returns the resolved event payload. Only valid after Done is
// closed; reading it again later returns the same cached value.
func (s *Subscription) Payload() any { return s.payload }

// Cancelled reports whether the subscription ended by cancellation rather
// than resolution. Only meaningful after Done is closed.
func (s *Subscription) Cancelled() bool { return s.cancelled }

func (s *Subscription) resolve(payload any) {
	s.once.Do(func() {
		s.payload = payload
		close(s.done)
	})
}

func (s *Subscription) cancel() {
	s.once.Do(func() {
		s.cancelled = true
		close(s.done)
	})
}
