package storage

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Subscription receives actions from a list or a single item.
//
// Implementations are compared by equality to find duplicates, so they must
// be comparable. Pointer receivers are the usual choice.
type Subscription interface {
	OnUpdate(Action)
}

// FuncSubscription adapts a func to Subscription.
type FuncSubscription struct {
	fn func(Action)
}

// OnUpdate wraps fn as a Subscription. Keep the returned pointer to unsubscribe.
func OnUpdate(fn func(Action)) *FuncSubscription {
	return &FuncSubscription{fn: fn}
}

func (f *FuncSubscription) OnUpdate(a Action) {
	if f != nil && f.fn != nil {
		f.fn(a)
	}
}

// Subscribers is an ordered, duplicate free set of subscriptions. Writers
// replace the backing slice so dispatch works on the snapshot taken when it
// started.
type Subscribers struct {
	mu    sync.Mutex
	subs  []Subscription
	muted atomic.Bool
}

func NewSubscribers() *Subscribers {
	return &Subscribers{}
}

func (s *Subscribers) snapshot() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

func (s *Subscribers) Add(sub Subscription) bool {
	if sub == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.subs, sub) {
		return false
	}
	next := slices.Clone(s.subs)
	s.subs = append(next, sub)
	return true
}

// AddAll copies every subscription of from that is not already present.
func (s *Subscribers) AddAll(from *Subscribers) {
	if from == nil || from == s {
		return
	}
	for _, sub := range from.snapshot() {
		s.Add(sub)
	}
}

func (s *Subscribers) Remove(sub Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.subs, sub)
	if i < 0 {
		return false
	}
	s.subs = slices.Delete(slices.Clone(s.subs), i, i+1)
	return true
}

func (s *Subscribers) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs = nil
}

func (s *Subscribers) Len() int {
	return len(s.snapshot())
}

func (s *Subscribers) Mute()       { s.muted.Store(true) }
func (s *Subscribers) Unmute()     { s.muted.Store(false) }
func (s *Subscribers) Muted() bool { return s.muted.Load() }

// UpdateAll delivers a to every subscriber in insertion order unless muted.
func (s *Subscribers) UpdateAll(a Action) {
	if s == nil || s.Muted() {
		return
	}
	for _, sub := range s.snapshot() {
		sub.OnUpdate(a)
	}
}

// outbox queues actions for delivery in the order they were pushed. Whoever
// finds it idle delivers until it is empty, including actions pushed by other
// goroutines or by subscribers in the meantime. A subscriber that mutates the
// list it listens to therefore sees its own action after the current one.
type outbox struct {
	mu       sync.Mutex
	queue    []Action
	draining bool
}

// push queues a and reports whether the caller has to drain.
func (o *outbox) push(a Action) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.queue = append(o.queue, a)
	if o.draining {
		return false
	}
	o.draining = true
	return true
}

func (o *outbox) drain(subs *Subscribers) {
	idle := false
	defer func() {
		// a panicking subscriber hands the queue to the next push.
		if !idle {
			o.mu.Lock()
			o.draining = false
			o.mu.Unlock()
		}
	}()

	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.queue = nil
			o.draining = false
			idle = true
			o.mu.Unlock()
			return
		}
		a := o.queue[0]
		o.queue[0] = Action{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		subs.UpdateAll(a)
	}
}
