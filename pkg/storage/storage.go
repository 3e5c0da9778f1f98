// package storage provides an observable in memory object cache with named,
// ordered lists of object ids layered on top of it.
package storage

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/set"
)

// Identifiable is implemented by anything kept in a Storage.
type Identifiable interface {
	ID() string
}

// Storage holds one canonical copy of every item by id and the registry of
// lists and open transactions that reference them.
type Storage[T Identifiable] struct {
	class     string
	version   string
	capacity  int
	trimSize  int
	transport TransportLayer[T]

	mu       sync.RWMutex
	cache    map[string]T
	subs     map[string]*Subscribers
	lists    map[string]*List[T]
	txs      set.Set[*List[T]]
	retained set.Set[string]

	m_push   syncint64.Counter
	m_delete syncint64.Counter
	m_evict  syncint64.Counter
	m_sweep  syncint64.Counter
}

func New[T Identifiable](ctx context.Context, opts ...Option) (*Storage[T], error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var zero T
	c := &config{
		class:    TypeOf(zero),
		version:  DefaultVersion,
		capacity: DefaultCapacity,
		trimSize: DefaultTrimSize,
	}
	for _, o := range opts {
		o.Apply(c)
	}

	s := &Storage[T]{
		class:    c.class,
		version:  c.version,
		capacity: c.capacity,
		trimSize: c.trimSize,
		cache:    make(map[string]T),
		subs:     make(map[string]*Subscribers),
		lists:    make(map[string]*List[T]),
		txs:      set.New[*List[T]](),
		retained: set.New[string](),
	}

	if c.transport != nil {
		t, ok := c.transport.(TransportLayer[T])
		if !ok {
			err := fmt.Errorf("%w: %T does not store %s", ErrNoTransport, c.transport, s.class)
			span.RecordError(err)
			return nil, err
		}
		s.transport = t
	}

	m := lg.Meter(ctx)
	var err, errs error

	s.m_push, err = m.SyncInt64().Counter("storage_push")
	errs = multierr.Append(errs, err)

	s.m_delete, err = m.SyncInt64().Counter("storage_delete")
	errs = multierr.Append(errs, err)

	s.m_evict, err = m.SyncInt64().Counter("storage_evict")
	errs = multierr.Append(errs, err)

	s.m_sweep, err = m.SyncInt64().Counter("storage_sweep")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)
	return s, errs
}

func (s *Storage[T]) Class() string   { return s.class }
func (s *Storage[T]) Version() string { return s.version }
func (s *Storage[T]) MaxSize() int    { return s.capacity }

func (s *Storage[T]) Transport() TransportLayer[T] { return s.transport }

func (s *Storage[T]) CurrentSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *Storage[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cache[id]
	return t, ok
}

func (s *Storage[T]) Contains(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// All returns every cached item ordered by id.
func (s *Storage[T]) All() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lis := make([]T, len(ids))
	for i, id := range ids {
		lis[i] = s.cache[id]
	}
	return lis
}

func (s *Storage[T]) Push(item T) {
	s.PushWithParams(item, nil)
}

// PushWithParams inserts or replaces item and notifies its subscribers and
// every list holding its id.
func (s *Storage[T]) PushWithParams(item T, params map[string]Param) {
	if isNil(item) {
		return
	}
	id := item.ID()
	a := NewAction(ActionPush).With(ParamObjectID, String(id)).WithAll(params)

	s.mu.Lock()
	s.cache[id] = item
	subs := s.subs[id]
	var lists []*List[T]
	for _, l := range s.lists {
		if slices.Contains(l.snapshot(), id) {
			lists = append(lists, l)
		}
	}
	s.mu.Unlock()

	count(s.m_push, 1)

	subs.UpdateAll(a)
	for _, l := range lists {
		l.Publish(a)
	}
}

// Delete removes id from the cache and from every list and transaction, then
// notifies and drops the item subscribers.
func (s *Storage[T]) Delete(id string) {
	s.mu.Lock()
	_, had := s.cache[id]
	delete(s.cache, id)
	s.retained.Delete(id)
	subs := s.subs[id]
	delete(s.subs, id)
	lists := make([]*List[T], 0, len(s.lists)+len(s.txs))
	for _, l := range s.lists {
		lists = append(lists, l)
	}
	for tx := range s.txs {
		lists = append(lists, tx)
	}
	s.mu.Unlock()

	for _, l := range lists {
		l.removeEvery(id)
	}

	if had {
		count(s.m_delete, 1)
		subs.UpdateAll(NewAction(ActionDelete).With(ParamObjectID, String(id)))
	}
}

// Retain pins item in the cache until Recycle.
func (s *Storage[T]) Retain(item T) {
	if isNil(item) {
		return
	}
	s.mu.Lock()
	s.retained.Add(item.ID())
	s.mu.Unlock()

	s.Push(item)
}

func (s *Storage[T]) Recycle(item T) {
	if isNil(item) {
		return
	}
	s.mu.Lock()
	s.retained.Delete(item.ID())
	s.mu.Unlock()
}

func (s *Storage[T]) Subscribe(id string, sub Subscription) {
	s.mu.Lock()
	subs, ok := s.subs[id]
	if !ok {
		subs = NewSubscribers()
		s.subs[id] = subs
	}
	s.mu.Unlock()

	subs.Add(sub)
}

func (s *Storage[T]) Unsubscribe(id string, sub Subscription) {
	s.mu.RLock()
	subs := s.subs[id]
	s.mu.RUnlock()

	if subs != nil {
		subs.Remove(sub)
	}
}

func (s *Storage[T]) UnsubscribeAll(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// UnsubscribeEverything drops item subscriptions and the subscribers of every
// registered list.
func (s *Storage[T]) UnsubscribeEverything() {
	s.mu.Lock()
	s.subs = make(map[string]*Subscribers)
	lists := s.registered()
	s.mu.Unlock()

	for _, l := range lists {
		l.UnsubscribeAll()
	}
}

// ObtainList sweeps unreachable items and returns the list registered under
// name, creating it when needed. The caller holds the list until Release.
func (s *Storage[T]) ObtainList(name string) *List[T] {
	s.Sweep()

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[name]
	if !ok {
		l = newList(s, name)
		s.lists[name] = l
	}
	l.holders.Add(1)

	return l
}

func (s *Storage[T]) RemoveList(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.lists, name)
}

func (s *Storage[T]) ListCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.lists)
}

// ListNames returns the names of registered lists in sorted order.
func (s *Storage[T]) ListNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.lists))
	for name := range s.lists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearAll empties every list, the cache, open transactions and retained items.
func (s *Storage[T]) ClearAll() {
	s.mu.RLock()
	lists := s.registered()
	s.mu.RUnlock()

	for _, l := range lists {
		l.Clear()
	}

	s.mu.Lock()
	s.cache = make(map[string]T)
	s.txs = set.New[*List[T]]()
	s.retained = set.New[string]()
	s.mu.Unlock()
}

// SaveAll persists every registered list in the background.
func (s *Storage[T]) SaveAll(ctx context.Context) {
	s.Save(ctx, s.ListNames()...)
}

// Save persists the named lists in the background.
func (s *Storage[T]) Save(ctx context.Context, names ...string) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	s.mu.RLock()
	lists := make([]*List[T], 0, len(names))
	for _, name := range names {
		if l, ok := s.lists[name]; ok {
			lists = append(lists, l)
		}
	}
	s.mu.RUnlock()

	for _, l := range lists {
		l.Save(ctx)
	}
}

// Sweep evicts every cached item that is not retained, not referenced by a
// reachable list and not referenced by an open transaction. Lists that are
// neither held nor retained are dropped from the registry. It returns the
// number of evicted items.
func (s *Storage[T]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count(s.m_sweep, 1)

	keep := set.New(s.retained.Values()...)
	for name, l := range s.lists {
		if !l.reachable() {
			delete(s.lists, name)
			continue
		}
		keep.Add(l.snapshot()...)
	}
	for tx := range s.txs {
		keep.Add(tx.snapshot()...)
	}

	evicted := 0
	for id := range s.cache {
		if !keep.Has(id) {
			delete(s.cache, id)
			evicted++
		}
	}

	if evicted > 0 {
		count(s.m_evict, evicted)
		log.Printf("%s: evicted %d items", s.class, evicted)
	}

	return evicted
}

// registered returns the registered lists. s.mu must be held.
func (s *Storage[T]) registered() []*List[T] {
	lists := make([]*List[T], 0, len(s.lists))
	for _, l := range s.lists {
		lists = append(lists, l)
	}
	return lists
}

// TypeOf returns the package qualified type name of v without pointer markers.
func TypeOf(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func count(c syncint64.Counter, n int) {
	if c != nil {
		c.Add(context.Background(), int64(n))
	}
}
